package command

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slog"

	"github.com/gpuforge/foundry/command/internal/utils"
	"github.com/gpuforge/foundry/rhiutils"
	"github.com/gpuforge/foundry/rhiutils/dynalloc"
)

// contextPool is the per-queue-type pool state: an arena of every context ever
// constructed for the type, which never shrinks, and a FIFO of arena indices currently
// available for reuse. Indices rather than pointers keep a single owning view of each
// context.
type contextPool struct {
	contexts  []*CommandContext
	available []int
}

// ContextManager is the single shared structure of this package: it owns every
// CommandContext ever constructed, partitioned strictly by queue type, and tracks which
// are available for reuse. AllocateContext and FreeContext are safe for concurrent use
// unless the manager was created ManagerCreateExternallySynchronized; the contexts they
// issue are not, and belong to one thread at a time by contract.
type ContextManager struct {
	logger *slog.Logger
	device Device

	uploadPageSize      int
	descriptorChunkSize int

	mutex         utils.OptionalRWMutex
	pools         map[QueueType]*contextPool
	checkedOut    *swiss.Map[uint64, *CommandContext]
	nextContextID uint64
}

// Device returns the device layer this manager issues contexts for
func (m *ContextManager) Device() Device {
	return m.device
}

// AllocateContext checks out a recording context for queueType, reusing the
// least-recently-freed one when the type's pool has any available and constructing a new
// one otherwise. The returned context is exclusively the caller's until Finish or
// FreeContext. The only failure mode is the device refusing a handle or allocator, which
// is surfaced unretried.
func (m *ContextManager) AllocateContext(queueType QueueType) (*CommandContext, error) {
	m.logger.Debug("ContextManager::AllocateContext", slog.String("QueueType", queueType.String()))

	if _, ok := queueTypeMapping[queueType]; !ok {
		contractViolation("AllocateContext: unknown queue type %d", queueType)
	}

	m.mutex.Lock()
	pool := m.pools[queueType]
	if pool == nil {
		pool = &contextPool{}
		m.pools[queueType] = pool
	}

	var ctx *CommandContext
	if len(pool.available) > 0 {
		index := pool.available[0]
		pool.available = pool.available[1:]
		ctx = pool.contexts[index]
		m.checkedOut.Put(ctx.id, ctx)
	}
	m.mutex.Unlock()

	// Device calls happen outside the critical section: only pointer bookkeeping is done
	// under the lock.
	if ctx != nil {
		if err := ctx.reset(); err != nil {
			m.mutex.Lock()
			m.checkedOut.Delete(ctx.id)
			pool.available = append(pool.available, ctx.poolIndex)
			m.mutex.Unlock()
			return nil, err
		}
		return ctx, nil
	}

	ctx, err := m.constructContext(queueType)
	if err != nil {
		return nil, err
	}

	m.mutex.Lock()
	ctx.id = m.nextContextID
	m.nextContextID++
	ctx.poolIndex = len(pool.contexts)
	pool.contexts = append(pool.contexts, ctx)
	m.checkedOut.Put(ctx.id, ctx)
	m.mutex.Unlock()

	m.logger.Debug("ContextManager::AllocateContext constructed a new context",
		slog.String("QueueType", queueType.String()),
		slog.Uint64("ContextID", ctx.id))

	return ctx, nil
}

func (m *ContextManager) constructContext(queueType QueueType) (*CommandContext, error) {
	handle, allocator, err := m.device.CreateRecordingHandle(queueType)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create a recording handle for %s", queueType)
	}

	dynamicUpload, err := dynalloc.NewLinearAllocator(m.device, m.uploadPageSize)
	if err != nil {
		return nil, err
	}
	dynamicDescriptors, err := dynalloc.NewDescriptorSuballocator(m.device, m.descriptorChunkSize)
	if err != nil {
		return nil, err
	}

	ctx := &CommandContext{
		manager:   m,
		logger:    m.logger,
		queueType: queueType,

		state:            contextRecording,
		recordingHandle:  handle,
		currentAllocator: allocator,

		dynamicUpload:      dynamicUpload,
		dynamicDescriptors: dynamicDescriptors,
	}
	ctx.barriers = newBarrierQueue(ctx.submitBarrierBatch)

	return ctx, nil
}

// FreeContext returns ctx to its own type's reuse queue without resetting it; reset cost
// is deferred to the next AllocateContext that picks it up. ctx must have been returned
// by AllocateContext on this manager and not already freed; anything else is a contract
// violation. Contexts freed while still holding recorded-but-unsubmitted work have that
// work discarded at the next reset.
func (m *ContextManager) FreeContext(ctx *CommandContext) {
	if ctx == nil {
		contractViolation("FreeContext: attempted to free a nil context")
	}

	m.logger.Debug("ContextManager::FreeContext",
		slog.String("QueueType", ctx.queueType.String()),
		slog.Uint64("ContextID", ctx.id))

	m.mutex.Lock()
	registered, ok := m.checkedOut.Get(ctx.id)
	if !ok || registered != ctx {
		m.mutex.Unlock()
		contractViolation("FreeContext: context %d (%s) is not checked out from this manager- already freed, or foreign", ctx.id, ctx.queueType)
	}
	m.checkedOut.Delete(ctx.id)
	m.mutex.Unlock()

	// The context still holds its allocator if the caller skipped Finish. Hand it back
	// fenced on the last submission that could reference it.
	if ctx.currentAllocator != nil {
		m.device.DiscardAllocatorHandle(ctx.queueType, ctx.currentAllocator, ctx.lastSubmitted)
		ctx.currentAllocator = nil
	}
	ctx.state = contextReleased

	m.mutex.Lock()
	pool := m.pools[ctx.queueType]
	pool.available = append(pool.available, ctx.poolIndex)
	m.mutex.Unlock()
}

// Statistics returns a snapshot of pool occupancy and live scratch allocations across
// every checked-out context
func (m *ContextManager) Statistics() rhiutils.Statistics {
	var detailed rhiutils.DetailedStatistics
	detailed.Clear()
	m.AddDetailedStatistics(&detailed)
	return detailed.Statistics
}

// AddDetailedStatistics sums this manager's pool and scratch-allocation statistics into
// stats
func (m *ContextManager) AddDetailedStatistics(stats *rhiutils.DetailedStatistics) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for _, pool := range m.pools {
		stats.ContextCount += len(pool.contexts)
		stats.AvailableCount += len(pool.available)
	}

	// The manager lock only covers the checked-out map itself. Contexts in the map are
	// being recorded on other threads, so this walk is limited to the upload allocators,
	// which guard their statistics with their own mutex.
	m.checkedOut.Iter(func(_ uint64, ctx *CommandContext) bool {
		ctx.dynamicUpload.AddDetailedStatistics(stats)
		return false
	})
}
