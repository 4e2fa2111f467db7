package command

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/gpuforge/foundry/rhiutils/dynalloc"
)

// contextState tracks where a context is in its checkout lifecycle. Contexts cycle
// between recording and released for the life of the process; there is no terminal state.
type contextState uint32

const (
	contextUninitialized contextState = iota
	contextRecording
	contextReleased
)

var contextStateMapping = map[contextState]string{
	contextUninitialized: "Uninitialized",
	contextRecording:     "Recording",
	contextReleased:      "Released",
}

func (s contextState) String() string {
	return contextStateMapping[s]
}

// CommandContext owns one recording handle and everything scoped to one recording
// session: a backing allocator handle, a bounded pending-barrier batch, scoped upload and
// descriptor allocators, and the bound pipeline state. Contexts are only obtained through
// Begin or ContextManager.AllocateContext and only returned through Finish or
// ContextManager.FreeContext; between those two calls the context belongs to a single
// thread. After Finish the pointer must not be touched again- the manager may hand the
// same context to another thread at any time.
type CommandContext struct {
	manager *ContextManager
	logger  *slog.Logger

	id        uint64
	poolIndex int
	queueType QueueType
	label     string

	state            contextState
	recordingHandle  RecordingHandle
	currentAllocator AllocatorHandle
	lastSubmitted    CompletionToken

	barriers barrierQueue

	dynamicUpload      *dynalloc.LinearAllocator
	dynamicDescriptors *dynalloc.DescriptorSuballocator

	pipelineState PipelineState
}

// Begin checks out a graphics-queue recording context from manager and tags it with a
// debug label. It is the supported entry point for acquiring a context: construct a
// manager once, then Begin per recording session.
func Begin(manager *ContextManager, label string) (*CommandContext, error) {
	return BeginForQueue(manager, QueueDirect, label)
}

// BeginForQueue is Begin for an explicit queue type
func BeginForQueue(manager *ContextManager, queueType QueueType, label string) (*CommandContext, error) {
	if manager == nil {
		contractViolation("Begin: no ContextManager provided")
	}

	ctx, err := manager.AllocateContext(queueType)
	if err != nil {
		return nil, err
	}
	ctx.SetID(label)
	return ctx, nil
}

// QueueType returns the queue type this context submits to
func (c *CommandContext) QueueType() QueueType {
	return c.queueType
}

// ID returns the context's debug label
func (c *CommandContext) ID() string {
	return c.label
}

// SetID assigns a debug label used in log output
func (c *CommandContext) SetID(label string) {
	c.requireRecording("SetID")
	c.label = label
}

// reset reinitializes a context freshly popped from the reuse queue. The context arrives
// with no allocator handle- Finish or FreeContext discarded the previous one- and must
// not be handed out until a fresh one is attached.
func (c *CommandContext) reset() error {
	if c.state != contextReleased {
		contractViolation("reset: context %d is %s, expected %s", c.id, c.state, contextReleased)
	}
	if c.recordingHandle == nil || c.currentAllocator != nil {
		contractViolation("reset: context %d was released in an inconsistent state", c.id)
	}

	allocator, err := c.manager.device.RequestAllocatorHandle(c.queueType)
	if err != nil {
		return errors.Wrapf(err, "failed to acquire an allocator to reset context %d", c.id)
	}
	if allocator.QueueType() != c.queueType {
		contractViolation("reset: context %d (%s) was issued a %s allocator", c.id, c.queueType, allocator.QueueType())
	}

	err = c.manager.device.ResetRecordingHandle(c.recordingHandle, allocator)
	if err != nil {
		c.manager.device.DiscardAllocatorHandle(c.queueType, allocator, c.lastSubmitted)
		return errors.Wrapf(err, "failed to reset the recording handle of context %d", c.id)
	}

	c.currentAllocator = allocator
	c.state = contextRecording
	c.label = ""
	c.pipelineState = nil
	c.barriers.Discard()

	// Scratch released lazily here when Finish was not asked to do it eagerly
	c.dynamicUpload.ReleaseAll(uint64(c.lastSubmitted))
	c.dynamicDescriptors.ReleaseAll()

	return nil
}

func (c *CommandContext) requireRecording(operation string) {
	if c.state != contextRecording {
		contractViolation("%s: context %d (%q) is %s, not %s- contexts must not be used after Finish",
			operation, c.id, c.label, c.state, contextRecording)
	}
}

func (c *CommandContext) submitBarrierBatch(barriers []Barrier) error {
	c.logger.Debug("CommandContext::FlushResourceBarriers",
		slog.Uint64("ContextID", c.id),
		slog.Int("Count", len(barriers)))

	return c.recordingHandle.RecordBarriers(barriers)
}

func (c *CommandContext) checkQueueStateMask(newState ResourceStates) {
	switch c.queueType {
	case QueueCompute:
		if newState&^ValidComputeQueueStates != 0 {
			contractViolation("TransitionResource: %s is not reachable from a compute-queue context", newState)
		}
	case QueueCopy:
		if newState&^ValidCopyQueueStates != 0 {
			contractViolation("TransitionResource: %s is not reachable from a copy-queue context", newState)
		}
	}
}

// TransitionResource records a transition of resource to newState. The resource's tracked
// state is updated immediately- the barrier itself may sit batched until the next flush,
// but later transition decisions in this session must observe the promised state. A
// transition to the state the resource is already in records nothing. If the pending
// batch reaches capacity the batch is flushed before returning; passing flushImmediate
// flushes unconditionally.
func (c *CommandContext) TransitionResource(resource GpuResource, newState ResourceStates, flushImmediate bool) error {
	c.requireRecording("TransitionResource")
	c.checkQueueStateMask(newState)

	tracker := resource.ResourceState()
	oldState := tracker.CurrentState()

	if pending, ok := tracker.PendingTransition(); ok {
		// A split transition is in flight. Resolve it if this call lands on its target;
		// anything else means the caller abandoned the split halfway.
		if pending != newState {
			contractViolation("TransitionResource: resource has a pending split transition to %s, but %s was requested", pending, newState)
		}

		err := c.barriers.Append(Barrier{
			Resource:    resource,
			StateBefore: oldState,
			StateAfter:  newState,
			Kind:        BarrierSplitEnd,
		})
		if err != nil {
			return err
		}

		tracker.clearPendingTransition()
		tracker.SetCurrentState(newState)
	} else if oldState != newState {
		err := c.barriers.Append(Barrier{
			Resource:    resource,
			StateBefore: oldState,
			StateAfter:  newState,
			Kind:        BarrierImmediate,
		})
		if err != nil {
			return err
		}

		tracker.SetCurrentState(newState)
	}

	if flushImmediate {
		return c.FlushResourceBarriers()
	}
	return nil
}

// BeginResourceTransition records the begin half of a split transition, announcing the
// state change early so the driver can overlap it with unrelated work. The resource's
// tracked state is not updated until the matching TransitionResource to the same target
// resolves the split. Beginning a second split while one is pending is a contract
// violation: a resource carries at most one pending transition.
func (c *CommandContext) BeginResourceTransition(resource GpuResource, newState ResourceStates, flushImmediate bool) error {
	c.requireRecording("BeginResourceTransition")
	c.checkQueueStateMask(newState)

	tracker := resource.ResourceState()
	if pending, ok := tracker.PendingTransition(); ok {
		contractViolation("BeginResourceTransition: resource already has a pending split transition to %s", pending)
	}

	oldState := tracker.CurrentState()
	if oldState == newState {
		return nil
	}

	err := c.barriers.Append(Barrier{
		Resource:    resource,
		StateBefore: oldState,
		StateAfter:  newState,
		Kind:        BarrierSplitBegin,
	})
	if err != nil {
		return err
	}
	tracker.setPendingTransition(newState)

	if flushImmediate {
		return c.FlushResourceBarriers()
	}
	return nil
}

// InsertUAVBarrier records a barrier ordering unordered-access work on resource without
// changing its state
func (c *CommandContext) InsertUAVBarrier(resource GpuResource, flushImmediate bool) error {
	c.requireRecording("InsertUAVBarrier")

	state := resource.ResourceState().CurrentState()
	err := c.barriers.Append(Barrier{
		Resource:    resource,
		StateBefore: state,
		StateAfter:  state,
		Kind:        BarrierUAV,
	})
	if err != nil {
		return err
	}

	if flushImmediate {
		return c.FlushResourceBarriers()
	}
	return nil
}

// FlushResourceBarriers submits every pending barrier to the recording handle as one
// batched call and empties the batch
func (c *CommandContext) FlushResourceBarriers() error {
	c.requireRecording("FlushResourceBarriers")
	return c.barriers.Flush()
}

// PendingBarrierCount returns the number of barriers batched and not yet flushed
func (c *CommandContext) PendingBarrierCount() int {
	return c.barriers.Len()
}

// SetPipelineState binds pso for subsequent recorded work. Rebinding the already-bound
// pipeline records nothing.
func (c *CommandContext) SetPipelineState(pso PipelineState) error {
	c.requireRecording("SetPipelineState")

	if pso == c.pipelineState {
		return nil
	}

	err := c.recordingHandle.BindPipelineState(pso)
	if err != nil {
		return err
	}
	c.pipelineState = pso
	return nil
}

// PipelineState returns the currently bound pipeline-state reference, or nil
func (c *CommandContext) PipelineState() PipelineState {
	return c.pipelineState
}

// AllocateDynamicSpace bump-allocates numBytes of upload scratch aligned to alignment
// from the session's scoped upload allocator. Growth of the backing store is transparent;
// the call only fails if the device cannot provide another page.
func (c *CommandContext) AllocateDynamicSpace(numBytes int, alignment uint) (dynalloc.Allocation, error) {
	c.requireRecording("AllocateDynamicSpace")
	return c.dynamicUpload.Allocate(numBytes, alignment)
}

// AllocateDynamicDescriptors reserves count contiguous shader-visible descriptor slots
// from the session's dynamic descriptor suballocator
func (c *CommandContext) AllocateDynamicDescriptors(count int) (dynalloc.DescriptorRange, error) {
	c.requireRecording("AllocateDynamicDescriptors")
	return c.dynamicDescriptors.Allocate(count)
}

// Flush submits everything recorded so far to the context's queue and keeps the context
// checked out, ready to record more. Pending barriers are flushed first. If
// waitForCompletion is set, the calling thread blocks until the device reports the
// returned token reached.
func (c *CommandContext) Flush(waitForCompletion bool) (CompletionToken, error) {
	c.requireRecording("Flush")

	c.logger.Debug("CommandContext::Flush",
		slog.Uint64("ContextID", c.id),
		slog.String("ID", c.label))

	if err := c.FlushResourceBarriers(); err != nil {
		return 0, err
	}

	device := c.manager.device
	token, err := device.SubmitRecordedWork(c.recordingHandle, c.queueType)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to submit context %d", c.id)
	}
	c.lastSubmitted = token

	// The handle keeps recording into the same allocator
	err = device.ResetRecordingHandle(c.recordingHandle, c.currentAllocator)
	if err != nil {
		return token, errors.Wrapf(err, "failed to re-open context %d after flush", c.id)
	}

	if waitForCompletion {
		if err := device.WaitForToken(token); err != nil {
			return token, err
		}
	}
	return token, nil
}

// Finish submits everything recorded, returns the completion token for the submission,
// and unconditionally releases the context and its allocator handle back to the owning
// manager- even when flushing or submission fails, so a failed Finish never leaks the
// context. If releaseDynamic is set the scoped allocators are reset eagerly; otherwise
// they are reset lazily when the context is next checked out. If waitForCompletion is set
// the calling thread blocks until the token is reached. The caller must not use the
// context after Finish returns.
func (c *CommandContext) Finish(waitForCompletion bool, releaseDynamic bool) (CompletionToken, error) {
	c.requireRecording("Finish")

	c.logger.Debug("CommandContext::Finish",
		slog.Uint64("ContextID", c.id),
		slog.String("ID", c.label))

	id := c.id
	device := c.manager.device

	flushErr := c.FlushResourceBarriers()

	var token CompletionToken
	var submitErr error
	if flushErr == nil {
		token, submitErr = device.SubmitRecordedWork(c.recordingHandle, c.queueType)
		if submitErr == nil {
			c.lastSubmitted = token
		}
	}

	// Whatever happened above, the context goes back to the manager. The allocator is
	// fenced on the last submission that actually reached the device.
	device.DiscardAllocatorHandle(c.queueType, c.currentAllocator, c.lastSubmitted)
	c.currentAllocator = nil

	if releaseDynamic {
		c.dynamicUpload.ReleaseAll(uint64(c.lastSubmitted))
		c.dynamicDescriptors.ReleaseAll()
	}

	c.manager.FreeContext(c)

	if flushErr != nil {
		return 0, flushErr
	}
	if submitErr != nil {
		return 0, errors.Wrapf(submitErr, "failed to submit context %d", id)
	}

	if waitForCompletion {
		if err := device.WaitForToken(token); err != nil {
			return token, err
		}
	}
	return token, nil
}
