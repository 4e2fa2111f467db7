package command_test

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gpuforge/foundry/command"
)

func TestAllocateContextConstructsOnDemand(t *testing.T) {
	device := &testDevice{}
	manager := newTestManager(t, device)

	ctx1, err := manager.AllocateContext(command.QueueDirect)
	require.NoError(t, err)
	ctx2, err := manager.AllocateContext(command.QueueDirect)
	require.NoError(t, err)

	// No frees yet, so the second request cannot reuse the first context
	require.NotSame(t, ctx1, ctx2)
	require.Equal(t, 2, device.handlesCreated)

	stats := manager.Statistics()
	require.Equal(t, 2, stats.ContextCount)
	require.Equal(t, 0, stats.AvailableCount)
}

func TestPoolReuseReturnsSameInstance(t *testing.T) {
	device := &testDevice{}
	manager := newTestManager(t, device)

	ctx1, err := manager.AllocateContext(command.QueueDirect)
	require.NoError(t, err)

	_, err = ctx1.Finish(false, false)
	require.NoError(t, err)

	ctx2, err := manager.AllocateContext(command.QueueDirect)
	require.NoError(t, err)

	// The pool recycles the released instance rather than constructing a second one
	require.Same(t, ctx1, ctx2)
	require.Equal(t, 1, device.handlesCreated)

	// The recycled context runs on a freshly acquired allocator handle
	require.Equal(t, 2, device.allocatorsIssued)
	require.Len(t, device.discarded, 1)
}

func TestQueueTypePartitioning(t *testing.T) {
	device := &testDevice{}
	manager := newTestManager(t, device)

	direct, err := manager.AllocateContext(command.QueueDirect)
	require.NoError(t, err)
	require.Equal(t, command.QueueDirect, direct.QueueType())

	_, err = direct.Finish(false, false)
	require.NoError(t, err)

	// A freed direct context must not satisfy a compute request
	compute, err := manager.AllocateContext(command.QueueCompute)
	require.NoError(t, err)
	require.NotSame(t, direct, compute)
	require.Equal(t, command.QueueCompute, compute.QueueType())
	require.Equal(t, 2, device.handlesCreated)
}

func TestFreeContextDoubleFree(t *testing.T) {
	device := &testDevice{}
	manager := newTestManager(t, device)

	ctx, err := manager.AllocateContext(command.QueueDirect)
	require.NoError(t, err)

	manager.FreeContext(ctx)
	expectContractViolation(t, func() {
		manager.FreeContext(ctx)
	})
}

func TestFreeContextNil(t *testing.T) {
	device := &testDevice{}
	manager := newTestManager(t, device)

	expectContractViolation(t, func() {
		manager.FreeContext(nil)
	})
}

func TestFreeContextForeign(t *testing.T) {
	device := &testDevice{}
	manager := newTestManager(t, device)
	otherManager := newTestManager(t, &testDevice{})

	ctx, err := otherManager.AllocateContext(command.QueueDirect)
	require.NoError(t, err)

	expectContractViolation(t, func() {
		manager.FreeContext(ctx)
	})
}

func TestLiveContextsNeverExceedUnmatchedAllocates(t *testing.T) {
	device := &testDevice{}
	manager := newTestManager(t, device)

	var live []*command.CommandContext
	maxLive := 0

	for round := 0; round < 5; round++ {
		for i := 0; i < 4; i++ {
			ctx, err := manager.AllocateContext(command.QueueDirect)
			require.NoError(t, err)
			live = append(live, ctx)
		}
		if len(live) > maxLive {
			maxLive = len(live)
		}

		for _, ctx := range live {
			manager.FreeContext(ctx)
		}
		live = live[:0]
	}

	// The pool never grew beyond the deepest point of unmatched allocates
	stats := manager.Statistics()
	require.Equal(t, maxLive, stats.ContextCount)
	require.Equal(t, maxLive, stats.AvailableCount)
}

func TestConcurrentAllocateFree(t *testing.T) {
	device := &testDevice{}
	manager := newTestManager(t, device)

	const workers = 8
	const iterations = 200

	// One in-use flag per context pointer. A flipped flag on checkout means the manager
	// handed the same context to two workers at once.
	var holders sync.Map

	var wg sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for i := 0; i < iterations; i++ {
				ctx, err := manager.AllocateContext(command.QueueDirect)
				if err != nil {
					t.Error(err)
					return
				}

				flagValue, _ := holders.LoadOrStore(ctx, new(atomic.Bool))
				flag := flagValue.(*atomic.Bool)
				if !flag.CompareAndSwap(false, true) {
					t.Errorf("context %p was checked out by two workers at once", ctx)
					return
				}

				resource := newTestResource("shared-free", command.ResourceStateCommon)
				if err = ctx.TransitionResource(resource, command.ResourceStateRenderTarget, false); err != nil {
					t.Error(err)
					return
				}

				// Clear the flag before Finish hands the context back, so the next
				// checkout of this context always observes it cleared
				flag.Store(false)
				if _, err = ctx.Finish(false, false); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	// At most one checkout per worker at a time means the pool never needed more
	// contexts than workers
	stats := manager.Statistics()
	require.LessOrEqual(t, stats.ContextCount, workers)
	require.Equal(t, stats.ContextCount, stats.AvailableCount)
}

func TestStatisticsWhileRecording(t *testing.T) {
	device := &testDevice{}
	manager := newTestManager(t, device)

	ctx, err := command.Begin(manager, "recording")
	require.NoError(t, err)

	// Sample the manager's statistics continuously while another thread records into the
	// checked-out context's scratch allocators
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			_ = manager.Statistics()
			_ = manager.BuildStatsString(true)
		}
	}()

	const allocations = 500
	for i := 0; i < allocations; i++ {
		_, err := ctx.AllocateDynamicSpace(64, 16)
		require.NoError(t, err)
	}
	close(done)
	wg.Wait()

	stats := manager.Statistics()
	require.Equal(t, allocations, stats.AllocationCount)
	require.Equal(t, allocations*64, stats.AllocationBytes)

	_, err = ctx.Finish(false, true)
	require.NoError(t, err)
}

func TestBuildStatsString(t *testing.T) {
	device := &testDevice{}
	manager := newTestManager(t, device)

	ctx, err := manager.AllocateContext(command.QueueDirect)
	require.NoError(t, err)
	_, err = ctx.AllocateDynamicSpace(100, 16)
	require.NoError(t, err)

	str := manager.BuildStatsString(true)
	require.NotEmpty(t, str)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(str), &parsed))

	general, ok := parsed["General"].(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 1, general["ContextCount"])
	require.EqualValues(t, 0, general["AvailableCount"])

	pools, ok := parsed["Pools"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, pools, command.QueueDirect.String())

	allocations, ok := parsed["DynamicAllocations"].(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 1, allocations["Count"])
	require.EqualValues(t, 100, allocations["TotalBytes"])

	contexts, ok := parsed["CheckedOutContexts"].(map[string]any)
	require.True(t, ok)
	require.Len(t, contexts, 1)
	for _, entryValue := range contexts {
		entry, ok := entryValue.(map[string]any)
		require.True(t, ok)
		require.EqualValues(t, 1, entry["DynamicAllocationCount"])
	}
}

func TestNewContextManagerValidation(t *testing.T) {
	_, err := command.NewContextManager(nil, command.CreateOptions{})
	require.Error(t, err)

	_, err = command.NewContextManager(&testDevice{}, command.CreateOptions{UploadPageSize: 300})
	require.Error(t, err)
}
