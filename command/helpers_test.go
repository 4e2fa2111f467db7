package command_test

import (
	"io"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/gpuforge/foundry/command"
	"github.com/gpuforge/foundry/rhiutils"
	"github.com/gpuforge/foundry/rhiutils/dynalloc"
)

type testPage struct {
	base uint64
	data []byte
}

func (p *testPage) Size() int          { return len(p.data) }
func (p *testPage) GPUAddress() uint64 { return p.base }
func (p *testPage) Mapped() []byte     { return p.data }

type testAllocator struct {
	queueType command.QueueType
	serial    int
}

func (a *testAllocator) QueueType() command.QueueType { return a.queueType }

type recordedCopy struct {
	dst         command.GpuResource
	dstOffset   int
	subresource int
	data        []byte
	texture     bool
}

type testRecordingHandle struct {
	device    *testDevice
	queueType command.QueueType

	open          bool
	barrierFlush  int
	batchSizes    []int
	batches       [][]command.Barrier
	copies        []recordedCopy
	boundPipeline command.PipelineState
}

func (h *testRecordingHandle) RecordBarriers(barriers []command.Barrier) error {
	if !h.open {
		return errors.New("recorded barriers on a closed handle")
	}

	// The batch slice is reused by the caller after this returns
	batch := make([]command.Barrier, len(barriers))
	copy(batch, barriers)

	h.barrierFlush++
	h.batchSizes = append(h.batchSizes, len(barriers))
	h.batches = append(h.batches, batch)
	return nil
}

func (h *testRecordingHandle) RecordCopy(dst command.GpuResource, dstOffset int, src dynalloc.Allocation, numBytes int) error {
	if !h.open {
		return errors.New("recorded a copy on a closed handle")
	}

	data := make([]byte, numBytes)
	copy(data, src.Bytes())
	h.copies = append(h.copies, recordedCopy{dst: dst, dstOffset: dstOffset, data: data})
	return nil
}

func (h *testRecordingHandle) RecordTextureCopy(dst command.GpuResource, subresource int, src dynalloc.Allocation) error {
	if !h.open {
		return errors.New("recorded a texture copy on a closed handle")
	}

	data := make([]byte, src.Size)
	copy(data, src.Bytes())
	h.copies = append(h.copies, recordedCopy{dst: dst, subresource: subresource, data: data, texture: true})
	return nil
}

func (h *testRecordingHandle) BindPipelineState(pso command.PipelineState) error {
	h.boundPipeline = pso
	return nil
}

type discardedAllocator struct {
	allocator command.AllocatorHandle
	token     command.CompletionToken
}

// testDevice is a synchronized in-memory device layer: handle/allocator issuance, token
// sequencing, upload pages, and a descriptor heap.
type testDevice struct {
	mutex sync.Mutex

	nextToken        uint64
	waitedFor        []command.CompletionToken
	handlesCreated   int
	lastHandle       *testRecordingHandle
	allocatorsIssued int
	discarded        []discardedAllocator

	pagesAllocated int
	pagesRetired   int
	failPages      bool

	heapNext       int
	rangesReleased int

	failSubmit bool
}

func (d *testDevice) CreateRecordingHandle(queueType command.QueueType) (command.RecordingHandle, command.AllocatorHandle, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.handlesCreated++
	d.allocatorsIssued++
	handle := &testRecordingHandle{device: d, queueType: queueType, open: true}
	d.lastHandle = handle
	return handle, &testAllocator{queueType: queueType, serial: d.allocatorsIssued}, nil
}

func (d *testDevice) RequestAllocatorHandle(queueType command.QueueType) (command.AllocatorHandle, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.allocatorsIssued++
	return &testAllocator{queueType: queueType, serial: d.allocatorsIssued}, nil
}

func (d *testDevice) DiscardAllocatorHandle(queueType command.QueueType, allocator command.AllocatorHandle, completionToken command.CompletionToken) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.discarded = append(d.discarded, discardedAllocator{allocator: allocator, token: completionToken})
}

func (d *testDevice) ResetRecordingHandle(handle command.RecordingHandle, allocator command.AllocatorHandle) error {
	h := handle.(*testRecordingHandle)
	h.open = true
	return nil
}

func (d *testDevice) SubmitRecordedWork(handle command.RecordingHandle, queueType command.QueueType) (command.CompletionToken, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.failSubmit {
		return 0, errors.New("the queue rejected the submission")
	}

	h := handle.(*testRecordingHandle)
	h.open = false

	d.nextToken++
	return command.CompletionToken(d.nextToken), nil
}

func (d *testDevice) WaitForToken(token command.CompletionToken) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.waitedFor = append(d.waitedFor, token)
	return nil
}

func (d *testDevice) AllocatePage(minSize int) (dynalloc.Page, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.failPages {
		return nil, rhiutils.OutOfDeviceSpaceError
	}

	d.pagesAllocated++
	return &testPage{
		base: uint64(d.pagesAllocated) << 32,
		data: make([]byte, minSize),
	}, nil
}

func (d *testDevice) RetirePages(pages []dynalloc.Page, completionToken uint64) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.pagesRetired += len(pages)
}

func (d *testDevice) ReserveRange(count int) (dynalloc.DescriptorRange, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	r := dynalloc.DescriptorRange{HeapOffset: d.heapNext, Count: count}
	d.heapNext += count
	return r, nil
}

func (d *testDevice) ReleaseRanges(ranges []dynalloc.DescriptorRange) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.rangesReleased += len(ranges)
}

var _ command.Device = &testDevice{}

type testResource struct {
	name  string
	state command.ResourceState
}

func newTestResource(name string, initial command.ResourceStates) *testResource {
	return &testResource{name: name, state: command.NewResourceState(initial)}
}

func (r *testResource) ResourceState() *command.ResourceState {
	return &r.state
}

func newTestManager(t *testing.T, device *testDevice) *command.ContextManager {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	manager, err := command.NewContextManager(device, command.CreateOptions{
		Logger:         logger,
		UploadPageSize: 4096,
	})
	require.NoError(t, err)
	return manager
}

// expectContractViolation runs violate and requires that it dies with a ContractError,
// observed through the fatal hook.
func expectContractViolation(t *testing.T, violate func()) {
	var observed *command.ContractError
	previous := command.SetFatalHook(func(err *command.ContractError) {
		observed = err
	})
	defer command.SetFatalHook(previous)

	require.Panics(t, violate)
	require.NotNil(t, observed)
	require.NotEmpty(t, observed.Error())
}
