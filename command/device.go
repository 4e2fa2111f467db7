package command

import (
	"github.com/gpuforge/foundry/rhiutils/dynalloc"
)

// CompletionToken is an opaque, monotonically increasing value representing all work
// submitted to a queue up to some point. The zero value means "never submitted".
type CompletionToken uint64

// PipelineState is the opaque pipeline-state object bound during recording. This package
// only stores and forwards it.
type PipelineState interface{}

// SubresourceData carries one subresource's worth of CPU-side texture data for
// InitializeTexture.
type SubresourceData struct {
	Data       []byte
	RowPitch   int
	SlicePitch int
}

// RecordingHandle is one recordable command stream obtained from the device layer. A
// handle stays recordable after SubmitRecordedWork until it is reset; resetting requires
// a backing AllocatorHandle.
type RecordingHandle interface {
	// RecordBarriers records a batch of resource barriers as a single driver call
	RecordBarriers(barriers []Barrier) error
	// RecordCopy records a copy of numBytes from a staged upload allocation into dst at dstOffset
	RecordCopy(dst GpuResource, dstOffset int, src dynalloc.Allocation, numBytes int) error
	// RecordTextureCopy records a copy of a staged upload allocation into one subresource of dst
	RecordTextureCopy(dst GpuResource, subresource int, src dynalloc.Allocation) error
	// BindPipelineState makes pso the active pipeline for subsequent recorded work
	BindPipelineState(pso PipelineState) error
}

// AllocatorHandle is the device-side backing store a RecordingHandle records into.
// Exactly one is attached to each checked-out context, and it is recycled through the
// device layer (fenced on a CompletionToken) when the context is released.
type AllocatorHandle interface {
	// QueueType returns the queue type this allocator was created for. An allocator may
	// only back recording handles of the same type.
	QueueType() QueueType
}

// Device is the capability surface this package consumes from the device/queue layer. It
// also supplies the scratch-memory capabilities backing each context's scoped allocators.
//
// Implementations must make CreateRecordingHandle, RequestAllocatorHandle,
// DiscardAllocatorHandle and SubmitRecordedWork safe for concurrent use; the context
// manager deliberately performs device calls outside its own critical section.
type Device interface {
	// CreateRecordingHandle creates a new recording handle for queueType, in the recording
	// state, together with its initial backing allocator
	CreateRecordingHandle(queueType QueueType) (RecordingHandle, AllocatorHandle, error)
	// RequestAllocatorHandle obtains a fresh or recycled backing allocator for queueType
	RequestAllocatorHandle(queueType QueueType) (AllocatorHandle, error)
	// DiscardAllocatorHandle returns an allocator to the device layer. The allocator may
	// not be recycled until completionToken has been reached on queueType's queue.
	DiscardAllocatorHandle(queueType QueueType, allocator AllocatorHandle, completionToken CompletionToken)
	// ResetRecordingHandle returns a submitted handle to the recording state, recording
	// into allocator. Resetting a handle that has recorded work but never been submitted
	// discards that work.
	ResetRecordingHandle(handle RecordingHandle, allocator AllocatorHandle) error
	// SubmitRecordedWork submits everything recorded on handle to queueType's queue and
	// returns the queue's new completion token. The handle must be reset before further
	// recording.
	SubmitRecordedWork(handle RecordingHandle, queueType QueueType) (CompletionToken, error)
	// WaitForToken blocks the calling thread until the device reports token reached
	WaitForToken(token CompletionToken) error

	// The device layer also backs per-context scratch memory
	dynalloc.PageProvider
	dynalloc.DescriptorHeap
}
