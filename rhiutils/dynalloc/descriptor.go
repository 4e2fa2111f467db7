package dynalloc

import (
	"sync"

	"github.com/pkg/errors"
)

// DescriptorRange identifies a contiguous run of descriptor slots within a shader-visible
// descriptor heap.
type DescriptorRange struct {
	HeapOffset int
	Count      int
}

// DescriptorHeap is the device-layer capability that backs a DescriptorSuballocator. The
// heap hands out ranges of shader-visible descriptor slots; ReleaseRanges returns them once
// the recording session that used them has been submitted.
type DescriptorHeap interface {
	ReserveRange(count int) (DescriptorRange, error)
	ReleaseRanges(ranges []DescriptorRange)
}

// DescriptorSuballocator carves per-draw descriptor ranges out of larger chunks reserved
// from a DescriptorHeap, so that a recording session performs one heap reservation per
// chunk rather than one per draw. Like LinearAllocator, all suballocations form a single
// scope invalidated together by ReleaseAll, and the type is driven by one thread at a
// time. As with LinearAllocator, the reservation list is guarded by its own mutex so that
// ReservedChunkCount may be read from any thread.
type DescriptorSuballocator struct {
	heap      DescriptorHeap
	chunkSize int

	current DescriptorRange
	used    int

	reservedMutex sync.Mutex
	reserved      []DescriptorRange
}

// NewDescriptorSuballocator creates a DescriptorSuballocator reserving chunks of chunkSize
// slots from heap.
func NewDescriptorSuballocator(heap DescriptorHeap, chunkSize int) (*DescriptorSuballocator, error) {
	if heap == nil {
		return nil, errors.New("a DescriptorSuballocator requires a DescriptorHeap")
	}
	if chunkSize <= 0 {
		return nil, errors.Errorf("chunkSize is %d, but must be positive", chunkSize)
	}

	return &DescriptorSuballocator{
		heap:      heap,
		chunkSize: chunkSize,
	}, nil
}

// Allocate returns a run of count contiguous descriptor slots. Requests larger than the
// chunk size are satisfied with a dedicated reservation. Runs returned before the next
// ReleaseAll never overlap one another.
func (d *DescriptorSuballocator) Allocate(count int) (DescriptorRange, error) {
	if count <= 0 {
		return DescriptorRange{}, errors.Errorf("requested %d descriptors", count)
	}

	if count > d.chunkSize {
		dedicated, err := d.heap.ReserveRange(count)
		if err != nil {
			return DescriptorRange{}, errors.Wrapf(err, "failed to reserve a dedicated %d-descriptor range", count)
		}
		d.reservedMutex.Lock()
		d.reserved = append(d.reserved, dedicated)
		d.reservedMutex.Unlock()
		return dedicated, nil
	}

	if d.current.Count == 0 || d.used+count > d.current.Count {
		chunk, err := d.heap.ReserveRange(d.chunkSize)
		if err != nil {
			return DescriptorRange{}, errors.Wrap(err, "failed to reserve a new descriptor chunk")
		}
		d.reservedMutex.Lock()
		d.reserved = append(d.reserved, chunk)
		d.reservedMutex.Unlock()
		d.current = chunk
		d.used = 0
	}

	r := DescriptorRange{
		HeapOffset: d.current.HeapOffset + d.used,
		Count:      count,
	}
	d.used += count
	return r, nil
}

// ReleaseAll returns every reserved chunk and dedicated range back to the heap. Afterward
// the suballocator is empty and all previously returned ranges are invalid.
func (d *DescriptorSuballocator) ReleaseAll() {
	if len(d.reserved) > 0 {
		d.heap.ReleaseRanges(d.reserved)
	}

	d.current = DescriptorRange{}
	d.used = 0
	d.reservedMutex.Lock()
	d.reserved = nil
	d.reservedMutex.Unlock()
}

// ReservedChunkCount returns the number of reservations made against the heap in the
// current scope. It is safe to call from any thread.
func (d *DescriptorSuballocator) ReservedChunkCount() int {
	d.reservedMutex.Lock()
	defer d.reservedMutex.Unlock()
	return len(d.reserved)
}
