package dynalloc

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/gpuforge/foundry/rhiutils"
)

// Page is a single backing allocation of upload memory obtained from a PageProvider. Pages
// are CPU-writable and GPU-visible. The provider must return pages whose base address is
// aligned at least as strictly as any alignment its consumers will request.
type Page interface {
	// Size returns the usable size of the page in bytes
	Size() int
	// GPUAddress returns the device-visible base address of the page
	GPUAddress() uint64
	// Mapped returns the CPU-writable span covering the whole page
	Mapped() []byte
}

// PageProvider is the device-layer capability that backs a LinearAllocator. RetirePages
// hands pages back together with the completion token of the last submission that may
// reference them; the provider must not recycle a page until the device reports that
// token reached.
type PageProvider interface {
	AllocatePage(minSize int) (Page, error)
	RetirePages(pages []Page, completionToken uint64)
}

// Allocation is a span of upload memory handed out by a LinearAllocator. It remains valid
// until the owning allocator's ReleaseAll.
type Allocation struct {
	Page   Page
	Offset int
	Size   int
}

// GPUAddress returns the device-visible address of the start of this allocation
func (a Allocation) GPUAddress() uint64 {
	return a.Page.GPUAddress() + uint64(a.Offset)
}

// Bytes returns the CPU-writable span for this allocation
func (a Allocation) Bytes() []byte {
	return a.Page.Mapped()[a.Offset : a.Offset+a.Size]
}

// LinearAllocator bump-allocates upload memory from provider-backed pages. All allocations
// made between two ReleaseAll calls form a single scope and are invalidated together. When
// the current page cannot fit a request, a new page is chained transparently; the only
// failure mode is the provider itself running out of space.
//
// LinearAllocator is not safe for concurrent use. Each recording context owns its own
// instance, which by contract is driven by one thread at a time. The one exception is
// statistics: AllocationCount and AddDetailedStatistics may be called from any thread,
// so the stats block is guarded by its own mutex.
type LinearAllocator struct {
	provider PageProvider
	pageSize int

	currentPage Page
	cursor      int
	fullPages   []Page

	statsMutex sync.Mutex
	stats      rhiutils.DetailedStatistics
}

// NewLinearAllocator creates a LinearAllocator drawing pages of at least pageSize bytes
// from provider. pageSize must be a power of two.
func NewLinearAllocator(provider PageProvider, pageSize int) (*LinearAllocator, error) {
	if provider == nil {
		return nil, errors.New("a LinearAllocator requires a PageProvider")
	}
	err := rhiutils.CheckPow2(uint(pageSize), "pageSize")
	if err != nil {
		return nil, err
	}

	allocator := &LinearAllocator{
		provider: provider,
		pageSize: pageSize,
	}
	allocator.stats.Clear()
	return allocator, nil
}

// Allocate returns a span of at least size bytes whose offset is aligned to alignment.
// alignment must be a power of two. Spans returned before the next ReleaseAll never
// overlap one another.
func (l *LinearAllocator) Allocate(size int, alignment uint) (Allocation, error) {
	if size <= 0 {
		return Allocation{}, errors.Errorf("requested an allocation of %d bytes", size)
	}
	err := rhiutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return Allocation{}, err
	}

	offset := rhiutils.AlignUp(l.cursor, alignment)
	if l.currentPage == nil || offset+size > l.currentPage.Size() {
		if err := l.chainNewPage(size); err != nil {
			return Allocation{}, err
		}
		offset = 0
	}

	alloc := Allocation{
		Page:   l.currentPage,
		Offset: offset,
		Size:   size,
	}
	l.cursor = offset + size
	l.statsMutex.Lock()
	l.stats.AddAllocation(size)
	l.statsMutex.Unlock()

	rhiutils.DebugValidate(l)
	return alloc, nil
}

func (l *LinearAllocator) chainNewPage(minSize int) error {
	if minSize < l.pageSize {
		minSize = l.pageSize
	}

	page, err := l.provider.AllocatePage(minSize)
	if err != nil {
		return errors.Wrap(err, "failed to chain a new upload page")
	}
	if page.Size() < minSize {
		return errors.Errorf("the provider returned a %d-byte page for a %d-byte request", page.Size(), minSize)
	}

	if l.currentPage != nil {
		l.fullPages = append(l.fullPages, l.currentPage)
	}
	l.currentPage = page
	l.cursor = 0
	return nil
}

// ReleaseAll retires every page drawn since the previous ReleaseAll back to the provider,
// tagged with completionToken. Afterward the allocator is empty and all previously returned
// Allocations are invalid. Calling ReleaseAll on an empty allocator is a no-op.
func (l *LinearAllocator) ReleaseAll(completionToken uint64) {
	pages := l.fullPages
	if l.currentPage != nil {
		pages = append(pages, l.currentPage)
	}

	if len(pages) > 0 {
		l.provider.RetirePages(pages, completionToken)
	}

	l.currentPage = nil
	l.cursor = 0
	l.fullPages = nil
	l.statsMutex.Lock()
	l.stats.Clear()
	l.statsMutex.Unlock()
}

// AllocationCount returns the number of live allocations in the current scope. It is safe
// to call from any thread.
func (l *LinearAllocator) AllocationCount() int {
	l.statsMutex.Lock()
	defer l.statsMutex.Unlock()
	return l.stats.AllocationCount
}

// AddDetailedStatistics sums this allocator's live-scope statistics into stats. It is safe
// to call from any thread, so a manager may sum allocators that other threads are
// recording into.
func (l *LinearAllocator) AddDetailedStatistics(stats *rhiutils.DetailedStatistics) {
	l.statsMutex.Lock()
	defer l.statsMutex.Unlock()
	stats.AddDetailedStatistics(&l.stats)
}

// Validate performs internal consistency checks on the allocator's bookkeeping. When the
// implementation is functioning correctly it should not be possible for this method to
// return an error.
func (l *LinearAllocator) Validate() error {
	if l.currentPage == nil {
		if l.cursor != 0 {
			return errors.Errorf("the allocator has no current page, but a cursor of %d", l.cursor)
		}
		if len(l.fullPages) != 0 {
			return errors.Errorf("the allocator has no current page, but %d chained pages", len(l.fullPages))
		}
		return nil
	}

	if l.cursor > l.currentPage.Size() {
		return errors.Errorf("the cursor %d has escaped the current %d-byte page", l.cursor, l.currentPage.Size())
	}
	l.statsMutex.Lock()
	allocationBytes := l.stats.AllocationBytes
	l.statsMutex.Unlock()
	if allocationBytes > l.cursor+totalPageBytes(l.fullPages) {
		return errors.Errorf("%d bytes have been handed out, but only %d bytes have been consumed from pages", allocationBytes, l.cursor+totalPageBytes(l.fullPages))
	}

	return nil
}

func totalPageBytes(pages []Page) int {
	var total int
	for _, page := range pages {
		total += page.Size()
	}
	return total
}
