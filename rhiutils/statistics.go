package rhiutils

import "math"

// Statistics is a snapshot of context-pool and scratch-allocation usage, suitable for
// coarse budget tracking.
type Statistics struct {
	// ContextCount is the number of recording contexts ever constructed (the pool never shrinks)
	ContextCount int
	// AvailableCount is the number of constructed contexts currently waiting for reuse
	AvailableCount int
	// AllocationCount is the number of live scratch allocations across all checked-out contexts
	AllocationCount int
	// AllocationBytes is the total size in bytes of live scratch allocations across all
	// checked-out contexts
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.ContextCount = 0
	s.AvailableCount = 0
	s.AllocationCount = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.ContextCount += other.ContextCount
	s.AvailableCount += other.AvailableCount
	s.AllocationCount += other.AllocationCount
	s.AllocationBytes += other.AllocationBytes
}

// DetailedStatistics extends Statistics with allocation-size extremes, which are more
// expensive to collect.
type DetailedStatistics struct {
	Statistics
	AllocationSizeMin int
	AllocationSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}
	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}
