package command

// BarrierKind distinguishes the three ways a transition can be recorded, plus UAV
// flushes which carry no state change.
type BarrierKind uint32

const (
	// BarrierImmediate transitions a resource in a single barrier
	BarrierImmediate BarrierKind = iota
	// BarrierSplitBegin announces a transition early so the driver can overlap it with
	// unrelated work; the resource is unusable until the matching BarrierSplitEnd
	BarrierSplitBegin
	// BarrierSplitEnd resolves a previously begun split transition
	BarrierSplitEnd
	// BarrierUAV orders unordered-access work on the same resource without changing state
	BarrierUAV
)

var barrierKindMapping = map[BarrierKind]string{
	BarrierImmediate:  "BarrierImmediate",
	BarrierSplitBegin: "BarrierSplitBegin",
	BarrierSplitEnd:   "BarrierSplitEnd",
	BarrierUAV:        "BarrierUAV",
}

func (k BarrierKind) String() string {
	return barrierKindMapping[k]
}

// Barrier describes one resource-state transition. Barriers only exist inside a context's
// pending batch between TransitionResource and FlushResourceBarriers.
type Barrier struct {
	Resource    GpuResource
	StateBefore ResourceStates
	StateAfter  ResourceStates
	Kind        BarrierKind
}

// barrierBatchCapacity is how many pending barriers a context coalesces into a single
// RecordBarriers call. Each driver call carries fixed overhead, so batching up to this
// many amortizes it across the recording session.
const barrierBatchCapacity = 16

// barrierQueue is a bounded pending-barrier buffer. Append enforces the flush-at-capacity
// rule itself: the moment the batch reaches barrierBatchCapacity it is flushed through the
// submit callback, so no call site can overfill it by forgetting a manual check.
type barrierQueue struct {
	pending []Barrier
	submit  func(barriers []Barrier) error
}

func newBarrierQueue(submit func(barriers []Barrier) error) barrierQueue {
	return barrierQueue{
		pending: make([]Barrier, 0, barrierBatchCapacity),
		submit:  submit,
	}
}

func (q *barrierQueue) Append(barrier Barrier) error {
	q.pending = append(q.pending, barrier)
	if len(q.pending) >= barrierBatchCapacity {
		return q.Flush()
	}
	return nil
}

func (q *barrierQueue) Flush() error {
	if len(q.pending) == 0 {
		return nil
	}

	err := q.submit(q.pending)
	q.pending = q.pending[:0]
	return err
}

func (q *barrierQueue) Len() int {
	return len(q.pending)
}

// Discard drops pending barriers without submitting them, for contexts that are released
// without ever being finished.
func (q *barrierQueue) Discard() {
	q.pending = q.pending[:0]
}
