package command

// ResourceState tracks a single resource's current usage state and its at-most-one pending
// split transition. Resource types owned by the device layer embed one of these and expose
// it through GpuResource.
//
// The tracked state is a promise, not a reflection of the device: TransitionResource
// updates it eagerly while the physical barrier may still be sitting in a context's
// pending batch. If the same resource is transitioned through two contexts concurrently
// without external synchronization, the tracked state and the true device-side state can
// diverge; keeping a single writer at a time per resource is a caller precondition.
type ResourceState struct {
	current    ResourceStates
	pending    ResourceStates
	hasPending bool
}

// NewResourceState returns a tracker resting in initial
func NewResourceState(initial ResourceStates) ResourceState {
	return ResourceState{current: initial}
}

// CurrentState returns the promised usage state of the resource
func (s *ResourceState) CurrentState() ResourceStates {
	return s.current
}

// SetCurrentState overwrites the promised usage state. Consumers should prefer
// CommandContext.TransitionResource, which records the matching barrier.
func (s *ResourceState) SetCurrentState(state ResourceStates) {
	s.current = state
}

// PendingTransition returns the target state of an in-flight split transition, if one
// has begun and not yet ended
func (s *ResourceState) PendingTransition() (ResourceStates, bool) {
	return s.pending, s.hasPending
}

func (s *ResourceState) setPendingTransition(state ResourceStates) {
	s.pending = state
	s.hasPending = true
}

func (s *ResourceState) clearPendingTransition() {
	s.pending = 0
	s.hasPending = false
}

// GpuResource is the capability this package requires of resources owned by the device
// layer: access to the shared state tracker. Buffer and texture types embed a
// ResourceState and return it here; everything else about them is opaque to this package.
type GpuResource interface {
	ResourceState() *ResourceState
}
