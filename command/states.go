package command

import (
	"github.com/gpuforge/foundry/rhiutils"
)

// QueueType identifies which device queue a recording context submits to. Contexts are
// pooled strictly per queue type.
type QueueType uint32

const (
	// QueueDirect is the graphics queue, which accepts all recorded work
	QueueDirect QueueType = iota
	// QueueCompute accepts compute and copy work only
	QueueCompute
	// QueueCopy accepts copy work only
	QueueCopy
)

var queueTypeMapping = map[QueueType]string{
	QueueDirect:  "QueueDirect",
	QueueCompute: "QueueCompute",
	QueueCopy:    "QueueCopy",
}

func (t QueueType) String() string {
	return queueTypeMapping[t]
}

// ResourceStates is a set of bitflags describing how a GPU resource is currently usable.
// Transition barriers move a resource between states.
type ResourceStates uint32

var resourceStatesMapping = rhiutils.NewFlagStringMapping[ResourceStates]()

func (s ResourceStates) Register(str string) {
	resourceStatesMapping.Register(s, str)
}

func (s ResourceStates) String() string {
	return resourceStatesMapping.FlagsToString(s)
}

const (
	ResourceStateVertexAndConstantBuffer ResourceStates = 1 << iota
	ResourceStateIndexBuffer
	ResourceStateRenderTarget
	ResourceStateUnorderedAccess
	ResourceStateDepthWrite
	ResourceStateDepthRead
	ResourceStateNonPixelShaderResource
	ResourceStatePixelShaderResource
	ResourceStateIndirectArgument
	ResourceStateCopyDest
	ResourceStateCopySource

	// ResourceStateCommon is the state resources rest in between queue ownership changes
	ResourceStateCommon ResourceStates = 0
	// ResourceStatePresent is required before a swapchain image may be presented. It is
	// an alias of ResourceStateCommon, matching the underlying API, so it stringifies as
	// ResourceStateCommon
	ResourceStatePresent ResourceStates = 0
	// ResourceStateGenericRead is the union of every read-only state
	ResourceStateGenericRead = ResourceStateVertexAndConstantBuffer |
		ResourceStateIndexBuffer |
		ResourceStateNonPixelShaderResource |
		ResourceStatePixelShaderResource |
		ResourceStateIndirectArgument |
		ResourceStateCopySource
)

// ValidComputeQueueStates is the set of states a compute-queue context is permitted to
// transition resources into. Transitioning to any state outside this mask on a compute
// context is a caller contract violation.
const ValidComputeQueueStates = ResourceStateUnorderedAccess |
	ResourceStateNonPixelShaderResource |
	ResourceStateCopyDest |
	ResourceStateCopySource

// ValidCopyQueueStates is the set of states a copy-queue context is permitted to
// transition resources into.
const ValidCopyQueueStates = ResourceStateCopyDest | ResourceStateCopySource

func init() {
	ResourceStateCommon.Register("ResourceStateCommon")
	ResourceStateVertexAndConstantBuffer.Register("ResourceStateVertexAndConstantBuffer")
	ResourceStateIndexBuffer.Register("ResourceStateIndexBuffer")
	ResourceStateRenderTarget.Register("ResourceStateRenderTarget")
	ResourceStateUnorderedAccess.Register("ResourceStateUnorderedAccess")
	ResourceStateDepthWrite.Register("ResourceStateDepthWrite")
	ResourceStateDepthRead.Register("ResourceStateDepthRead")
	ResourceStateNonPixelShaderResource.Register("ResourceStateNonPixelShaderResource")
	ResourceStatePixelShaderResource.Register("ResourceStatePixelShaderResource")
	ResourceStateIndirectArgument.Register("ResourceStateIndirectArgument")
	ResourceStateCopyDest.Register("ResourceStateCopyDest")
	ResourceStateCopySource.Register("ResourceStateCopySource")
	ResourceStateGenericRead.Register("ResourceStateGenericRead")
}
