package command

import (
	"math"
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/gpuforge/foundry/rhiutils"
)

// BuildStatsString produces a JSON description of the manager's pool occupancy, intended
// for diagnostic dumps. When detailed is set, per-context scratch-allocation data is
// included.
func (m *ContextManager) BuildStatsString(detailed bool) string {
	m.logger.Debug("ContextManager::BuildStatsString")

	writer := jwriter.NewWriter()
	objState := writer.Object()

	var total rhiutils.DetailedStatistics
	total.Clear()
	m.AddDetailedStatistics(&total)

	generalObj := objState.Name("General").Object()
	generalObj.Name("ContextCount").Int(total.ContextCount)
	generalObj.Name("AvailableCount").Int(total.AvailableCount)
	generalObj.Name("CheckedOutCount").Int(total.ContextCount - total.AvailableCount)
	generalObj.End()

	m.mutex.RLock()

	poolsObj := objState.Name("Pools").Object()
	for queueType, pool := range m.pools {
		poolObj := poolsObj.Name(queueType.String()).Object()
		poolObj.Name("ContextCount").Int(len(pool.contexts))
		poolObj.Name("AvailableCount").Int(len(pool.available))
		poolObj.End()
	}
	poolsObj.End()

	if detailed {
		contextsObj := objState.Name("CheckedOutContexts").Object()
		m.checkedOut.Iter(func(_ uint64, ctx *CommandContext) bool {
			ctx.printParameters(&contextsObj)
			return false
		})
		contextsObj.End()

		if total.AllocationCount > 0 {
			allocObj := objState.Name("DynamicAllocations").Object()
			allocObj.Name("Count").Int(total.AllocationCount)
			allocObj.Name("TotalBytes").Int(total.AllocationBytes)
			if total.AllocationSizeMin != math.MaxInt {
				allocObj.Name("SizeMin").Int(total.AllocationSizeMin)
			}
			allocObj.Name("SizeMax").Int(total.AllocationSizeMax)
			allocObj.End()
		}
	}

	m.mutex.RUnlock()

	objState.End()
	return string(writer.Bytes())
}

// printParameters must only touch state that is safe to read while the owning thread is
// still recording: the id and queue type never change after construction, and the scratch
// allocators synchronize their own counters.
func (c *CommandContext) printParameters(json *jwriter.ObjectState) {
	obj := json.Name(c.queueType.String() + "/" + strconv.FormatUint(c.id, 10)).Object()
	defer obj.End()

	obj.Name("DynamicAllocationCount").Int(c.dynamicUpload.AllocationCount())
	obj.Name("DescriptorChunkCount").Int(c.dynamicDescriptors.ReservedChunkCount())
}
