package strata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/strata/memutils"
)

// BuildStatsString renders the registry's current state as a JSON document:
// per-heap budgets, per-type statistics, and a grand total. Intended for
// logging and bug reports rather than machine consumption.
func (h *Heaps) BuildStatsString() string {
	writer := jwriter.NewWriter()
	h.PrintStatsJson(&writer)
	return string(writer.Bytes())
}

// PrintStatsJson writes the stats document to an existing JSON stream, so
// callers can embed it in a larger diagnostic dump.
func (h *Heaps) PrintStatsJson(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	heapsArray := obj.Name("Heaps").Array()
	for i := range h.heaps {
		heapObj := heapsArray.Object()
		heapObj.Name("Size").Int(h.heaps[i].size)
		heapObj.Name("Used").Int(h.heaps[i].used)
		heapObj.End()
	}
	heapsArray.End()

	typesArray := obj.Name("MemoryTypes").Array()
	for _, memType := range h.types {
		typeObj := typesArray.Object()
		typeObj.Name("Heap").Int(memType.heapIndex)
		typeObj.Name("Properties").String(memType.properties.String())

		var stats memutils.DetailedStatistics
		stats.Clear()
		memType.addDetailedStatistics(&stats)
		printDetailedStatistics(&typeObj, &stats)

		typeObj.End()
	}
	typesArray.End()

	var total memutils.DetailedStatistics
	total.Clear()
	h.AddDetailedStatistics(&total)

	totalObj := obj.Name("Total").Object()
	printDetailedStatistics(&totalObj, &total)
	totalObj.End()
}

func printDetailedStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("BlockBytes").Int(stats.BlockBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)

	// Size extrema are meaningless until at least one sample exists
	if stats.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}
