package scheduler

import (
	"sort"

	"github.com/hitchhikinghq/collector/pkg/types"
)

type groupKey struct {
	hops    int
	secLast int
}

// GroupByHops partitions the completed, fully resolved rows by
// (hop count, second-to-last hop depth). Groups come back in ascending key
// order. An address that shows up in several rows lands once, in the group
// of its first row.
func GroupByHops(rows []types.ExposedService) []types.HopGroup {
	index := make(map[groupKey]int)
	seen := make(map[string]struct{})
	var groups []types.HopGroup

	for _, row := range rows {
		if row.StopReason != types.StopCompleted || row.HopCount == nil || row.SecondLastHopDepth == nil {
			continue
		}
		key := groupKey{hops: int(*row.HopCount), secLast: int(*row.SecondLastHopDepth)}
		if key.hops <= 0 || key.secLast <= 0 {
			continue
		}
		if _, dup := seen[row.IP]; dup {
			continue
		}
		seen[row.IP] = struct{}{}

		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, types.HopGroup{LastHopDepth: key.hops, SecondLastHopDepth: key.secLast})
		}
		groups[i].Destinations = append(groups[i].Destinations, row.IP)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].LastHopDepth != groups[j].LastHopDepth {
			return groups[i].LastHopDepth < groups[j].LastHopDepth
		}
		return groups[i].SecondLastHopDepth < groups[j].SecondLastHopDepth
	})
	return groups
}
