package scamper

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/hitchhikinghq/collector/pkg/types"
)

// TraceParse is the table built from one traceroute output file.
type TraceParse struct {
	Results []types.TraceResult
	// Excluded counts trace records with fewer than two hops; the
	// second-to-last hop of such a path is undefined.
	Excluded  int
	Malformed int
}

// ParseTraces builds one TraceResult per trace record that carries at least
// two hops. Records without a hops list, non-trace records and undecodable
// lines are dropped.
func ParseTraces(r io.Reader) (TraceParse, error) {
	records, stats, err := decodeTraces(r)
	if err != nil {
		return TraceParse{}, err
	}

	parsed := TraceParse{
		Results:   make([]types.TraceResult, 0, len(records)),
		Malformed: stats.malformed,
	}
	for _, rec := range records {
		if rec.Hops == nil {
			continue
		}
		hops := sortedHops(*rec.Hops)
		if len(hops) < 2 {
			parsed.Excluded++
			continue
		}
		penultimate := hops[len(hops)-2]
		parsed.Results = append(parsed.Results, types.TraceResult{
			Destination:          rec.Dst,
			StopReason:           rec.StopReason,
			HopCount:             rec.HopCount,
			SecondLastHopAddress: penultimate.Addr,
			SecondLastHopDepth:   penultimate.ProbeTTL,
		})
	}
	return parsed, nil
}

// ParseTraceFile parses the traceroute output stored at path.
func ParseTraceFile(path string) (TraceParse, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return TraceParse{}, fmt.Errorf("open trace output %q: %w", path, err)
	}
	defer f.Close()
	return ParseTraces(f)
}

func sortedHops(hops []Hop) []Hop {
	sorted := append([]Hop(nil), hops...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return ttlOf(sorted[i]) < ttlOf(sorted[j])
	})
	return sorted
}

func ttlOf(h Hop) float64 {
	if h.ProbeTTL == nil {
		return 0
	}
	return *h.ProbeTTL
}
