package scamper

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/hitchhikinghq/collector/pkg/types"
)

// RoundOutput locates the output of one probe round. Err is set when the
// round never produced a process.
type RoundOutput struct {
	Sequence int
	Path     string
	Err      error
}

// Aggregate folds the outputs of every round, in the given order, into a
// single table. Rounds that failed to launch, could not be read or held no
// trace records contribute no rows; each one is reported in Rounds and
// logged, never returned as an error.
func Aggregate(outputs []RoundOutput, logger *log.Logger) types.AggregatedPingTable {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	table := types.AggregatedPingTable{
		Samples: make([]types.PingSample, 0),
		Rounds:  make([]types.RoundOutcome, 0, len(outputs)),
	}
	for _, out := range outputs {
		outcome := types.RoundOutcome{Sequence: out.Sequence}
		if out.Err != nil {
			outcome.Status = types.StatusFatal
			outcome.Reason = out.Err.Error()
			table.Rounds = append(table.Rounds, outcome)
			continue
		}

		samples, reason := readRound(out)
		if len(samples) == 0 {
			outcome.Status = types.StatusEmpty
			outcome.Reason = reason
			logger.Printf("round seq=%d contributed no rows: %s", out.Sequence, reason)
			table.Rounds = append(table.Rounds, outcome)
			continue
		}
		outcome.Status = types.StatusOK
		outcome.Rows = len(samples)
		table.Samples = append(table.Samples, samples...)
		table.Rounds = append(table.Rounds, outcome)
	}
	return table
}

func readRound(out RoundOutput) ([]types.PingSample, string) {
	if out.Path == "" {
		return nil, "no output recorded"
	}
	f, err := os.Open(filepath.Clean(out.Path))
	if err != nil {
		return nil, fmt.Sprintf("open output: %v", err)
	}
	defer f.Close()

	records, stats, err := decodeTraces(f)
	if err != nil {
		return nil, err.Error()
	}
	if len(records) == 0 {
		switch {
		case stats.lines == 0:
			return nil, "empty output"
		case stats.malformed == stats.lines:
			return nil, fmt.Sprintf("unparseable output (%d malformed lines)", stats.malformed)
		default:
			return nil, "no trace records"
		}
	}

	samples := make([]types.PingSample, 0, len(records))
	for _, rec := range records {
		samples = append(samples, sampleFromRecord(out.Sequence, rec))
	}
	return samples, ""
}

func sampleFromRecord(seq int, rec Record) types.PingSample {
	sample := types.PingSample{
		Sequence:    seq,
		Destination: rec.Dst,
		StopReason:  rec.StopReason,
		HopCount:    rec.HopCount,
	}
	if rec.Start != nil {
		if rec.Start.Ftime != nil {
			ftime := *rec.Start.Ftime
			sample.StartTime = &ftime
			if fields := strings.Fields(ftime); len(fields) > 0 {
				date := fields[0]
				sample.Date = &date
			}
		}
		sample.StartEpochSeconds = rec.Start.Sec
	}
	// The probe is constrained to one depth, so the first hop as emitted is
	// the response at that depth.
	if rec.Hops != nil && len(*rec.Hops) > 0 {
		first := (*rec.Hops)[0]
		sample.HopAddress = first.Addr
		sample.ProbeDepth = first.ProbeTTL
		sample.RTT = first.RTT
	}
	return sample
}
