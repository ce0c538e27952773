// Package scamper drives the scamper probing program and decodes its
// line-delimited JSON output.
package scamper

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const (
	typeTrace     = "trace"
	maxLineBytes  = 16 << 20
	initLineBytes = 64 << 10
)

// Record is the subset of a scamper JSON record the collector consumes.
type Record struct {
	Type       string   `json:"type"`
	Dst        string   `json:"dst"`
	StopReason string   `json:"stop_reason"`
	HopCount   *float64 `json:"hop_count"`
	Start      *Start   `json:"start"`
	Hops       *[]Hop   `json:"hops"`
}

type Start struct {
	Sec   *int64  `json:"sec"`
	Usec  *int64  `json:"usec"`
	Ftime *string `json:"ftime"`
}

type Hop struct {
	Addr     *string  `json:"addr"`
	ProbeTTL *float64 `json:"probe_ttl"`
	RTT      *float64 `json:"rtt"`
}

// decodeStats reports what was seen while decoding a stream.
type decodeStats struct {
	lines     int
	malformed int
	other     int
}

// decodeTraces reads every line of r and returns the trace-typed records in
// the order they were emitted. Malformed lines and other record types are
// counted and skipped.
func decodeTraces(r io.Reader) ([]Record, decodeStats, error) {
	var (
		records []Record
		stats   decodeStats
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initLineBytes), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		stats.lines++
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			stats.malformed++
			continue
		}
		if rec.Type != typeTrace {
			stats.other++
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, stats, fmt.Errorf("scan scamper output: %w", err)
	}
	return records, stats, nil
}
