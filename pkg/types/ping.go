package types

// PingSample is one destination's response at the probed depth in one round.
type PingSample struct {
	Date              *string  `json:"date"`
	Sequence          int      `json:"seq"`
	Destination       string   `json:"dst"`
	StopReason        string   `json:"stop_reason"`
	StartTime         *string  `json:"start_time"`
	StartEpochSeconds *int64   `json:"start_sec"`
	HopCount          *float64 `json:"hop_count"`
	HopAddress        *string  `json:"ip_at_ttl"`
	ProbeDepth        *float64 `json:"probe_ttl"`
	RTT               *float64 `json:"rtt"`
}

// RoundOutcome records what a single probe round contributed.
type RoundOutcome struct {
	Sequence int    `json:"seq"`
	Status   Status `json:"status"`
	Reason   string `json:"reason,omitempty"`
	Rows     int    `json:"rows"`
}

// AggregatedPingTable concatenates the samples of every round of one runner
// invocation in sequence order.
type AggregatedPingTable struct {
	Samples []PingSample   `json:"samples"`
	Rounds  []RoundOutcome `json:"rounds"`
}

// Len returns the number of rows.
func (t AggregatedPingTable) Len() int {
	return len(t.Samples)
}

// Sequences returns the distinct sequence numbers present in the table, in order.
func (t AggregatedPingTable) Sequences() []int {
	seqs := make([]int, 0, len(t.Rounds))
	last := 0
	for _, s := range t.Samples {
		if s.Sequence != last {
			seqs = append(seqs, s.Sequence)
			last = s.Sequence
		}
	}
	return seqs
}

// Count returns how many rounds ended with the given status.
func (t AggregatedPingTable) Count(status Status) int {
	n := 0
	for _, r := range t.Rounds {
		if r.Status == status {
			n++
		}
	}
	return n
}
