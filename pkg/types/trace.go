package types

// StopCompleted is the scamper stop reason of a trace that reached its destination.
const StopCompleted = "COMPLETED"

// TraceResult summarizes the path toward one destination.
type TraceResult struct {
	Destination          string   `json:"dst"`
	StopReason           string   `json:"stop_reason"`
	HopCount             *float64 `json:"hop_count"`
	SecondLastHopAddress *string  `json:"sec_last_ip"`
	SecondLastHopDepth   *float64 `json:"sec_last_hop"`
}

// HopGroup is a set of destinations sharing last-hop and second-to-last-hop depths.
type HopGroup struct {
	LastHopDepth       int      `json:"hop_count"`
	SecondLastHopDepth int      `json:"sec_last_hop"`
	Destinations       []string `json:"ips"`
}

// Depth returns the probe depth targeted for the given class.
func (g HopGroup) Depth(class HopClass) int {
	if class == SecondLastHop {
		return g.SecondLastHopDepth
	}
	return g.LastHopDepth
}
