package scamper

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const traceOutput = `{"type":"cycle-start","list_name":"default","id":1}
{"type":"trace","dst":"198.51.100.7","stop_reason":"COMPLETED","hop_count":4,"hops":[{"addr":"198.51.100.7","probe_ttl":4,"rtt":41.2},{"addr":"10.0.0.1","probe_ttl":1,"rtt":1.1},{"addr":"100.64.0.1","probe_ttl":3,"rtt":30.5},{"addr":"172.16.0.1","probe_ttl":2,"rtt":20.3}]}
{"type":"trace","dst":"198.51.100.8","stop_reason":"GAPLIMIT","hop_count":7,"hops":[{"addr":"10.0.0.1","probe_ttl":1,"rtt":1.0},{"addr":"172.16.0.9","probe_ttl":2,"rtt":9.0}]}
{"type":"trace","dst":"198.51.100.9","stop_reason":"COMPLETED","hop_count":1,"hops":[{"addr":"198.51.100.9","probe_ttl":1,"rtt":0.4}]}
{"type":"trace","dst":"198.51.100.10","stop_reason":"UNREACH","hop_count":0}
not json
{"type":"cycle-stop","id":1}
`

func TestParseTraces(t *testing.T) {
	parsed, err := ParseTraces(strings.NewReader(traceOutput))
	if err != nil {
		t.Fatalf("ParseTraces: %v", err)
	}

	if len(parsed.Results) != 2 {
		t.Fatalf("expected 2 results, got %d: %+v", len(parsed.Results), parsed.Results)
	}
	if parsed.Excluded != 1 {
		t.Fatalf("expected 1 excluded single-hop trace, got %d", parsed.Excluded)
	}
	if parsed.Malformed != 1 {
		t.Fatalf("expected 1 malformed line, got %d", parsed.Malformed)
	}

	first := parsed.Results[0]
	if first.Destination != "198.51.100.7" || first.StopReason != "COMPLETED" {
		t.Fatalf("unexpected first result: %+v", first)
	}
	if first.SecondLastHopAddress == nil || *first.SecondLastHopAddress != "100.64.0.1" {
		t.Fatalf("expected second-to-last hop 100.64.0.1 after sorting, got %v", first.SecondLastHopAddress)
	}
	if first.SecondLastHopDepth == nil || *first.SecondLastHopDepth != 3 {
		t.Fatalf("expected second-to-last depth 3, got %v", first.SecondLastHopDepth)
	}
	if first.HopCount == nil || *first.HopCount != 4 {
		t.Fatalf("unexpected hop count %v", first.HopCount)
	}

	second := parsed.Results[1]
	if *second.SecondLastHopAddress != "10.0.0.1" || *second.SecondLastHopDepth != 1 {
		t.Fatalf("unexpected second result: %+v", second)
	}
}

func TestParseTracesSingleHopDoesNotFail(t *testing.T) {
	in := `{"type":"trace","dst":"192.0.2.1","stop_reason":"COMPLETED","hop_count":1,"hops":[{"addr":"192.0.2.1","probe_ttl":1}]}`
	parsed, err := ParseTraces(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ParseTraces: %v", err)
	}
	if len(parsed.Results) != 0 || parsed.Excluded != 1 {
		t.Fatalf("expected single-hop trace to be excluded, got %+v", parsed)
	}
}

func TestParseTraceFileMissing(t *testing.T) {
	if _, err := ParseTraceFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestParseTraceFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.json")
	if err := os.WriteFile(path, []byte(traceOutput), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	parsed, err := ParseTraceFile(path)
	if err != nil {
		t.Fatalf("ParseTraceFile: %v", err)
	}
	if len(parsed.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(parsed.Results))
	}
}
