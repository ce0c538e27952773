package types

import (
	"encoding/json"
	"testing"
)

func TestExposedServiceJSONContract(t *testing.T) {
	payload := []byte(`{
        "ip": "198.51.100.7",
        "date": "2023-05-10",
        "asn": 14593,
        "dns_name": ["customer.example.net"],
        "port": [80, 443],
        "pep_link": [],
        "stop_reason": "COMPLETED",
        "hop_count": 12,
        "sec_last_ip": "100.64.0.1",
        "sec_last_hop": 11
    }`)

	var svc ExposedService
	if err := json.Unmarshal(payload, &svc); err != nil {
		t.Fatalf("unmarshal exposed service: %v", err)
	}
	if svc.IP != "198.51.100.7" || svc.ASN != 14593 {
		t.Fatalf("unexpected identity: %+v", svc)
	}
	if len(svc.Ports) != 2 || svc.Ports[1] != 443 {
		t.Fatalf("unexpected ports: %v", svc.Ports)
	}
	if svc.HopCount == nil || *svc.HopCount != 12 {
		t.Fatalf("unexpected hop_count: %v", svc.HopCount)
	}
	if svc.SecondLastHopAddress == nil || *svc.SecondLastHopAddress != "100.64.0.1" {
		t.Fatalf("unexpected sec_last_ip: %v", svc.SecondLastHopAddress)
	}
	if svc.SecondLastHopDepth == nil || *svc.SecondLastHopDepth != 11 {
		t.Fatalf("unexpected sec_last_hop: %v", svc.SecondLastHopDepth)
	}
}

func TestExposedServiceNullHops(t *testing.T) {
	var svc ExposedService
	if err := json.Unmarshal([]byte(`{"ip":"192.0.2.1","sec_last_ip":null}`), &svc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if svc.SecondLastHopAddress != nil || svc.HopCount != nil {
		t.Fatalf("expected null hop fields, got %+v", svc)
	}
}

func TestHopGroupDepth(t *testing.T) {
	g := HopGroup{LastHopDepth: 10, SecondLastHopDepth: 8}
	if g.Depth(LastHop) != 10 {
		t.Fatalf("expected last hop depth 10")
	}
	if g.Depth(SecondLastHop) != 8 {
		t.Fatalf("expected second-to-last depth 8")
	}
}

func TestAggregatedPingTableSequences(t *testing.T) {
	table := AggregatedPingTable{
		Samples: []PingSample{
			{Sequence: 1, Destination: "a"},
			{Sequence: 1, Destination: "b"},
			{Sequence: 3, Destination: "a"},
		},
		Rounds: []RoundOutcome{
			{Sequence: 1, Status: StatusOK, Rows: 2},
			{Sequence: 2, Status: StatusEmpty},
			{Sequence: 3, Status: StatusOK, Rows: 1},
		},
	}
	seqs := table.Sequences()
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 3 {
		t.Fatalf("unexpected sequences %v", seqs)
	}
	if table.Count(StatusEmpty) != 1 || table.Count(StatusOK) != 2 {
		t.Fatalf("unexpected outcome counts: %+v", table.Rounds)
	}
}
