package export

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hitchhikinghq/collector/internal/warehouse"
	"github.com/hitchhikinghq/collector/pkg/types"
)

func strp(v string) *string   { return &v }
func fltp(v float64) *float64 { return &v }
func intp(v int64) *int64     { return &v }

func sampleTable() types.AggregatedPingTable {
	return types.AggregatedPingTable{
		Samples: []types.PingSample{
			{
				Date:              strp("2023-05-10"),
				Sequence:          1,
				Destination:       "192.0.2.1",
				StopReason:        "GAPLIMIT",
				StartTime:         strp("2023-05-10 12:00:00"),
				StartEpochSeconds: intp(1683720000),
				HopCount:          fltp(5),
				HopAddress:        strp("100.64.0.1"),
				ProbeDepth:        fltp(5),
				RTT:               fltp(30.125),
			},
			{Sequence: 3, Destination: "192.0.2.2", StopReason: "GAPLIMIT"},
		},
		Rounds: []types.RoundOutcome{
			{Sequence: 1, Status: types.StatusOK, Rows: 1},
			{Sequence: 2, Status: types.StatusEmpty, Reason: "empty output"},
			{Sequence: 3, Status: types.StatusOK, Rows: 1},
		},
	}
}

func TestEncodePings(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodePings(&buf, sampleTable()); err != nil {
		t.Fatalf("EncodePings: %v", err)
	}
	want := "2023-05-10,1,192.0.2.1,GAPLIMIT,2023-05-10 12:00:00,1683720000,5,100.64.0.1,5,30.125\n" +
		",3,192.0.2.2,GAPLIMIT,,,,,,\n"
	if buf.String() != want {
		t.Fatalf("unexpected csv:\n%s", buf.String())
	}
}

func TestExposedServicesRoundTrip(t *testing.T) {
	rows := []types.ExposedService{
		{IP: "198.51.100.7", Date: "2024-02-01", ASN: 14593, Ports: []int{443, 80}, StopReason: "COMPLETED", HopCount: fltp(9), SecondLastHopAddress: strp("100.64.0.1"), SecondLastHopDepth: fltp(8)},
	}
	var buf bytes.Buffer
	if err := EncodeExposedServices(&buf, rows); err != nil {
		t.Fatalf("EncodeExposedServices: %v", err)
	}
	if !strings.Contains(buf.String(), `"dns_name":[]`) || !strings.Contains(buf.String(), `"pep_link":[]`) {
		t.Fatalf("expected empty repeated fields as arrays: %s", buf.String())
	}
	got, err := DecodeExposedServices(&buf)
	if err != nil {
		t.Fatalf("DecodeExposedServices: %v", err)
	}
	rows[0].DNSNames = []string{}
	rows[0].Flags = []bool{}
	if diff := cmp.Diff(rows, got); diff != "" {
		t.Fatalf("unexpected rows (-want +got):\n%s", diff)
	}
}

func TestFileSinkAppends(t *testing.T) {
	dir := t.TempDir()
	now := func() time.Time { return time.Date(2024, 2, 1, 22, 30, 0, 0, time.UTC) }
	sink := NewFileSink(dir, WithNow(now))
	ctx := context.Background()

	if err := sink.AppendPings(ctx, types.LastHop, sampleTable()); err != nil {
		t.Fatalf("AppendPings: %v", err)
	}
	if err := sink.AppendPings(ctx, types.LastHop, sampleTable()); err != nil {
		t.Fatalf("AppendPings: %v", err)
	}
	if err := sink.AppendPings(ctx, types.SecondLastHop, types.AggregatedPingTable{Samples: []types.PingSample{}}); err != nil {
		t.Fatalf("AppendPings empty: %v", err)
	}

	last, err := os.ReadFile(filepath.Join(dir, "pings", "last", "2024-02-01.csv"))
	if err != nil {
		t.Fatalf("read last pings: %v", err)
	}
	if lines := strings.Count(string(last), "\n"); lines != 4 {
		t.Fatalf("expected 4 appended lines, got %d", lines)
	}
	secLast, err := os.ReadFile(sink.PingsPath(types.SecondLastHop))
	if err != nil {
		t.Fatalf("expected empty table to still create its file: %v", err)
	}
	if len(secLast) != 0 {
		t.Fatalf("expected empty file, got %q", secLast)
	}

	if err := sink.WriteExposedServices(ctx, []types.ExposedService{{IP: "198.51.100.7", Date: "2024-02-01"}}); err != nil {
		t.Fatalf("WriteExposedServices: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "exposed_services", "2024-02-01.json")); err != nil {
		t.Fatalf("expected exposed services file: %v", err)
	}
}

func TestFileSinkKeepsDateAcrossMidnight(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2024, 2, 1, 23, 59, 59, 0, time.UTC)
	sink := NewFileSink(dir, WithNow(func() time.Time { return clock }))
	ctx := context.Background()

	if err := sink.AppendPings(ctx, types.LastHop, sampleTable()); err != nil {
		t.Fatalf("AppendPings: %v", err)
	}
	clock = clock.Add(6 * time.Second)
	if err := sink.AppendPings(ctx, types.LastHop, sampleTable()); err != nil {
		t.Fatalf("AppendPings: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "pings", "last"))
	if err != nil {
		t.Fatalf("read pings dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if diff := cmp.Diff([]string{"2024-02-01.csv"}, names); diff != "" {
		t.Fatalf("unexpected ping files (-want +got):\n%s", diff)
	}
}

type upload struct {
	table  string
	format warehouse.Format
	body   string
	fields int
}

type fakeUploader struct {
	uploads []upload
	err     error
}

func (u *fakeUploader) Upload(ctx context.Context, table string, schema warehouse.Schema, format warehouse.Format, path string) (warehouse.Stats, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return warehouse.Stats{}, err
	}
	u.uploads = append(u.uploads, upload{table: table, format: format, body: string(data), fields: len(schema)})
	if u.err != nil {
		return warehouse.Stats{}, u.err
	}
	return warehouse.Stats{Table: table, Rows: 2, Columns: len(schema)}, nil
}

func TestWarehouseSinkUploads(t *testing.T) {
	uploader := &fakeUploader{}
	workDir := t.TempDir()
	tables := Tables{ExposedServices: "exposed_services", LastHopPings: "endpoint_pings", SecLastHopPings: "sec_last_pings"}
	sink := NewWarehouseSink(uploader, tables, workDir, nil)
	ctx := context.Background()

	if err := sink.AppendPings(ctx, types.SecondLastHop, sampleTable()); err != nil {
		t.Fatalf("AppendPings: %v", err)
	}
	if err := sink.AppendPings(ctx, types.LastHop, types.AggregatedPingTable{}); err != nil {
		t.Fatalf("AppendPings empty: %v", err)
	}
	if err := sink.WriteExposedServices(ctx, []types.ExposedService{{IP: "198.51.100.7"}}); err != nil {
		t.Fatalf("WriteExposedServices: %v", err)
	}

	if len(uploader.uploads) != 2 {
		t.Fatalf("expected 2 uploads, got %+v", uploader.uploads)
	}
	if u := uploader.uploads[0]; u.table != "sec_last_pings" || u.format != warehouse.FormatCSV || u.fields != 10 || strings.Count(u.body, "\n") != 2 {
		t.Fatalf("unexpected ping upload %+v", u)
	}
	if u := uploader.uploads[1]; u.table != "exposed_services" || u.format != warehouse.FormatJSON {
		t.Fatalf("unexpected exposed services upload %+v", u)
	}
	if entries, _ := os.ReadDir(workDir); len(entries) != 0 {
		t.Fatalf("expected staging files to be removed, found %d", len(entries))
	}
}

func TestWarehouseSinkPropagatesRejection(t *testing.T) {
	rejected := errors.New("row 1: invalid")
	sink := NewWarehouseSink(&fakeUploader{err: rejected}, Tables{LastHopPings: "endpoint_pings"}, t.TempDir(), nil)
	err := sink.AppendPings(context.Background(), types.LastHop, sampleTable())
	if !errors.Is(err, rejected) {
		t.Fatalf("expected rejection to propagate, got %v", err)
	}
}
