// Package export writes exposed service and ping tables to local files or
// a warehouse.
package export

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/hitchhikinghq/collector/pkg/types"
)

// EncodeExposedServices writes rows as newline-delimited JSON. Empty repeated
// fields are written as [] rather than null.
func EncodeExposedServices(w io.Writer, rows []types.ExposedService) error {
	enc := json.NewEncoder(w)
	for _, row := range rows {
		if row.DNSNames == nil {
			row.DNSNames = []string{}
		}
		if row.Ports == nil {
			row.Ports = []int{}
		}
		if row.Flags == nil {
			row.Flags = []bool{}
		}
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("encode exposed service %s: %w", row.IP, err)
		}
	}
	return nil
}

// DecodeExposedServices reads rows written by EncodeExposedServices.
func DecodeExposedServices(r io.Reader) ([]types.ExposedService, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var rows []types.ExposedService
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var row types.ExposedService
		if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read exposed services: %w", err)
	}
	return rows, nil
}

// EncodePings writes the samples of table as headerless CSV in the column
// order date, seq, dst, stop_reason, start_time, start_sec, hop_count,
// ip_at_ttl, probe_ttl, rtt. Missing values are written as empty fields.
func EncodePings(w io.Writer, table types.AggregatedPingTable) error {
	cw := csv.NewWriter(w)
	for _, s := range table.Samples {
		record := []string{
			optString(s.Date),
			strconv.Itoa(s.Sequence),
			s.Destination,
			s.StopReason,
			optString(s.StartTime),
			optInt(s.StartEpochSeconds),
			optFloat(s.HopCount),
			optString(s.HopAddress),
			optFloat(s.ProbeDepth),
			optFloat(s.RTT),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("encode ping seq=%d dst=%s: %w", s.Sequence, s.Destination, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func optString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func optInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func optFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
