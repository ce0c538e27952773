// Package discovery finds the exposed hosts of an autonomous system through
// a host search service and reshapes them into endpoint records.
package discovery

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/hitchhikinghq/collector/pkg/types"
)

// Query selects the hosts to discover. IPVersion 4 or 6 filters by address
// family; zero keeps both.
type Query struct {
	ASN       int64
	IPVersion int
}

// Result carries discovered records together with how the lookup went. A
// service failure is reported as StatusFatal with no records and never as
// an error, so callers degrade to an empty batch.
type Result struct {
	Records []types.EndpointRecord
	Status  types.Status
	Reason  string
}

// Source is a host search backend.
type Source interface {
	Discover(ctx context.Context, q Query) Result
}

func failed(err error) Result {
	return Result{Status: types.StatusFatal, Reason: err.Error()}
}

func found(records []types.EndpointRecord) Result {
	if len(records) == 0 {
		return Result{Status: types.StatusEmpty, Reason: "no hosts matched"}
	}
	return Result{Records: records, Status: types.StatusOK}
}

// Dedupe folds records sharing (ip, date, asn, dns names) into one row. DNS
// names compare as a set. Ports and flags of folded rows are appended in
// input order, so no observed service is lost. Rows keep first-seen order.
func Dedupe(records []types.EndpointRecord) []types.EndpointRecord {
	index := make(map[string]int, len(records))
	out := make([]types.EndpointRecord, 0, len(records))
	for _, rec := range records {
		names := normalizeNames(rec.DNSNames)
		key := identity(rec, names)
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, types.EndpointRecord{
				IP:       rec.IP,
				Date:     rec.Date,
				ASN:      rec.ASN,
				DNSNames: names,
				Ports:    []int{},
				Flags:    []bool{},
			})
		}
		out[i].Ports = append(out[i].Ports, rec.Ports...)
		out[i].Flags = append(out[i].Flags, rec.Flags...)
	}
	return out
}

func normalizeNames(names []string) []string {
	set := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		set = append(set, n)
	}
	sort.Strings(set)
	return set
}

func identity(rec types.EndpointRecord, names []string) string {
	var b strings.Builder
	b.WriteString(rec.IP)
	b.WriteByte(0)
	b.WriteString(rec.Date)
	b.WriteByte(0)
	b.WriteString(strconv.FormatInt(rec.ASN, 10))
	for _, n := range names {
		b.WriteByte(0)
		b.WriteString(n)
	}
	return b.String()
}
