package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"regexp"
	"strings"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/hitchhikinghq/collector/pkg/types"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+(\.[A-Za-z0-9_\-]+){1,2}$`)

// BigQuerySource reads hosts from a Censys universal internet dataset table
// instead of the search API. The dataset snapshot from two days ago is used
// because reverse DNS names are populated a day after the hosts.
type BigQuerySource struct {
	client        *bigquery.Client
	table         string
	classifyMatch string
	logger        *log.Logger
}

// NewBigQuerySource queries table, given as project.dataset.table.
// classifyMatch, when set, flags each service whose leaf certificate subject
// DN contains it.
func NewBigQuerySource(client *bigquery.Client, table, classifyMatch string, logger *log.Logger) (*BigQuerySource, error) {
	if client == nil {
		return nil, errors.New("bigquery client is required")
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid bigquery table %q", table)
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &BigQuerySource{client: client, table: table, classifyMatch: classifyMatch, logger: logger}, nil
}

type hostRow struct {
	IP       string   `bigquery:"ip"`
	Date     string   `bigquery:"date"`
	ASN      int64    `bigquery:"asn"`
	DNSNames []string `bigquery:"dns_name"`
	Ports    []int64  `bigquery:"port"`
	Flags    []bool   `bigquery:"pep_link"`
}

func (r hostRow) record() types.EndpointRecord {
	ports := make([]int, len(r.Ports))
	for i, p := range r.Ports {
		ports[i] = int(p)
	}
	flags := r.Flags
	if flags == nil {
		flags = []bool{}
	}
	names := r.DNSNames
	if names == nil {
		names = []string{}
	}
	return types.EndpointRecord{IP: r.IP, Date: r.Date, ASN: r.ASN, DNSNames: names, Ports: ports, Flags: flags}
}

func hostsQuery(table string, ipVersion int, classify bool) string {
	ipCol := "host_identifier.ipv4"
	if ipVersion == 6 {
		ipCol = "host_identifier.ipv6"
	}
	flags := "ARRAY<BOOL>[]"
	if classify {
		flags = `ARRAY(
    SELECT IFNULL(LOWER(service.tls.certificates.leaf_data.subject_dn) LIKE @classify_match, FALSE)
    FROM UNNEST(services) AS service
  )`
	}
	return fmt.Sprintf(`SELECT DISTINCT
  %[1]s AS ip,
  CAST(CURRENT_DATE() AS STRING) AS date,
  @asn AS asn,
  dns.reverse_dns.names AS dns_name,
  ports_list AS port,
  %[2]s AS pep_link
FROM `+"`%[3]s`"+`
WHERE autonomous_system.asn = @asn
  AND TIMESTAMP_TRUNC(snapshot_date, DAY) = TIMESTAMP(DATE_SUB(CURRENT_DATE(), INTERVAL 2 DAY))
  AND %[1]s IS NOT NULL`, ipCol, flags, table)
}

func (s *BigQuerySource) Discover(ctx context.Context, q Query) Result {
	records, err := s.read(ctx, q)
	if err != nil {
		s.logger.Printf("bigquery discovery asn=%d failed: %v", q.ASN, err)
		return failed(err)
	}
	s.logger.Printf("bigquery discovery asn=%d records=%d", q.ASN, len(records))
	return found(records)
}

func (s *BigQuerySource) read(ctx context.Context, q Query) ([]types.EndpointRecord, error) {
	classify := s.classifyMatch != ""
	query := s.client.Query(hostsQuery(s.table, q.IPVersion, classify))
	query.Parameters = []bigquery.QueryParameter{{Name: "asn", Value: q.ASN}}
	if classify {
		query.Parameters = append(query.Parameters, bigquery.QueryParameter{
			Name:  "classify_match",
			Value: "%" + strings.ToLower(s.classifyMatch) + "%",
		})
	}

	it, err := query.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("run hosts query: %w", err)
	}
	var records []types.EndpointRecord
	for {
		var row hostRow
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read hosts row: %w", err)
		}
		records = append(records, row.record())
	}
	return records, nil
}
