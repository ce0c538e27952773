// Package warehouse loads exported tables into a data warehouse.
package warehouse

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
	"github.com/hashicorp/go-multierror"
)

type FieldType string

const (
	String    FieldType = "STRING"
	Date      FieldType = "DATE"
	Int64     FieldType = "INT64"
	Float64   FieldType = "FLOAT64"
	Bool      FieldType = "BOOL"
	Timestamp FieldType = "TIMESTAMP"
)

type Field struct {
	Name     string
	Type     FieldType
	Repeated bool
}

// Schema lists the columns of a table in file order.
type Schema []Field

func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, f := range s {
		names[i] = f.Name
	}
	return names
}

// Format is the encoding of an upload file.
type Format string

const (
	// FormatJSON is newline-delimited JSON, one object per row.
	FormatJSON Format = "NEWLINE_DELIMITED_JSON"
	// FormatCSV is headerless CSV with columns in schema order.
	FormatCSV Format = "CSV"
)

// ExposedServicesSchema describes the traced exposed service table.
var ExposedServicesSchema = Schema{
	{Name: "ip", Type: String},
	{Name: "date", Type: Date},
	{Name: "asn", Type: Int64},
	{Name: "dns_name", Type: String, Repeated: true},
	{Name: "port", Type: Int64, Repeated: true},
	{Name: "pep_link", Type: Bool, Repeated: true},
	{Name: "stop_reason", Type: String},
	{Name: "hop_count", Type: Float64},
	{Name: "sec_last_ip", Type: String},
	{Name: "sec_last_hop", Type: Float64},
}

// PingSchema describes both ping tables.
var PingSchema = Schema{
	{Name: "date", Type: Date},
	{Name: "seq", Type: Int64},
	{Name: "dst", Type: String},
	{Name: "stop_reason", Type: String},
	{Name: "start_time", Type: Timestamp},
	{Name: "start_sec", Type: Int64},
	{Name: "hop_count", Type: Float64},
	{Name: "ip_at_ttl", Type: String},
	{Name: "probe_ttl", Type: Float64},
	{Name: "rtt", Type: Float64},
}

// Stats describes the destination table after a load.
type Stats struct {
	Table   string
	Rows    uint64
	Columns int
}

// Uploader appends the rows of a file to a warehouse table.
type Uploader interface {
	Upload(ctx context.Context, table string, schema Schema, format Format, path string) (Stats, error)
}

// UploadError reports a load the warehouse rejected, with every per-row
// message it returned.
type UploadError struct {
	Table  string
	errors *multierror.Error
}

func newUploadError(table string) *UploadError {
	return &UploadError{
		Table: table,
		errors: &multierror.Error{ErrorFormat: func(errs []error) string {
			msgs := make([]string, len(errs))
			for i, err := range errs {
				msgs[i] = err.Error()
			}
			return strings.Join(msgs, "; ")
		}},
	}
}

func (e *UploadError) add(err error) {
	if err != nil {
		e.errors = multierror.Append(e.errors, err)
	}
}

func (e *UploadError) orNil() error {
	if e.errors.Len() == 0 {
		return nil
	}
	return e
}

// Messages returns the individual rejection messages.
func (e *UploadError) Messages() []string {
	msgs := make([]string, 0, e.errors.Len())
	for _, err := range e.errors.WrappedErrors() {
		msgs = append(msgs, err.Error())
	}
	return msgs
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload to %s rejected: %s", e.Table, e.errors.Error())
}

func (e *UploadError) Unwrap() []error {
	return e.errors.WrappedErrors()
}

func (t FieldType) bigquery() bigquery.FieldType {
	switch t {
	case Date:
		return bigquery.DateFieldType
	case Int64:
		return bigquery.IntegerFieldType
	case Float64:
		return bigquery.FloatFieldType
	case Bool:
		return bigquery.BooleanFieldType
	case Timestamp:
		return bigquery.TimestampFieldType
	default:
		return bigquery.StringFieldType
	}
}

func (s Schema) bigquery() bigquery.Schema {
	out := make(bigquery.Schema, len(s))
	for i, f := range s {
		out[i] = &bigquery.FieldSchema{Name: f.Name, Type: f.Type.bigquery(), Repeated: f.Repeated}
	}
	return out
}
