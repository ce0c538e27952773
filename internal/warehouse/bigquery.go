package warehouse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"cloud.google.com/go/bigquery"
)

// BigQueryUploader appends files to tables of one BigQuery dataset with load
// jobs. Tables are created from the schema when missing.
type BigQueryUploader struct {
	client  *bigquery.Client
	dataset string
	logger  *log.Logger
}

func NewBigQueryUploader(client *bigquery.Client, dataset string, logger *log.Logger) (*BigQueryUploader, error) {
	if client == nil {
		return nil, errors.New("bigquery client is required")
	}
	if dataset == "" {
		return nil, errors.New("bigquery dataset is required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &BigQueryUploader{client: client, dataset: dataset, logger: logger}, nil
}

func (u *BigQueryUploader) Upload(ctx context.Context, table string, schema Schema, format Format, path string) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("open upload file: %w", err)
	}
	defer f.Close()

	src := bigquery.NewReaderSource(f)
	src.Schema = schema.bigquery()
	switch format {
	case FormatJSON:
		src.SourceFormat = bigquery.JSON
	case FormatCSV:
		src.SourceFormat = bigquery.CSV
	default:
		return Stats{}, fmt.Errorf("unsupported upload format %q", format)
	}

	ref := u.client.Dataset(u.dataset).Table(table)
	loader := ref.LoaderFrom(src)
	loader.WriteDisposition = bigquery.WriteAppend
	loader.CreateDisposition = bigquery.CreateIfNeeded

	u.logger.Printf("uploading %s to %s.%s", path, u.dataset, table)
	job, err := loader.Run(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("start load job: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("wait for load job %s: %w", job.ID(), err)
	}
	if err := status.Err(); err != nil {
		rejected := newUploadError(u.dataset + "." + table)
		for _, e := range status.Errors {
			if e != nil {
				rejected.add(errors.New(e.Message))
			}
		}
		if rejected.orNil() == nil {
			rejected.add(err)
		}
		return Stats{}, rejected
	}

	md, err := ref.Metadata(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("read table metadata: %w", err)
	}
	stats := Stats{Table: u.dataset + "." + table, Rows: md.NumRows, Columns: len(md.Schema)}
	u.logger.Printf("loaded %d rows and %d columns to %s", stats.Rows, stats.Columns, stats.Table)
	return stats, nil
}
