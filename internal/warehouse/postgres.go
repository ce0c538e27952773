package warehouse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresUploader appends files to PostgreSQL tables with COPY. Tables are
// created from the schema when missing.
type PostgresUploader struct {
	pool   *pgxpool.Pool
	schema string
	logger *log.Logger
}

// NewPostgresUploader connects to PostgreSQL using the supplied connection
// string. Tables live in dbSchema, or the search path when it is empty.
func NewPostgresUploader(ctx context.Context, connString, dbSchema string, logger *log.Logger) (*PostgresUploader, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &PostgresUploader{pool: pool, schema: dbSchema, logger: logger}, nil
}

// Close releases database resources.
func (u *PostgresUploader) Close() {
	u.pool.Close()
}

func (u *PostgresUploader) identifier(table string) pgx.Identifier {
	if u.schema == "" {
		return pgx.Identifier{table}
	}
	return pgx.Identifier{u.schema, table}
}

func (u *PostgresUploader) Upload(ctx context.Context, table string, schema Schema, format Format, path string) (Stats, error) {
	ident := u.identifier(table)
	name := ident.Sanitize()

	rows, err := readRowsFile(name, schema, format, path)
	if err != nil {
		return Stats{}, err
	}

	if _, err := u.pool.Exec(ctx, createTableSQL(ident, schema)); err != nil {
		return Stats{}, fmt.Errorf("create table %s: %w", name, err)
	}
	copied, err := u.pool.CopyFrom(ctx, ident, schema.Names(), pgx.CopyFromRows(rows))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			rejected := newUploadError(name)
			rejected.add(fmt.Errorf("%s: %s", pgErr.Code, pgErr.Message))
			if pgErr.Detail != "" {
				rejected.add(errors.New(pgErr.Detail))
			}
			return Stats{}, rejected
		}
		return Stats{}, fmt.Errorf("copy into %s: %w", name, err)
	}

	var total int64
	if err := u.pool.QueryRow(ctx, "SELECT count(*) FROM "+name).Scan(&total); err != nil {
		return Stats{}, fmt.Errorf("count rows of %s: %w", name, err)
	}
	stats := Stats{Table: name, Rows: uint64(total), Columns: len(schema)}
	u.logger.Printf("copied %d rows into %s (%d rows, %d columns)", copied, name, stats.Rows, stats.Columns)
	return stats, nil
}

func (t FieldType) postgres() string {
	switch t {
	case Date:
		return "DATE"
	case Int64:
		return "BIGINT"
	case Float64:
		return "DOUBLE PRECISION"
	case Bool:
		return "BOOLEAN"
	case Timestamp:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

func createTableSQL(ident pgx.Identifier, schema Schema) string {
	cols := make([]string, len(schema))
	for i, f := range schema {
		typ := f.Type.postgres()
		if f.Repeated {
			typ += "[]"
		}
		cols[i] = pgx.Identifier{f.Name}.Sanitize() + " " + typ
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", ident.Sanitize(), strings.Join(cols, ",\n  "))
}

// readRowsFile converts an upload file into COPY rows. Every row that does
// not fit the schema is reported in one UploadError and nothing is copied.
func readRowsFile(table string, schema Schema, format Format, path string) ([][]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read upload file: %w", err)
	}
	rejected := newUploadError(table)
	var rows [][]any
	switch format {
	case FormatJSON:
		rows = jsonRows(data, schema, rejected)
	case FormatCSV:
		rows = csvRows(data, schema, rejected)
	default:
		return nil, fmt.Errorf("unsupported upload format %q", format)
	}
	if err := rejected.orNil(); err != nil {
		return nil, err
	}
	return rows, nil
}

func jsonRows(data []byte, schema Schema, rejected *UploadError) [][]any {
	var rows [][]any
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			rejected.add(fmt.Errorf("row %d: %v", line, err))
			continue
		}
		row := make([]any, len(schema))
		ok := true
		for i, f := range schema {
			v, err := jsonValue(f, obj[f.Name])
			if err != nil {
				rejected.add(fmt.Errorf("row %d: field %s: %v", line, f.Name, err))
				ok = false
				continue
			}
			row[i] = v
		}
		if ok {
			rows = append(rows, row)
		}
	}
	if err := scanner.Err(); err != nil {
		rejected.add(fmt.Errorf("row %d: %v", line+1, err))
	}
	return rows
}

func jsonValue(f Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if !f.Repeated {
		return scalarValue(f.Type, v)
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected array, got %T", v)
	}
	switch f.Type {
	case Int64:
		out := make([]int64, 0, len(items))
		for _, item := range items {
			n, err := scalarValue(f.Type, item)
			if err != nil {
				return nil, err
			}
			if n != nil {
				out = append(out, n.(int64))
			}
		}
		return out, nil
	case Float64:
		out := make([]float64, 0, len(items))
		for _, item := range items {
			n, err := scalarValue(f.Type, item)
			if err != nil {
				return nil, err
			}
			if n != nil {
				out = append(out, n.(float64))
			}
		}
		return out, nil
	case Bool:
		out := make([]bool, 0, len(items))
		for _, item := range items {
			b, err := scalarValue(f.Type, item)
			if err != nil {
				return nil, err
			}
			if b != nil {
				out = append(out, b.(bool))
			}
		}
		return out, nil
	case String:
		out := make([]string, 0, len(items))
		for _, item := range items {
			s, err := scalarValue(f.Type, item)
			if err != nil {
				return nil, err
			}
			if s != nil {
				out = append(out, s.(string))
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("repeated %s columns are not supported", f.Type)
	}
}

func scalarValue(t FieldType, v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.Number:
		return parseScalar(t, x.String())
	case string:
		return parseScalar(t, x)
	case bool:
		if t != Bool {
			return nil, fmt.Errorf("unexpected boolean for %s", t)
		}
		return x, nil
	default:
		return nil, fmt.Errorf("unexpected %T for %s", v, t)
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseScalar(t FieldType, s string) (any, error) {
	switch t {
	case String:
		return s, nil
	case Int64:
		return strconv.ParseInt(s, 10, 64)
	case Float64:
		return strconv.ParseFloat(s, 64)
	case Bool:
		return strconv.ParseBool(s)
	case Date:
		return time.Parse("2006-01-02", s)
	case Timestamp:
		var lastErr error
		for _, layout := range timestampLayouts {
			ts, err := time.Parse(layout, s)
			if err == nil {
				return ts, nil
			}
			lastErr = err
		}
		return nil, lastErr
	default:
		return nil, fmt.Errorf("unknown column type %q", t)
	}
}

func csvRows(data []byte, schema Schema, rejected *UploadError) [][]any {
	for _, f := range schema {
		if f.Repeated {
			rejected.add(fmt.Errorf("column %s: repeated columns cannot be loaded from CSV", f.Name))
			return nil
		}
	}
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	var rows [][]any
	line := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			rejected.add(fmt.Errorf("row %d: %v", line, err))
			continue
		}
		if len(record) != len(schema) {
			rejected.add(fmt.Errorf("row %d: expected %d columns, got %d", line, len(schema), len(record)))
			continue
		}
		row := make([]any, len(schema))
		ok := true
		for i, f := range schema {
			if record[i] == "" {
				continue
			}
			v, err := parseScalar(f.Type, record[i])
			if err != nil {
				rejected.add(fmt.Errorf("row %d: field %s: %v", line, f.Name, err))
				ok = false
				continue
			}
			row[i] = v
		}
		if ok {
			rows = append(rows, row)
		}
	}
	return rows
}
