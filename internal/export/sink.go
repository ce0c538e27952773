package export

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/hitchhikinghq/collector/internal/warehouse"
	"github.com/hitchhikinghq/collector/pkg/types"
)

// Sink receives the tables a run produces.
type Sink interface {
	WriteExposedServices(ctx context.Context, rows []types.ExposedService) error
	AppendPings(ctx context.Context, class types.HopClass, table types.AggregatedPingTable) error
}

// FileSink appends tables to dated files under a data directory:
// exposed_services/<date>.json and pings/<class>/<date>.csv. The date is
// fixed when the sink is built.
type FileSink struct {
	dir    string
	now    func() time.Time
	date   string
	logger *log.Logger
}

type FileOption func(*FileSink)

func WithNow(now func() time.Time) FileOption {
	return func(s *FileSink) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger *log.Logger) FileOption {
	return func(s *FileSink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewFileSink(dir string, opts ...FileOption) *FileSink {
	s := &FileSink{
		dir:    dir,
		now:    time.Now,
		logger: log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.date = s.now().UTC().Format("2006-01-02")
	return s
}

// ExposedServicesPath is the file this batch's exposed services are appended to.
func (s *FileSink) ExposedServicesPath() string {
	return filepath.Join(s.dir, "exposed_services", s.date+".json")
}

// PingsPath is the file this batch's pings of class are appended to.
func (s *FileSink) PingsPath(class types.HopClass) string {
	return filepath.Join(s.dir, "pings", class.String(), s.date+".csv")
}

func (s *FileSink) WriteExposedServices(ctx context.Context, rows []types.ExposedService) error {
	path := s.ExposedServicesPath()
	if err := appendFile(path, func(w io.Writer) error { return EncodeExposedServices(w, rows) }); err != nil {
		return err
	}
	s.logger.Printf("wrote %d exposed services to %s", len(rows), path)
	return nil
}

func (s *FileSink) AppendPings(ctx context.Context, class types.HopClass, table types.AggregatedPingTable) error {
	path := s.PingsPath(class)
	if err := appendFile(path, func(w io.Writer) error { return EncodePings(w, table) }); err != nil {
		return err
	}
	s.logger.Printf("appended %d %s pings to %s", table.Len(), class, path)
	return nil
}

func appendFile(path string, write func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// Tables names the warehouse tables of each stream.
type Tables struct {
	ExposedServices string
	LastHopPings    string
	SecLastHopPings string
}

func (t Tables) pings(class types.HopClass) string {
	if class == types.SecondLastHop {
		return t.SecLastHopPings
	}
	return t.LastHopPings
}

// WarehouseSink stages each table in a temporary file and loads it with an
// Uploader. A rejected load is returned to the caller.
type WarehouseSink struct {
	uploader warehouse.Uploader
	tables   Tables
	workDir  string
	logger   *log.Logger
}

func NewWarehouseSink(uploader warehouse.Uploader, tables Tables, workDir string, logger *log.Logger) *WarehouseSink {
	if workDir == "" {
		workDir = os.TempDir()
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &WarehouseSink{uploader: uploader, tables: tables, workDir: workDir, logger: logger}
}

func (s *WarehouseSink) WriteExposedServices(ctx context.Context, rows []types.ExposedService) error {
	if len(rows) == 0 {
		s.logger.Printf("no exposed services to upload")
		return nil
	}
	return s.upload(ctx, s.tables.ExposedServices, warehouse.ExposedServicesSchema, warehouse.FormatJSON, "exposed-*.json",
		func(w io.Writer) error { return EncodeExposedServices(w, rows) })
}

func (s *WarehouseSink) AppendPings(ctx context.Context, class types.HopClass, table types.AggregatedPingTable) error {
	if table.Len() == 0 {
		s.logger.Printf("no %s pings to upload", class)
		return nil
	}
	return s.upload(ctx, s.tables.pings(class), warehouse.PingSchema, warehouse.FormatCSV, "pings-"+class.String()+"-*.csv",
		func(w io.Writer) error { return EncodePings(w, table) })
}

func (s *WarehouseSink) upload(ctx context.Context, table string, schema warehouse.Schema, format warehouse.Format, pattern string, write func(io.Writer) error) error {
	f, err := os.CreateTemp(s.workDir, pattern)
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	err = write(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("stage %s: %w", table, err)
	}

	stats, err := s.uploader.Upload(ctx, table, schema, format, path)
	if err != nil {
		return fmt.Errorf("upload %s: %w", table, err)
	}
	s.logger.Printf("uploaded to %s: table now has %d rows and %d columns", stats.Table, stats.Rows, stats.Columns)
	return nil
}
