// Package pipeline turns discovered hosts into traced exposed services and
// hands them to the ping scheduler.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hitchhikinghq/collector/internal/discovery"
	"github.com/hitchhikinghq/collector/internal/export"
	"github.com/hitchhikinghq/collector/internal/metrics"
	"github.com/hitchhikinghq/collector/internal/scamper"
	"github.com/hitchhikinghq/collector/internal/scheduler"
	"github.com/hitchhikinghq/collector/pkg/types"
)

// Scheduler probes the hop groups of a batch of exposed services.
type Scheduler interface {
	Run(ctx context.Context, rows []types.ExposedService) (scheduler.Summary, error)
}

type Option func(*config)

type config struct {
	workDir string
	logger  *log.Logger
	metrics metrics.PipelineRecorder
}

func WithWorkDir(dir string) Option {
	return func(c *config) {
		if dir != "" {
			c.workDir = dir
		}
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(rec metrics.PipelineRecorder) Option {
	return func(c *config) {
		if rec != nil {
			c.metrics = rec
		}
	}
}

type Pipeline struct {
	source    discovery.Source
	tracer    scamper.Tracer
	sink      export.Sink
	scheduler Scheduler

	workDir string
	logger  *log.Logger
	metrics metrics.PipelineRecorder
}

// New wires a pipeline. sched may be nil for runs that stop after the
// exposed services are exported.
func New(source discovery.Source, tracer scamper.Tracer, sink export.Sink, sched Scheduler, opts ...Option) *Pipeline {
	cfg := config{
		workDir: os.TempDir(),
		logger:  log.New(io.Discard, "", 0),
		metrics: metrics.NoopPipelineRecorder{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Pipeline{
		source:    source,
		tracer:    tracer,
		sink:      sink,
		scheduler: sched,
		workDir:   cfg.workDir,
		logger:    cfg.logger,
		metrics:   cfg.metrics,
	}
}

// Report summarizes one Run.
type Report struct {
	Discovery discovery.Result
	Services  int
	Schedule  scheduler.Summary
}

// Run discovers the hosts of q, traces them, exports the exposed services
// and schedules their pings. A failed or empty discovery is not an error:
// every later stage becomes a no-op.
func (p *Pipeline) Run(ctx context.Context, q discovery.Query) (Report, error) {
	result := p.source.Discover(ctx, q)
	report := Report{Discovery: discovery.Result{Status: result.Status, Reason: result.Reason}}
	records := discovery.Dedupe(result.Records)
	p.metrics.ObserveDiscovery(len(records), result.Status)
	p.logger.Printf("discovery asn=%d status=%s records=%d hosts=%d %s",
		q.ASN, result.Status, len(result.Records), len(records), result.Reason)
	if len(records) == 0 {
		return report, nil
	}

	rows, err := p.Trace(ctx, records)
	if err != nil {
		return report, err
	}
	report.Services = len(rows)
	if err := p.sink.WriteExposedServices(ctx, rows); err != nil {
		return report, fmt.Errorf("export exposed services: %w", err)
	}
	if p.scheduler == nil || len(rows) == 0 {
		return report, nil
	}

	summary, err := p.scheduler.Run(ctx, rows)
	report.Schedule = summary
	p.metrics.ObserveGroups(summary.Groups)
	if err != nil {
		return report, fmt.Errorf("schedule pings: %w", err)
	}
	p.logger.Printf("pings complete groups=%d last_rows=%d sec_last_rows=%d",
		summary.Groups, summary.Rows[types.LastHop], summary.Rows[types.SecondLastHop])
	return report, nil
}

// Trace runs one traceroute over the distinct addresses of records and joins
// the second-to-last hop of each path back onto them. Rows whose path has no
// resolved second-to-last hop are dropped.
func (p *Pipeline) Trace(ctx context.Context, records []types.EndpointRecord) ([]types.ExposedService, error) {
	records = discovery.Dedupe(records)
	if len(records) == 0 {
		return nil, nil
	}

	dir, err := os.MkdirTemp(p.workDir, "trace-*")
	if err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	defer os.RemoveAll(dir)

	destinations := distinctIPs(records)
	listPath := filepath.Join(dir, "destinations.txt")
	if err := os.WriteFile(listPath, []byte(strings.Join(destinations, "\n")+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write destination list: %w", err)
	}
	outPath := filepath.Join(dir, "trace.json")

	p.logger.Printf("traceroute starting destinations=%d", len(destinations))
	if err := p.tracer.Trace(ctx, listPath, outPath); err != nil {
		var exitErr *exec.ExitError
		if ctx.Err() != nil || !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("traceroute: %w", err)
		}
		p.logger.Printf("traceroute exited status=%d, parsing partial output", exitErr.ExitCode())
	}
	parsed, err := scamper.ParseTraceFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("parse traceroute output: %w", err)
	}
	p.metrics.ObserveTrace(len(parsed.Results), parsed.Excluded)

	rows := join(records, parsed.Results)
	p.logger.Printf("traceroute complete destinations=%d traced=%d excluded=%d malformed=%d services=%d",
		len(destinations), len(parsed.Results), parsed.Excluded, parsed.Malformed, len(rows))
	return rows, nil
}

func distinctIPs(records []types.EndpointRecord) []string {
	seen := make(map[string]struct{}, len(records))
	ips := make([]string, 0, len(records))
	for _, rec := range records {
		if _, dup := seen[rec.IP]; dup {
			continue
		}
		seen[rec.IP] = struct{}{}
		ips = append(ips, rec.IP)
	}
	return ips
}

func join(records []types.EndpointRecord, traces []types.TraceResult) []types.ExposedService {
	byDst := make(map[string]types.TraceResult, len(traces))
	for _, tr := range traces {
		if _, dup := byDst[tr.Destination]; !dup {
			byDst[tr.Destination] = tr
		}
	}
	rows := make([]types.ExposedService, 0, len(records))
	for _, rec := range records {
		tr, ok := byDst[rec.IP]
		if !ok || tr.SecondLastHopAddress == nil || tr.SecondLastHopDepth == nil {
			continue
		}
		rows = append(rows, types.ExposedService{
			IP:                   rec.IP,
			Date:                 rec.Date,
			ASN:                  rec.ASN,
			DNSNames:             rec.DNSNames,
			Ports:                rec.Ports,
			Flags:                rec.Flags,
			StopReason:           tr.StopReason,
			HopCount:             tr.HopCount,
			SecondLastHopAddress: tr.SecondLastHopAddress,
			SecondLastHopDepth:   tr.SecondLastHopDepth,
		})
	}
	return rows
}
