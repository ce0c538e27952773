// Package prober runs single-depth probe rounds toward a destination list at
// a fixed cadence and aggregates what every round recorded.
package prober

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/hitchhikinghq/collector/internal/metrics"
	"github.com/hitchhikinghq/collector/internal/scamper"
	"github.com/hitchhikinghq/collector/internal/worker"
	"github.com/hitchhikinghq/collector/pkg/types"
)

// Request describes one runner invocation.
type Request struct {
	Class            types.HopClass
	DestinationsFile string
	Depth            int
	Count            int
	Interval         time.Duration
}

func (r Request) validate() error {
	if r.DestinationsFile == "" {
		return errors.New("destinations file is required")
	}
	if r.Depth <= 0 {
		return fmt.Errorf("probe depth must be positive, got %d", r.Depth)
	}
	if r.Count <= 0 {
		return fmt.Errorf("probe count must be positive, got %d", r.Count)
	}
	if r.Interval < 0 {
		return fmt.Errorf("probe interval must not be negative, got %s", r.Interval)
	}
	return nil
}

// Result is the aggregated outcome of one invocation.
type Result struct {
	Request        Request
	Table          types.AggregatedPingTable
	Launched       int
	LaunchFailures int
	Elapsed        time.Duration
}

// Runner drives hop-targeted probe rounds through a scamper Launcher.
type Runner struct {
	launcher     scamper.Launcher
	workDir      string
	roundTimeout time.Duration
	now          func() time.Time
	logger       *log.Logger
	metrics      metrics.ProbeRecorder
}

// Option configures a Runner.
type Option func(*Runner)

// WithWorkDir sets where per-invocation round directories are created.
func WithWorkDir(dir string) Option {
	return func(r *Runner) {
		if dir != "" {
			r.workDir = dir
		}
	}
}

// WithRoundTimeout kills a round process that runs longer than d. Zero, the
// default, lets the tail wait block until every process exits on its own.
func WithRoundTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.roundTimeout = d
		}
	}
}

// WithNow overrides the clock used for cadence and elapsed time.
func WithNow(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the logger for launch failures and run summaries.
func WithLogger(logger *log.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics reports round counts to rec.
func WithMetrics(rec metrics.ProbeRecorder) Option {
	return func(r *Runner) {
		if rec != nil {
			r.metrics = rec
		}
	}
}

func New(launcher scamper.Launcher, opts ...Option) *Runner {
	r := &Runner{
		launcher: launcher,
		workDir:  os.TempDir(),
		now:      time.Now,
		logger:   log.New(io.Discard, "", 0),
		metrics:  metrics.NoopProbeRecorder{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run launches req.Count rounds, one every req.Interval, each constrained to
// req.Depth. Rounds overlap: a round launches on schedule whether or not the
// previous ones have exited. Run then waits for every round and aggregates
// their outputs in sequence order. Launch and parse failures only remove the
// affected round's rows. The returned error is non-nil for an invalid request
// or a cancelled context; a cancelled run still returns what was aggregated.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{Request: req}, err
	}

	dir, err := os.MkdirTemp(r.workDir, fmt.Sprintf("ping-%s-ttl%d-*", req.Class, req.Depth))
	if err != nil {
		return Result{Request: req}, fmt.Errorf("create round dir: %w", err)
	}
	defer os.RemoveAll(dir)

	sup := worker.NewSupervisor(r.launcher, dir, req.Count,
		worker.WithRoundTimeout(r.roundTimeout),
		worker.WithNow(r.now),
		worker.WithLogger(r.logger),
	)
	defer sup.Close()

	result := Result{Request: req}
	start := r.now()
	inv := scamper.Invocation{
		DestinationsFile: req.DestinationsFile,
		MinTTL:           req.Depth,
		MaxTTL:           req.Depth,
	}

	var runErr error
	for seq := 1; seq <= req.Count; seq++ {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		roundStart := r.now()
		if err := sup.Launch(ctx, seq, inv); err != nil {
			result.LaunchFailures++
			r.metrics.IncLaunchFailures()
			r.logger.Printf("%s ttl=%d round seq=%d launch failed: %v", req.Class, req.Depth, seq, err)
		} else {
			result.Launched++
			r.metrics.IncRoundsLaunched()
		}
		sup.Poll()

		if err := sup.Sleep(ctx, req.Interval-r.now().Sub(roundStart)); err != nil {
			runErr = err
			break
		}
	}

	if err := sup.Drain(ctx); err != nil && runErr == nil {
		runErr = err
	}

	result.Table = scamper.Aggregate(sup.Outputs(), r.logger)
	result.Elapsed = r.now().Sub(start)
	for _, round := range result.Table.Rounds {
		r.metrics.ObserveRound(round.Status)
	}
	r.logger.Printf("%s ttl=%d rounds=%d launched=%d empty=%d rows=%d elapsed=%s",
		req.Class, req.Depth, req.Count, result.Launched, result.Table.Count(types.StatusEmpty),
		result.Table.Len(), result.Elapsed.Round(time.Millisecond))
	return result, runErr
}
