// Package scheduler drives hop-targeted probing for a batch of exposed
// services, one hop group at a time.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitchhikinghq/collector/internal/metrics"
	"github.com/hitchhikinghq/collector/internal/prober"
	"github.com/hitchhikinghq/collector/pkg/types"
)

// ProbeRunner runs the rounds of one hop depth.
type ProbeRunner interface {
	Run(ctx context.Context, req prober.Request) (prober.Result, error)
}

// Sink receives each aggregated table once both runners of its group finished.
type Sink interface {
	AppendPings(ctx context.Context, class types.HopClass, table types.AggregatedPingTable) error
}

// Summary reports what a batch produced.
type Summary struct {
	Groups int
	Rows   map[types.HopClass]int
	Rounds map[types.Status]int
}

func newSummary() Summary {
	return Summary{
		Rows:   make(map[types.HopClass]int),
		Rounds: make(map[types.Status]int),
	}
}

type Scheduler struct {
	runner   ProbeRunner
	sink     Sink
	count    int
	interval time.Duration
	workDir  string
	logger   *log.Logger
	metrics  metrics.ProbeRecorder
}

type Option func(*Scheduler)

// WithRounds sets how many rounds each runner launches and how far apart.
func WithRounds(count int, interval time.Duration) Option {
	return func(s *Scheduler) {
		if count > 0 {
			s.count = count
		}
		if interval >= 0 {
			s.interval = interval
		}
	}
}

func WithWorkDir(dir string) Option {
	return func(s *Scheduler) {
		if dir != "" {
			s.workDir = dir
		}
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(rec metrics.ProbeRecorder) Option {
	return func(s *Scheduler) {
		if rec != nil {
			s.metrics = rec
		}
	}
}

func New(runner ProbeRunner, sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:   runner,
		sink:     sink,
		count:    5,
		interval: time.Second,
		workDir:  os.TempDir(),
		logger:   log.New(io.Discard, "", 0),
		metrics:  metrics.NoopProbeRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run groups rows by hop depths and probes the groups one after another.
// Within a group the last hop and second-to-last hop runners run
// concurrently; their tables are exported only after both returned. The
// first runner or export error stops the batch.
func (s *Scheduler) Run(ctx context.Context, rows []types.ExposedService) (Summary, error) {
	summary := newSummary()
	groups := GroupByHops(rows)
	s.logger.Printf("scheduling %d hop groups from %d rows", len(groups), len(rows))

	for i, group := range groups {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		s.logger.Printf("group %d/%d hop_count=%d sec_last_hop=%d destinations=%d",
			i+1, len(groups), group.LastHopDepth, group.SecondLastHopDepth, len(group.Destinations))
		if err := s.runGroup(ctx, group, &summary); err != nil {
			return summary, fmt.Errorf("group hop_count=%d sec_last_hop=%d: %w",
				group.LastHopDepth, group.SecondLastHopDepth, err)
		}
		summary.Groups++
	}
	return summary, nil
}

func (s *Scheduler) runGroup(ctx context.Context, group types.HopGroup, summary *Summary) error {
	path, err := s.writeDestinations(group.Destinations)
	if err != nil {
		return err
	}
	defer os.Remove(path)

	var last, secLast prober.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := s.runner.Run(gctx, s.request(types.LastHop, path, group.LastHopDepth))
		last = res
		return err
	})
	g.Go(func() error {
		res, err := s.runner.Run(gctx, s.request(types.SecondLastHop, path, group.SecondLastHopDepth))
		secLast = res
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("probe: %w", err)
	}

	for _, res := range []prober.Result{last, secLast} {
		class := res.Request.Class
		if err := s.sink.AppendPings(ctx, class, res.Table); err != nil {
			return fmt.Errorf("export %s pings: %w", class, err)
		}
		rows := res.Table.Len()
		summary.Rows[class] += rows
		for _, round := range res.Table.Rounds {
			summary.Rounds[round.Status]++
		}
		s.metrics.AddRows(class, rows)
		s.logger.Printf("group hop_count=%d %s depth=%d rows=%d", group.LastHopDepth, class, res.Request.Depth, rows)
	}
	return nil
}

func (s *Scheduler) request(class types.HopClass, path string, depth int) prober.Request {
	return prober.Request{
		Class:            class,
		DestinationsFile: path,
		Depth:            depth,
		Count:            s.count,
		Interval:         s.interval,
	}
}

func (s *Scheduler) writeDestinations(dsts []string) (string, error) {
	f, err := os.CreateTemp(s.workDir, "destinations-*.txt")
	if err != nil {
		return "", fmt.Errorf("create destination list: %w", err)
	}
	_, err = io.WriteString(f, strings.Join(dsts, "\n")+"\n")
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write destination list: %w", err)
	}
	return f.Name(), nil
}
