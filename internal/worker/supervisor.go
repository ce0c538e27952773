package worker

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"time"

	"github.com/hitchhikinghq/collector/internal/scamper"
)

// Supervisor launches probe rounds, tracks the ones still running and owns
// every round's output file until Close. It is driven from one goroutine;
// only the per-process waiters run concurrently and they report through a
// channel sized for every round, so they never block.
type Supervisor struct {
	launcher     scamper.Launcher
	dir          string
	roundTimeout time.Duration
	now          func() time.Time
	logger       *log.Logger

	done    chan Completion
	rounds  map[int]*round
	tracked map[int]*round
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithRoundTimeout bounds every round process. Zero waits forever.
func WithRoundTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.roundTimeout = d
		}
	}
}

// WithNow overrides the clock used to stamp round start times.
func WithNow(now func() time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger for round exits.
func WithLogger(logger *log.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSupervisor creates round outputs under dir. capacity is the number of
// rounds that will be launched.
func NewSupervisor(launcher scamper.Launcher, dir string, capacity int, opts ...Option) *Supervisor {
	if capacity <= 0 {
		capacity = 1
	}
	s := &Supervisor{
		launcher: launcher,
		dir:      dir,
		now:      time.Now,
		logger:   log.New(io.Discard, "", 0),
		done:     make(chan Completion, capacity),
		rounds:   make(map[int]*round, capacity),
		tracked:  make(map[int]*round, capacity),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Launch starts round seq against inv. The output path is owned by the
// supervisor and overrides inv.OutputPath. A failed launch is remembered
// for the round's outcome and also returned.
func (s *Supervisor) Launch(ctx context.Context, seq int, inv scamper.Invocation) error {
	if _, exists := s.rounds[seq]; exists {
		return fmt.Errorf("round %d already launched", seq)
	}
	if len(s.rounds) >= cap(s.done) {
		return fmt.Errorf("round %d exceeds supervisor capacity %d", seq, cap(s.done))
	}
	r := &round{seq: seq, started: s.now()}
	s.rounds[seq] = r

	f, err := os.CreateTemp(s.dir, fmt.Sprintf("round-%04d-*.json", seq))
	if err != nil {
		r.err = fmt.Errorf("create round output: %w", err)
		return r.err
	}
	r.path = f.Name()
	if err := f.Close(); err != nil {
		r.err = fmt.Errorf("close round output: %w", err)
		return r.err
	}

	var (
		roundCtx context.Context
		cancel   context.CancelFunc
	)
	if s.roundTimeout > 0 {
		roundCtx, cancel = context.WithTimeout(ctx, s.roundTimeout)
	} else {
		roundCtx, cancel = context.WithCancel(ctx)
	}
	r.cancel = cancel

	inv.OutputPath = r.path
	proc, err := s.launcher.Launch(roundCtx, inv)
	if err != nil {
		cancel()
		r.err = err
		return err
	}

	s.tracked[seq] = r
	started := r.started
	go func() {
		waitErr := proc.Wait()
		s.done <- Completion{Sequence: seq, Err: waitErr, Duration: s.now().Sub(started)}
	}()
	return nil
}

// Poll absorbs every completion already delivered without blocking and
// returns them.
func (s *Supervisor) Poll() []Completion {
	var completed []Completion
	for {
		select {
		case c := <-s.done:
			s.finish(c)
			completed = append(completed, c)
		default:
			return completed
		}
	}
}

// Sleep waits for d, absorbing completions as they arrive. It returns early
// only when ctx is done.
func (s *Supervisor) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		s.Poll()
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-s.done:
			s.finish(c)
		case <-timer.C:
			return nil
		}
	}
}

// Drain blocks until every tracked round has exited. When ctx is done the
// remaining rounds are cancelled and Drain keeps waiting for their exit so
// no output is read while a process may still write it.
func (s *Supervisor) Drain(ctx context.Context) error {
	var cancelled bool
	for len(s.tracked) > 0 {
		if cancelled {
			s.finish(<-s.done)
			continue
		}
		select {
		case c := <-s.done:
			s.finish(c)
		case <-ctx.Done():
			cancelled = true
			for _, r := range s.tracked {
				r.cancel()
			}
		}
	}
	if cancelled {
		return ctx.Err()
	}
	return nil
}

// Tracked returns the number of rounds still running.
func (s *Supervisor) Tracked() int {
	return len(s.tracked)
}

// Outputs lists every round in sequence order, ready for aggregation.
func (s *Supervisor) Outputs() []scamper.RoundOutput {
	seqs := make([]int, 0, len(s.rounds))
	for seq := range s.rounds {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	outputs := make([]scamper.RoundOutput, 0, len(seqs))
	for _, seq := range seqs {
		r := s.rounds[seq]
		out := scamper.RoundOutput{Sequence: seq, Err: r.err}
		if r.err == nil {
			out.Path = r.path
		}
		outputs = append(outputs, out)
	}
	return outputs
}

// Close cancels anything still running and removes every round output.
func (s *Supervisor) Close() {
	for _, r := range s.rounds {
		r.release()
	}
	s.tracked = map[int]*round{}
}

func (s *Supervisor) finish(c Completion) {
	r, ok := s.tracked[c.Sequence]
	if !ok {
		return
	}
	delete(s.tracked, c.Sequence)
	if r.cancel != nil {
		r.cancel()
	}
	if c.Err != nil {
		// Non-zero exits still leave usable output behind.
		s.logger.Printf("round seq=%d exited after %s: %v", c.Sequence, c.Duration.Round(time.Millisecond), c.Err)
	}
}
