package worker

import (
	"context"
	"os"
	"time"
)

// Completion is delivered once per launched round when its process exits.
type Completion struct {
	Sequence int
	Err      error
	Duration time.Duration
}

// round owns the output file of one sequence number for its whole lifetime.
type round struct {
	seq     int
	path    string
	started time.Time
	cancel  context.CancelFunc
	err     error
}

func (r *round) release() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.path != "" {
		_ = os.Remove(r.path)
	}
}
