package logging

import (
	"io"
	"log"
	"os"
)

func New() *log.Logger {
	return log.New(os.Stdout, "hitchhiking-collector ", log.LstdFlags|log.LUTC)
}

// WithRun returns a logger tagging every line with the run id.
func WithRun(base *log.Logger, runID string) *log.Logger {
	if base == nil {
		return Discard()
	}
	return log.New(base.Writer(), base.Prefix()+"run="+runID+" ", base.Flags())
}

func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
