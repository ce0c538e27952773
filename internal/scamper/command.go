package scamper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
)

// Invocation describes one run of the probing program. MinTTL and MaxTTL of
// zero leave the trace unconstrained.
type Invocation struct {
	DestinationsFile string
	OutputPath       string
	MinTTL           int
	MaxTTL           int
}

// Command holds the static part of the scamper command line.
type Command struct {
	Binary    string
	Method    string
	Attempts  int
	ExtraArgs []string
}

// Args renders the argument vector for inv, for example
//
//	-O json -o out.json -c "trace -P icmp-paris -q 1 -f 5 -m 5" dests.txt
func (c Command) Args(inv Invocation) []string {
	method := c.Method
	if method == "" {
		method = "icmp-paris"
	}
	attempts := c.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	trace := []string{"trace", "-P", method, "-q", strconv.Itoa(attempts)}
	if inv.MinTTL > 0 {
		trace = append(trace, "-f", strconv.Itoa(inv.MinTTL))
	}
	if inv.MaxTTL > 0 {
		trace = append(trace, "-m", strconv.Itoa(inv.MaxTTL))
	}

	args := []string{"-O", "json", "-o", inv.OutputPath}
	args = append(args, c.ExtraArgs...)
	args = append(args, "-c", strings.Join(trace, " "), inv.DestinationsFile)
	return args
}

// Process is a launched probe that can be waited on exactly once.
type Process interface {
	Wait() error
}

// Launcher starts probe processes without waiting for them.
type Launcher interface {
	Launch(ctx context.Context, inv Invocation) (Process, error)
}

// Tracer runs a full traceroute over a destination list and blocks until it exits.
type Tracer interface {
	Trace(ctx context.Context, destinationsFile, outputPath string) error
}

// ExecLauncher runs the scamper binary as a child process. It implements
// both Launcher and Tracer.
type ExecLauncher struct {
	cmd    Command
	stderr io.Writer
}

func NewExecLauncher(cmd Command, stderr io.Writer) *ExecLauncher {
	if cmd.Binary == "" {
		cmd.Binary = "scamper"
	}
	return &ExecLauncher{cmd: cmd, stderr: stderr}
}

func (l *ExecLauncher) Launch(ctx context.Context, inv Invocation) (Process, error) {
	if inv.DestinationsFile == "" || inv.OutputPath == "" {
		return nil, errors.New("scamper invocation needs destinations and output paths")
	}
	c := exec.CommandContext(ctx, l.cmd.Binary, l.cmd.Args(inv)...)
	c.Stderr = l.stderr
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", l.cmd.Binary, err)
	}
	return c, nil
}

func (l *ExecLauncher) Trace(ctx context.Context, destinationsFile, outputPath string) error {
	proc, err := l.Launch(ctx, Invocation{DestinationsFile: destinationsFile, OutputPath: outputPath})
	if err != nil {
		return err
	}
	if err := proc.Wait(); err != nil {
		return fmt.Errorf("wait %s: %w", l.cmd.Binary, err)
	}
	return nil
}
