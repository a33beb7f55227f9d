// Package convert supervises one invocation of the external PDF to OFX
// converter and classifies how it ended.
package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	DefaultTimeout = 5 * time.Minute
	// drainGrace bounds how long output pipes may stay open after the
	// process is gone (for example when a grandchild inherited them).
	drainGrace = 2 * time.Second
	// maxMessage caps the failure text stored on a job.
	maxMessage = 1024
)

// Outcome is the classified end of one converter run.
type Outcome struct {
	OutputPath string
	Message    string
	ExitCode   int
	TimedOut   bool
	Duration   time.Duration
}

// Succeeded reports whether the run produced an artifact path.
func (o Outcome) Succeeded() bool {
	return o.OutputPath != ""
}

// commandResult is the raw result of running a process.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Started is false when the process could not be spawned at all.
	Started bool
}

// commandRunner abstracts process execution for tests.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = drainGrace
	isolate(cmd)

	if err := cmd.Start(); err != nil {
		return commandResult{ExitCode: -1}, err
	}
	err := cmd.Wait()
	res := commandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
		Started:  true,
	}
	return res, err
}

// Converter runs the configured executable against one input file.
type Converter struct {
	path        string
	interpreter []string
	timeout     time.Duration
	runner      commandRunner
}

// Option customises a Converter.
type Option func(*Converter)

// WithInterpreter runs the converter through another program, for example
// "python3" for a script. Extra fields are passed before the script path.
func WithInterpreter(interpreter ...string) Option {
	return func(c *Converter) {
		c.interpreter = append([]string(nil), interpreter...)
	}
}

// WithTimeout sets the hard wall-clock limit of one run.
func WithTimeout(d time.Duration) Option {
	return func(c *Converter) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func withRunner(r commandRunner) Option {
	return func(c *Converter) { c.runner = r }
}

// New returns a converter for the executable at path.
func New(path string, opts ...Option) *Converter {
	c := &Converter{
		path:    path,
		timeout: DefaultTimeout,
		runner:  execRunner{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Converter) command(inputPath string) (string, []string) {
	if len(c.interpreter) == 0 {
		return c.path, []string{inputPath}
	}
	args := append(append([]string(nil), c.interpreter[1:]...), c.path, inputPath)
	return c.interpreter[0], args
}

// Run executes the converter once. The process is killed when the timeout or
// ctx expires and Run returns only after its output streams are drained.
func (c *Converter) Run(ctx context.Context, inputPath string) Outcome {
	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	name, args := c.command(inputPath)
	start := time.Now()
	res, err := c.runner.Run(runCtx, name, args...)
	out := Outcome{
		ExitCode: res.ExitCode,
		Duration: time.Since(start),
		TimedOut: errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil,
	}

	stdout := strings.TrimSpace(res.Stdout)
	if err == nil && res.ExitCode == 0 && stdout != "" {
		out.OutputPath = stdout
		return out
	}

	out.Message = c.failureMessage(res, err, out.TimedOut)
	return out
}

func (c *Converter) failureMessage(res commandResult, err error, timedOut bool) string {
	var msg string
	switch stderr := strings.TrimSpace(res.Stderr); {
	case stderr != "":
		msg = stderr
	case timedOut:
		msg = fmt.Sprintf("process timed out after %s", c.timeout)
	case res.Started && res.ExitCode >= 0:
		msg = fmt.Sprintf("process exited with code %d", res.ExitCode)
	case err != nil:
		msg = err.Error()
	default:
		msg = "process produced no output"
	}
	if len(msg) > maxMessage {
		msg = msg[:maxMessage]
	}
	return msg
}
