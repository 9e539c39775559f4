// Package process runs external tools (ffprobe and friends) with both output
// streams captured concurrently and context-driven termination.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrCancelled is returned when the context ends before the process exits.
// The process has been killed and reaped by the time it is returned.
var ErrCancelled = errors.New("process cancelled")

// DefaultWaitDelay bounds how long Wait keeps pipes open after the process is
// killed, in case a grandchild inherited them.
const DefaultWaitDelay = 2 * time.Second

// Command describes one subprocess invocation. Args are passed directly to
// the executable; nothing goes through a shell.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env entries ("KEY=value") are appended to the current environment.
	Env []string
}

// String renders a shell-quoted preview of the command for logs.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, shellQuote(c.Name))
	for _, a := range c.Args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=,+@%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Result is the outcome of a process that ran to completion.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Runner runs a command to completion.
//
// A non-zero exit status is reported through Result.ExitCode, not as an error.
// Errors mean the process could not be started, its output could not be
// read, or ctx ended first (ErrCancelled).
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner is the os/exec backed Runner.
type ExecRunner struct {
	// OnStderrLine, if set, receives each stderr line as it is produced.
	OnStderrLine func(line string)
	WaitDelay    time.Duration
	log          *slog.Logger
}

// NewExecRunner returns a runner that logs at debug level to log.
func NewExecRunner(log *slog.Logger) *ExecRunner {
	if log == nil {
		log = slog.Default()
	}
	return &ExecRunner{
		WaitDelay: DefaultWaitDelay,
		log:       log.With("component", "process"),
	}
}

// Run starts the command and blocks until it exits and both pipes are drained.
func (r *ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.WaitDelay = r.WaitDelay

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	var lines *lineWriter
	if r.OnStderrLine != nil {
		lines = &lineWriter{fn: r.OnStderrLine}
		cmd.Stderr = io.MultiWriter(&errBuf, lines)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", c.Name, err)
	}
	r.log.Debug("process started", slog.String("cmd", c.String()), slog.Int("pid", cmd.Process.Pid))

	// Wait copies both streams on its own goroutines and returns once they
	// hit EOF, or WaitDelay after cancellation if a grandchild holds them open.
	waitErr := cmd.Wait()
	dur := time.Since(start)
	if lines != nil {
		lines.flush()
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		r.log.Debug("process cancelled", slog.String("cmd", c.Name), slog.Duration("after", dur))
		return Result{}, fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
	}

	res := Result{
		Stdout:   outBuf.Bytes(),
		Stderr:   errBuf.Bytes(),
		Duration: dur,
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(waitErr, &exitErr):
			res.ExitCode = exitErr.ExitCode()
		case errors.Is(waitErr, exec.ErrWaitDelay):
			// Exited cleanly but a descendant kept the pipes open.
		default:
			return Result{}, fmt.Errorf("wait %s: %w", c.Name, waitErr)
		}
	}
	r.log.Debug("process exited",
		slog.String("cmd", c.Name),
		slog.Int("exit_code", res.ExitCode),
		slog.Int64("duration_ms", dur.Milliseconds()),
	)
	return res, nil
}

// lineWriter splits a byte stream into lines for OnStderrLine.
type lineWriter struct {
	fn  func(string)
	buf []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(b []byte) {
	if line := strings.TrimRight(string(b), "\r"); line != "" {
		w.fn(line)
	}
}
