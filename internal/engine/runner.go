package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

const defaultWaitDelay = 2 * time.Second

// Output is everything one engine invocation produced.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// SpawnError reports that the engine process could not be started at all.
type SpawnError struct {
	Command string
	Err     error
}

// Error implements the error interface.
func (e *SpawnError) Error() string {
	return fmt.Sprintf("start engine %q: %v", e.Command, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Config describes how the engine is launched. The image path is always
// appended as the final argument.
type Config struct {
	Command string
	// Script is passed before the image path when set (e.g. a python file).
	Script string
	// Args are passed ahead of Script. Mostly useful for tests.
	Args []string
	// Env is appended to the parent environment.
	Env []string
	// WaitDelay bounds how long Run waits for output pipes after the
	// process has been killed.
	WaitDelay time.Duration
}

// Runner spawns one engine process per Run call. It holds no mutable state
// and is safe for concurrent use.
type Runner struct {
	cfg Config
}

// New creates a Runner.
func New(cfg Config) *Runner {
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = defaultWaitDelay
	}
	return &Runner{cfg: cfg}
}

// Run launches the engine with imagePath as its sole positional argument and
// waits for it to exit. A non-zero exit status is reported through
// Output.ExitCode, not as an error. If ctx ends first the process is killed
// and the context error is returned together with the output captured so far.
func (r *Runner) Run(ctx context.Context, imagePath string) (*Output, error) {
	if err := r.checkScript(); err != nil {
		return nil, &SpawnError{Command: r.cfg.Script, Err: err}
	}

	args := make([]string, 0, len(r.cfg.Args)+2)
	args = append(args, r.cfg.Args...)
	if r.cfg.Script != "" {
		args = append(args, r.cfg.Script)
	}
	args = append(args, imagePath)

	cmd := exec.CommandContext(ctx, r.cfg.Command, args...)
	cmd.Stdin = nil
	cmd.WaitDelay = r.cfg.WaitDelay
	if len(r.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), r.cfg.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: r.cfg.Command, Err: err}
	}

	waitErr := cmd.Wait()
	out := &Output{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(started),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, fmt.Errorf("engine interrupted: %w", ctxErr)
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return out, nil
		}
		return out, fmt.Errorf("wait for engine: %w", waitErr)
	}
	return out, nil
}

// Check reports whether the engine looks launchable: the command resolves and
// the script, when configured, exists.
func (r *Runner) Check() error {
	if _, err := exec.LookPath(r.cfg.Command); err != nil {
		return fmt.Errorf("engine command %q: %w", r.cfg.Command, err)
	}
	return r.checkScript()
}

// checkScript catches a missing script before the interpreter is started,
// since the interpreter would report it only as a non-zero exit.
func (r *Runner) checkScript() error {
	if r.cfg.Script == "" {
		return nil
	}
	info, err := os.Stat(r.cfg.Script)
	if err != nil {
		return fmt.Errorf("engine script: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("engine script %q is a directory", r.cfg.Script)
	}
	return nil
}
