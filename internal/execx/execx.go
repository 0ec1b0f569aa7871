// Package execx runs the black-box executables the pipeline drives: the
// package manager, the service manager, the database client and the web
// server binary. Every call is synchronous, bounded by a timeout and returns
// an explicit Result, so callers can tell "tool absent" from "tool failed"
// from "tool succeeded with unexpected output".
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/stackprove/stackprove/internal/model"
)

// DefaultTimeout bounds a single external call unless the caller overrides it.
const DefaultTimeout = 2 * time.Minute

// Result captures one finished external invocation.
type Result struct {
	Tool     string
	Args     []string
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner is the seam between the pipeline and the host. Tests substitute a
// fake recording the issued commands.
type Runner interface {
	// Run executes tool with args and waits for it to exit.
	Run(ctx context.Context, tool string, args ...string) (Result, error)
	// RunInput is Run with stdin supplied, used for feeding SQL to the
	// database client.
	RunInput(ctx context.Context, stdin string, tool string, args ...string) (Result, error)
}

// ExecRunner is the real Runner backed by os/exec.
type ExecRunner struct {
	// Timeout per call, DefaultTimeout when zero.
	Timeout time.Duration
}

func (r ExecRunner) Run(ctx context.Context, tool string, args ...string) (Result, error) {
	return r.run(ctx, "", tool, args)
}

func (r ExecRunner) RunInput(ctx context.Context, stdin string, tool string, args ...string) (Result, error) {
	return r.run(ctx, stdin, tool, args)
}

func (r ExecRunner) run(ctx context.Context, stdin string, tool string, args []string) (Result, error) {
	res := Result{Tool: tool, Args: args}

	path, err := exec.LookPath(tool)
	if err != nil {
		return res, fmt.Errorf("%w: %s", model.ErrToolNotFound, tool)
	}

	timeout := r.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	started := time.Now()
	slog.DebugContext(ctx, "exec", "tool", tool, "args", args)
	err = cmd.Run()

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	slog.DebugContext(ctx, "exec done",
		"tool", tool,
		"elapsed", time.Since(started).String(),
		"err", err,
	)

	if err == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("%s timed out after %s: %w", tool, timeout, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, fmt.Errorf("%w: %s exited %d: %s",
			model.ErrToolFailed, tool, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res, fmt.Errorf("running %s: %w", tool, err)
}
