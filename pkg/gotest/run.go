package gotest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"go.uber.org/zap"
)

// ExitError reports that go test itself exited unsuccessfully. It is kept
// apart from tracing errors so callers can mirror the child's exit status.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("go test exited with status %d", e.Code)
}

// RunOptions configures Run.
type RunOptions struct {
	// Args are passed to go test after -json.
	Args []string
	// Env is the child environment in os.Environ form. Nil inherits.
	Env []string
	Dir string
	// GoBin is the go command. Defaults to "go".
	GoBin  string
	Stderr io.Writer
	Logger *zap.Logger
}

// Run executes go test -json and feeds its event stream into d. A non-zero
// exit from the child is returned as *ExitError after the stream has been
// fully consumed; any other error means the tests could not be run.
func Run(ctx context.Context, d *Driver, opts RunOptions) error {
	goBin := opts.GoBin
	if goBin == "" {
		goBin = "go"
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	args := append([]string{"test", "-json"}, opts.Args...)
	cmd := exec.CommandContext(ctx, goBin, args...) //nolint:gosec // arguments come from the invoking user
	cmd.Env = opts.Env
	cmd.Dir = opts.Dir
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating go test pipe: %w", err)
	}
	log.Debug("starting go test", zap.String("go", goBin), zap.Strings("args", args))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting go test: %w", err)
	}

	consumeErr := d.Consume(ctx, stdout)
	if consumeErr != nil {
		// Drain so the child is not blocked on a full pipe.
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()

	var exitErr *exec.ExitError
	switch {
	case errors.As(waitErr, &exitErr) && exitErr.ExitCode() > 0:
		if consumeErr != nil {
			log.Warn("go test output was not fully read", zap.Error(consumeErr))
		}
		return &ExitError{Code: exitErr.ExitCode()}
	case waitErr != nil:
		return fmt.Errorf("running go test: %w", waitErr)
	case consumeErr != nil:
		return consumeErr
	}
	return nil
}
