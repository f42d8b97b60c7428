package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	maxStderrBytes = 2048
	killWaitDelay  = 2 * time.Second
)

// Runner starts the search binary and returns its stdout. A non-zero exit is
// reported as *ExitError.
type Runner interface {
	Run(ctx context.Context, binary string, args []string, env []string) ([]byte, error)
}

// ExecRunner runs the binary as an OS process. The process is killed when ctx is done.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, binary string, args []string, env []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec // binary comes from deployment config
	cmd.Env = append(os.Environ(), env...)
	cmd.WaitDelay = killWaitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return stdout.Bytes(), &ExitError{ExitCode: exitErr.ExitCode(), Stderr: tail(stderr.String())}
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderrBytes {
		s = s[len(s)-maxStderrBytes:]
	}
	return s
}
