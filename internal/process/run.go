package process

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/loykin/pkgfeed/internal/env"
)

// Runner executes short-lived foreground commands. Run and Shell return combined
// output; Output returns stdout only and keeps stderr for the ExitError.
type Runner interface {
	Run(ctx context.Context, dir string, argv []string, extraEnv ...string) ([]byte, error)
	Output(ctx context.Context, dir string, argv []string, extraEnv ...string) ([]byte, error)
	Shell(ctx context.Context, dir, script string) ([]byte, error)
}

// ExitError carries the output of a command that exited non-zero.
type ExitError struct {
	Command string
	Output  string
	Err     error
}

func (e *ExitError) Error() string {
	out := strings.TrimSpace(e.Output)
	if len(out) > 2000 {
		out = "..." + out[len(out)-2000:]
	}
	if out == "" {
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Command, e.Err, out)
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir string, argv []string, extraEnv ...string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	// #nosec G204
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	return combined(cmd, dir, strings.Join(argv, " "), extraEnv)
}

func (ExecRunner) Output(ctx context.Context, dir string, argv []string, extraEnv ...string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	// #nosec G204
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env.FromOS(extraEnv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), &ExitError{Command: strings.Join(argv, " "), Output: stderr.String() + stdout.String(), Err: err}
	}
	return stdout.Bytes(), nil
}

func (ExecRunner) Shell(ctx context.Context, dir, script string) ([]byte, error) {
	return combined(ShellCommand(ctx, script), dir, script, nil)
}

func combined(cmd *exec.Cmd, dir, label string, extraEnv []string) ([]byte, error) {
	cmd.Dir = dir
	cmd.Env = env.FromOS(extraEnv...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return buf.Bytes(), &ExitError{Command: label, Output: buf.String(), Err: err}
	}
	return buf.Bytes(), nil
}
