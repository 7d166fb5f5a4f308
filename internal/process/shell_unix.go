//go:build !windows

package process

import (
	"context"
	"os/exec"
)

// ShellCommand returns a command running script through /bin/sh.
func ShellCommand(ctx context.Context, script string) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "/bin/sh", "-c", script)
}

// wrapperCommand runs name through /bin/sh so shell shims resolve like in a terminal.
func wrapperCommand(name string, args []string) *exec.Cmd {
	// #nosec G204
	return exec.Command("/bin/sh", append([]string{"-c", `exec "$0" "$@"`, name}, args...)...)
}
