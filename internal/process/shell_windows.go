//go:build windows

package process

import (
	"context"
	"os/exec"
)

// ShellCommand returns a command running script through cmd.exe.
func ShellCommand(ctx context.Context, script string) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "cmd", "/c", script)
}

// wrapperCommand runs a .cmd shim through cmd.exe; the shim's own pid is not the service pid.
func wrapperCommand(name string, args []string) *exec.Cmd {
	// #nosec G204
	return exec.Command("cmd", append([]string{"/c", name}, args...)...)
}
