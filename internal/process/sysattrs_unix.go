//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureDetached starts the child in a new session (setsid) so it has no controlling
// terminal and survives the CLI exiting. The session id equals the child pid, which
// lets KillTree signal the whole group.
func configureDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
