//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

// Windows creation flags
const (
	createNewProcessGroup = 0x00000200
	detachedProcess       = 0x00000008
	createNoWindow        = 0x08000000
)

// configureDetached detaches the child from the console and hides any window it
// would open, replacing the hidden-window script launcher.
func configureDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: createNewProcessGroup | detachedProcess | createNoWindow,
		HideWindow:    true,
	}
}
