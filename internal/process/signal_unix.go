//go:build !windows

package process

import (
	"errors"
	"syscall"
)

func signalTerm(pid int) error { return ignoreGone(syscall.Kill(pid, syscall.SIGTERM)) }

func signalKill(pid int) error { return ignoreGone(syscall.Kill(pid, syscall.SIGKILL)) }

// signalGroup signals the session/process group led by pid; best effort.
func signalGroup(pid int, force bool) {
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	_ = syscall.Kill(-pid, sig)
}

func ignoreGone(err error) error {
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
