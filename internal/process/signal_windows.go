//go:build windows

package process

import "os"

// Windows has no graceful signal for detached console-less processes; terminate directly.
func signalTerm(pid int) error { return signalKill(pid) }

func signalKill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		// OpenProcess failed: the process is already gone.
		return nil
	}
	defer func() { _ = p.Release() }()
	if err := p.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}

func signalGroup(int, bool) {}
