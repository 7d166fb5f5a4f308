//go:build !windows

package detector

import (
	"bytes"
	"errors"
	"os"
	"strconv"
	"syscall"
)

// PIDAlive signals pid with 0. EPERM still means the process exists.
// Zombies are reported as dead on Linux.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}
	return !isZombie(pid)
}

func isZombie(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
