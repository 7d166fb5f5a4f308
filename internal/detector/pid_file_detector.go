package detector

import (
	"fmt"
	"os"
)

// PIDFileDetector detects a process via a pid file written by the supervisor.
// A missing file means not running. A recorded start time that does not match the
// live process means the PID was reused by something else.
type PIDFileDetector struct {
	PIDFile string
}

func (d PIDFileDetector) Alive() (bool, error) {
	data, err := os.ReadFile(d.PIDFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	pid, meta, err := ParsePIDFile(data)
	if err != nil {
		return false, fmt.Errorf("pid file %s: %w", d.PIDFile, err)
	}
	if meta.StartUnix > 0 {
		if cur := StartUnix(pid); cur > 0 && cur != meta.StartUnix {
			return false, nil
		}
	}
	return PIDAlive(pid), nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// PIDDetector detects by a known PID number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive() (bool, error) { return PIDAlive(d.PID), nil }
func (d PIDDetector) Describe() string     { return fmt.Sprintf("pid:%d", d.PID) }
