//go:build !linux

package detector

import gopsproc "github.com/shirou/gopsutil/v4/process"

// StartUnix returns the process creation time in Unix seconds, 0 when unknown.
func StartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}
