//go:build linux

package detector

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	sysconf "github.com/tklauser/go-sysconf"
)

// StartUnix returns the process start time in Unix seconds from /proc, 0 when unknown.
func StartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	// comm may contain spaces; fields restart after the closing paren.
	line := string(b)
	end := strings.LastIndex(line, ") ")
	if end < 0 {
		return 0
	}
	fields := strings.Fields(line[end+2:])
	// starttime is field 22 overall, index 19 after state.
	if len(fields) < 20 {
		return 0
	}
	ticks, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil || ticks <= 0 {
		return 0
	}
	boot := bootTime()
	if boot == 0 {
		return 0
	}
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	return boot + ticks/clk
}

func bootTime() int64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	s := bufio.NewScanner(f)
	for s.Scan() {
		if v, ok := strings.CutPrefix(s.Text(), "btime "); ok {
			bt, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return 0
			}
			return bt
		}
	}
	return 0
}
