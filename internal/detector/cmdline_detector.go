package detector

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ErrNoMatch is returned by CommandLineDetector.Find when no process matches.
var ErrNoMatch = errors.New("no matching process")

// CommandLineDetector finds a process by command line. Every string in Match must
// appear (case-insensitively) in the command line; PIDs in Exclude are skipped.
// It is used to locate the real service behind a launcher shim.
type CommandLineDetector struct {
	Match   []string
	Exclude []int
}

// Find returns the lowest matching PID. Ties are broken by PID so repeated calls agree.
func (d CommandLineDetector) Find(ctx context.Context) (int, error) {
	if len(d.Match) == 0 {
		return 0, errors.New("command line detector requires at least one match string")
	}
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("list processes: %w", err)
	}
	best := 0
	for _, p := range procs {
		pid := int(p.Pid)
		if slices.Contains(d.Exclude, pid) {
			continue
		}
		cl, err := p.CmdlineWithContext(ctx)
		if err != nil || cl == "" {
			continue
		}
		if !MatchCommandLine(cl, d.Match) {
			continue
		}
		if best == 0 || pid < best {
			best = pid
		}
	}
	if best == 0 {
		return 0, ErrNoMatch
	}
	return best, nil
}

// MatchCommandLine reports whether every match string occurs in cmdline, ignoring case
// and path separator style.
func MatchCommandLine(cmdline string, match []string) bool {
	cl := strings.ToLower(strings.ReplaceAll(cmdline, `\`, "/"))
	for _, m := range match {
		if !strings.Contains(cl, strings.ToLower(strings.ReplaceAll(m, `\`, "/"))) {
			return false
		}
	}
	return true
}
