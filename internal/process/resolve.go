package process

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/pkgfeed/internal/detector"
)

// ResolveRealPID finds the long-lived service started through a launcher shim.
// Descendants of the launcher are searched first (deepest match wins). A launcher that
// exec'd into the service is the service. When the shim has already exited, the whole
// process table is searched. It polls up to attempts times, interval apart.
func ResolveRealPID(ctx context.Context, launcherPID int, match []string, attempts int, interval time.Duration) (int, error) {
	if attempts <= 0 {
		attempts = 1
	}
	global := detector.CommandLineDetector{Match: match, Exclude: []int{launcherPID, os.Getpid()}}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if pid := deepestMatch(ctx, launcherPID, match); pid > 0 {
			return pid, nil
		}
		if launcherBecameService(ctx, launcherPID, match) {
			return launcherPID, nil
		}
		pid, err := global.Find(ctx)
		if err == nil {
			return pid, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(interval):
		}
	}
	if lastErr == nil {
		lastErr = errors.New("service process not found")
	}
	return 0, lastErr
}

var shellNames = map[string]bool{"cmd.exe": true, "cmd": true, "sh": true, "bash": true, "dash": true}

func launcherBecameService(ctx context.Context, pid int, match []string) bool {
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	name, err := p.NameWithContext(ctx)
	if err != nil || shellNames[strings.ToLower(name)] {
		return false
	}
	cl, err := p.CmdlineWithContext(ctx)
	return err == nil && detector.MatchCommandLine(cl, match) && detector.PIDAlive(pid)
}

func deepestMatch(ctx context.Context, root int, match []string) int {
	found := 0
	for _, pid := range Descendants(ctx, root) {
		p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
		if err != nil {
			continue
		}
		cl, err := p.CmdlineWithContext(ctx)
		if err != nil {
			continue
		}
		if detector.MatchCommandLine(cl, match) {
			found = pid
		}
	}
	return found
}
