package process

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/pkgfeed/internal/detector"
)

// Descendants returns every descendant pid of pid, breadth first (children before
// grandchildren). A process without children yields an empty slice.
func Descendants(ctx context.Context, pid int) []int {
	var out []int
	queue := []int32{int32(pid)}
	seen := map[int32]bool{int32(pid): true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		p, err := gopsproc.NewProcessWithContext(ctx, cur)
		if err != nil {
			continue
		}
		children, err := p.ChildrenWithContext(ctx)
		if err != nil {
			continue
		}
		for _, c := range children {
			if seen[c.Pid] {
				continue
			}
			seen[c.Pid] = true
			out = append(out, int(c.Pid))
			queue = append(queue, c.Pid)
		}
	}
	return out
}

// KillTree terminates pid and all of its descendants. Descendants are collected before
// any signal is sent, so children re-parented by the root's death are still reached.
// Everything gets a graceful signal first; whatever is alive after grace is killed.
func KillTree(ctx context.Context, pid int, grace time.Duration) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	tree := Descendants(ctx, pid)
	slices.Reverse(tree)
	tree = append(tree, pid)

	var errs []error
	signalGroup(pid, false)
	for _, p := range tree {
		if err := signalTerm(p); err != nil {
			errs = append(errs, fmt.Errorf("terminate %d: %w", p, err))
		}
	}
	if waitGone(ctx, tree, grace) {
		return nil
	}

	signalGroup(pid, true)
	for _, p := range tree {
		if detector.PIDAlive(p) {
			if err := signalKill(p); err != nil {
				errs = append(errs, fmt.Errorf("kill %d: %w", p, err))
			}
		}
	}
	if !waitGone(ctx, tree, time.Second) {
		errs = append(errs, fmt.Errorf("process %d still alive after kill", pid))
		return errors.Join(errs...)
	}
	return nil
}

func waitGone(ctx context.Context, pids []int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		alive := false
		for _, p := range pids {
			if detector.PIDAlive(p) {
				alive = true
				break
			}
		}
		if !alive {
			return true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		time.Sleep(25 * time.Millisecond)
	}
}
