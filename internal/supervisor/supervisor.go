package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/loykin/pkgfeed/internal/detector"
	"github.com/loykin/pkgfeed/internal/history"
	"github.com/loykin/pkgfeed/internal/logger"
	"github.com/loykin/pkgfeed/internal/metrics"
	"github.com/loykin/pkgfeed/internal/process"
)

// Options tune pid recovery and termination.
type Options struct {
	Launcher        process.Launcher
	Log             *slog.Logger
	History         *history.Recorder
	ServiceLogs     logger.Config // rotation applied to service logs before each launch
	ResolveAttempts int           // real-pid lookups for indirect launches; default 20
	ResolveInterval time.Duration // default 250ms
	SettleDelay     time.Duration // wait before checking that a direct child survived; default 200ms
}

// StartResult describes what Start did.
type StartResult struct {
	Handle         process.Handle
	AlreadyRunning bool
}

// Status is the observed state of one service.
type Status struct {
	Name  string
	State State
	PID   int
}

// StopResult describes what Stop did.
type StopResult struct {
	PID        int
	WasRunning bool
}

// Supervisor owns the pid files of the configured services. Every decision is taken
// from the pid file and the OS process table, so separate CLI invocations agree.
type Supervisor struct {
	opts     Options
	mu       sync.Mutex
	services map[string]process.Spec
	states   map[string]State
}

// New returns a supervisor for specs, keyed by Spec.Name.
func New(opts Options, specs ...process.Spec) *Supervisor {
	if opts.Launcher == nil {
		opts.Launcher = process.DetachedLauncher{}
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.ResolveAttempts <= 0 {
		opts.ResolveAttempts = 20
	}
	if opts.ResolveInterval <= 0 {
		opts.ResolveInterval = 250 * time.Millisecond
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 200 * time.Millisecond
	}
	s := &Supervisor{opts: opts, services: map[string]process.Spec{}, states: map[string]State{}}
	for _, sp := range specs {
		s.services[sp.Name] = sp
	}
	return s
}

// Names returns the configured service names in sorted order.
func (s *Supervisor) Names() []string {
	out := make([]string, 0, len(s.services))
	for n := range s.services {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (s *Supervisor) spec(name string) (process.Spec, error) {
	sp, ok := s.services[name]
	if !ok {
		return process.Spec{}, fmt.Errorf("unknown service %q", name)
	}
	return sp, nil
}

// Start launches name unless a live process is already recorded for it.
func (s *Supervisor) Start(ctx context.Context, name string) (StartResult, error) {
	sp, err := s.spec(name)
	if err != nil {
		return StartResult{}, err
	}
	log := s.opts.Log.With("service", name)

	if pid, ok := s.live(sp); ok {
		s.setState(name, StateRunning)
		log.Info("already running", "pid", pid)
		return StartResult{Handle: handle(sp, pid), AlreadyRunning: true}, nil
	}

	s.setState(name, StateStarting)
	if err := s.opts.ServiceLogs.RotateIfLarge(sp.LogFile); err != nil {
		log.Warn("service log rotation failed", "file", sp.LogFile, "error", err)
	}
	launcherPID, err := s.opts.Launcher.LaunchDetached(sp)
	if err != nil {
		s.setState(name, StateAbsent)
		return StartResult{}, &process.SpawnError{Service: name, Err: err}
	}

	pid := launcherPID
	if sp.Indirect {
		pid, err = process.ResolveRealPID(ctx, launcherPID, sp.Matchers(), s.opts.ResolveAttempts, s.opts.ResolveInterval)
		if err != nil {
			_ = process.KillTree(ctx, launcherPID, time.Second)
			s.setState(name, StateAbsent)
			return StartResult{}, &process.SpawnError{Service: name, Err: fmt.Errorf("locate service process started by %d: %w", launcherPID, err)}
		}
	} else if err := s.settle(ctx, handle(sp, pid)); err != nil {
		s.setState(name, StateAbsent)
		return StartResult{}, &process.SpawnError{Service: name, Err: err}
	}

	meta := detector.Meta{StartUnix: detector.StartUnix(pid)}
	if pid != launcherPID {
		meta.LauncherPID = launcherPID
	}
	if err := process.WritePIDFile(sp.PIDFile, pid, meta); err != nil {
		_ = process.KillTree(ctx, pid, time.Second)
		s.setState(name, StateAbsent)
		return StartResult{}, &process.SpawnError{Service: name, Err: fmt.Errorf("write pid file: %w", err)}
	}

	s.setState(name, StateRunning)
	metrics.IncStart(name)
	s.opts.History.Record(ctx, history.Event{Type: history.EventStart, Subject: name, PID: pid, Outcome: history.OutcomeOK})
	log.Info("service started", "pid", pid, "launcher_pid", launcherPID, "log", sp.LogFile)
	return StartResult{Handle: handle(sp, pid)}, nil
}

// settle catches services that die right after launch (bad flags, port in use).
func (s *Supervisor) settle(ctx context.Context, h process.Handle) error {
	t := time.NewTimer(s.opts.SettleDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	if !h.IsAlive() {
		return fmt.Errorf("process %d exited right after start", h.PID)
	}
	return nil
}

// Status reports whether name is running. A pid file whose process is gone is removed.
func (s *Supervisor) Status(name string) (Status, error) {
	sp, err := s.spec(name)
	if err != nil {
		return Status{}, err
	}
	if pid, ok := s.live(sp); ok {
		s.setState(name, StateRunning)
		return Status{Name: name, State: StateRunning, PID: pid}, nil
	}
	s.setState(name, StateAbsent)
	return Status{Name: name, State: StateAbsent}, nil
}

// Stop terminates the whole process tree of name, waiting up to wait before killing.
// Without a live process nothing is signalled. The pid file is removed either way.
func (s *Supervisor) Stop(ctx context.Context, name string, wait time.Duration) (StopResult, error) {
	sp, err := s.spec(name)
	if err != nil {
		return StopResult{}, err
	}
	log := s.opts.Log.With("service", name)
	pid, ok := s.live(sp)
	if !ok {
		s.setState(name, StateAbsent)
		log.Info("not running")
		return StopResult{}, nil
	}

	s.setState(name, StateStopping)
	killErr := process.KillTree(ctx, pid, wait)
	rmErr := process.RemovePIDFile(sp.PIDFile)
	s.setState(name, StateAbsent)
	metrics.IncStop(name)

	outcome := history.OutcomeOK
	if killErr != nil {
		outcome = history.OutcomeFailed
	}
	s.opts.History.Record(ctx, history.Event{Type: history.EventStop, Subject: name, PID: pid, Outcome: outcome, Detail: errString(killErr)})
	if err := errors.Join(killErr, rmErr); err != nil {
		log.Warn("service stop incomplete", "pid", pid, "error", err)
		return StopResult{PID: pid, WasRunning: true}, fmt.Errorf("stop %s: %w", name, err)
	}
	log.Info("service stopped", "pid", pid)
	return StopResult{PID: pid, WasRunning: true}, nil
}

// live returns the recorded pid when its process is alive, purging stale pid files.
func (s *Supervisor) live(sp process.Spec) (int, bool) {
	var d detector.Detector = detector.PIDFileDetector{PIDFile: sp.PIDFile}
	alive, err := d.Alive()
	if err == nil && alive {
		if pid, _, err := process.ReadPIDFile(sp.PIDFile); err == nil {
			return pid, true
		}
	}
	if _, statErr := os.Stat(sp.PIDFile); statErr == nil {
		s.opts.Log.Info("removing stale pid file", "service", sp.Name, "detector", d.Describe(), "error", err)
		_ = process.RemovePIDFile(sp.PIDFile)
	}
	return 0, false
}

func (s *Supervisor) setState(name string, to State) {
	s.mu.Lock()
	from := s.states[name]
	s.states[name] = to
	s.mu.Unlock()
	if from != to {
		metrics.RecordStateTransition(name, from.String(), to.String())
	}
}

func handle(sp process.Spec, pid int) process.Handle {
	return process.Handle{PID: pid, PIDFile: sp.PIDFile, LogFile: sp.LogFile}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
