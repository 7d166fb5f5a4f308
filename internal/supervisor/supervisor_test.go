package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/pkgfeed/internal/detector"
	"github.com/loykin/pkgfeed/internal/history"
	"github.com/loykin/pkgfeed/internal/process"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

type countingLauncher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingLauncher) LaunchDetached(sp process.Spec) (int, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	return process.DetachedLauncher{}.LaunchDetached(sp)
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func sleepSpec(dir, name string) process.Spec {
	return process.Spec{
		Name:    name,
		Command: "/bin/sleep",
		Args:    []string{"30"},
		PIDFile: filepath.Join(dir, "state", name+".pid"),
		LogFile: filepath.Join(dir, "logs", name+".log"),
	}
}

func TestStartIsIdempotent(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	l := &countingLauncher{}
	sink := &memSink{}
	sv := New(Options{Launcher: l, History: &history.Recorder{RunID: "r", Sinks: []history.Sink{sink}}}, sleepSpec(dir, "registry"))
	t.Cleanup(func() { _, _ = sv.Stop(context.Background(), "registry", time.Second) })

	first, err := sv.Start(context.Background(), "registry")
	require.NoError(t, err)
	assert.False(t, first.AlreadyRunning)
	assert.True(t, first.Handle.IsAlive())

	second, err := sv.Start(context.Background(), "registry")
	require.NoError(t, err)
	assert.True(t, second.AlreadyRunning)
	assert.Equal(t, first.Handle.PID, second.Handle.PID)
	assert.Equal(t, 1, l.calls, "second start must not spawn")

	pid, meta, err := process.ReadPIDFile(first.Handle.PIDFile)
	require.NoError(t, err)
	assert.Equal(t, first.Handle.PID, pid)
	if runtime.GOOS == "linux" {
		assert.Greater(t, meta.StartUnix, int64(0))
	}

	require.Len(t, sink.events, 1)
	assert.Equal(t, history.EventStart, sink.events[0].Type)
	assert.Equal(t, "registry", sink.events[0].Subject)
}

func TestStatusAndStop(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	sink := &memSink{}
	sv := New(Options{History: &history.Recorder{Sinks: []history.Sink{sink}}}, sleepSpec(dir, "static"))

	res, err := sv.Start(context.Background(), "static")
	require.NoError(t, err)

	st, err := sv.Status("static")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, res.Handle.PID, st.PID)

	stop, err := sv.Stop(context.Background(), "static", 2*time.Second)
	require.NoError(t, err)
	assert.True(t, stop.WasRunning)
	assert.Equal(t, res.Handle.PID, stop.PID)
	assert.Eventually(t, func() bool { return !detector.PIDAlive(res.Handle.PID) }, 2*time.Second, 20*time.Millisecond)
	_, err = os.Stat(res.Handle.PIDFile)
	assert.True(t, os.IsNotExist(err), "pid file removed after stop")

	st, err = sv.Status("static")
	require.NoError(t, err)
	assert.Equal(t, StateAbsent, st.State)
	assert.Equal(t, "stopped", st.State.String())

	require.Len(t, sink.events, 2)
	assert.Equal(t, history.EventStop, sink.events[1].Type)
}

func TestStopWithoutPIDFileSendsNothing(t *testing.T) {
	dir := t.TempDir()
	sv := New(Options{}, sleepSpec(dir, "registry"))
	res, err := sv.Stop(context.Background(), "registry", time.Second)
	require.NoError(t, err)
	assert.False(t, res.WasRunning)
	assert.Zero(t, res.PID)
}

func TestStalePIDFileIsPurged(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	sp := sleepSpec(dir, "registry")

	dead := exec.Command("/bin/true")
	require.NoError(t, dead.Run())
	require.NoError(t, os.MkdirAll(filepath.Dir(sp.PIDFile), 0o755))
	require.NoError(t, os.WriteFile(sp.PIDFile, []byte(strconv.Itoa(dead.Process.Pid)+"\n"), 0o644))

	sv := New(Options{}, sp)
	st, err := sv.Status("registry")
	require.NoError(t, err)
	assert.Equal(t, StateAbsent, st.State)
	_, err = os.Stat(sp.PIDFile)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, os.WriteFile(sp.PIDFile, []byte("garbage"), 0o644))
	res, err := sv.Stop(context.Background(), "registry", time.Second)
	require.NoError(t, err)
	assert.False(t, res.WasRunning)
	_, err = os.Stat(sp.PIDFile)
	assert.True(t, os.IsNotExist(err))
}

func TestReusedPIDIsNotTrusted(t *testing.T) {
	requireUnix(t)
	if runtime.GOOS != "linux" {
		t.Skip("start time check needs /proc")
	}
	dir := t.TempDir()
	sp := sleepSpec(dir, "registry")
	// our own pid with a start time that cannot match
	require.NoError(t, process.WritePIDFile(sp.PIDFile, os.Getpid(), detector.Meta{StartUnix: 1}))

	sv := New(Options{}, sp)
	st, err := sv.Status("registry")
	require.NoError(t, err)
	assert.Equal(t, StateAbsent, st.State)
}

func TestSpawnFailures(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()

	sv := New(Options{Launcher: &countingLauncher{err: errors.New("exec: not found")}}, sleepSpec(dir, "a"))
	_, err := sv.Start(context.Background(), "a")
	var se *process.SpawnError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "a", se.Service)

	quick := process.Spec{Name: "b", Command: "/bin/false", PIDFile: filepath.Join(dir, "b.pid"), LogFile: filepath.Join(dir, "b.log")}
	sv = New(Options{}, quick)
	_, err = sv.Start(context.Background(), "b")
	require.ErrorAs(t, err, &se)
	_, statErr := os.Stat(quick.PIDFile)
	assert.True(t, os.IsNotExist(statErr))

	ind := sleepSpec(dir, "c")
	ind.Indirect = true
	ind.MatchArgs = []string{"never-matches-pkgfeed-" + filepath.Base(dir)}
	sv = New(Options{ResolveAttempts: 2, ResolveInterval: 10 * time.Millisecond}, ind)
	_, err = sv.Start(context.Background(), "c")
	require.ErrorAs(t, err, &se)
}

func TestIndirectStartRecordsRealPID(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	sp := process.Spec{
		Name:      "registry",
		Command:   "/bin/sh",
		Args:      []string{"-c", "sleep 41; true"},
		Indirect:  true,
		MatchArgs: []string{"sleep 41"},
		PIDFile:   filepath.Join(dir, "registry.pid"),
		LogFile:   filepath.Join(dir, "registry.log"),
	}
	sv := New(Options{ResolveInterval: 20 * time.Millisecond}, sp)
	t.Cleanup(func() { _, _ = sv.Stop(context.Background(), "registry", time.Second) })

	res, err := sv.Start(context.Background(), "registry")
	require.NoError(t, err)
	assert.True(t, res.Handle.IsAlive())

	_, meta, err := process.ReadPIDFile(sp.PIDFile)
	require.NoError(t, err)
	if meta.LauncherPID != 0 {
		assert.NotEqual(t, meta.LauncherPID, res.Handle.PID)
	}
}

func TestUnknownService(t *testing.T) {
	sv := New(Options{})
	_, err := sv.Start(context.Background(), "nope")
	assert.Error(t, err)
	_, err = sv.Status("nope")
	assert.Error(t, err)
	_, err = sv.Stop(context.Background(), "nope", 0)
	assert.Error(t, err)
	assert.Empty(t, sv.Names())
}
