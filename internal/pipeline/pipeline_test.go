package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/pkgfeed/internal/config"
	"github.com/loykin/pkgfeed/internal/credential"
	"github.com/loykin/pkgfeed/internal/history"
	"github.com/loykin/pkgfeed/internal/mirror"
	"github.com/loykin/pkgfeed/internal/process"
	"github.com/loykin/pkgfeed/internal/publish"
	"github.com/loykin/pkgfeed/internal/readiness"
	"github.com/loykin/pkgfeed/internal/supervisor"
	"github.com/loykin/pkgfeed/internal/syncer"
)

// calls records the order in which fakes were invoked.
type calls struct {
	mu  sync.Mutex
	log []string
}

func (c *calls) add(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, s)
}

type fakeSupervisor struct {
	c        *calls
	startErr error
	running  map[string]bool
}

func (f *fakeSupervisor) Start(_ context.Context, name string) (supervisor.StartResult, error) {
	f.c.add("start:" + name)
	if f.startErr != nil {
		return supervisor.StartResult{}, f.startErr
	}
	already := f.running[name]
	f.running[name] = true
	return supervisor.StartResult{Handle: process.Handle{PID: 100}, AlreadyRunning: already}, nil
}

func (f *fakeSupervisor) Stop(_ context.Context, name string, _ time.Duration) (supervisor.StopResult, error) {
	f.c.add("stop:" + name)
	was := f.running[name]
	delete(f.running, name)
	if !was {
		return supervisor.StopResult{}, nil
	}
	return supervisor.StopResult{PID: 100, WasRunning: true}, nil
}

func (f *fakeSupervisor) Status(name string) (supervisor.Status, error) {
	if f.running[name] {
		return supervisor.Status{Name: name, State: supervisor.StateRunning, PID: 100}, nil
	}
	return supervisor.Status{Name: name, State: supervisor.StateAbsent}, nil
}

func (f *fakeSupervisor) Names() []string { return []string{ServiceRegistry, ServiceStatic} }

type fakeGate struct {
	c   *calls
	err error
}

func (f *fakeGate) WaitUntilReady(_ context.Context, endpoint string, _ int, _ time.Duration) (int, error) {
	f.c.add("ready:" + endpoint)
	if f.err != nil {
		return 3, f.err
	}
	return 1, nil
}

type fakeCreds struct {
	c   *calls
	err error
}

func (f *fakeCreds) EnsureDefaultAccount(context.Context) (credential.Account, error) {
	f.c.add("credentials")
	return credential.Account{Username: "pkgfeed"}, f.err
}

type fakeMirror struct {
	c    *calls
	fail map[string]bool
}

func (f *fakeMirror) Mirror(_ context.Context, repo config.RepoDescriptor) error {
	f.c.add("mirror:" + repo.Name)
	if f.fail[repo.Name] {
		return &mirror.Error{Repo: repo.Name, Stage: mirror.StageDownload, Err: errors.New("connection refused")}
	}
	return nil
}

func (f *fakeMirror) TargetDir(repo string) string { return "/repos/" + repo }

type fakePublisher struct {
	c      *calls
	report map[string]publish.Report
	unpub  error
}

func (f *fakePublisher) PublishRepo(_ context.Context, dir string, force bool) publish.Report {
	if force {
		f.c.add("publish-force:" + dir)
	} else {
		f.c.add("publish:" + dir)
	}
	return f.report[dir]
}

func (f *fakePublisher) Unpublish(_ context.Context, spec string) error {
	f.c.add("unpublish:" + spec)
	return f.unpub
}

type fakeSyncer struct {
	c   *calls
	res syncer.Result
	err error
}

func (f *fakeSyncer) Sync(_ context.Context, url, dest string, force bool) (syncer.Result, error) {
	f.c.add("sync:" + url + ":" + dest)
	return f.res, f.err
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

func (m *memSink) outcomes(t history.EventType) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.Type == t {
			out = append(out, e.Subject+"="+e.Outcome)
		}
	}
	return out
}

type fixture struct {
	p    *Pipeline
	c    *calls
	sv   *fakeSupervisor
	gate *fakeGate
	cred *fakeCreds
	mir  *fakeMirror
	pub  *fakePublisher
	syn  *fakeSyncer
	sink *memSink
}

func newFixture() *fixture {
	c := &calls{}
	f := &fixture{
		c:    c,
		sv:   &fakeSupervisor{c: c, running: map[string]bool{}},
		gate: &fakeGate{c: c},
		cred: &fakeCreds{c: c},
		mir:  &fakeMirror{c: c, fail: map[string]bool{}},
		pub:  &fakePublisher{c: c, report: map[string]publish.Report{}},
		syn:  &fakeSyncer{c: c},
		sink: &memSink{},
	}
	cfg := &config.Config{
		Paths:     config.PathsConfig{Public: "/public"},
		Readiness: config.ReadinessConfig{Attempts: 3, Interval: time.Millisecond},
		Timeouts:  config.TimeoutsConfig{Stop: time.Second},
		Sync:      config.SyncConfig{ManifestURL: "http://assets/manifest.json"},
		Repos: []config.RepoDescriptor{
			{Name: "libraries", Publish: true},
			{Name: "boards", Publish: true},
			{Name: "firmware"},
		},
	}
	f.p = &Pipeline{
		Config:      cfg,
		History:     &history.Recorder{RunID: "run-1", Sinks: []history.Sink{f.sink}},
		Supervisor:  f.sv,
		Readiness:   f.gate,
		Credentials: f.cred,
		Mirror:      f.mir,
		Publisher:   f.pub,
		Syncer:      f.syn,
		Endpoints: []Endpoint{
			{Service: ServiceRegistry, URL: "http://registry/-/ping"},
			{Service: ServiceStatic, URL: "http://static/-/ping"},
		},
	}
	return f
}

func TestRunOrder(t *testing.T) {
	f := newFixture()
	res, err := f.p.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Started, 2)
	assert.Equal(t, "pkgfeed", res.Account.Username)
	assert.Equal(t, []string{
		"start:registry", "start:static",
		"ready:http://registry/-/ping", "ready:http://static/-/ping",
		"credentials",
	}, f.c.log)

	// second run finds both services alive
	res, err = f.p.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Started[0].AlreadyRunning)
}

func TestRunStopsAtReadinessTimeout(t *testing.T) {
	f := newFixture()
	f.gate.err = &readiness.TimeoutError{Endpoint: "http://registry/-/ping", Attempts: 3}
	_, err := f.p.Run(context.Background())
	var te *readiness.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.NotContains(t, f.c.log, "credentials")
}

func TestRunStopsAtSpawnError(t *testing.T) {
	f := newFixture()
	f.sv.startErr = &process.SpawnError{Service: ServiceRegistry, Err: errors.New("not found")}
	_, err := f.p.Run(context.Background())
	var se *process.SpawnError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, []string{"start:registry"}, f.c.log)
}

func TestRunBeforeStartFailure(t *testing.T) {
	f := newFixture()
	f.p.BeforeStart = func() error { return errors.New("disk full") }
	_, err := f.p.Run(context.Background())
	assert.EqualError(t, err, "disk full")
	assert.Empty(t, f.c.log)
}

func TestUpdateIsolatesRepositoryFailures(t *testing.T) {
	f := newFixture()
	f.mir.fail["libraries"] = true
	pubErr := &publish.Error{Unit: publish.Unit{Name: "c", Version: "1.0.0"}, Op: "publish", Err: errors.New("exit 1")}
	f.pub.report["/repos/boards"] = publish.Report{
		Published: []publish.Unit{{Name: "b", Version: "2.0.0"}},
		Skipped:   []publish.Unit{{Name: "a", Version: "1.0.0"}},
		Failed:    []publish.Unit{{Name: "c", Version: "1.0.0"}},
		Errors:    []error{pubErr},
	}
	f.syn.res = syncer.Result{Downloaded: 2, Skipped: 1}

	sum, err := f.p.Update(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "run-1", sum.RunID)
	assert.Equal(t, []string{"boards", "firmware"}, sum.Mirrored)
	assert.Len(t, sum.MirrorErrors, 1)
	assert.Len(t, sum.Published, 1)
	assert.Len(t, sum.Skipped, 1)
	assert.Len(t, sum.PublishFailed, 1)
	assert.True(t, sum.SyncRan)
	assert.Equal(t, 2, sum.Sync.Downloaded)

	// mirror, then publish for the same repo, and firmware is not published
	assert.Equal(t, []string{
		"mirror:libraries",
		"mirror:boards", "publish:/repos/boards",
		"mirror:firmware",
		"sync:http://assets/manifest.json:/public",
	}, f.c.log[5:])

	var me *mirror.Error
	require.ErrorAs(t, sum.Err(), &me)
	assert.Equal(t, "libraries", me.Repo)
	var pe *publish.Error
	require.ErrorAs(t, sum.Err(), &pe)

	assert.Equal(t, []string{"libraries=failed", "boards=ok", "firmware=ok"}, f.sink.outcomes(history.EventMirror))
	assert.Equal(t, []string{"b@2.0.0=ok", "a@1.0.0=skipped", "c@1.0.0=failed"}, f.sink.outcomes(history.EventPublish))
	assert.Equal(t, []string{"http://assets/manifest.json=ok"}, f.sink.outcomes(history.EventSync))
	assert.Equal(t, []string{"update=failed"}, f.sink.outcomes(history.EventUpdate))
	for _, e := range f.sink.events {
		assert.Equal(t, "run-1", e.RunID)
	}
}

func TestUpdateForcePassesThrough(t *testing.T) {
	f := newFixture()
	sum, err := f.p.Update(context.Background(), true)
	require.NoError(t, err)
	assert.NoError(t, sum.Err())
	assert.Contains(t, f.c.log, "publish-force:/repos/libraries")
	assert.Equal(t, []string{"update=ok"}, f.sink.outcomes(history.EventUpdate))
}

func TestUpdateManifestErrorAbortsSync(t *testing.T) {
	f := newFixture()
	f.syn.err = &syncer.ManifestNotFoundError{URL: "http://assets/manifest.json"}
	_, err := f.p.Update(context.Background(), false)
	var nf *syncer.ManifestNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, []string{"http://assets/manifest.json=failed"}, f.sink.outcomes(history.EventSync))
}

func TestUpdateWithoutManifestURLSkipsSync(t *testing.T) {
	f := newFixture()
	f.p.Config.Sync.ManifestURL = ""
	sum, err := f.p.Update(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, sum.SyncRan)
	for _, c := range f.c.log {
		assert.NotContains(t, c, "sync:")
	}
}

func TestUpdateCredentialFailureIsFatal(t *testing.T) {
	f := newFixture()
	f.cred.err = &credential.Error{Op: "add user", Err: errors.New("refused")}
	_, err := f.p.Update(context.Background(), false)
	var ce *credential.Error
	require.ErrorAs(t, err, &ce)
	for _, c := range f.c.log {
		assert.NotContains(t, c, "mirror:")
	}
	assert.Equal(t, []string{"update=failed"}, f.sink.outcomes(history.EventUpdate))
}

func TestUnpublish(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.p.Unpublish(context.Background(), "a@1.0.0"))
	assert.Equal(t, []string{"ready:http://registry/-/ping", "credentials", "unpublish:a@1.0.0"}, f.c.log)

	assert.Error(t, f.p.Unpublish(context.Background(), ""))

	f.pub.unpub = errors.New("E404")
	assert.Error(t, f.p.Unpublish(context.Background(), "zzz"))
	assert.Contains(t, f.sink.outcomes(history.EventPublish), "zzz=failed")
}

func TestStopReverseOrderAndStatus(t *testing.T) {
	f := newFixture()
	res, err := f.p.Stop(context.Background())
	require.NoError(t, err)
	assert.False(t, res[0].WasRunning)
	assert.Equal(t, []string{"stop:static", "stop:registry"}, f.c.log)

	f.sv.running[ServiceRegistry] = true
	st, err := f.p.Status()
	require.NoError(t, err)
	require.Len(t, st, 2)
	assert.Equal(t, supervisor.StateRunning, st[0].State)
	assert.Equal(t, supervisor.StateAbsent, st[1].State)
}

func TestSummaryPrint(t *testing.T) {
	s := Summary{
		RunID:        "r1",
		Mirrored:     []string{"a"},
		MirrorErrors: []error{errors.New("mirror b: download: boom")},
		Skipped:      []publish.Unit{{Name: "a", Version: "1.0.0"}},
		SyncRan:      true,
		Sync:         syncer.Result{Downloaded: 1, Skipped: 2, Failed: 3},
	}
	var buf bytes.Buffer
	s.Print(&buf)
	out := buf.String()
	assert.Contains(t, out, "(run r1)")
	assert.Contains(t, out, "1 mirrored, 1 failed")
	assert.Contains(t, out, "skip a@1.0.0 (already published)")
	assert.Contains(t, out, "1 downloaded, 2 skipped, 3 failed")
}

func TestNewWiresServicesFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "pkgfeed.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
[paths]
base = "`+filepath.ToSlash(dir)+`"

[registry]
url = "http://127.0.0.1:4999/"
listen = "127.0.0.1:4999"

[static]
addr = "127.0.0.1:8999"
`), 0o644))
	c, err := config.Load(cfgPath)
	require.NoError(t, err)

	p, err := New(c, Options{Executable: "/usr/local/bin/pkgfeed"})
	require.NoError(t, err)
	assert.Equal(t, []Endpoint{
		{Service: ServiceRegistry, URL: "http://127.0.0.1:4999/-/ping"},
		{Service: ServiceStatic, URL: "http://127.0.0.1:8999/-/ping"},
	}, p.Endpoints)
	assert.Equal(t, []string{ServiceRegistry, ServiceStatic}, p.Supervisor.Names())

	reg := RegistrySpec(c)
	assert.Equal(t, []string{"--config", c.Registry.Config, "--listen", "127.0.0.1:4999"}, reg.Args)
	assert.Equal(t, c.PIDFile(ServiceRegistry), reg.PIDFile)

	st := StaticSpec(c, "/usr/local/bin/pkgfeed")
	assert.Equal(t, "/usr/local/bin/pkgfeed", st.Command)
	assert.Equal(t, []string{"serve-static", "--root", c.Paths.Public, "--addr", "127.0.0.1:8999"}, st.Args)

	require.NoError(t, p.BeforeStart())
	for _, d := range []string{c.Paths.State, c.Paths.Logs, c.Paths.Repos, c.Paths.Public, c.Paths.Boards} {
		assert.DirExists(t, d)
	}
	assert.FileExists(t, c.Registry.Config)
}

func TestNewWithoutStaticService(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "pkgfeed.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
[paths]
base = "`+filepath.ToSlash(dir)+`"

[static]
enabled = false
`), 0o644))
	c, err := config.Load(cfgPath)
	require.NoError(t, err)
	p, err := New(c, Options{})
	require.NoError(t, err)
	require.Len(t, p.Endpoints, 1)
	assert.Equal(t, ServiceRegistry, p.Endpoints[0].Service)
}
