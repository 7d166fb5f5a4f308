// Package pipeline wires the supervisor, readiness gate and update stages into the
// run, update, unpublish, stop and status operations of the CLI.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/pkgfeed/internal/config"
	"github.com/loykin/pkgfeed/internal/credential"
	"github.com/loykin/pkgfeed/internal/history"
	"github.com/loykin/pkgfeed/internal/mirror"
	"github.com/loykin/pkgfeed/internal/publish"
	"github.com/loykin/pkgfeed/internal/supervisor"
	"github.com/loykin/pkgfeed/internal/syncer"
)

// Service names used for pid files, log files and history subjects.
const (
	ServiceRegistry = "registry"
	ServiceStatic   = "static"
)

// Supervisor is the part of *supervisor.Supervisor the pipeline drives.
type Supervisor interface {
	Start(ctx context.Context, name string) (supervisor.StartResult, error)
	Stop(ctx context.Context, name string, wait time.Duration) (supervisor.StopResult, error)
	Status(name string) (supervisor.Status, error)
	Names() []string
}

type ReadinessGate interface {
	WaitUntilReady(ctx context.Context, endpoint string, maxAttempts int, interval time.Duration) (int, error)
}

type CredentialProvider interface {
	EnsureDefaultAccount(ctx context.Context) (credential.Account, error)
}

type RepoMirror interface {
	Mirror(ctx context.Context, repo config.RepoDescriptor) error
	TargetDir(repo string) string
}

type RepoPublisher interface {
	PublishRepo(ctx context.Context, repoDir string, force bool) publish.Report
	Unpublish(ctx context.Context, spec string) error
}

type ResourceSyncer interface {
	Sync(ctx context.Context, manifestURL, destRoot string, force bool) (syncer.Result, error)
}

// Pipeline runs one CLI operation end to end. Steps run strictly one after another.
type Pipeline struct {
	Config      *config.Config
	Log         *slog.Logger
	History     *history.Recorder
	Supervisor  Supervisor
	Readiness   ReadinessGate
	Credentials CredentialProvider
	Mirror      RepoMirror
	Publisher   RepoPublisher
	Syncer      ResourceSyncer
	// Endpoints maps each service to the URL gating it, in start order.
	Endpoints []Endpoint
	// BeforeStart prepares on-disk state the services need (directories, registry config).
	BeforeStart func() error
}

// Endpoint is the readiness URL of one supervised service.
type Endpoint struct {
	Service string
	URL     string
}

// RunResult is what Run reports.
type RunResult struct {
	Started []supervisor.StartResult // parallel to Pipeline.Endpoints
	Account credential.Account
}

// Run starts every service, waits until each answers its ping and makes sure the
// default account exists.
func (p *Pipeline) Run(ctx context.Context) (RunResult, error) {
	var res RunResult
	if p.BeforeStart != nil {
		if err := p.BeforeStart(); err != nil {
			return res, err
		}
	}
	for _, ep := range p.Endpoints {
		sr, err := p.Supervisor.Start(ctx, ep.Service)
		if err != nil {
			return res, err
		}
		res.Started = append(res.Started, sr)
		if sr.AlreadyRunning {
			p.logger().Info("service already running", "service", ep.Service, "pid", sr.Handle.PID)
		}
	}
	if err := p.waitReady(ctx); err != nil {
		return res, err
	}
	acct, err := p.Credentials.EnsureDefaultAccount(ctx)
	if err != nil {
		return res, err
	}
	res.Account = acct
	return res, nil
}

func (p *Pipeline) waitReady(ctx context.Context) error {
	for _, ep := range p.Endpoints {
		n, err := p.Readiness.WaitUntilReady(ctx, ep.URL, p.Config.Readiness.Attempts, p.Config.Readiness.Interval)
		if err != nil {
			return err
		}
		p.logger().Info("service ready", "service", ep.Service, "url", ep.URL, "attempts", n)
	}
	return nil
}

// Update runs Run, then mirrors and publishes every repository and finally syncs the
// resource manifest. A failing repository does not stop the others.
func (p *Pipeline) Update(ctx context.Context, force bool) (Summary, error) {
	sum := Summary{RunID: p.runID(), Force: force}
	start := time.Now()
	if _, err := p.Run(ctx); err != nil {
		p.recordUpdate(ctx, &sum, start, err)
		return sum, err
	}

	for _, repo := range p.Config.Repos {
		p.updateRepo(ctx, repo, force, &sum)
	}

	if url := p.Config.Sync.ManifestURL; url != "" {
		res, err := p.Syncer.Sync(ctx, url, p.Config.Paths.Public, force)
		sum.Sync = res
		sum.SyncRan = true
		p.recordSync(ctx, url, res, err)
		if err != nil {
			p.recordUpdate(ctx, &sum, start, err)
			return sum, err
		}
	} else {
		p.logger().Info("sync skipped, no manifest url configured")
	}

	p.recordUpdate(ctx, &sum, start, sum.Err())
	return sum, nil
}

func (p *Pipeline) updateRepo(ctx context.Context, repo config.RepoDescriptor, force bool, sum *Summary) {
	log := p.logger().With("repo", repo.Name)
	if err := p.Mirror.Mirror(ctx, repo); err != nil {
		log.Error("mirror failed, continuing with next repository", "error", err)
		sum.MirrorErrors = append(sum.MirrorErrors, err)
		p.History.Record(ctx, history.Event{Type: history.EventMirror, Subject: repo.Name, Outcome: history.OutcomeFailed, Detail: err.Error()})
		return
	}
	sum.Mirrored = append(sum.Mirrored, repo.Name)
	p.History.Record(ctx, history.Event{Type: history.EventMirror, Subject: repo.Name, Outcome: history.OutcomeOK})

	if !repo.Publish {
		return
	}
	rep := p.Publisher.PublishRepo(ctx, p.Mirror.TargetDir(repo.Name), force)
	sum.Published = append(sum.Published, rep.Published...)
	sum.Skipped = append(sum.Skipped, rep.Skipped...)
	sum.PublishFailed = append(sum.PublishFailed, rep.Failed...)
	sum.PublishErrors = append(sum.PublishErrors, rep.Errors...)
	for _, u := range rep.Published {
		p.History.Record(ctx, history.Event{Type: history.EventPublish, Subject: u.Spec(), Outcome: history.OutcomeOK})
	}
	for _, u := range rep.Skipped {
		p.History.Record(ctx, history.Event{Type: history.EventPublish, Subject: u.Spec(), Outcome: history.OutcomeSkipped, Detail: "already published"})
	}
	for i, u := range rep.Failed {
		detail := ""
		if i < len(rep.Errors) {
			detail = rep.Errors[i].Error()
		}
		p.History.Record(ctx, history.Event{Type: history.EventPublish, Subject: u.Spec(), Outcome: history.OutcomeFailed, Detail: detail})
	}
}

func (p *Pipeline) recordSync(ctx context.Context, url string, res syncer.Result, err error) {
	e := history.Event{
		Type:    history.EventSync,
		Subject: url,
		Outcome: history.OutcomeOK,
		Detail:  fmt.Sprintf("downloaded=%d skipped=%d failed=%d", res.Downloaded, res.Skipped, res.Failed),
	}
	if err != nil {
		e.Outcome = history.OutcomeFailed
		e.Detail = err.Error()
	} else if res.Failed > 0 {
		e.Outcome = history.OutcomeFailed
	}
	p.History.Record(ctx, e)
}

func (p *Pipeline) recordUpdate(ctx context.Context, sum *Summary, start time.Time, err error) {
	sum.Duration = time.Since(start)
	e := history.Event{Type: history.EventUpdate, Subject: "update", Outcome: history.OutcomeOK, Detail: sum.String()}
	if err != nil {
		e.Outcome = history.OutcomeFailed
		e.Detail = err.Error()
	}
	p.History.Record(ctx, e)
}

// Unpublish removes spec (name or name@version) from the registry. The registry must
// already be running; the npm auth config is refreshed first.
func (p *Pipeline) Unpublish(ctx context.Context, spec string) error {
	if spec == "" {
		return errors.New("package name required")
	}
	for _, ep := range p.Endpoints {
		if ep.Service != ServiceRegistry {
			continue
		}
		if _, err := p.Readiness.WaitUntilReady(ctx, ep.URL, p.Config.Readiness.Attempts, p.Config.Readiness.Interval); err != nil {
			return err
		}
	}
	if _, err := p.Credentials.EnsureDefaultAccount(ctx); err != nil {
		return err
	}
	err := p.Publisher.Unpublish(ctx, spec)
	e := history.Event{Type: history.EventPublish, Subject: spec, Outcome: history.OutcomeOK, Detail: "unpublish"}
	if err != nil {
		e.Outcome = history.OutcomeFailed
		e.Detail = "unpublish: " + err.Error()
	}
	p.History.Record(ctx, e)
	return err
}

// Stop stops every service in reverse start order. All services are attempted.
func (p *Pipeline) Stop(ctx context.Context) ([]supervisor.StopResult, error) {
	wait := p.Config.Timeouts.Stop
	out := make([]supervisor.StopResult, 0, len(p.Endpoints))
	var errs []error
	for i := len(p.Endpoints) - 1; i >= 0; i-- {
		name := p.Endpoints[i].Service
		res, err := p.Supervisor.Stop(ctx, name, wait)
		out = append(out, res)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !res.WasRunning {
			p.logger().Info("not running", "service", name)
		}
	}
	return out, errors.Join(errs...)
}

// Status reports every service in start order.
func (p *Pipeline) Status() ([]supervisor.Status, error) {
	out := make([]supervisor.Status, 0, len(p.Endpoints))
	for _, ep := range p.Endpoints {
		st, err := p.Supervisor.Status(ep.Service)
		if err != nil {
			return out, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (p *Pipeline) runID() string {
	if p.History == nil {
		return ""
	}
	return p.History.RunID
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}

// EnsureDirs creates the state, log, repository and public directories.
func EnsureDirs(c *config.Config) error {
	for _, d := range []string{c.Paths.State, c.Paths.Logs, c.Paths.Repos, c.Paths.Public, c.Paths.Boards, filepath.Dir(c.Registry.Config)} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

var (
	_ RepoMirror     = (*mirror.Mirror)(nil)
	_ RepoPublisher  = (*publish.Publisher)(nil)
	_ ResourceSyncer = (*syncer.Syncer)(nil)
	_ Supervisor     = (*supervisor.Supervisor)(nil)
)
