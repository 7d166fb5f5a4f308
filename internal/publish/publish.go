package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/loykin/pkgfeed/internal/metrics"
)

// Registry is the package registry as seen by the publisher.
type Registry interface {
	Exists(ctx context.Context, name, version string) (bool, error)
	Publish(ctx context.Context, dir string) error
	Unpublish(ctx context.Context, spec string) error
}

// Unit is one publishable package directory.
type Unit struct {
	Dir     string
	Name    string
	Version string
}

// Spec is name@version, or the directory when the manifest could not be read.
func (u Unit) Spec() string {
	if u.Name == "" {
		return u.Dir
	}
	if u.Version == "" {
		return u.Name
	}
	return u.Name + "@" + u.Version
}

// Error is a failed publish or unpublish of one unit.
type Error struct {
	Unit Unit
	Op   string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s %s: %v", e.Op, e.Unit.Spec(), e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Report summarises one PublishRepo call.
type Report struct {
	Published []Unit
	Skipped   []Unit
	Failed    []Unit
	Errors    []error
}

// Err joins the unit errors, nil when nothing failed.
func (r Report) Err() error { return errors.Join(r.Errors...) }

// Publisher pushes every package directory of a mirrored repository to the registry.
type Publisher struct {
	Registry Registry
	Log      *slog.Logger
}

// ReadUnit parses name and version from dir/package.json. Comments and trailing commas
// are tolerated.
func ReadUnit(dir string) (Unit, error) {
	u := Unit{Dir: dir}
	b, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return u, err
	}
	var pkg struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(jsonc.ToJSON(b), &pkg); err != nil {
		return u, fmt.Errorf("parse package.json: %w", err)
	}
	u.Name = strings.TrimSpace(pkg.Name)
	u.Version = strings.TrimSpace(pkg.Version)
	if u.Name == "" || u.Version == "" {
		return u, errors.New("package.json has no name or version")
	}
	return u, nil
}

// PublishRepo visits every immediate subdirectory of repoDir holding a package.json.
// Units already in the registry are skipped unless force is set, in which case they are
// unpublished first. A unit whose manifest cannot be read is published without an
// existence check. Failures are recorded and the loop continues.
func (p *Publisher) PublishRepo(ctx context.Context, repoDir string, force bool) Report {
	log := p.logger().With("repo", filepath.Base(repoDir))
	var rep Report

	entries, err := os.ReadDir(repoDir)
	if err != nil {
		log.Warn("cannot list repository", "error", err)
		rep.Errors = append(rep.Errors, err)
		return rep
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if ctx.Err() != nil {
			rep.Errors = append(rep.Errors, ctx.Err())
			break
		}
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(repoDir, e.Name())
		if _, err := os.Stat(filepath.Join(dir, "package.json")); err != nil {
			continue
		}
		p.publishUnit(ctx, log, dir, force, &rep)
	}

	metrics.AddPublish("published", len(rep.Published))
	metrics.AddPublish("skipped", len(rep.Skipped))
	metrics.AddPublish("failed", len(rep.Failed))
	log.Info("publish finished", "published", len(rep.Published), "skipped", len(rep.Skipped), "failed", len(rep.Failed))
	return rep
}

func (p *Publisher) publishUnit(ctx context.Context, log *slog.Logger, dir string, force bool, rep *Report) {
	u, parseErr := ReadUnit(dir)
	if parseErr != nil {
		log.Warn("unreadable package.json, publishing anyway", "dir", dir, "error", parseErr)
	} else {
		exists, err := p.Registry.Exists(ctx, u.Name, u.Version)
		if err != nil {
			log.Warn("existence check failed, assuming absent", "package", u.Spec(), "error", err)
			exists = false
		}
		if exists && !force {
			log.Info("already published", "package", u.Spec())
			rep.Skipped = append(rep.Skipped, u)
			return
		}
		if exists {
			if err := p.Registry.Unpublish(ctx, u.Spec()); err != nil {
				p.fail(log, rep, &Error{Unit: u, Op: "unpublish", Err: err})
				return
			}
			log.Info("unpublished for republish", "package", u.Spec())
		}
	}

	if err := p.Registry.Publish(ctx, dir); err != nil {
		p.fail(log, rep, &Error{Unit: u, Op: "publish", Err: err})
		return
	}
	log.Info("published", "package", u.Spec())
	rep.Published = append(rep.Published, u)
}

func (p *Publisher) fail(log *slog.Logger, rep *Report, err *Error) {
	log.Error("package operation failed", "package", err.Unit.Spec(), "op", err.Op, "error", err.Err)
	rep.Failed = append(rep.Failed, err.Unit)
	rep.Errors = append(rep.Errors, err)
}

// Unpublish removes spec (name or name@version) from the registry.
func (p *Publisher) Unpublish(ctx context.Context, spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return errors.New("package name is required")
	}
	u := ParseSpec(spec)
	if err := p.Registry.Unpublish(ctx, spec); err != nil {
		return &Error{Unit: u, Op: "unpublish", Err: err}
	}
	p.logger().Info("unpublished", "package", spec)
	return nil
}

// ParseSpec splits name[@version]; a leading @ belongs to the scope.
func ParseSpec(spec string) Unit {
	i := strings.LastIndex(spec, "@")
	if i <= 0 {
		return Unit{Name: spec}
	}
	return Unit{Name: spec[:i], Version: spec[i+1:]}
}

func (p *Publisher) logger() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}
