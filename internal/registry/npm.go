package registry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/loykin/pkgfeed/internal/process"
)

// NPM drives the npm CLI against the registry with a dedicated userconfig.
type NPM struct {
	Bin         string
	RegistryURL string
	UserConfig  string // .npmrc written by the credential bootstrapper
	Runner      process.Runner
	Timeout     time.Duration // per subprocess; zero means no bound
}

func (n NPM) argv(args ...string) []string {
	bin := n.Bin
	if bin == "" {
		bin = "npm"
	}
	out := append([]string{bin}, args...)
	if n.RegistryURL != "" {
		out = append(out, "--registry", n.RegistryURL+"/")
	}
	if n.UserConfig != "" {
		out = append(out, "--userconfig", n.UserConfig)
	}
	return out
}

func (n NPM) run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	return n.exec(ctx, false, dir, args...)
}

var npmEnv = []string{"npm_config_update_notifier=false", "npm_config_fund=false"}

// exec runs npm with the per-call timeout. stdoutOnly selects Runner.Output.
func (n NPM) exec(ctx context.Context, stdoutOnly bool, dir string, args ...string) ([]byte, error) {
	if n.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.Timeout)
		defer cancel()
	}
	r := n.Runner
	if r == nil {
		r = process.ExecRunner{}
	}
	if stdoutOnly {
		return r.Output(ctx, dir, n.argv(args...), npmEnv...)
	}
	return r.Run(ctx, dir, n.argv(args...), npmEnv...)
}

// Exists asks `npm view name@version version`. Only stdout is inspected: an unknown
// version of a known package exits 0 with nothing on stdout, and npm warnings go to
// stderr. An E404 failure means absent.
func (n NPM) Exists(ctx context.Context, name, version string) (bool, error) {
	out, err := n.exec(ctx, true, "", "view", name+"@"+version, "version")
	if err != nil {
		var ee *process.ExitError
		if (errors.As(err, &ee) && isNotFound([]byte(ee.Output))) || isNotFound([]byte(err.Error())) {
			return false, nil
		}
		return false, err
	}
	return strings.TrimSpace(string(out)) != "", nil
}

// Publish runs `npm publish` in dir.
func (n NPM) Publish(ctx context.Context, dir string) error {
	_, err := n.run(ctx, dir, "publish")
	return err
}

// Unpublish runs `npm unpublish <spec> --force`.
func (n NPM) Unpublish(ctx context.Context, spec string) error {
	if strings.TrimSpace(spec) == "" {
		return errors.New("empty package spec")
	}
	_, err := n.run(ctx, "", "unpublish", spec, "--force")
	return err
}

func isNotFound(out []byte) bool {
	s := string(out)
	return strings.Contains(s, "E404") || strings.Contains(s, "404 Not Found")
}

// ExistenceChecker answers whether a package version is already in the registry.
type ExistenceChecker interface {
	Exists(ctx context.Context, name, version string) (bool, error)
}

// Combined pairs an existence checker with the npm CLI for mutations.
type Combined struct {
	Checker ExistenceChecker
	NPM     NPM
}

func (c Combined) Exists(ctx context.Context, name, version string) (bool, error) {
	if c.Checker == nil {
		return c.NPM.Exists(ctx, name, version)
	}
	return c.Checker.Exists(ctx, name, version)
}

func (c Combined) Publish(ctx context.Context, dir string) error { return c.NPM.Publish(ctx, dir) }

func (c Combined) Unpublish(ctx context.Context, spec string) error {
	return c.NPM.Unpublish(ctx, spec)
}
