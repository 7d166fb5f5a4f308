package pipeline

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/loykin/pkgfeed/internal/config"
	"github.com/loykin/pkgfeed/internal/credential"
	"github.com/loykin/pkgfeed/internal/fetch"
	"github.com/loykin/pkgfeed/internal/history"
	"github.com/loykin/pkgfeed/internal/logger"
	"github.com/loykin/pkgfeed/internal/mirror"
	"github.com/loykin/pkgfeed/internal/process"
	"github.com/loykin/pkgfeed/internal/publish"
	"github.com/loykin/pkgfeed/internal/readiness"
	"github.com/loykin/pkgfeed/internal/registry"
	"github.com/loykin/pkgfeed/internal/staticserver"
	"github.com/loykin/pkgfeed/internal/supervisor"
	"github.com/loykin/pkgfeed/internal/syncer"
)

// Options are the process-wide collaborators New does not derive from the config.
type Options struct {
	Log     *slog.Logger
	History *history.Recorder
	// Executable runs the built-in static server; defaults to os.Executable.
	Executable string
	// ServiceLogs controls rotation of service output files.
	ServiceLogs logger.Config
}

// New wires every component from c.
func New(c *config.Config, o Options) (*Pipeline, error) {
	log := o.Log
	if log == nil {
		log = slog.Default()
	}
	if o.Executable == "" && c.Static.Enabled && c.Static.Command == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate pkgfeed executable: %w", err)
		}
		o.Executable = exe
	}

	api := &registry.HTTPClient{BaseURL: c.Registry.URL, Timeout: c.Timeouts.API}
	endpoints := []Endpoint{{Service: ServiceRegistry, URL: api.PingURL()}}
	specs := []process.Spec{RegistrySpec(c)}
	if c.Static.Enabled {
		specs = append(specs, StaticSpec(c, o.Executable))
		endpoints = append(endpoints, Endpoint{Service: ServiceStatic, URL: "http://" + c.Static.Addr + staticserver.PingPath})
	}

	sv := supervisor.New(supervisor.Options{
		Log:         log.With("component", "supervisor"),
		History:     o.History,
		ServiceLogs: o.ServiceLogs,
	}, specs...)

	boot := &credential.Bootstrapper{
		EnvFile:        c.CredentialFile(),
		NPMRC:          c.NPMRC(),
		RegistryURL:    c.Registry.URL,
		RegistryConfig: c.Registry.Config,
		Default: credential.Account{
			Username: c.Credentials.Username,
			Password: c.Credentials.Password,
			Email:    c.Credentials.Email,
		},
		Log: log.With("component", "credentials"),
	}
	if c.Credentials.Mode == "api" {
		boot.API = api
	}

	f := fetch.New(c.Fetch.MaxRedirects)
	f.UserAgent = c.Fetch.UserAgent
	runner := process.ExecRunner{}
	npm := registry.NPM{Bin: c.Registry.NPM, RegistryURL: c.Registry.URL, UserConfig: c.NPMRC(), Runner: runner, Timeout: c.Timeouts.Command}
	var reg publish.Registry = npm
	if c.Registry.ExistsVia == "http" {
		reg = registry.Combined{Checker: api, NPM: npm}
	}

	return &Pipeline{
		Config:      c,
		Log:         log,
		History:     o.History,
		Supervisor:  sv,
		Readiness:   &readiness.Poller{AttemptTimeout: c.Timeouts.Probe},
		Credentials: boot,
		Mirror: &mirror.Mirror{
			Fetcher:        f,
			ReposRoot:      c.Paths.Repos,
			PublicRoot:     c.Paths.Public,
			BoardsRoot:     c.Paths.Boards,
			Runner:         runner,
			Log:            log.With("component", "mirror"),
			ArchiveTimeout: c.Timeouts.Archive,
			CommandTimeout: c.Timeouts.Command,
		},
		Publisher: &publish.Publisher{Registry: reg, Log: log.With("component", "publish")},
		Syncer: &syncer.Syncer{
			Fetcher:         f,
			Log:             log.With("component", "sync"),
			ManifestTimeout: c.Timeouts.Manifest,
			FileTimeout:     c.Timeouts.File,
		},
		Endpoints:   endpoints,
		BeforeStart: func() error { return prepare(c) },
	}, nil
}

func prepare(c *config.Config) error {
	if err := EnsureDirs(c); err != nil {
		return err
	}
	_, err := registry.EnsureConfig(c.Registry.Config, registry.ConfigOptions{
		Storage: c.Registry.Storage,
		Listen:  c.Registry.Listen,
		Uplink:  c.Registry.Uplink,
	})
	if err != nil {
		return fmt.Errorf("registry config: %w", err)
	}
	return nil
}

// RegistrySpec describes the registry service. Without explicit args the registry is
// started with the generated config and listen address.
func RegistrySpec(c *config.Config) process.Spec {
	args := c.Registry.Args
	if len(args) == 0 {
		args = []string{"--config", c.Registry.Config, "--listen", c.Registry.Listen}
	}
	return process.Spec{
		Name:     ServiceRegistry,
		Command:  c.Registry.Command,
		Args:     args,
		WorkDir:  filepath.Dir(c.Registry.Config),
		Env:      c.Registry.Env,
		PIDFile:  c.PIDFile(ServiceRegistry),
		LogFile:  c.LogFile(ServiceRegistry),
		Indirect: c.Registry.Indirect,
	}
}

// StaticSpec describes the static asset service. The built-in responder
// (exe serve-static) is used unless static.command is set.
func StaticSpec(c *config.Config, exe string) process.Spec {
	cmd, args := c.Static.Command, c.Static.Args
	if cmd == "" {
		cmd = exe
		args = []string{"serve-static", "--root", c.Paths.Public, "--addr", c.Static.Addr}
	}
	return process.Spec{
		Name:    ServiceStatic,
		Command: cmd,
		Args:    args,
		WorkDir: c.Paths.Public,
		PIDFile: c.PIDFile(ServiceStatic),
		LogFile: c.LogFile(ServiceStatic),
	}
}
