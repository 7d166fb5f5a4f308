package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. PKGFEED_REGISTRY_URL.
const EnvPrefix = "PKGFEED"

// DefaultConfigFile is looked up in the working directory when --config is not given.
const DefaultConfigFile = "pkgfeed.toml"

// Config is built once at startup and handed to every component.
type Config struct {
	Paths       PathsConfig       `mapstructure:"paths"`
	Registry    RegistryConfig    `mapstructure:"registry"`
	Static      StaticConfig      `mapstructure:"static"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Readiness   ReadinessConfig   `mapstructure:"readiness"`
	Timeouts    TimeoutsConfig    `mapstructure:"timeouts"`
	Fetch       FetchConfig       `mapstructure:"fetch"`
	Sync        SyncConfig        `mapstructure:"sync"`
	History     HistoryConfig     `mapstructure:"history"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Log         LogConfig         `mapstructure:"log"`
	Repos       []RepoDescriptor  `mapstructure:"repos"`
}

type PathsConfig struct {
	Base   string `mapstructure:"base"`
	State  string `mapstructure:"state"`
	Logs   string `mapstructure:"logs"`
	Repos  string `mapstructure:"repos"`
	Public string `mapstructure:"public"`
	Boards string `mapstructure:"boards"`
}

type RegistryConfig struct {
	URL     string   `mapstructure:"url"`
	Listen  string   `mapstructure:"listen"`
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Config  string   `mapstructure:"config"`
	Storage string   `mapstructure:"storage"`
	// Uplink is the upstream registry proxied for packages pkgfeed does not host.
	Uplink string `mapstructure:"uplink"`
	// Indirect marks a launcher shim (verdaccio.cmd) whose pid is not the service pid.
	Indirect bool     `mapstructure:"indirect"`
	Env      []string `mapstructure:"env"`
	NPM      string   `mapstructure:"npm"`
	// ExistsVia selects the existence check: "npm" (subprocess) or "http".
	ExistsVia string `mapstructure:"exists_via"`
}

type StaticConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Addr    string   `mapstructure:"addr"`
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

type CredentialsConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Email    string `mapstructure:"email"`
	// Mode is "api" (PUT to the registry, htpasswd on failure) or "htpasswd".
	Mode string `mapstructure:"mode"`
}

type ReadinessConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Interval time.Duration `mapstructure:"interval"`
}

type TimeoutsConfig struct {
	Probe    time.Duration `mapstructure:"probe"`
	API      time.Duration `mapstructure:"api"`
	Archive  time.Duration `mapstructure:"archive"`
	Manifest time.Duration `mapstructure:"manifest"`
	File     time.Duration `mapstructure:"file"`
	Command  time.Duration `mapstructure:"command"`
	Stop     time.Duration `mapstructure:"stop"`
}

type FetchConfig struct {
	MaxRedirects int    `mapstructure:"max_redirects"`
	UserAgent    string `mapstructure:"user_agent"`
}

type SyncConfig struct {
	ManifestURL string `mapstructure:"manifest_url"`
}

type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       bool   `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// RepoDescriptor names a remote archive to mirror and what to do with it afterwards.
type RepoDescriptor struct {
	Name         string   `mapstructure:"name"`
	ArchiveURL   string   `mapstructure:"archive_url"`
	PostExtract  []string `mapstructure:"post_extract"`
	PublicAssets []string `mapstructure:"public_assets"`
	// Boards makes the mirror collect per-subdirectory images into the boards root.
	Boards bool `mapstructure:"boards"`
	// Publish walks the mirrored tree for package.json units.
	Publish bool `mapstructure:"publish"`
}

// DefaultRepos is the compiled-in repository set used when the config file has none.
func DefaultRepos() []RepoDescriptor {
	return []RepoDescriptor{
		{
			Name:         "libraries",
			ArchiveURL:   "https://github.com/pkgfeed/libraries/archive/refs/heads/main.zip",
			PublicAssets: []string{"index.json"},
			Publish:      true,
		},
		{
			Name:         "boards",
			ArchiveURL:   "https://github.com/pkgfeed/boards/archive/refs/heads/main.zip",
			PublicAssets: []string{"boards.json"},
			Boards:       true,
			Publish:      true,
		},
		{
			Name:         "firmware",
			ArchiveURL:   "https://github.com/pkgfeed/firmware/archive/refs/heads/main.zip",
			PostExtract:  []string{"npm install --omit=dev --no-audit --no-fund"},
			PublicAssets: []string{"dist"},
		},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("paths.base", ".")
	v.SetDefault("registry.url", "http://127.0.0.1:4873")
	v.SetDefault("registry.listen", "127.0.0.1:4873")
	v.SetDefault("registry.command", "verdaccio")
	// verdaccio is a .cmd shim on Windows; the recorded pid must be resolved past it.
	v.SetDefault("registry.indirect", runtime.GOOS == "windows")
	v.SetDefault("registry.uplink", "https://registry.npmjs.org/")
	v.SetDefault("registry.npm", "npm")
	v.SetDefault("registry.exists_via", "npm")
	v.SetDefault("static.enabled", true)
	v.SetDefault("static.addr", "127.0.0.1:8081")
	v.SetDefault("credentials.username", "pkgfeed")
	v.SetDefault("credentials.password", "pkgfeed")
	v.SetDefault("credentials.email", "pkgfeed@localhost")
	v.SetDefault("credentials.mode", "api")
	v.SetDefault("readiness.attempts", 30)
	v.SetDefault("readiness.interval", time.Second)
	v.SetDefault("timeouts.probe", 2*time.Second)
	v.SetDefault("timeouts.api", 10*time.Second)
	v.SetDefault("timeouts.archive", 120*time.Second)
	v.SetDefault("timeouts.manifest", 15*time.Second)
	v.SetDefault("timeouts.file", 60*time.Second)
	v.SetDefault("timeouts.command", 10*time.Minute)
	v.SetDefault("timeouts.stop", 5*time.Second)
	v.SetDefault("fetch.max_redirects", 5)
	v.SetDefault("fetch.user_agent", "pkgfeed")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", true)
}

// Load reads path (TOML) when non-empty, else pkgfeed.toml in the working dir if present,
// applies PKGFEED_* environment overrides and fills derived paths.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(c.Repos) == 0 {
		c.Repos = DefaultRepos()
	}
	if err := c.normalize(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) normalize() error {
	base, err := filepath.Abs(c.Paths.Base)
	if err != nil {
		return fmt.Errorf("resolve base dir: %w", err)
	}
	c.Paths.Base = base
	under := func(p *string, def string) {
		if *p == "" {
			*p = def
		}
		if !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	under(&c.Paths.State, "state")
	under(&c.Paths.Logs, "logs")
	under(&c.Paths.Repos, "repos")
	under(&c.Paths.Public, "public")
	under(&c.Paths.Boards, filepath.Join("public", "boards"))
	under(&c.Registry.Config, filepath.Join("registry", "config.yaml"))
	under(&c.Registry.Storage, filepath.Join("registry", "storage"))
	c.Registry.URL = strings.TrimRight(c.Registry.URL, "/")

	seen := make(map[string]bool, len(c.Repos))
	for i, r := range c.Repos {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			return fmt.Errorf("repos[%d]: name is required", i)
		}
		if strings.ContainsAny(name, `/\:*?"<>|`) || name == "." || name == ".." {
			return fmt.Errorf("repo %q: name contains invalid characters", name)
		}
		if r.ArchiveURL == "" {
			return fmt.Errorf("repo %q: archive_url is required", name)
		}
		if seen[name] {
			return fmt.Errorf("duplicate repo name %q", name)
		}
		seen[name] = true
		c.Repos[i].Name = name
	}
	switch c.Credentials.Mode {
	case "api", "htpasswd":
	default:
		return fmt.Errorf("credentials.mode %q: must be api or htpasswd", c.Credentials.Mode)
	}
	if c.Readiness.Attempts <= 0 {
		return errors.New("readiness.attempts must be positive")
	}
	return nil
}

// PIDFile returns the pid file path for a supervised service.
func (c *Config) PIDFile(service string) string {
	return filepath.Join(c.Paths.State, service+".pid")
}

// LogFile returns the output log path for a supervised service.
func (c *Config) LogFile(service string) string {
	return filepath.Join(c.Paths.Logs, service+".log")
}

// CredentialFile is the env-style file holding the default account.
func (c *Config) CredentialFile() string {
	return filepath.Join(c.Paths.State, "credentials.env")
}

// NPMRC is the auth config handed to the npm subprocess via --userconfig.
func (c *Config) NPMRC() string {
	return filepath.Join(c.Paths.State, ".npmrc")
}
