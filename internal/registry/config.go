package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigOptions are the values pkgfeed controls in a generated Verdaccio config.yaml.
type ConfigOptions struct {
	Storage  string // absolute storage dir
	Htpasswd string // htpasswd file name, relative to the config dir
	Listen   string // host:port
	MaxUsers int
	Uplink   string // upstream registry; empty disables proxying
}

type fileConfig struct {
	Storage  string                  `yaml:"storage"`
	Auth     authConfig              `yaml:"auth"`
	Uplinks  map[string]uplinkConfig `yaml:"uplinks,omitempty"`
	Packages map[string]packageRule  `yaml:"packages"`
	Listen   string                  `yaml:"listen,omitempty"`
	Logs     map[string]string       `yaml:"logs,omitempty"`
}

type authConfig struct {
	Htpasswd *htpasswdConfig `yaml:"htpasswd,omitempty"`
}

type htpasswdConfig struct {
	File     string `yaml:"file"`
	MaxUsers int    `yaml:"max_users,omitempty"`
}

type uplinkConfig struct {
	URL string `yaml:"url"`
}

type packageRule struct {
	Access    string `yaml:"access"`
	Publish   string `yaml:"publish"`
	Unpublish string `yaml:"unpublish"`
	Proxy     string `yaml:"proxy,omitempty"`
}

// EnsureConfig writes a default config.yaml at path when none exists. An existing file
// is parsed to make sure it is valid YAML and otherwise left untouched.
func EnsureConfig(path string, o ConfigOptions) (created bool, err error) {
	if b, err := os.ReadFile(path); err == nil {
		var probe map[string]any
		if err := yaml.Unmarshal(b, &probe); err != nil {
			return false, fmt.Errorf("registry config %s: %w", path, err)
		}
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return false, err
	}
	if o.Htpasswd == "" {
		o.Htpasswd = "htpasswd"
	}
	if o.MaxUsers == 0 {
		o.MaxUsers = 1000
	}
	storage := o.Storage
	if storage == "" {
		storage = "storage"
	} else if rel, err := filepath.Rel(dir, storage); err == nil && !strings.HasPrefix(rel, "..") {
		storage = rel
	}

	rule := packageRule{Access: "$all", Publish: "$authenticated", Unpublish: "$authenticated"}
	fc := fileConfig{
		Storage:  "./" + filepath.ToSlash(storage),
		Auth:     authConfig{Htpasswd: &htpasswdConfig{File: "./" + filepath.ToSlash(o.Htpasswd), MaxUsers: o.MaxUsers}},
		Packages: map[string]packageRule{},
		Listen:   o.Listen,
		Logs:     map[string]string{"type": "stdout", "format": "pretty", "level": "http"},
	}
	if filepath.IsAbs(storage) {
		fc.Storage = filepath.ToSlash(storage)
	}
	if o.Uplink != "" {
		fc.Uplinks = map[string]uplinkConfig{"npmjs": {URL: o.Uplink}}
		rule.Proxy = "npmjs"
	}
	fc.Packages["@*/*"] = rule
	fc.Packages["**"] = rule

	b, err := yaml.Marshal(fc)
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(path, b, 0o640); err != nil {
		return false, err
	}
	return true, nil
}

// HtpasswdPath reads auth.htpasswd.file from the registry config at configPath and
// resolves it against the config dir.
func HtpasswdPath(configPath string) (string, error) {
	b, err := os.ReadFile(configPath)
	if err != nil {
		return "", err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return "", fmt.Errorf("registry config %s: %w", configPath, err)
	}
	if fc.Auth.Htpasswd == nil || strings.TrimSpace(fc.Auth.Htpasswd.File) == "" {
		return "", errors.New("registry config has no auth.htpasswd.file")
	}
	p := filepath.FromSlash(fc.Auth.Htpasswd.File)
	if !filepath.IsAbs(p) {
		p = filepath.Join(filepath.Dir(configPath), p)
	}
	return filepath.Clean(p), nil
}
