package credential

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/loykin/pkgfeed/internal/config"
	"github.com/loykin/pkgfeed/internal/registry"
)

// Keys of the persisted credential file.
const (
	KeyUser     = "PKGFEED_USER"
	KeyPassword = "PKGFEED_PASSWORD"
	KeyEmail    = "PKGFEED_EMAIL"
	KeyToken    = "PKGFEED_TOKEN"
)

// Account is the registry account pkgfeed publishes with.
type Account struct {
	Username string
	Password string
	Email    string
	Token    string
}

// Complete reports whether the account has everything needed to authenticate.
func (a Account) Complete() bool {
	return a.Username != "" && a.Password != "" && a.Email != ""
}

// Error is a credential bootstrap failure. It is fatal to run and update.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "credentials: " + e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// AccountAPI creates or logs into a registry account.
type AccountAPI interface {
	AddUser(ctx context.Context, name, password, email string) (registry.AddUserResult, error)
}

// Bootstrapper makes sure a default account exists and that npm is configured to use it.
type Bootstrapper struct {
	EnvFile        string // persisted account, KEY=VALUE
	NPMRC          string // regenerated on every call
	RegistryURL    string
	RegistryConfig string // config.yaml, used to locate the htpasswd file
	Default        Account
	// API is nil when accounts are written to htpasswd directly.
	API  AccountAPI
	Log  *slog.Logger
	Cost int // bcrypt cost for htpasswd entries; 0 means default
}

// EnsureDefaultAccount reuses a stored account or provisions the default one, then
// writes the npm auth config.
func (b *Bootstrapper) EnsureDefaultAccount(ctx context.Context) (Account, error) {
	log := b.Log
	if log == nil {
		log = slog.Default()
	}

	acct, err := b.load()
	if err != nil {
		return Account{}, &Error{Op: "read " + b.EnvFile, Err: err}
	}
	if acct.Complete() {
		log.Debug("reusing stored registry account", "user", acct.Username)
		if b.refresh(ctx, log, &acct) {
			if err := b.persist(acct); err != nil {
				return Account{}, &Error{Op: "write " + b.EnvFile, Err: err}
			}
		}
	} else {
		acct = b.Default
		if !acct.Complete() {
			return Account{}, &Error{Op: "default account", Err: errors.New("username, password and email are required")}
		}
		if err := b.provision(ctx, log, &acct); err != nil {
			return Account{}, err
		}
		if err := b.persist(acct); err != nil {
			return Account{}, &Error{Op: "write " + b.EnvFile, Err: err}
		}
	}

	if err := WriteNPMRC(b.NPMRC, b.RegistryURL, acct); err != nil {
		return Account{}, &Error{Op: "write " + b.NPMRC, Err: err}
	}
	return acct, nil
}

func (b *Bootstrapper) provision(ctx context.Context, log *slog.Logger, acct *Account) error {
	if b.API != nil {
		res, err := b.API.AddUser(ctx, acct.Username, acct.Password, acct.Email)
		if err == nil {
			acct.Token = res.Token
			log.Info("registry account ready", "user", acct.Username, "existed", res.Existed)
			return nil
		}
		log.Warn("registry API could not provision account, falling back to htpasswd", "user", acct.Username, "error", err)
	}

	path, err := registry.HtpasswdPath(b.RegistryConfig)
	if err != nil {
		return &Error{Op: "locate htpasswd", Err: err}
	}
	created, err := registry.HtpasswdStore{Path: path, Cost: b.Cost}.Ensure(acct.Username, acct.Password)
	if err != nil {
		return &Error{Op: "htpasswd " + path, Err: err}
	}
	log.Info("registry account written to htpasswd", "user", acct.Username, "file", path, "created", created)
	return nil
}

// refresh re-establishes a stored account with the registry, which may have lost it
// since the last run. It reports whether acct.Token changed. Failures only warn; the
// stored credentials are kept.
func (b *Bootstrapper) refresh(ctx context.Context, log *slog.Logger, acct *Account) bool {
	if b.API != nil {
		res, err := b.API.AddUser(ctx, acct.Username, acct.Password, acct.Email)
		if err != nil {
			log.Warn("could not refresh registry token, keeping the stored one", "user", acct.Username, "error", err)
			return false
		}
		if res.Token == "" || res.Token == acct.Token {
			return false
		}
		acct.Token = res.Token
		log.Info("registry token refreshed", "user", acct.Username, "existed", res.Existed)
		return true
	}

	path, err := registry.HtpasswdPath(b.RegistryConfig)
	if err != nil {
		log.Warn("could not locate htpasswd to check stored account", "error", err)
		return false
	}
	store := registry.HtpasswdStore{Path: path, Cost: b.Cost}
	ok, err := store.Verify(acct.Username, acct.Password)
	switch {
	case err != nil:
		log.Warn("could not check stored account against htpasswd", "file", path, "error", err)
	case ok:
	default:
		created, err := store.Ensure(acct.Username, acct.Password)
		switch {
		case err != nil:
			log.Warn("could not restore account in htpasswd", "file", path, "error", err)
		case created:
			log.Info("registry account restored in htpasswd", "user", acct.Username, "file", path)
		default:
			log.Warn("htpasswd entry does not match the stored password", "user", acct.Username, "file", path)
		}
	}
	return false
}

func (b *Bootstrapper) load() (Account, error) {
	m, err := config.LoadEnvMap(b.EnvFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Account{}, nil
		}
		return Account{}, err
	}
	return Account{Username: m[KeyUser], Password: m[KeyPassword], Email: m[KeyEmail], Token: m[KeyToken]}, nil
}

func (b *Bootstrapper) persist(a Account) error {
	m := map[string]string{KeyUser: a.Username, KeyPassword: a.Password, KeyEmail: a.Email}
	if a.Token != "" {
		m[KeyToken] = a.Token
	}
	return config.WriteEnvFile(b.EnvFile, m)
}

// WriteNPMRC writes an npm userconfig authenticating against registryURL with a token,
// or with basic auth when the account has no token.
func WriteNPMRC(path, registryURL string, a Account) error {
	u, err := url.Parse(strings.TrimRight(registryURL, "/"))
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid registry url %q", registryURL)
	}
	scope := "//" + u.Host + strings.TrimRight(u.Path, "/") + "/"

	var sb strings.Builder
	fmt.Fprintf(&sb, "registry=%s:%s\n", u.Scheme, scope)
	if a.Token != "" {
		fmt.Fprintf(&sb, "%s:_authToken=%s\n", scope, a.Token)
	} else {
		auth := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
		fmt.Fprintf(&sb, "%s:_auth=%s\n", scope, auth)
	}
	if a.Email != "" {
		fmt.Fprintf(&sb, "email=%s\n", a.Email)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(sb.String()), 0o600)
}
