package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUserExists is returned by AddUser when the registry already knows the account and
// the follow-up login did not yield a token.
var ErrUserExists = errors.New("registry user already exists")

// HTTPClient talks to the registry's npm-compatible HTTP API.
type HTTPClient struct {
	BaseURL string
	Client  *http.Client
	Timeout time.Duration // per request; default 10s
}

// AddUserResult is the outcome of an account creation or login.
type AddUserResult struct {
	Token   string
	Existed bool
}

type userDoc struct {
	ID       string   `json:"_id"`
	Name     string   `json:"name"`
	Password string   `json:"password"`
	Email    string   `json:"email,omitempty"`
	Type     string   `json:"type"`
	Roles    []string `json:"roles"`
	Date     string   `json:"date"`
}

// AddUser creates the account with the couchdb-style user endpoint. When the account
// exists (409) it logs in with the same document under basic auth to obtain a token.
func (c *HTTPClient) AddUser(ctx context.Context, name, password, email string) (AddUserResult, error) {
	doc := userDoc{
		ID:       "org.couchdb.user:" + name,
		Name:     name,
		Password: password,
		Email:    email,
		Type:     "user",
		Roles:    []string{},
		Date:     time.Now().UTC().Format(time.RFC3339),
	}
	code, token, err := c.putUser(ctx, doc, false)
	if err != nil {
		return AddUserResult{}, err
	}
	switch {
	case code == http.StatusOK || code == http.StatusCreated:
		return AddUserResult{Token: token}, nil
	case code == http.StatusConflict:
		code, token, err = c.putUser(ctx, doc, true)
		if err != nil {
			return AddUserResult{Existed: true}, err
		}
		if code == http.StatusOK || code == http.StatusCreated {
			return AddUserResult{Token: token, Existed: true}, nil
		}
		return AddUserResult{Existed: true}, fmt.Errorf("%w: login returned HTTP %d", ErrUserExists, code)
	default:
		return AddUserResult{}, fmt.Errorf("add user %s: HTTP %d", name, code)
	}
}

func (c *HTTPClient) putUser(ctx context.Context, doc userDoc, login bool) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()
	body, err := json.Marshal(doc)
	if err != nil {
		return 0, "", err
	}
	u := c.BaseURL + "/-/user/" + url.PathEscape(doc.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if login {
		req.SetBasicAuth(doc.Name, doc.Password)
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	var out struct {
		Token string `json:"token"`
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = json.Unmarshal(b, &out)
	return resp.StatusCode, out.Token, nil
}

// Exists reports whether name@version is present, via GET /<name>/<version>.
func (c *HTTPClient) Exists(ctx context.Context, name, version string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()
	u := c.BaseURL + "/" + EscapeName(name) + "/" + url.PathEscape(version)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client().Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("exists %s@%s: HTTP %d", name, version, resp.StatusCode)
	}
}

// PingURL is the registry's health endpoint.
func (c *HTTPClient) PingURL() string { return c.BaseURL + "/-/ping" }

// EscapeName encodes a package name for a URL path; the scope separator becomes %2f.
func EscapeName(name string) string {
	if strings.HasPrefix(name, "@") {
		if scope, pkg, ok := strings.Cut(name, "/"); ok {
			return url.PathEscape(scope) + "%2f" + url.PathEscape(pkg)
		}
	}
	return url.PathEscape(name)
}

func (c *HTTPClient) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *HTTPClient) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 10 * time.Second
}
