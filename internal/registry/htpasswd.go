package registry

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// HtpasswdStore edits the registry's htpasswd file directly. Used when the registry API
// cannot create the account.
type HtpasswdStore struct {
	Path string
	Cost int // bcrypt cost; default bcrypt.DefaultCost
}

// Has reports whether user has a line in the file. A missing file has no users.
func (s HtpasswdStore) Has(user string) (bool, error) {
	_, ok, err := s.lookup(user)
	return ok, err
}

// Verify checks password against the stored bcrypt hash of user.
func (s HtpasswdStore) Verify(user, password string) (bool, error) {
	hash, ok, err := s.lookup(user)
	if err != nil || !ok {
		return false, err
	}
	if !strings.HasPrefix(hash, "$2") {
		return false, fmt.Errorf("htpasswd entry for %s is not bcrypt", user)
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil, nil
}

// Ensure appends user with a bcrypt hash unless a line for user already exists.
func (s HtpasswdStore) Ensure(user, password string) (created bool, err error) {
	if user == "" || strings.ContainsAny(user, ":\n\r") {
		return false, fmt.Errorf("invalid htpasswd user %q", user)
	}
	if ok, err := s.Has(user); err != nil || ok {
		return false, err
	}
	cost := s.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o750); err != nil {
		return false, err
	}
	// #nosec G304
	f, err := os.OpenFile(s.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return false, err
	}
	line := fmt.Sprintf("%s:%s:autocreated %s\n", user, hash, time.Now().UTC().Format(time.RFC3339))
	if err := ensureTrailingNewline(s.Path, f); err != nil {
		_ = f.Close()
		return false, err
	}
	if _, err := f.WriteString(line); err != nil {
		_ = f.Close()
		return false, err
	}
	return true, f.Close()
}

func (s HtpasswdStore) lookup(user string) (hash string, ok bool, err error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, rest, found := strings.Cut(line, ":")
		if !found || name != user {
			continue
		}
		hash, _, _ = strings.Cut(rest, ":")
		return hash, true, nil
	}
	return "", false, sc.Err()
}

func ensureTrailingNewline(path string, f *os.File) error {
	fi, err := f.Stat()
	if err != nil || fi.Size() == 0 {
		return err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if b[len(b)-1] != '\n' {
		_, err = f.WriteString("\n")
	}
	return err
}
