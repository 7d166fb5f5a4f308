package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/pkgfeed/internal/fetch"
	"github.com/loykin/pkgfeed/internal/metrics"
)

// FileError is a failure for one manifest entry.
type FileError struct {
	Key string
	Err error
}

func (e *FileError) Error() string { return fmt.Sprintf("sync %s: %v", e.Key, e.Err) }
func (e *FileError) Unwrap() error { return e.Err }

// ErrEscapesRoot rejects keys resolving outside the destination root.
var ErrEscapesRoot = errors.New("path escapes destination root")

// Result counts what one Sync did.
type Result struct {
	Downloaded int
	Skipped    int
	Failed     int
	Errors     []error
}

// Syncer mirrors the files listed by a remote manifest into a local directory.
type Syncer struct {
	Fetcher         *fetch.Fetcher
	Log             *slog.Logger
	ManifestTimeout time.Duration
	FileTimeout     time.Duration
}

// Sync fetches the manifest and downloads every listed key next to it into destRoot.
// Existing files are left untouched unless force is set. A bad or missing manifest
// fails the whole call; per-file failures are counted and the loop continues.
func (s *Syncer) Sync(ctx context.Context, manifestURL, destRoot string, force bool) (Result, error) {
	log := s.logger()
	var res Result

	base, err := url.Parse(manifestURL)
	if err != nil {
		return res, &ManifestFormatError{URL: manifestURL, Err: err}
	}
	data, err := s.Fetcher.Get(ctx, manifestURL, s.ManifestTimeout)
	if err != nil {
		if fetch.IsNotFound(err) {
			return res, &ManifestNotFoundError{URL: manifestURL}
		}
		return res, fmt.Errorf("fetch manifest: %w", err)
	}
	keys, err := ParseManifest(data)
	if err != nil {
		return res, &ManifestFormatError{URL: manifestURL, Err: err}
	}
	log.Info("manifest loaded", "url", manifestURL, "files", len(keys))

	root, err := filepath.Abs(destRoot)
	if err != nil {
		return res, err
	}
	for _, key := range keys {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		s.syncOne(ctx, log, base, root, key, force, &res)
	}

	metrics.AddSync("downloaded", res.Downloaded)
	metrics.AddSync("skipped", res.Skipped)
	metrics.AddSync("failed", res.Failed)
	log.Info("sync finished", "downloaded", res.Downloaded, "skipped", res.Skipped, "failed", res.Failed)
	return res, nil
}

func (s *Syncer) syncOne(ctx context.Context, log *slog.Logger, base *url.URL, root, key string, force bool, res *Result) {
	fail := func(err error) {
		res.Failed++
		fe := &FileError{Key: key, Err: err}
		res.Errors = append(res.Errors, fe)
		log.Warn("resource sync failed", "key", key, "error", err)
	}

	dest := filepath.Join(root, filepath.FromSlash(key))
	if rel, err := filepath.Rel(root, dest); err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		fail(ErrEscapesRoot)
		return
	}
	if fi, err := os.Stat(dest); err == nil && !force {
		if fi.IsDir() {
			fail(fmt.Errorf("%s is a directory", dest))
			return
		}
		res.Skipped++
		log.Debug("resource present, skipped", "key", key)
		return
	}

	ref, err := url.Parse(escapeKey(key))
	if err != nil {
		fail(err)
		return
	}
	src := base.ResolveReference(ref).String()
	if err := s.Fetcher.Download(ctx, src, dest, s.FileTimeout); err != nil {
		fail(err)
		return
	}
	res.Downloaded++
	log.Debug("resource downloaded", "key", key)
}

// escapeKey percent-encodes each segment so names with spaces or '#' resolve literally.
func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func (s *Syncer) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}
