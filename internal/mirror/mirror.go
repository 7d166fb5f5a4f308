package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/pkgfeed/internal/config"
	"github.com/loykin/pkgfeed/internal/fetch"
	"github.com/loykin/pkgfeed/internal/metrics"
	"github.com/loykin/pkgfeed/internal/process"
)

// Stages reported in Error.
const (
	StageDownload = "download"
	StagePrepare  = "prepare"
	StageExtract  = "extract"
	StageRelocate = "relocate"
)

// Error is a mirror failure for one repository. The pipeline logs it and moves on.
type Error struct {
	Repo  string
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("mirror %s: %s: %v", e.Repo, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Mirror replaces <ReposRoot>/<name> with a fresh copy of a repository archive and
// distributes its public assets.
type Mirror struct {
	Fetcher        *fetch.Fetcher
	ReposRoot      string
	PublicRoot     string
	BoardsRoot     string
	Runner         process.Runner
	Log            *slog.Logger
	ArchiveTimeout time.Duration
	CommandTimeout time.Duration
}

// TargetDir is where repo ends up after a successful mirror.
func (m *Mirror) TargetDir(repo string) string { return filepath.Join(m.ReposRoot, repo) }

// Mirror downloads, extracts and relocates repo, then runs its post-extract commands
// and copies its public assets. The previous copy is removed only after the download
// succeeded; temporary archive and extraction dir are removed on every path.
func (m *Mirror) Mirror(ctx context.Context, repo config.RepoDescriptor) (err error) {
	log := m.logger().With("repo", repo.Name)
	target := m.TargetDir(repo.Name)
	tmpArchive := target + ".zip.tmp"
	tmpDir := target + "-temp"
	defer func() {
		_ = os.Remove(tmpArchive)
		_ = os.RemoveAll(tmpDir)
		if err != nil {
			metrics.IncMirror(repo.Name, "failed")
		} else {
			metrics.IncMirror(repo.Name, "ok")
		}
	}()
	fail := func(stage string, e error) error { return &Error{Repo: repo.Name, Stage: stage, Err: e} }

	if err := os.MkdirAll(m.ReposRoot, 0o755); err != nil {
		return fail(StagePrepare, err)
	}
	log.Info("downloading archive", "url", repo.ArchiveURL)
	if err := m.Fetcher.Download(ctx, repo.ArchiveURL, tmpArchive, m.ArchiveTimeout); err != nil {
		return fail(StageDownload, err)
	}

	for _, p := range []string{target, tmpDir} {
		if err := os.RemoveAll(p); err != nil {
			return fail(StagePrepare, err)
		}
	}
	n, err := extractZip(tmpArchive, tmpDir)
	if err != nil {
		return fail(StageExtract, err)
	}
	log.Debug("archive extracted", "entries", n)
	if err := relocate(tmpDir, target); err != nil {
		return fail(StageRelocate, err)
	}

	m.runPostExtract(ctx, log, target, repo.PostExtract)
	m.copyPublicAssets(log, target, repo.PublicAssets)
	if repo.Boards {
		m.collectBoards(log, target)
	}
	log.Info("repository mirrored", "dir", target)
	return nil
}

// relocate moves the extracted tree to target, stripping a single wrapper directory.
func relocate(tmpDir, target string) error {
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return os.Rename(filepath.Join(tmpDir, entries[0].Name()), target)
	}
	return os.Rename(tmpDir, target)
}

func (m *Mirror) runPostExtract(ctx context.Context, log *slog.Logger, dir string, cmds []string) {
	r := m.Runner
	if r == nil {
		r = process.ExecRunner{}
	}
	for _, c := range cmds {
		cctx := ctx
		var cancel context.CancelFunc = func() {}
		if m.CommandTimeout > 0 {
			cctx, cancel = context.WithTimeout(ctx, m.CommandTimeout)
		}
		start := time.Now()
		out, err := r.Shell(cctx, dir, c)
		cancel()
		if err != nil {
			log.Warn("post-extract command failed", "command", c, "error", err)
			continue
		}
		log.Info("post-extract command done", "command", c, "duration", time.Since(start).Round(time.Millisecond))
		if len(out) > 0 {
			log.Debug("command output", "command", c, "output", string(out))
		}
	}
}

func (m *Mirror) copyPublicAssets(log *slog.Logger, dir string, assets []string) {
	for _, a := range assets {
		src := filepath.Join(dir, filepath.FromSlash(a))
		if !within(dir, src) {
			log.Warn("public asset escapes repository, skipped", "asset", a)
			continue
		}
		dst := filepath.Join(m.PublicRoot, filepath.Base(src))
		if err := copyPath(src, dst); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				log.Warn("public asset missing", "asset", a)
				continue
			}
			log.Warn("public asset copy failed", "asset", a, "error", err)
			continue
		}
		log.Debug("public asset copied", "asset", a, "dest", dst)
	}
}

// collectBoards copies the preview image of every immediate subdirectory into
// <BoardsRoot>/<subdir>/.
func (m *Mirror) collectBoards(log *slog.Logger, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Warn("list boards failed", "error", err)
		return
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name()[0] == '.' {
			continue
		}
		name := e.Name()
		img := ""
		for _, cand := range []string{"image.png", "image.jpg", name + ".png"} {
			if fi, err := os.Stat(filepath.Join(dir, name, cand)); err == nil && fi.Mode().IsRegular() {
				img = cand
				break
			}
		}
		if img == "" {
			log.Warn("board image missing", "board", name)
			continue
		}
		dst := filepath.Join(m.BoardsRoot, name, img)
		if err := copyPath(filepath.Join(dir, name, img), dst); err != nil {
			log.Warn("board image copy failed", "board", name, "error", err)
		}
	}
}

func (m *Mirror) logger() *slog.Logger {
	if m.Log != nil {
		return m.Log
	}
	return slog.Default()
}
