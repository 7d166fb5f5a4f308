package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings, lumberjack semantics.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes how pkgfeed writes its own logs.
// When Dir is set, a rotating copy of every record is kept in Dir/<name>.log.
type Config struct {
	Level      string
	Format     string // "text" or "json"
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	NoColor    bool
}

// RotatingFile returns a lumberjack writer for Dir/<name>.log, or nil when Dir is empty.
func (c Config) RotatingFile(name string) io.WriteCloser {
	if c.Dir == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   filepath.Join(c.Dir, name+".log"),
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// New builds the process logger. Console output goes to console (usually stderr);
// when Dir is set, records are also written as JSON to the rotating file for name.
// The returned closer releases the file and is never nil.
func New(c Config, name string, console io.Writer) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	var h slog.Handler
	if strings.EqualFold(c.Format, "json") {
		h = slog.NewJSONHandler(console, opts)
	} else {
		h = NewColorTextHandler(console, opts, !c.NoColor && isTerminal(console))
	}
	f := c.RotatingFile(name)
	if f == nil {
		return slog.New(h), nopCloser{}
	}
	_ = os.MkdirAll(c.Dir, 0o750)
	return slog.New(fanout{h, slog.NewJSONHandler(f, opts)}), f
}

// ParseLevel maps debug/info/warn/error to slog levels; unknown values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// RotateIfLarge rotates path with lumberjack when it exceeds the configured size.
// Service logs are written by detached children through a plain append handle, so
// rotation happens between runs, right before the next launch.
func (c Config) RotateIfLarge(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	max := int64(valOr(c.MaxSizeMB, DefaultMaxSizeMB)) * 1024 * 1024
	if fi.Size() < max {
		return nil
	}
	l := &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
	defer func() { _ = l.Close() }()
	return l.Rotate()
}
