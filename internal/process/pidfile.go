package process

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/loykin/pkgfeed/internal/detector"
)

// WritePIDFile atomically writes pid and meta to path, creating parent dirs.
func WritePIDFile(path string, pid int, meta detector.Meta) error {
	if path == "" {
		return fmt.Errorf("pid file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, detector.FormatPIDFile(pid, meta), 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// ReadPIDFile returns the pid and meta recorded at path.
func ReadPIDFile(path string) (int, detector.Meta, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, detector.Meta{}, err
	}
	return detector.ParsePIDFile(b)
}

// RemovePIDFile deletes path; a missing file is not an error.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
