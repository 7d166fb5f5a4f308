package process

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/loykin/pkgfeed/internal/env"
)

// Launcher starts a service detached from the calling process and returns the pid of
// the process it created. For Indirect specs that pid belongs to the launcher shim.
type Launcher interface {
	LaunchDetached(spec Spec) (int, error)
}

// DetachedLauncher is the OS launcher: new session on Unix, detached hidden console-less
// process on Windows. Output is appended to spec.LogFile.
type DetachedLauncher struct{}

func (DetachedLauncher) LaunchDetached(spec Spec) (int, error) {
	if spec.Command == "" {
		return 0, fmt.Errorf("service %s has no command", spec.Name)
	}
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	cmd.Env = env.FromOS(spec.Env...)

	// The child inherits a real file handle; a pipe would die with this process.
	out, err := openLog(spec.LogFile)
	if err != nil {
		return 0, err
	}
	defer func() { _ = out.Close() }()
	cmd.Stdin = nil
	cmd.Stdout = out
	cmd.Stderr = out
	configureDetached(cmd)

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	// Reap the child if it exits while we are still running; after we exit init does.
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

func openLog(path string) (*os.File, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	// #nosec G304
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}
