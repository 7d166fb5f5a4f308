package process

import (
	"os/exec"
	"path/filepath"
	"strings"
)

// Spec describes one long-running service to supervise.
type Spec struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`  // binary or launcher shim
	Args    []string `json:"args"`     // arguments passed verbatim
	WorkDir string   `json:"work_dir"` // optional working dir
	Env     []string `json:"env"`      // extra KEY=VALUE entries, ${VAR} expanded
	PIDFile string   `json:"pid_file"` // durable record; absence means not running
	LogFile string   `json:"log_file"` // stdout and stderr of the service
	// Indirect means the launched process is a shim (e.g. verdaccio.cmd under cmd.exe)
	// and the real service pid must be recovered from the process table.
	Indirect bool `json:"indirect"`
	// MatchArgs are substrings identifying the real service command line.
	// Defaults to the command base name plus every argument that looks like a path.
	MatchArgs []string `json:"match_args"`
}

// Matchers returns MatchArgs, or a default derived from Command and Args.
func (s Spec) Matchers() []string {
	if len(s.MatchArgs) > 0 {
		return s.MatchArgs
	}
	base := filepath.Base(strings.ReplaceAll(s.Command, `\`, "/"))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	out := []string{base}
	for _, a := range s.Args {
		if strings.ContainsAny(a, `/\`) {
			out = append(out, a)
		}
	}
	return out
}

// BuildCommand constructs the *exec.Cmd for the spec without starting it.
// Script shims (.cmd/.bat) and Indirect specs run through the platform shell wrapper.
func (s Spec) BuildCommand() *exec.Cmd {
	if s.Indirect || isScriptShim(s.Command) {
		return wrapperCommand(s.Command, s.Args)
	}
	// #nosec G204
	return exec.Command(s.Command, s.Args...)
}

func isScriptShim(cmd string) bool {
	switch strings.ToLower(filepath.Ext(cmd)) {
	case ".cmd", ".bat":
		return true
	}
	return false
}
