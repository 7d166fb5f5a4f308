package detector

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Meta is the optional second line of a pid file. StartUnix guards against PID reuse;
// LauncherPID records the shim process when the service was started indirectly.
type Meta struct {
	StartUnix   int64 `json:"start_unix,omitempty"`
	LauncherPID int   `json:"launcher_pid,omitempty"`
}

var errEmptyPIDFile = errors.New("empty pid file")

// ParsePIDFile decodes "<pid>\n[<meta json>]". A malformed meta line is ignored.
func ParsePIDFile(data []byte) (int, Meta, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	first, rest, _ := strings.Cut(text, "\n")
	first = strings.TrimSpace(first)
	if first == "" {
		return 0, Meta{}, errEmptyPIDFile
	}
	pid, err := strconv.Atoi(first)
	if err != nil {
		return 0, Meta{}, fmt.Errorf("invalid pid %q: %w", first, err)
	}
	var m Meta
	if line := strings.TrimSpace(rest); line != "" {
		line, _, _ = strings.Cut(line, "\n")
		_ = json.Unmarshal([]byte(line), &m)
	}
	return pid, m, nil
}

// FormatPIDFile is the inverse of ParsePIDFile.
func FormatPIDFile(pid int, m Meta) []byte {
	out := strconv.Itoa(pid) + "\n"
	if m != (Meta{}) {
		b, _ := json.Marshal(m)
		out += string(b) + "\n"
	}
	return []byte(out)
}
