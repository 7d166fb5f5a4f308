package detector

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

// startSleep starts a sleep process with a distinctive argument and reaps it on cleanup.
func startSleep(t *testing.T, dur string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", dur)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd
}

func TestParsePIDFile(t *testing.T) {
	pid, m, err := ParsePIDFile([]byte("123\n"))
	if err != nil || pid != 123 || m != (Meta{}) {
		t.Fatalf("legacy: pid=%d meta=%+v err=%v", pid, m, err)
	}
	pid, m, err = ParsePIDFile([]byte("42\r\n{\"start_unix\":7,\"launcher_pid\":9}\r\n"))
	if err != nil || pid != 42 || m.StartUnix != 7 || m.LauncherPID != 9 {
		t.Fatalf("meta: pid=%d meta=%+v err=%v", pid, m, err)
	}
	pid, m, err = ParsePIDFile([]byte("5\nnot json"))
	if err != nil || pid != 5 || m != (Meta{}) {
		t.Fatalf("bad meta should be ignored: pid=%d meta=%+v err=%v", pid, m, err)
	}
	if _, _, err := ParsePIDFile([]byte("")); err == nil {
		t.Fatalf("expected error for empty file")
	}
	if _, _, err := ParsePIDFile([]byte("abc")); err == nil {
		t.Fatalf("expected error for non-numeric pid")
	}
}

func TestFormatPIDFileRoundTrip(t *testing.T) {
	in := Meta{StartUnix: 1700000000, LauncherPID: 11}
	pid, out, err := ParsePIDFile(FormatPIDFile(77, in))
	if err != nil || pid != 77 || out != in {
		t.Fatalf("round trip: pid=%d meta=%+v err=%v", pid, out, err)
	}
	if string(FormatPIDFile(3, Meta{})) != "3\n" {
		t.Fatalf("plain format mismatch: %q", FormatPIDFile(3, Meta{}))
	}
}

func TestPIDFileDetector(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	pidfile := filepath.Join(dir, "p.pid")
	d := PIDFileDetector{PIDFile: pidfile}

	alive, err := d.Alive()
	if err != nil || alive {
		t.Fatalf("expected false,nil for missing file, got %v %v", alive, err)
	}

	if err := os.WriteFile(pidfile, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Alive(); err == nil {
		t.Fatalf("expected error for invalid pid")
	}

	if err := os.WriteFile(pidfile, []byte("0"), 0o644); err != nil {
		t.Fatal(err)
	}
	alive, err = d.Alive()
	if err != nil || alive {
		t.Fatalf("expected false,nil for pid 0, got %v %v", alive, err)
	}

	cmd := startSleep(t, "5")
	if err := os.WriteFile(pidfile, []byte(strconv.Itoa(cmd.Process.Pid)), 0o644); err != nil {
		t.Fatal(err)
	}
	alive, err = d.Alive()
	if err != nil || !alive {
		t.Fatalf("expected live sleep to be detected, got %v %v", alive, err)
	}
	if d.Describe() != "pidfile:"+pidfile {
		t.Fatalf("Describe mismatch: %q", d.Describe())
	}
}

func TestPIDFileDetector_StartTimeMismatch(t *testing.T) {
	requireUnix(t)
	cmd := startSleep(t, "5")
	pid := cmd.Process.Pid
	time.Sleep(20 * time.Millisecond)
	start := StartUnix(pid)
	if start == 0 {
		t.Skip("process start time unavailable on this platform")
	}
	dir := t.TempDir()

	match := filepath.Join(dir, "match.pid")
	_ = os.WriteFile(match, FormatPIDFile(pid, Meta{StartUnix: start}), 0o600)
	if alive, err := (PIDFileDetector{PIDFile: match}).Alive(); err != nil || !alive {
		t.Fatalf("expected alive with matching start time, got %v %v", alive, err)
	}

	reused := filepath.Join(dir, "reused.pid")
	_ = os.WriteFile(reused, FormatPIDFile(pid, Meta{StartUnix: start + 12345}), 0o600)
	if alive, err := (PIDFileDetector{PIDFile: reused}).Alive(); err != nil || alive {
		t.Fatalf("expected reused pid to be reported dead, got %v %v", alive, err)
	}
}

func TestPIDAliveExitedProcess(t *testing.T) {
	requireUnix(t)
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run true: %v", err)
	}
	if PIDAlive(cmd.Process.Pid) {
		t.Fatalf("reaped process reported alive")
	}
	if !PIDAlive(os.Getpid()) {
		t.Fatalf("own process reported dead")
	}
	if (PIDDetector{PID: -1}).Describe() != "pid:-1" {
		t.Fatalf("describe mismatch")
	}
}

func TestCommandLineDetector(t *testing.T) {
	requireUnix(t)
	// An unusual duration doubles as a unique command line marker.
	cmd := startSleep(t, "31.4159")
	time.Sleep(20 * time.Millisecond)

	d := CommandLineDetector{Match: []string{"sleep", "31.4159"}}
	var pid int
	var err error
	for i := 0; i < 50; i++ {
		if pid, err = d.Find(context.Background()); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil || pid != cmd.Process.Pid {
		t.Fatalf("Find: pid=%d want %d err=%v", pid, cmd.Process.Pid, err)
	}

	d.Exclude = []int{cmd.Process.Pid}
	if _, err := d.Find(context.Background()); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch with pid excluded, got %v", err)
	}
	if _, err := (CommandLineDetector{}).Find(context.Background()); err == nil {
		t.Fatalf("expected error for empty match")
	}
}

func FuzzParsePIDFile(f *testing.F) {
	f.Add([]byte("123\n"))
	f.Add([]byte("not-a-number"))
	f.Add([]byte("\n\n{}\n"))
	f.Add([]byte("1\n{\"start_unix\":1}"))
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _, _ = ParsePIDFile(data)
		dir := t.TempDir()
		pf := filepath.Join(dir, "fuzz.pid")
		_ = os.WriteFile(pf, data, 0o600)
		_, _ = (PIDFileDetector{PIDFile: pf}).Alive()
	})
}
