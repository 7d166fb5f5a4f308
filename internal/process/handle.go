package process

import "github.com/loykin/pkgfeed/internal/detector"

// Handle is the live record of one supervised service.
type Handle struct {
	PID     int    `json:"pid"`
	PIDFile string `json:"pid_file"`
	LogFile string `json:"log_file"`
}

// IsAlive reports whether the recorded pid is running.
func (h Handle) IsAlive() bool {
	ok, _ := detector.PIDDetector{PID: h.PID}.Alive()
	return ok
}

// SpawnError means a service could not be launched or its real pid could not be found.
type SpawnError struct {
	Service string
	Err     error
}

func (e *SpawnError) Error() string {
	return "spawn " + e.Service + ": " + e.Err.Error()
}

func (e *SpawnError) Unwrap() error { return e.Err }
