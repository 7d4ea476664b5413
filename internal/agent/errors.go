package agent

import (
	"fmt"
	"strings"
	"time"
)

// TimeoutError is returned when the agent outlives its budget. The process
// group has been killed by the time the caller sees it.
type TimeoutError struct {
	Timeout time.Duration
	Stdout  string
	Stderr  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent timed out after %s", e.Timeout)
}

// ProcessError is returned when the agent could not be started or exited
// non-zero. ExitCode is -1 when no exit status is available.
type ProcessError struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("agent exited with code %d", e.ExitCode)
	if e.ExitCode == -1 && e.Err != nil {
		msg = "agent failed: " + e.Err.Error()
	}
	if tail := lastLines(e.Stderr, 5, 500); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func (e *ProcessError) Unwrap() error { return e.Err }

// lastLines returns up to n trailing non-empty lines of s, capped at max bytes.
func lastLines(s string, n, max int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := strings.TrimSpace(strings.Join(lines, " | "))
	if len(out) > max {
		out = "..." + out[len(out)-max:]
	}
	return out
}
