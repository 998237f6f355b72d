package process

import (
	"fmt"
	"strings"
	"time"
)

// Kind classifies how a command run failed.
type Kind string

const (
	KindSpawn    Kind = "spawn"
	KindExit     Kind = "exit"
	KindTimeout  Kind = "timeout"
	KindCanceled Kind = "canceled"
)

// ExecutionError describes a command that did not finish with exit status 0
// inside its timeout.
type ExecutionError struct {
	Kind     Kind
	Program  string
	ExitCode int
	Signal   string
	Timeout  time.Duration
	// Stderr holds the tail of the command's standard error.
	Stderr string
	Err    error
}

func (e *ExecutionError) Error() string {
	var msg string
	switch e.Kind {
	case KindSpawn:
		msg = fmt.Sprintf("start %s: %v", e.Program, e.Err)
	case KindTimeout:
		msg = fmt.Sprintf("%s timed out after %s", e.Program, e.Timeout)
	case KindCanceled:
		msg = fmt.Sprintf("%s canceled: %v", e.Program, e.Err)
	default:
		msg = fmt.Sprintf("%s exited with status %d", e.Program, e.ExitCode)
		if e.Signal != "" {
			msg += " (" + e.Signal + ")"
		}
	}
	if excerpt := strings.TrimSpace(e.Stderr); excerpt != "" {
		msg += ": " + excerpt
	}
	return msg
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
