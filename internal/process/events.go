package process

import (
	"fmt"
	"syscall"
)

// EventKind classifies events flowing out of a running engine process.
type EventKind int

const (
	// EventStdout carries one line of standard output.
	EventStdout EventKind = iota
	// EventStderr carries one line of standard error.
	EventStderr
	// EventStreamError reports a failure draining the output pipes.
	EventStreamError
	// EventReady fires once the startup grace period elapses with the
	// process still alive. It confirms startup to the caller of Start.
	EventReady
	// EventTerminated is the final event before the channel closes.
	EventTerminated
)

func (k EventKind) String() string {
	switch k {
	case EventStdout:
		return "stdout"
	case EventStderr:
		return "stderr"
	case EventStreamError:
		return "stream-error"
	case EventReady:
		return "ready"
	case EventTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Event is a single line, error or state change from the engine process.
type Event struct {
	Kind EventKind
	Line string
	Err  error
	Exit ExitStatus
}

// ExitStatus describes how the engine process ended. Exactly one of Code
// or Signal is meaningful: Signal > 0 means the process was killed by
// that signal.
type ExitStatus struct {
	Code   int `json:"code"`
	Signal int `json:"signal"`
}

// Abnormal reports whether the termination should be treated as a crash:
// a non-zero exit code, or a signal other than the two delivered during a
// deliberate stop (SIGTERM, SIGKILL).
func (s ExitStatus) Abnormal() bool {
	if s.Signal > 0 {
		return s.Signal != int(syscall.SIGTERM) && s.Signal != int(syscall.SIGKILL)
	}
	return s.Code != 0
}

func (s ExitStatus) String() string {
	if s.Signal > 0 {
		return fmt.Sprintf("signal %d (%s)", s.Signal, syscall.Signal(s.Signal).String())
	}
	return fmt.Sprintf("exit code %d", s.Code)
}
