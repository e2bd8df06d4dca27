package supervisor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/coreguard/coreguard/internal/process"
)

var (
	// ErrAlreadyStopped is returned by Stop when the engine is not running.
	ErrAlreadyStopped = errors.New("engine is already stopped")

	// ErrElevatedUnsupported is returned when the reserved elevated run
	// mode is requested.
	ErrElevatedUnsupported = errors.New("elevated run mode is not implemented")
)

// NotFoundError reports a missing engine executable after searching both
// the data and install directories.
type NotFoundError struct {
	Executable string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.Executable)
}

// PortError reports that the configured control-plane port could not be
// bound before an engine start.
type PortError struct {
	Addr string
	Err  error
}

func (e *PortError) Error() string {
	return fmt.Sprintf("controller address %s is unavailable: %v", e.Addr, e.Err)
}

func (e *PortError) Unwrap() error { return e.Err }

// SpawnError reports a failure to launch the engine process.
type SpawnError struct {
	Err    error
	Stderr []string // newest first
}

func (e *SpawnError) Error() string {
	if len(e.Stderr) == 0 {
		return e.Err.Error()
	}
	return e.Err.Error() + "\n" + strings.Join(e.Stderr, "\n")
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TerminationError reports an engine exit, carrying the accumulated
// stderr tail (newest first) as diagnostic text.
type TerminationError struct {
	Status process.ExitStatus
	Stderr []string // newest first
}

func (e *TerminationError) Error() string {
	msg := fmt.Sprintf("engine terminated with %s", e.Status)
	if len(e.Stderr) > 0 {
		msg += "\n" + strings.Join(e.Stderr, "\n")
	}
	return msg
}

// ValidationError reports a failed config check, carrying the
// diagnostics extracted from the engine's own output.
type ValidationError struct {
	Output string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: %s", e.Output)
}

// RemoteCallError reports a failed call to the privileged service in
// delegated mode.
type RemoteCallError struct {
	Op  string
	Err error
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("service %s call failed: %v", e.Op, e.Err)
}

func (e *RemoteCallError) Unwrap() error { return e.Err }
