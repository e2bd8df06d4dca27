package supervisor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coreguard/coreguard/internal/controlapi"
	"github.com/coreguard/coreguard/internal/process"
	"github.com/coreguard/coreguard/pkg/logging"
	"github.com/coreguard/coreguard/pkg/models"
)

// stderrRingSize is how many trailing stderr lines are kept for the
// diagnostic text attached to spawn and termination errors.
const stderrRingSize = 6

// ServiceClient is the privileged helper the delegated variant calls
// into. Satisfied by service.Client.
type ServiceClient interface {
	ServiceProber
	StartEngine(ctx context.Context, configPath string, variant models.EngineVariant) error
	StopEngine(ctx context.Context) error
	Status(ctx context.Context) (models.Status, error)
}

// EngineLog receives raw engine output lines. Satisfied by
// logging.EngineLog.
type EngineLog interface {
	AppendLine(line string)
	Clear()
}

// engineRunner is the process-control surface the direct variant drives.
// Satisfied by process.Handle; swapped for a fake in tests.
type engineRunner interface {
	Start() (<-chan process.Event, error)
	Kill() error
	Alive() bool
}

// Instance is one engine incarnation. The variant set is closed: an
// instance either owns a child process (direct) or proxies every
// operation to the privileged service (delegated). Dispatch is an
// explicit switch on the mode tag.
type Instance struct {
	mode    models.ExecMode
	variant models.EngineVariant

	// direct
	runner    engineRunner
	killFlag  atomic.Bool  // set before a deliberate kill to suppress recovery
	changedAt atomic.Int64 // unix ms of the last state change

	// delegated
	configPath string
	svc        ServiceClient

	log       *logging.Logger
	engineLog EngineLog
	onCrash   func() // invoked at most once per run, on unexpected death
}

// newDirectInstance builds a child-process instance around runner.
func newDirectInstance(variant models.EngineVariant, runner engineRunner, log *logging.Logger, engineLog EngineLog, onCrash func()) *Instance {
	in := &Instance{
		mode:      models.ModeDirect,
		variant:   variant,
		runner:    runner,
		log:       log,
		engineLog: engineLog,
		onCrash:   onCrash,
	}
	in.changedAt.Store(time.Now().UnixMilli())
	return in
}

// newDelegatedInstance builds a service-backed instance. It carries only
// the config path and variant; state always comes from the service.
func newDelegatedInstance(variant models.EngineVariant, configPath string, svc ServiceClient, log *logging.Logger) *Instance {
	return &Instance{
		mode:       models.ModeDelegated,
		variant:    variant,
		configPath: configPath,
		svc:        svc,
		log:        log,
	}
}

// Mode returns the resolved execution mode of this instance.
func (in *Instance) Mode() models.ExecMode {
	return in.mode
}

// Variant returns the engine variant, immutable for the instance's life.
func (in *Instance) Variant() models.EngineVariant {
	return in.variant
}

// Start launches the engine. For the direct variant it blocks until the
// drain task reports the first of spawn error, termination or the
// startup checkpoint; for the delegated variant it blocks for the
// remote call.
func (in *Instance) Start(ctx context.Context) error {
	switch in.mode {
	case models.ModeDirect:
		return in.startDirect(ctx)
	case models.ModeDelegated:
		if err := in.svc.StartEngine(ctx, in.configPath, in.variant); err != nil {
			return &RemoteCallError{Op: "start", Err: err}
		}
		return nil
	default:
		return ErrElevatedUnsupported
	}
}

func (in *Instance) startDirect(ctx context.Context) error {
	events, err := in.runner.Start()
	if err != nil {
		in.changedAt.Store(time.Now().UnixMilli())
		return &SpawnError{Err: err}
	}
	in.killFlag.Store(false)

	result := make(chan error, 1)
	go in.drain(events, result)

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain consumes the engine's event stream until it closes. It forwards
// output to the log collaborator, keeps the stderr tail for diagnostics,
// reports the startup outcome exactly once through result, and triggers
// crash recovery when the engine dies unexpectedly after startup.
func (in *Instance) drain(events <-chan process.Event, result chan<- error) {
	premium := in.variant.Premium()
	var errTail []string
	delivered := false
	deliver := func(err error) {
		if !delivered {
			delivered = true
			result <- err
		}
	}

	for ev := range events {
		switch ev.Kind {
		case process.EventStdout:
			if premium {
				if level, msg, ok := controlapi.ParseLogLine(ev.Line); ok {
					in.log.Info(fmt.Sprintf("[%s] %s", in.variant, msg), map[string]interface{}{"engine_level": level})
				} else {
					in.log.Info(fmt.Sprintf("[%s] %s", in.variant, ev.Line))
				}
			} else {
				in.log.Info(fmt.Sprintf("[%s] %s", in.variant, ev.Line))
			}
			in.engineLog.AppendLine(ev.Line)

		case process.EventStderr:
			in.log.Error(fmt.Sprintf("[%s] %s", in.variant, ev.Line))
			if len(errTail) == stderrRingSize {
				errTail = append(errTail[1:], ev.Line)
			} else {
				errTail = append(errTail, ev.Line)
			}
			in.engineLog.AppendLine(ev.Line)

		case process.EventStreamError:
			in.log.Error(fmt.Sprintf("[%s] output stream error: %v", in.variant, ev.Err))
			in.changedAt.Store(time.Now().UnixMilli())
			in.engineLog.AppendLine(ev.Err.Error())
			deliver(&SpawnError{Err: ev.Err, Stderr: reversed(errTail)})

		case process.EventReady:
			in.changedAt.Store(time.Now().UnixMilli())
			deliver(nil)

		case process.EventTerminated:
			in.changedAt.Store(time.Now().UnixMilli())
			if ev.Exit.Abnormal() {
				err := &TerminationError{Status: ev.Exit, Stderr: reversed(errTail)}
				in.log.Error(err.Error())
				if delivered {
					// Died after a successful start: unexpected unless a
					// deliberate stop raised the kill flag first.
					if !in.killFlag.Load() && in.onCrash != nil {
						go in.onCrash()
					}
				} else {
					deliver(err)
				}
			} else if !delivered {
				// Exited cleanly before the startup checkpoint; the
				// caller of Start still needs an answer.
				deliver(&TerminationError{Status: ev.Exit, Stderr: reversed(errTail)})
			}
		}
	}
}

// Stop terminates the engine. The kill flag is raised strictly before
// the termination request so the drain task never mistakes a deliberate
// stop for a crash.
func (in *Instance) Stop(ctx context.Context) error {
	switch in.mode {
	case models.ModeDirect:
		if in.State(ctx) == models.StateStopped {
			return ErrAlreadyStopped
		}
		in.killFlag.Store(true)
		if err := in.runner.Kill(); err != nil {
			return err
		}
		in.changedAt.Store(time.Now().UnixMilli())
		return nil
	case models.ModeDelegated:
		if err := in.svc.StopEngine(ctx); err != nil {
			return &RemoteCallError{Op: "stop", Err: err}
		}
		return nil
	default:
		return ErrElevatedUnsupported
	}
}

// Restart stops the engine if running (stop errors abort the restart),
// then starts it.
func (in *Instance) Restart(ctx context.Context) error {
	if in.State(ctx) == models.StateRunning {
		if err := in.Stop(ctx); err != nil {
			return err
		}
	}
	return in.Start(ctx)
}

// State reports the engine state. Direct reads process liveness locally;
// delegated queries the service and degrades to Stopped on any failure
// so consumers always have a displayable state.
func (in *Instance) State(ctx context.Context) models.EngineState {
	switch in.mode {
	case models.ModeDirect:
		if in.runner.Alive() {
			return models.StateRunning
		}
		return models.StateStopped
	case models.ModeDelegated:
		st, err := in.svc.Status(ctx)
		if err != nil {
			return models.StateStopped
		}
		return st.State
	default:
		return models.StateStopped
	}
}

// Status reports the engine state with the last state-change timestamp.
// Delegated failures degrade to Stopped with timestamp 0.
func (in *Instance) Status(ctx context.Context) models.Status {
	switch in.mode {
	case models.ModeDirect:
		return models.Status{
			State:          in.State(ctx),
			StateChangedAt: in.changedAt.Load(),
			Mode:           models.ModeDirect,
			Variant:        in.variant.String(),
		}
	case models.ModeDelegated:
		st, err := in.svc.Status(ctx)
		if err != nil {
			return models.Status{
				State:   models.StateStopped,
				Mode:    models.ModeDelegated,
				Variant: in.variant.String(),
			}
		}
		st.Mode = models.ModeDelegated
		st.Variant = in.variant.String()
		return st
	default:
		return models.Status{State: models.StateStopped, Mode: in.mode}
	}
}

// reversed returns a newest-first copy of lines.
func reversed(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[len(lines)-1-i] = l
	}
	return out
}
