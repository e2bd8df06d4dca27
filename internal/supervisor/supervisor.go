package supervisor

import (
	"context"
	"net"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/coreguard/coreguard/internal/config"
	"github.com/coreguard/coreguard/internal/controlapi"
	"github.com/coreguard/coreguard/internal/process"
	"github.com/coreguard/coreguard/pkg/logging"
	"github.com/coreguard/coreguard/pkg/models"
	"github.com/coreguard/coreguard/pkg/retry"
)

const recoveryBackoff = 5 * time.Second

// SettingsStore is the staged-settings collaborator. Satisfied by
// config.Store.
type SettingsStore interface {
	Latest() config.Settings
	Draft() *config.Settings
	Apply()
	Discard()
	Save() error
}

// ConfigGenerator produces engine config files. Satisfied by
// config.Generator.
type ConfigGenerator interface {
	GenerateRunConfig() (string, error)
	GenerateCheckConfig() (string, error)
	GenerateFullConfig(ctx context.Context) error
}

// ConfigPusher pushes a config file to the running engine's control API.
// Satisfied by controlapi.Client.
type ConfigPusher interface {
	PutConfigs(ctx context.Context, path string) error
}

// Metrics receives supervisor lifecycle signals. Satisfied by
// observe.Metrics; nil disables recording.
type Metrics interface {
	RecordRestart(reason string)
	RecordCrash()
	SetState(state models.EngineState, changedAt int64)
}

// Options wires the supervisor's collaborators.
type Options struct {
	Settings  SettingsStore
	Generator ConfigGenerator
	Service   ServiceClient
	Pusher    ConfigPusher
	Logger    *logging.Logger
	EngineLog EngineLog
	Metrics   Metrics

	// RecoveryBackoff overrides the fixed delay between recovery
	// attempts. Defaults to 5 seconds.
	RecoveryBackoff time.Duration
	// PushRetry overrides the config push retry policy. Defaults to
	// 5 attempts spaced 250 ms apart.
	PushRetry retry.Config
}

// Supervisor owns the single live engine instance and orchestrates mode
// resolution, config regeneration, validation and crash recovery.
// Exactly one engine process may exist system-wide, so the daemon holds
// exactly one Supervisor (see Init/Default).
type Supervisor struct {
	mu      sync.Mutex // guards current
	current *Instance

	runMu sync.Mutex // serializes Run invocations

	settings  SettingsStore
	generator ConfigGenerator
	service   ServiceClient
	pusher    ConfigPusher
	log       *logging.Logger
	engineLog EngineLog
	metrics   Metrics

	backoff   time.Duration
	pushRetry retry.Config

	// test seams; default to the real implementations
	checkFn     func(ctx context.Context) error
	portCheckFn func(addr string) error
	newRunner   func(set config.Settings, configPath string) (engineRunner, error)
}

// New creates a supervisor from its collaborators.
func New(opts Options) *Supervisor {
	s := &Supervisor{
		settings:  opts.Settings,
		generator: opts.Generator,
		service:   opts.Service,
		pusher:    opts.Pusher,
		log:       opts.Logger,
		engineLog: opts.EngineLog,
		metrics:   opts.Metrics,
		backoff:   opts.RecoveryBackoff,
		pushRetry: opts.PushRetry,
	}
	if s.log == nil {
		s.log = logging.NewLogger(logging.INFO, false)
	}
	if s.engineLog == nil {
		s.engineLog = logging.NewEngineLog(0)
	}
	if s.backoff <= 0 {
		s.backoff = recoveryBackoff
	}
	if s.pushRetry.MaxRetries == 0 && s.pushRetry.InitialBackoff == 0 {
		s.pushRetry = retry.FixedConfig(5, 250*time.Millisecond)
	}
	s.checkFn = s.runCheck
	s.portCheckFn = checkPortFree
	s.newRunner = s.buildHandle
	return s
}

var (
	global     *Supervisor
	globalOnce sync.Once
)

// Init creates the process-wide supervisor on first call and returns it;
// later calls return the existing one unchanged.
func Init(opts Options) *Supervisor {
	globalOnce.Do(func() {
		global = New(opts)
	})
	return global
}

// Default returns the process-wide supervisor, or nil before Init.
func Default() *Supervisor {
	return global
}

func (s *Supervisor) currentInstance() *Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Run (re)starts the engine: stop a still-running instance, verify the
// control-plane port, resolve the execution mode, construct the new
// instance, install it as current, and start it. Idempotent entry point,
// called at daemon startup and from recovery.
func (s *Supervisor) Run(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if inst := s.currentInstance(); inst != nil && inst.State(ctx) == models.StateRunning {
		s.log.Debug("engine is already running, stopping it first")
		if err := inst.Stop(ctx); err != nil {
			return err
		}
	}

	set := s.settings.Latest()
	if err := s.portCheckFn(set.ControllerAddr); err != nil {
		return err
	}

	mode := ResolveMode(ctx, set.DelegatedMode, s.service)
	s.log.Info("starting engine", map[string]interface{}{"mode": string(mode), "variant": set.EngineVariant.String()})

	inst, err := s.newInstance(mode, set)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.current = inst
	s.mu.Unlock()

	if err := inst.Start(ctx); err != nil {
		s.recordState(models.StateStopped)
		return err
	}
	s.recordState(models.StateRunning)
	return nil
}

func (s *Supervisor) newInstance(mode models.ExecMode, set config.Settings) (*Instance, error) {
	configPath, err := s.generator.GenerateRunConfig()
	if err != nil {
		return nil, err
	}

	switch mode {
	case models.ModeDirect:
		runner, err := s.newRunner(set, configPath)
		if err != nil {
			return nil, err
		}
		onCrash := func() {
			s.log.Error("engine terminated unexpectedly, trying to recover")
			if s.metrics != nil {
				s.metrics.RecordCrash()
			}
			_ = s.Recover(context.Background())
		}
		return newDirectInstance(set.EngineVariant, runner, s.log, s.engineLog, onCrash), nil
	case models.ModeDelegated:
		return newDelegatedInstance(set.EngineVariant, configPath, s.service, s.log), nil
	default:
		return nil, ErrElevatedUnsupported
	}
}

// buildHandle is the default runner factory: locate the engine binary
// and wrap it in a process handle.
func (s *Supervisor) buildHandle(set config.Settings, configPath string) (engineRunner, error) {
	binary, err := FindBinary(set.EngineVariant, set.DataDir, set.InstallDir)
	if err != nil {
		return nil, err
	}
	return process.Builder{
		Variant:    set.EngineVariant,
		BinaryPath: binary,
		AppDir:     set.DataDir,
		ConfigPath: configPath,
		PIDPath:    filepath.Join(set.DataDir, "engine.pid"),
	}.Build()
}

// Recover tears the current instance down and runs the engine again. A
// failed attempt is logged, then retried after a fixed backoff on a
// detached goroutine; the chain never gives up and never propagates its
// failures. Stop errors on the dying instance do propagate.
func (s *Supervisor) Recover(ctx context.Context) error {
	s.mu.Lock()
	inst := s.current
	s.current = nil
	s.mu.Unlock()

	if inst != nil && inst.State(ctx) == models.StateRunning {
		s.log.Debug("engine is still running, stopping it before recovery")
		if err := inst.Stop(ctx); err != nil {
			return err
		}
	}

	if err := s.Run(ctx); err != nil {
		s.log.Error("failed to recover engine", map[string]interface{}{"error": err.Error()})
		if s.metrics != nil {
			s.metrics.RecordRestart("recovery_failed")
		}
		time.Sleep(s.backoff)
		go func() {
			_ = s.Recover(context.Background())
		}()
		return nil
	}

	if s.metrics != nil {
		s.metrics.RecordRestart("recovery")
	}
	return nil
}

// StopEngine stops the current instance, if any.
func (s *Supervisor) StopEngine(ctx context.Context) error {
	inst := s.currentInstance()
	if inst == nil {
		return nil
	}
	if err := inst.Stop(ctx); err != nil {
		return err
	}
	s.recordState(models.StateStopped)
	return nil
}

// RestartEngine restarts the current instance, or runs a fresh one when
// none exists.
func (s *Supervisor) RestartEngine(ctx context.Context) error {
	inst := s.currentInstance()
	if inst == nil {
		return s.Run(ctx)
	}
	if err := inst.Restart(ctx); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordRestart("manual")
	}
	s.recordState(models.StateRunning)
	return nil
}

// Status reports the engine status. With no current instance it degrades
// to Stopped with timestamp 0 and the mode that a start would resolve
// to right now.
func (s *Supervisor) Status(ctx context.Context) models.Status {
	inst := s.currentInstance()
	if inst == nil {
		set := s.settings.Latest()
		return models.Status{
			State:   models.StateStopped,
			Mode:    ResolveMode(ctx, set.DelegatedMode, s.service),
			Variant: set.EngineVariant.String(),
		}
	}
	return inst.Status(ctx)
}

// CheckConfig validates the candidate config by running the engine
// binary in check-only mode. A non-zero exit is a validation failure
// whose message comes from the engine's own diagnostics, falling back
// to the raw output.
func (s *Supervisor) CheckConfig(ctx context.Context) error {
	return s.checkFn(ctx)
}

func (s *Supervisor) runCheck(ctx context.Context) error {
	configPath, err := s.generator.GenerateCheckConfig()
	if err != nil {
		return err
	}

	set := s.settings.Latest()
	binary, err := FindBinary(set.EngineVariant, set.DataDir, set.InstallDir)
	if err != nil {
		return err
	}

	s.log.Debug("checking config", map[string]interface{}{"variant": set.EngineVariant.String(), "config": configPath})
	out, err := exec.CommandContext(ctx, binary, "-t", "-d", set.DataDir, "-f", configPath).CombinedOutput()
	if err != nil {
		raw := string(out)
		s.engineLog.AppendLine(raw)
		msg := controlapi.ParseCheckOutput(raw)
		if msg == "" {
			msg = raw
		}
		if msg == "" {
			msg = err.Error()
		}
		return &ValidationError{Output: msg}
	}
	return nil
}

// ChangeVariant switches the engine variant transactionally: stage the
// new variant, regenerate and validate the config, then run the engine
// on it. Validation failure discards the staged change; a failed start
// rolls back and restarts the previous variant, re-raising the original
// error. Success commits and saves the settings.
func (s *Supervisor) ChangeVariant(ctx context.Context, variant models.EngineVariant) error {
	s.log.Info("changing engine variant", map[string]interface{}{"variant": variant.String()})

	draft := s.settings.Draft()
	draft.EngineVariant = variant

	if err := s.generator.GenerateFullConfig(ctx); err != nil {
		s.settings.Discard()
		return err
	}
	if err := s.checkFn(ctx); err != nil {
		s.settings.Discard()
		return err
	}

	// Output from the previous engine is stale once the variant changes
	s.engineLog.Clear()

	if err := s.Run(ctx); err != nil {
		s.log.Error("failed to change engine variant, rolling back", map[string]interface{}{"error": err.Error()})
		s.settings.Discard()
		if rerr := s.Run(ctx); rerr != nil {
			s.log.Error("failed to restart previous engine variant", map[string]interface{}{"error": rerr.Error()})
		}
		return err
	}

	s.settings.Apply()
	if err := s.settings.Save(); err != nil {
		s.log.Error("failed to save settings", map[string]interface{}{"error": err.Error()})
	}
	if s.metrics != nil {
		s.metrics.RecordRestart("variant_switch")
	}
	return nil
}

// UpdateRunningConfig regenerates and validates the run configuration,
// then pushes it to the running engine's control API without a restart.
// The push is attempted 5 times, 250 ms apart; the final attempt's error
// surfaces if the engine never accepts it.
func (s *Supervisor) UpdateRunningConfig(ctx context.Context) error {
	s.log.Debug("updating running engine config")

	if err := s.generator.GenerateFullConfig(ctx); err != nil {
		return err
	}
	if err := s.checkFn(ctx); err != nil {
		return err
	}

	path, err := s.generator.GenerateRunConfig()
	if err != nil {
		return err
	}

	return retry.Do(ctx, s.pushRetry, func() error {
		return s.pusher.PutConfigs(ctx, path)
	})
}

func (s *Supervisor) recordState(state models.EngineState) {
	if s.metrics != nil {
		s.metrics.SetState(state, time.Now().UnixMilli())
	}
}

// checkPortFree verifies the control-plane address can be bound. The
// port is checked, not reserved; the bind race against the engine itself
// is accepted as rare.
func checkPortFree(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return &PortError{Addr: addr, Err: err}
	}
	l.Close()
	return nil
}
