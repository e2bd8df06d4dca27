package supervisor

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coreguard/coreguard/internal/process"
	"github.com/coreguard/coreguard/pkg/logging"
	"github.com/coreguard/coreguard/pkg/models"
)

func testLogger() *logging.Logger {
	l := logging.NewLogger(logging.FATAL, false)
	l.SetOutput(io.Discard)
	return l
}

// fakeRunner stands in for a process handle. Each Start hands out the
// next prepared event channel.
type fakeRunner struct {
	mu         sync.Mutex
	channels   []chan process.Event
	alive      bool
	startErr   error
	killErr    error
	startCount int
	killCount  int
	onKill     func()
}

func newFakeRunner(n int) *fakeRunner {
	f := &fakeRunner{}
	for i := 0; i < n; i++ {
		f.channels = append(f.channels, make(chan process.Event, 16))
	}
	return f
}

func (f *fakeRunner) Start() (<-chan process.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	if f.startCount >= len(f.channels) {
		return nil, errors.New("fakeRunner: no more channels")
	}
	ch := f.channels[f.startCount]
	f.startCount++
	f.alive = true
	return ch, nil
}

func (f *fakeRunner) Kill() error {
	f.mu.Lock()
	f.killCount++
	hook := f.onKill
	err := f.killErr
	if err == nil {
		f.alive = false
	}
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (f *fakeRunner) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeRunner) setAlive(v bool) {
	f.mu.Lock()
	f.alive = v
	f.mu.Unlock()
}

func (f *fakeRunner) kills() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killCount
}

func (f *fakeRunner) starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCount
}

// fakeService stands in for the privileged helper client.
type fakeService struct {
	mu         sync.Mutex
	probeOK    bool
	startErr   error
	stopErr    error
	status     models.Status
	statusErr  error
	startCalls int
	stopCalls  int
}

func (f *fakeService) Probe(ctx context.Context) bool { return f.probeOK }

func (f *fakeService) StartEngine(ctx context.Context, configPath string, variant models.EngineVariant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	return f.startErr
}

func (f *fakeService) StopEngine(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	return f.stopErr
}

func (f *fakeService) Status(ctx context.Context) (models.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return models.Status{}, f.statusErr
	}
	return f.status, nil
}

func directInstance(runner engineRunner, onCrash func()) *Instance {
	return newDirectInstance(models.VariantClash, runner, testLogger(), logging.NewEngineLog(0), onCrash)
}

func TestInstance_StartReady(t *testing.T) {
	runner := newFakeRunner(1)
	in := directInstance(runner, nil)

	runner.channels[0] <- process.Event{Kind: process.EventReady}

	if err := in.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if in.State(context.Background()) != models.StateRunning {
		t.Errorf("Expected running state after successful start")
	}
}

func TestInstance_StartAbnormalTermination(t *testing.T) {
	runner := newFakeRunner(1)
	in := directInstance(runner, nil)

	ch := runner.channels[0]
	ch <- process.Event{Kind: process.EventStderr, Line: "first error"}
	ch <- process.Event{Kind: process.EventStderr, Line: "second error"}
	ch <- process.Event{Kind: process.EventTerminated, Exit: process.ExitStatus{Code: 1}}
	close(ch)
	runner.setAlive(false)

	err := in.Start(context.Background())
	if err == nil {
		t.Fatal("Expected start to fail on abnormal termination")
	}

	var terr *TerminationError
	if !errors.As(err, &terr) {
		t.Fatalf("Expected TerminationError, got %T: %v", err, err)
	}

	// Newest stderr content comes first in the diagnostic text
	msg := err.Error()
	second := strings.Index(msg, "second error")
	first := strings.Index(msg, "first error")
	if second == -1 || first == -1 {
		t.Fatalf("Expected stderr tail in error, got: %s", msg)
	}
	if second > first {
		t.Errorf("Expected newest stderr line first, got: %s", msg)
	}
}

func TestInstance_StderrRingKeepsLastSix(t *testing.T) {
	runner := newFakeRunner(1)
	in := directInstance(runner, nil)

	ch := runner.channels[0]
	lines := []string{"l1", "l2", "l3", "l4", "l5", "l6", "l7", "l8"}
	for _, l := range lines {
		ch <- process.Event{Kind: process.EventStderr, Line: l}
	}
	ch <- process.Event{Kind: process.EventTerminated, Exit: process.ExitStatus{Code: 2}}
	close(ch)
	runner.setAlive(false)

	err := in.Start(context.Background())
	if err == nil {
		t.Fatal("Expected start to fail")
	}
	msg := err.Error()
	if strings.Contains(msg, "l1") || strings.Contains(msg, "l2") {
		t.Errorf("Expected oldest lines evicted from ring, got: %s", msg)
	}
	for _, want := range []string{"l3", "l8"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected %s in diagnostic text, got: %s", want, msg)
		}
	}
}

func TestInstance_StartSpawnFailure(t *testing.T) {
	runner := newFakeRunner(0)
	runner.startErr = errors.New("exec format error")
	in := directInstance(runner, nil)

	err := in.Start(context.Background())
	var serr *SpawnError
	if !errors.As(err, &serr) {
		t.Fatalf("Expected SpawnError, got %T: %v", err, err)
	}
}

func TestInstance_StopAlreadyStopped(t *testing.T) {
	runner := newFakeRunner(1)
	in := directInstance(runner, nil)

	for i := 0; i < 3; i++ {
		if err := in.Stop(context.Background()); !errors.Is(err, ErrAlreadyStopped) {
			t.Fatalf("Call %d: expected ErrAlreadyStopped, got %v", i, err)
		}
	}
	if runner.kills() != 0 {
		t.Errorf("Expected no kill attempts on a stopped instance, got %d", runner.kills())
	}
}

func TestInstance_StopSetsKillFlagBeforeKill(t *testing.T) {
	runner := newFakeRunner(1)
	in := directInstance(runner, nil)
	runner.setAlive(true)

	var flagAtKill bool
	runner.onKill = func() {
		flagAtKill = in.killFlag.Load()
	}

	if err := in.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !flagAtKill {
		t.Error("Expected kill flag raised before the termination request")
	}
}

func TestInstance_CrashTriggersRecoveryOnce(t *testing.T) {
	var crashes atomic.Int32
	runner := newFakeRunner(1)
	in := directInstance(runner, func() { crashes.Add(1) })

	ch := runner.channels[0]
	ch <- process.Event{Kind: process.EventReady}
	if err := in.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Unexpected death after a successful start
	runner.setAlive(false)
	ch <- process.Event{Kind: process.EventTerminated, Exit: process.ExitStatus{Code: 137}}
	close(ch)

	deadline := time.Now().Add(2 * time.Second)
	for crashes.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := crashes.Load(); got != 1 {
		t.Fatalf("Expected exactly one recovery trigger, got %d", got)
	}
}

func TestInstance_KillFlagSuppressesRecovery(t *testing.T) {
	var crashes atomic.Int32
	runner := newFakeRunner(1)
	in := directInstance(runner, func() { crashes.Add(1) })

	ch := runner.channels[0]
	ch <- process.Event{Kind: process.EventReady}
	if err := in.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := in.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	ch <- process.Event{Kind: process.EventTerminated, Exit: process.ExitStatus{Code: 1}}
	close(ch)

	time.Sleep(100 * time.Millisecond)
	if got := crashes.Load(); got != 0 {
		t.Fatalf("Expected recovery suppressed by kill flag, got %d triggers", got)
	}
}

func TestInstance_RestartStopsThenStarts(t *testing.T) {
	runner := newFakeRunner(2)
	in := directInstance(runner, nil)

	runner.channels[0] <- process.Event{Kind: process.EventReady}
	if err := in.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	runner.channels[1] <- process.Event{Kind: process.EventReady}
	if err := in.Restart(context.Background()); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}

	if runner.kills() != 1 {
		t.Errorf("Expected one kill during restart, got %d", runner.kills())
	}
	if runner.starts() != 2 {
		t.Errorf("Expected two starts, got %d", runner.starts())
	}
	if in.State(context.Background()) != models.StateRunning {
		t.Error("Expected running state after restart")
	}
}

func TestInstance_RestartStopErrorAborts(t *testing.T) {
	runner := newFakeRunner(1)
	runner.killErr = errors.New("kill failed")
	in := directInstance(runner, nil)
	runner.setAlive(true)

	err := in.Restart(context.Background())
	if err == nil || !strings.Contains(err.Error(), "kill failed") {
		t.Fatalf("Expected stop error to abort restart, got %v", err)
	}
	if runner.starts() != 0 {
		t.Errorf("Expected no start after failed stop, got %d", runner.starts())
	}
}

func TestInstance_DelegatedStatusDegrades(t *testing.T) {
	svc := &fakeService{statusErr: errors.New("connection refused")}
	in := newDelegatedInstance(models.VariantClash, "/tmp/run-config.yaml", svc, testLogger())

	st := in.Status(context.Background())
	if st.State != models.StateStopped {
		t.Errorf("Expected degraded Stopped state, got %s", st.State)
	}
	if st.StateChangedAt != 0 {
		t.Errorf("Expected timestamp 0 on degraded status, got %d", st.StateChangedAt)
	}
	if in.State(context.Background()) != models.StateStopped {
		t.Error("Expected degraded Stopped from State as well")
	}
}

func TestInstance_DelegatedStartStop(t *testing.T) {
	svc := &fakeService{status: models.Status{State: models.StateRunning, StateChangedAt: 42}}
	in := newDelegatedInstance(models.VariantMihomo, "/tmp/run-config.yaml", svc, testLogger())

	if err := in.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if svc.startCalls != 1 {
		t.Errorf("Expected one remote start call, got %d", svc.startCalls)
	}

	st := in.Status(context.Background())
	if st.State != models.StateRunning || st.StateChangedAt != 42 {
		t.Errorf("Unexpected status: %+v", st)
	}

	if err := in.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if svc.stopCalls != 1 {
		t.Errorf("Expected one remote stop call, got %d", svc.stopCalls)
	}
}

func TestInstance_DelegatedStartError(t *testing.T) {
	svc := &fakeService{startErr: errors.New("permission denied")}
	in := newDelegatedInstance(models.VariantClash, "/tmp/run-config.yaml", svc, testLogger())

	err := in.Start(context.Background())
	var rerr *RemoteCallError
	if !errors.As(err, &rerr) {
		t.Fatalf("Expected RemoteCallError, got %T: %v", err, err)
	}
}
