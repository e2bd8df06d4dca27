package process

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	gops "github.com/shirou/gopsutil/v3/process"

	"github.com/coreguard/coreguard/pkg/models"
)

const (
	defaultStartupGrace = 500 * time.Millisecond
	defaultKillGrace    = 5 * time.Second

	eventBuffer = 64
)

// ErrNotRunning is returned by Kill when there is no live process.
var ErrNotRunning = errors.New("engine process is not running")

// Builder assembles a process Handle. BinaryPath, AppDir and ConfigPath
// are required; the handle is built unstarted.
type Builder struct {
	Variant      models.EngineVariant
	BinaryPath   string
	AppDir       string
	ConfigPath   string
	PIDPath      string
	StartupGrace time.Duration // delay before EventReady confirms startup
	KillGrace    time.Duration // SIGTERM to SIGKILL escalation delay
}

// Build validates the builder and returns an unstarted handle.
func (b Builder) Build() (*Handle, error) {
	if b.BinaryPath == "" {
		return nil, errors.New("process: binary path is required")
	}
	if b.AppDir == "" {
		return nil, errors.New("process: app dir is required")
	}
	if b.ConfigPath == "" {
		return nil, errors.New("process: config path is required")
	}
	if b.StartupGrace <= 0 {
		b.StartupGrace = defaultStartupGrace
	}
	if b.KillGrace <= 0 {
		b.KillGrace = defaultKillGrace
	}
	return &Handle{
		variant:      b.Variant,
		binaryPath:   b.BinaryPath,
		appDir:       b.AppDir,
		configPath:   b.ConfigPath,
		pidPath:      b.PIDPath,
		startupGrace: b.StartupGrace,
		killGrace:    b.KillGrace,
	}, nil
}

// Handle owns one engine child process: spawn, line-delimited output
// draining into an event stream, and kill.
type Handle struct {
	variant      models.EngineVariant
	binaryPath   string
	appDir       string
	configPath   string
	pidPath      string
	startupGrace time.Duration
	killGrace    time.Duration

	mu      sync.Mutex
	cmd     *exec.Cmd
	running atomic.Bool
}

// Variant returns the engine variant this handle was built for.
func (h *Handle) Variant() models.EngineVariant {
	return h.variant
}

// Alive reports process liveness directly, without any remote call.
func (h *Handle) Alive() bool {
	return h.running.Load()
}

// Start spawns the engine and returns its event stream. Spawn failures
// are returned synchronously. The returned channel delivers stdout and
// stderr lines, an EventReady heartbeat once the startup grace period
// passes, and a final EventTerminated before closing.
func (h *Handle) Start() (<-chan Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running.Load() {
		return nil, errors.New("engine process is already running")
	}

	h.reapStale()

	cmd := exec.Command(h.binaryPath, "-d", h.appDir, "-f", h.configPath)
	cmd.Dir = h.appDir
	// Own process group so kill reaches any children the engine forks
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", filepath.Base(h.binaryPath), err)
	}

	h.cmd = cmd
	h.running.Store(true)
	h.writePIDFile(cmd.Process.Pid)

	events := make(chan Event, eventBuffer)

	var scanners sync.WaitGroup
	scanners.Add(2)
	go h.scanLines(stdout, EventStdout, events, &scanners)
	go h.scanLines(stderr, EventStderr, events, &scanners)

	readyStop := make(chan struct{})
	var ready sync.WaitGroup
	ready.Add(1)
	go func() {
		defer ready.Done()
		select {
		case <-time.After(h.startupGrace):
			events <- Event{Kind: EventReady}
		case <-readyStop:
		}
	}()

	go func() {
		// Pipes must be fully drained before Wait
		scanners.Wait()
		err := cmd.Wait()
		h.running.Store(false)
		close(readyStop)
		ready.Wait()
		h.removePIDFile()
		events <- Event{Kind: EventTerminated, Exit: exitStatus(cmd, err)}
		close(events)
	}()

	return events, nil
}

// Kill terminates the process group: SIGTERM first, escalating to
// SIGKILL after the kill grace period. It returns once the process has
// been observed down.
func (h *Handle) Kill() error {
	h.mu.Lock()
	cmd := h.cmd
	h.mu.Unlock()

	if cmd == nil || cmd.Process == nil || !h.running.Load() {
		return ErrNotRunning
	}

	pgid := -cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to signal engine process: %w", err)
	}
	if h.waitDown(h.killGrace) {
		return nil
	}

	if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to kill engine process: %w", err)
	}
	if h.waitDown(h.killGrace) {
		return nil
	}
	return errors.New("engine process did not terminate")
}

func (h *Handle) waitDown(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !h.running.Load() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return !h.running.Load()
}

func (h *Handle) scanLines(r interface{ Read([]byte) (int, error) }, kind EventKind, events chan<- Event, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		events <- Event{Kind: kind, Line: scanner.Text()}
	}
	if err := scanner.Err(); err != nil {
		events <- Event{Kind: EventStreamError, Err: err}
	}
}

func (h *Handle) writePIDFile(pid int) {
	if h.pidPath == "" {
		return
	}
	_ = os.MkdirAll(filepath.Dir(h.pidPath), 0755)
	_ = os.WriteFile(h.pidPath, []byte(strconv.Itoa(pid)), 0644)
}

func (h *Handle) removePIDFile() {
	if h.pidPath != "" {
		_ = os.Remove(h.pidPath)
	}
}

// reapStale kills a leftover engine process recorded in the pid marker
// file from a previous run that died without cleanup. Only a process
// whose name matches the engine executable is touched.
func (h *Handle) reapStale() {
	if h.pidPath == "" {
		return
	}
	data, err := os.ReadFile(h.pidPath)
	if err != nil {
		return
	}
	defer h.removePIDFile()

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return
	}
	exists, err := gops.PidExists(int32(pid))
	if err != nil || !exists {
		return
	}
	proc, err := gops.NewProcess(int32(pid))
	if err != nil {
		return
	}
	name, err := proc.Name()
	if err != nil {
		return
	}
	want := strings.TrimSuffix(filepath.Base(h.binaryPath), ".exe")
	if strings.TrimSuffix(name, ".exe") != want {
		return
	}
	if err := proc.Terminate(); err != nil {
		_ = proc.Kill()
	}
}

func exitStatus(cmd *exec.Cmd, waitErr error) ExitStatus {
	st := cmd.ProcessState
	if st == nil {
		if waitErr != nil {
			return ExitStatus{Code: -1}
		}
		return ExitStatus{}
	}
	if ws, ok := st.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			return ExitStatus{Signal: int(ws.Signal())}
		}
		return ExitStatus{Code: ws.ExitStatus()}
	}
	return ExitStatus{Code: st.ExitCode()}
}
