package process

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/coreguard/coreguard/pkg/models"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestBuilder_Validation(t *testing.T) {
	tests := []struct {
		name    string
		builder Builder
	}{
		{"missing binary", Builder{AppDir: "/tmp", ConfigPath: "/tmp/c.yaml"}},
		{"missing app dir", Builder{BinaryPath: "/bin/true", ConfigPath: "/tmp/c.yaml"}},
		{"missing config", Builder{BinaryPath: "/bin/true", AppDir: "/tmp"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.builder.Build(); err == nil {
				t.Error("Expected build to fail")
			}
		})
	}
}

func TestBuilder_Defaults(t *testing.T) {
	h, err := Builder{
		BinaryPath: "/bin/true",
		AppDir:     "/tmp",
		ConfigPath: "/tmp/c.yaml",
	}.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if h.startupGrace != defaultStartupGrace {
		t.Errorf("Expected default startup grace, got %v", h.startupGrace)
	}
	if h.killGrace != defaultKillGrace {
		t.Errorf("Expected default kill grace, got %v", h.killGrace)
	}
}

func TestHandle_EarlyExitBeforeReady(t *testing.T) {
	dir := t.TempDir()
	bin := writeScript(t, dir, "engine.sh", "#!/bin/sh\necho starting\necho oops >&2\nexit 1\n")

	h, err := Builder{
		Variant:      models.VariantClash,
		BinaryPath:   bin,
		AppDir:       dir,
		ConfigPath:   filepath.Join(dir, "c.yaml"),
		StartupGrace: 5 * time.Second,
	}.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	events, err := h.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var stdout, stderr []string
	var sawReady bool
	var exit ExitStatus
	for ev := range events {
		switch ev.Kind {
		case EventStdout:
			stdout = append(stdout, ev.Line)
		case EventStderr:
			stderr = append(stderr, ev.Line)
		case EventReady:
			sawReady = true
		case EventTerminated:
			exit = ev.Exit
		}
	}

	if sawReady {
		t.Error("Expected no ready event for a process that dies early")
	}
	if len(stdout) != 1 || stdout[0] != "starting" {
		t.Errorf("Unexpected stdout: %v", stdout)
	}
	if len(stderr) != 1 || stderr[0] != "oops" {
		t.Errorf("Unexpected stderr: %v", stderr)
	}
	if exit.Code != 1 || !exit.Abnormal() {
		t.Errorf("Expected abnormal exit code 1, got %s", exit)
	}
	if h.Alive() {
		t.Error("Expected handle dead after termination")
	}
}

func TestHandle_ReadyThenKill(t *testing.T) {
	dir := t.TempDir()
	bin := writeScript(t, dir, "engine.sh",
		"#!/bin/sh\ntrap 'exit 0' TERM\necho up\nwhile true; do sleep 0.1; done\n")
	pidPath := filepath.Join(dir, "engine.pid")

	h, err := Builder{
		Variant:      models.VariantClash,
		BinaryPath:   bin,
		AppDir:       dir,
		ConfigPath:   filepath.Join(dir, "c.yaml"),
		PIDPath:      pidPath,
		StartupGrace: 50 * time.Millisecond,
	}.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	events, err := h.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Wait for the startup heartbeat
	deadline := time.After(5 * time.Second)
	for ready := false; !ready; {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("Event stream closed before ready")
			}
			if ev.Kind == EventReady {
				ready = true
			}
		case <-deadline:
			t.Fatal("Timed out waiting for ready event")
		}
	}

	if !h.Alive() {
		t.Fatal("Expected live process after ready")
	}
	if data, err := os.ReadFile(pidPath); err != nil {
		t.Errorf("Expected pid file written: %v", err)
	} else if pid, err := strconv.Atoi(string(data)); err != nil || pid <= 0 {
		t.Errorf("Expected a pid in the marker file, got %q", data)
	}

	if err := h.Kill(); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}

	var exit ExitStatus
	sawTerminated := false
	for ev := range events {
		if ev.Kind == EventTerminated {
			exit = ev.Exit
			sawTerminated = true
		}
	}
	if !sawTerminated {
		t.Fatal("Expected a terminated event")
	}
	if exit.Abnormal() {
		t.Errorf("Expected graceful termination, got %s", exit)
	}
	if h.Alive() {
		t.Error("Expected handle dead after kill")
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Error("Expected pid file removed after termination")
	}
}

func TestHandle_KillNotRunning(t *testing.T) {
	h, err := Builder{
		BinaryPath: "/bin/true",
		AppDir:     t.TempDir(),
		ConfigPath: "/tmp/c.yaml",
	}.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := h.Kill(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning, got %v", err)
	}
}

func TestHandle_ReapStaleIgnoresForeignProcess(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "engine.pid")

	// Marker pointing at this test process, whose name cannot match the
	// engine binary. It must survive untouched and the marker removed.
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatal(err)
	}

	h, err := Builder{
		BinaryPath: filepath.Join(dir, "clash"),
		AppDir:     dir,
		ConfigPath: filepath.Join(dir, "c.yaml"),
		PIDPath:    pidPath,
	}.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	h.reapStale()
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Error("Expected stale pid marker removed")
	}
}

func TestHandle_ReapStaleGarbageMarker(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "engine.pid")
	if err := os.WriteFile(pidPath, []byte("not-a-pid"), 0o644); err != nil {
		t.Fatal(err)
	}

	h, err := Builder{
		BinaryPath: filepath.Join(dir, "clash"),
		AppDir:     dir,
		ConfigPath: filepath.Join(dir, "c.yaml"),
		PIDPath:    pidPath,
	}.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	h.reapStale()
}
