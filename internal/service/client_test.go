package service

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coreguard/coreguard/pkg/models"
)

// socketPath returns a unix socket path short enough for sun_path limits;
// t.TempDir can exceed them on some systems.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "cg")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "svc.sock")
}

func startHelperStub(t *testing.T, path string, handler http.Handler) {
	t.Helper()
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("Failed to listen on %s: %v", path, err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(l)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
}

func TestClient_Probe(t *testing.T) {
	path := socketPath(t)
	client := NewClient(path)

	if client.Probe(context.Background()) {
		t.Error("Expected probe to fail with no socket")
	}

	startHelperStub(t, path, http.NotFoundHandler())
	if !client.Probe(context.Background()) {
		t.Error("Expected probe to succeed with a live socket")
	}
}

func TestClient_StartEngine(t *testing.T) {
	path := socketPath(t)
	var gotPath string
	var gotReq startRequest

	startHelperStub(t, path, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("Failed to decode start request: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	client := NewClient(path)
	err := client.StartEngine(context.Background(), "/data/run-config.yaml", models.VariantMihomo)
	if err != nil {
		t.Fatalf("StartEngine failed: %v", err)
	}
	if gotPath != "/core/start" {
		t.Errorf("Expected /core/start, got %s", gotPath)
	}
	if gotReq.ConfigPath != "/data/run-config.yaml" || gotReq.Variant != "mihomo" {
		t.Errorf("Unexpected start request: %+v", gotReq)
	}
}

func TestClient_StopEngine(t *testing.T) {
	path := socketPath(t)
	var gotPath string

	startHelperStub(t, path, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))

	client := NewClient(path)
	if err := client.StopEngine(context.Background()); err != nil {
		t.Fatalf("StopEngine failed: %v", err)
	}
	if gotPath != "/core/stop" {
		t.Errorf("Expected /core/stop, got %s", gotPath)
	}
}

func TestClient_Status(t *testing.T) {
	path := socketPath(t)

	startHelperStub(t, path, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(models.Status{
			State:          models.StateRunning,
			StateChangedAt: 1724450000000,
		})
	}))

	client := NewClient(path)
	st, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.State != models.StateRunning {
		t.Errorf("Expected running, got %s", st.State)
	}
	if st.StateChangedAt != 1724450000000 {
		t.Errorf("Expected timestamp preserved, got %d", st.StateChangedAt)
	}
}

func TestClient_StatusUnreachable(t *testing.T) {
	client := NewClient(socketPath(t))
	if _, err := client.Status(context.Background()); err == nil {
		t.Fatal("Expected error with no socket")
	}
}

func TestClient_StartEngineServiceError(t *testing.T) {
	path := socketPath(t)
	startHelperStub(t, path, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "engine binary not found", http.StatusInternalServerError)
	}))

	client := NewClient(path)
	err := client.StartEngine(context.Background(), "/data/run-config.yaml", models.VariantClash)
	if err == nil {
		t.Fatal("Expected error from failing service")
	}
}
