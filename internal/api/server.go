package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coreguard/coreguard/internal/supervisor"
	"github.com/coreguard/coreguard/pkg/logging"
	"github.com/coreguard/coreguard/pkg/models"
)

// Engine is the supervisor surface the daemon API exposes. Satisfied by
// supervisor.Supervisor.
type Engine interface {
	Run(ctx context.Context) error
	StopEngine(ctx context.Context) error
	RestartEngine(ctx context.Context) error
	Status(ctx context.Context) models.Status
	ChangeVariant(ctx context.Context, variant models.EngineVariant) error
	UpdateRunningConfig(ctx context.Context) error
	CheckConfig(ctx context.Context) error
}

// Handler serves the local control API consumed by the CLI and any
// tray frontend.
type Handler struct {
	engine    Engine
	engineLog *logging.EngineLog
	log       *logging.Logger
	registry  *prometheus.Registry
}

// NewHandler creates a handler around the supervisor.
func NewHandler(engine Engine, engineLog *logging.EngineLog, log *logging.Logger, registry *prometheus.Registry) *Handler {
	return &Handler{
		engine:    engine,
		engineLog: engineLog,
		log:       log,
		registry:  registry,
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/status", h.GetStatus).Methods("GET")
	r.HandleFunc("/engine/start", h.StartEngine).Methods("POST")
	r.HandleFunc("/engine/stop", h.StopEngine).Methods("POST")
	r.HandleFunc("/engine/restart", h.RestartEngine).Methods("POST")
	r.HandleFunc("/engine/variant", h.ChangeVariant).Methods("POST")
	r.HandleFunc("/configs", h.UpdateConfigs).Methods("PUT")
	r.HandleFunc("/configs/check", h.CheckConfig).Methods("POST")
	r.HandleFunc("/logs", h.GetLogs).Methods("GET")
	r.HandleFunc("/healthz", h.Health).Methods("GET")
	if h.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	}
}

// GetStatus reports the current engine status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status(r.Context()))
}

// StartEngine runs the engine
func (h *Handler) StartEngine(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Run(r.Context()); err != nil {
		h.log.Error("start request failed", map[string]interface{}{"error": err.Error()})
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "started"})
}

// StopEngine stops the engine
func (h *Handler) StopEngine(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.StopEngine(r.Context()); err != nil {
		h.log.Error("stop request failed", map[string]interface{}{"error": err.Error()})
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "stopped"})
}

// RestartEngine restarts the engine
func (h *Handler) RestartEngine(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RestartEngine(r.Context()); err != nil {
		h.log.Error("restart request failed", map[string]interface{}{"error": err.Error()})
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "restarted"})
}

// ChangeVariant switches the engine variant
func (h *Handler) ChangeVariant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Variant string `json:"variant"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	variant, err := models.ParseVariant(req.Variant)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.engine.ChangeVariant(r.Context(), variant); err != nil {
		h.log.Error("variant change failed", map[string]interface{}{"variant": req.Variant, "error": err.Error()})
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "switched", "variant": req.Variant})
}

// UpdateConfigs pushes regenerated config to the running engine
func (h *Handler) UpdateConfigs(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.UpdateRunningConfig(r.Context()); err != nil {
		h.log.Error("config update failed", map[string]interface{}{"error": err.Error()})
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "updated"})
}

// CheckConfig validates the candidate config without touching the engine
func (h *Handler) CheckConfig(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.CheckConfig(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "valid"})
}

// GetLogs returns the retained engine output lines
func (h *Handler) GetLogs(w http.ResponseWriter, r *http.Request) {
	n := 0
	if q := r.URL.Query().Get("n"); q != "" {
		parsed, err := strconv.Atoi(q)
		if err != nil || parsed < 0 {
			http.Error(w, "Invalid line count", http.StatusBadRequest)
			return
		}
		n = parsed
	}
	lines := h.engineLog.Lines(n)
	writeJSON(w, http.StatusOK, map[string]interface{}{"lines": lines, "count": len(lines)})
}

// Health is a liveness endpoint for the daemon itself
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var notFound *supervisor.NotFoundError
	var validation *supervisor.ValidationError
	var port *supervisor.PortError
	switch {
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &validation):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &port):
		status = http.StatusConflict
	case errors.Is(err, supervisor.ErrAlreadyStopped):
		status = http.StatusConflict
	}

	writeJSON(w, status, map[string]string{"error": err.Error()})
}
