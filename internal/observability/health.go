package observability

import (
	"encoding/json"
	"net/http"
	"sync"
)

// HealthServer exposes /healthz and /readyz endpoints. Readiness follows the
// pipeline state reported through SetState.
type HealthServer struct {
	mu    sync.RWMutex
	state string
	ready bool
}

// NewHealthServer creates a health server in the "initializing" state.
func NewHealthServer() *HealthServer {
	return &HealthServer{state: "initializing"}
}

// SetState records the current pipeline state and whether it accepts work.
func (h *HealthServer) SetState(state string, ready bool) {
	h.mu.Lock()
	h.state = state
	h.ready = ready
	h.mu.Unlock()
}

// Handler returns an http.Handler with health and readiness endpoints.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	return mux
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	h.mu.RLock()
	state, ready := h.state, h.ready
	h.mu.RUnlock()

	if ready {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "state": state})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "state": state})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
