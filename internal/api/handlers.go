package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/burpheart/proxycord/internal/recording"
)

const (
	defaultStepLimit = 100
	maxStepLimit     = 10000
)

// Controller is the part of the application the API drives.
type Controller interface {
	Mark(label string) recording.Step
	Drop(n int) int
	List(n int) []recording.Step
	StepCount() int
	ActivePairs() int
	Accepted() int64
	Stop()
}

// Status is the body of GET /api/status.
type Status struct {
	Status      string `json:"status"`
	Steps       int    `json:"steps"`
	ActivePairs int    `json:"active_pairs"`
	Accepted    int64  `json:"accepted"`
	WSClients   int    `json:"ws_clients"`
}

// Handler provides HTTP handlers for the API.
type Handler struct {
	hub    *Hub
	ctrl   Controller
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(hub *Hub, ctrl Controller, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		hub:    hub,
		ctrl:   ctrl,
		logger: logger,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API only binds to loopback.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket streams every newly recorded step to the client.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(h.hub, conn)
	if !h.hub.Register(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	client.ReadPump()
}

// HandleStatus handles GET /api/status.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Status{
		Status:      "running",
		Steps:       h.ctrl.StepCount(),
		ActivePairs: h.ctrl.ActivePairs(),
		Accepted:    h.ctrl.Accepted(),
		WSClients:   h.hub.ClientCount(),
	})
}

// HandleGetSteps handles GET /api/steps, returning the most recent steps
// oldest first.
func (h *Handler) HandleGetSteps(w http.ResponseWriter, r *http.Request) {
	limit := defaultStepLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l <= 0 || l > maxStepLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxStepLimit))
			return
		}
		limit = l
	}

	steps := h.ctrl.List(limit)
	if steps == nil {
		steps = []recording.Step{}
	}
	writeJSON(w, http.StatusOK, steps)
}

// HandleMark handles POST /api/mark?name=label.
func (h *Handler) HandleMark(w http.ResponseWriter, r *http.Request) {
	step := h.ctrl.Mark(r.URL.Query().Get("name"))
	writeJSON(w, http.StatusOK, step)
}

// HandleDrop handles POST /api/drop?n=count. n defaults to 1.
func (h *Handler) HandleDrop(w http.ResponseWriter, r *http.Request) {
	n := 1
	if nStr := r.URL.Query().Get("n"); nStr != "" {
		v, err := strconv.Atoi(nStr)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "n must be a non-negative integer")
			return
		}
		n = v
	}
	writeJSON(w, http.StatusOK, map[string]int{"dropped": h.ctrl.Drop(n)})
}

// HandleShutdown handles POST /api/shutdown. The reply is sent before the
// application starts stopping.
func (h *Handler) HandleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
	h.logger.Info("shutdown requested over api", zap.String("remote", r.RemoteAddr))
	go h.ctrl.Stop()
}

// HandleCORS handles CORS preflight requests.
func (h *Handler) HandleCORS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusOK)
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/steps", h.HandleWebSocket)

	mux.HandleFunc("/api/status", h.only(http.MethodGet, h.HandleStatus))
	mux.HandleFunc("/api/steps", h.only(http.MethodGet, h.HandleGetSteps))
	mux.HandleFunc("/api/mark", h.only(http.MethodPost, h.HandleMark))
	mux.HandleFunc("/api/drop", h.only(http.MethodPost, h.HandleDrop))
	mux.HandleFunc("/api/shutdown", h.only(http.MethodPost, h.HandleShutdown))
}

// only answers preflight requests and rejects every method but method.
func (h *Handler) only(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodOptions:
			h.HandleCORS(w, r)
		case method:
			next(w, r)
		default:
			w.Header().Set("Allow", method+", OPTIONS")
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
