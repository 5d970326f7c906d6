package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/aklyachkin/syncwire/auth"
	"github.com/aklyachkin/syncwire/logging"
)

// Handler terminates HTTP: the websocket upgrade endpoint and a health probe.
type Handler struct {
	registry   *Registry
	authorizer auth.Authorizer
	presence   *Presence
	logger     *logging.Logger

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	upgrader websocket.Upgrader
}

func NewHandler(registry *Registry, authorizer auth.Authorizer, presence *Presence,
	heartbeatInterval, heartbeatTimeout time.Duration, logger *logging.Logger) *Handler {
	return &Handler{
		registry:          registry,
		authorizer:        authorizer,
		presence:          presence,
		logger:            logger.WithComponent("server/handler"),
		heartbeatInterval: heartbeatInterval,
		heartbeatTimeout:  heartbeatTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from any origin; auth happens via the
			// connection payload, not cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router builds the HTTP routes.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.handleHealth)
	r.Get("/ws", h.handleWS)
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleWS authenticates the connection payload, upgrades, and runs the
// session until the socket closes.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	storeID := r.URL.Query().Get("storeId")
	if storeID == "" {
		http.Error(w, "missing storeId", http.StatusBadRequest)
		return
	}

	payload := []byte(r.URL.Query().Get("payload"))
	info, err := h.authorizer.Authorize(r.Context(), storeID, payload)
	if err != nil {
		h.logger.Warn("connection rejected", "store_id", storeID, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("upgrade failed", "store_id", storeID, "error", err)
		return
	}

	coord := h.registry.Get(storeID)
	sess := NewSession(conn, storeID, coord, info, h.presence,
		h.heartbeatInterval, h.heartbeatTimeout, h.logger)

	h.logger.Info("session connected",
		slog.String("store_id", storeID),
		slog.String("session_id", sess.ID()),
		slog.Bool("authenticated", info.Authenticated))

	sess.Run(r.Context())
}
