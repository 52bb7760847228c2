package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"msgcore/internal/crypto"
	"msgcore/internal/domain"
	"msgcore/internal/events"
	"msgcore/internal/service"
	"msgcore/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Handler struct {
	core     *service.Core
	registry *events.Registry
}

// NewRouter wires the boundary operations of the messaging core. The actor
// on every mutating route comes from the auth middleware; the core
// re-validates it against the message parties.
func NewRouter(core *service.Core, registry *events.Registry, authMiddleware func(http.Handler) http.Handler) http.Handler {
	h := &Handler{core: core, registry: registry}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if authMiddleware != nil {
			r.Use(authMiddleware)
		}
		r.Post("/messages", h.createMessage)
		r.Post("/messages/read-bulk", h.markManyRead)
		r.Post("/messages/{id}/transition", h.transition)
		r.Post("/messages/{id}/edit", h.editMessage)
		r.Delete("/messages/{id}", h.deleteMessage)
		r.Post("/messages/{id}/reactions", h.react)
		r.Delete("/messages/{id}/reactions", h.unreact)
		r.Get("/messages/{id}/status", h.status)
		r.Post("/status/bulk", h.bulkStatus)
		r.Get("/conversations/{peer}/statuses", h.conversationStatuses)
		r.Get("/unread-count", h.unreadCount)
		r.Get("/reports/delivery", h.deliveryReport)
		r.Post("/keys/provision", h.provisionKeys)
		r.Post("/keys/rotate", h.rotateKeys)
		r.Get("/events/stream", h.streamEvents)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, domain.ErrUnauthorizedTransition), errors.Is(err, domain.ErrDeletionNotPermitted):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrIllegalTransition):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, domain.ErrInvalidMessage):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, crypto.ErrEncrypt), errors.Is(err, crypto.ErrDecrypt), errors.Is(err, crypto.ErrCryptoInit):
		// Confidentiality failures surface as-is, never masked or retried.
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	default:
		slog.Error("internal error", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}
