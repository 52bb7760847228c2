package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"msgcore/internal/authz"
	"msgcore/internal/domain"
	"msgcore/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type createRequest struct {
	Recipient        string           `json:"recipient"`
	Type             string           `json:"type"`
	Plaintext        []byte           `json:"plaintext"`
	SenderPrivateKey []byte           `json:"senderPrivateKey"`
	MediaMetadata    []byte           `json:"mediaMetadata,omitempty"`
	MediaSize        int64            `json:"mediaSize,omitempty"`
	Location         []byte           `json:"location,omitempty"`
	Call             *domain.CallInfo `json:"call,omitempty"`
	ReplyTo          string           `json:"replyTo,omitempty"`
	ForwardedFrom    string           `json:"forwardedFrom,omitempty"`
	ExpiresAt        *time.Time       `json:"expiresAt,omitempty"`
}

type messageResponse struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	Sender         string     `json:"sender"`
	Recipient      string     `json:"recipient"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	Visibility     string     `json:"visibility"`
	SentAt         time.Time  `json:"sentAt"`
	IsEdited       bool       `json:"isEdited"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
}

func toMessageResponse(m *domain.Message) messageResponse {
	return messageResponse{
		ID:             m.ID.String(),
		ConversationID: m.ConversationID,
		Sender:         m.SenderID.String(),
		Recipient:      m.RecipientID.String(),
		Type:           string(m.Type),
		Status:         string(m.Status),
		Visibility:     string(m.Visibility),
		SentAt:         m.SentAt,
		IsEdited:       m.IsEdited,
		ExpiresAt:      m.ExpiresAt,
	}
}

func optionalUUID(s string) (*uuid.UUID, bool) {
	if s == "" {
		return nil, true
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, false
	}
	return &id, true
}

func (h *Handler) createMessage(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed body"})
		return
	}
	recipient, err := uuid.Parse(req.Recipient)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid recipient"})
		return
	}
	replyTo, ok := optionalUUID(req.ReplyTo)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid replyTo"})
		return
	}
	forwardedFrom, ok := optionalUUID(req.ForwardedFrom)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid forwardedFrom"})
		return
	}

	msg, err := h.core.CreateMessage(r.Context(), service.CreateInput{
		Sender:           authz.ActorFromContext(r.Context()),
		Recipient:        recipient,
		Type:             domain.MessageType(req.Type),
		Plaintext:        req.Plaintext,
		SenderPrivateKey: req.SenderPrivateKey,
		MediaMetadata:    req.MediaMetadata,
		MediaSize:        req.MediaSize,
		Location:         req.Location,
		Call:             req.Call,
		ReplyTo:          replyTo,
		ForwardedFrom:    forwardedFrom,
		ExpiresAt:        req.ExpiresAt,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMessageResponse(msg))
}

type transitionRequest struct {
	Action string            `json:"action"`
	Meta   map[string]string `json:"meta,omitempty"`
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid message id"})
		return
	}
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed body"})
		return
	}
	msg, err := h.core.Transition(r.Context(), id, service.Action(req.Action), authz.ActorFromContext(r.Context()), req.Meta)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageResponse(msg))
}

type editRequest struct {
	Plaintext        []byte `json:"plaintext"`
	SenderPrivateKey []byte `json:"senderPrivateKey"`
}

func (h *Handler) editMessage(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid message id"})
		return
	}
	var req editRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed body"})
		return
	}
	msg, err := h.core.EditMessage(r.Context(), id, authz.ActorFromContext(r.Context()), req.Plaintext, req.SenderPrivateKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageResponse(msg))
}

func (h *Handler) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid message id"})
		return
	}
	scope := domain.DeleteScope(r.URL.Query().Get("scope"))
	if scope == "" {
		scope = domain.DeleteForMe
	}
	msg, err := h.core.DeleteMessage(r.Context(), id, authz.ActorFromContext(r.Context()), scope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageResponse(msg))
}

type reactRequest struct {
	Emoji string `json:"emoji"`
}

func (h *Handler) react(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid message id"})
		return
	}
	var req reactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed body"})
		return
	}
	msg, err := h.core.React(r.Context(), id, authz.ActorFromContext(r.Context()), req.Emoji)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageResponse(msg))
}

func (h *Handler) unreact(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid message id"})
		return
	}
	msg, err := h.core.Unreact(r.Context(), id, authz.ActorFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageResponse(msg))
}

type bulkReadRequest struct {
	MessageIDs        []string `json:"messageIds"`
	DeviceTag         string   `json:"deviceTag"`
	ConversationScope string   `json:"conversationScope,omitempty"`
}

func (h *Handler) markManyRead(w http.ResponseWriter, r *http.Request) {
	var req bulkReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed body"})
		return
	}
	ids := make([]uuid.UUID, 0, len(req.MessageIDs))
	for _, raw := range req.MessageIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid message id " + raw})
			return
		}
		ids = append(ids, id)
	}
	result, err := h.core.MarkManyRead(r.Context(), ids, authz.ActorFromContext(r.Context()), req.DeviceTag, req.ConversationScope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid message id"})
		return
	}
	info, err := h.core.Status(r.Context(), id, authz.ActorFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type bulkStatusRequest struct {
	MessageIDs []string `json:"messageIds"`
}

func (h *Handler) bulkStatus(w http.ResponseWriter, r *http.Request) {
	var req bulkStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed body"})
		return
	}
	ids := make([]uuid.UUID, 0, len(req.MessageIDs))
	for _, raw := range req.MessageIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	infos, err := h.core.BulkStatus(r.Context(), ids, authz.ActorFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (h *Handler) conversationStatuses(w http.ResponseWriter, r *http.Request) {
	peer, err := uuid.Parse(chi.URLParam(r, "peer"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid peer id"})
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	infos, err := h.core.ConversationStatuses(r.Context(), authz.ActorFromContext(r.Context()), peer, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (h *Handler) unreadCount(w http.ResponseWriter, r *http.Request) {
	count, err := h.core.UnreadCount(r.Context(), authz.ActorFromContext(r.Context()), r.URL.Query().Get("conversation"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"unread": count})
}

func (h *Handler) deliveryReport(w http.ResponseWriter, r *http.Request) {
	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid from timestamp"})
		return
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid to timestamp"})
		return
	}
	report, err := h.core.GetDeliveryReport(r.Context(), from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// streamEvents holds an SSE connection open and forwards the actor's status
// events from the in-process registry. The session is evicted when the
// client goes away; missed events are recovered through the status queries,
// not replayed here.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "streaming disabled"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}

	sess := h.registry.Register(authz.ActorFromContext(r.Context()))
	defer h.registry.Evict(sess.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sess.C:
			if !open {
				return
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

type keyResponse struct {
	UserID      string    `json:"userId"`
	PublicKey   []byte    `json:"publicKey"`
	PrivateKey  []byte    `json:"privateKey"`
	Version     int       `json:"version"`
	RotateAfter time.Time `json:"rotateAfter"`
}

func (h *Handler) provisionKeys(w http.ResponseWriter, r *http.Request) {
	actor := authz.ActorFromContext(r.Context())
	kp, err := h.core.ProvisionUserKeys(r.Context(), actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, keyResponse{
		UserID:      actor.String(),
		PublicKey:   kp.Public[:],
		PrivateKey:  kp.Private[:],
		Version:     kp.Version,
		RotateAfter: kp.RotateAfter,
	})
}

func (h *Handler) rotateKeys(w http.ResponseWriter, r *http.Request) {
	actor := authz.ActorFromContext(r.Context())
	kp, err := h.core.RotateUserKeys(r.Context(), actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keyResponse{
		UserID:      actor.String(),
		PublicKey:   kp.Public[:],
		PrivateKey:  kp.Private[:],
		Version:     kp.Version,
		RotateAfter: kp.RotateAfter,
	})
}
