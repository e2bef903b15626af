package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/relaydesk/internal/bus"
	"github.com/nextlevelbuilder/relaydesk/internal/queue"
	"github.com/nextlevelbuilder/relaydesk/internal/routing"
	"github.com/nextlevelbuilder/relaydesk/internal/store"
)

// InboundHandler routes messages from the ingestion collaborator, answers
// AI status queries and enqueues outbound channel messages.
type InboundHandler struct {
	router  *routing.Router
	queue   queue.Queue
	token   string
	maxBody int64
	limiter *TenantRateLimiter
}

func NewInboundHandler(router *routing.Router, q queue.Queue, token string, maxBody int64, limiter *TenantRateLimiter) *InboundHandler {
	return &InboundHandler{router: router, queue: q, token: token, maxBody: maxBody, limiter: limiter}
}

func (h *InboundHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/inbound", authMiddleware(h.token, h.handleInbound))
	mux.HandleFunc("GET /v1/tenants/{tenant}/ai-status", authMiddleware(h.token, h.handleAIStatus))
	mux.HandleFunc("POST /v1/outbound", authMiddleware(h.token, h.handleOutbound))
}

// decisionResponse adds the failure cause, which Decision keeps out of its JSON.
type decisionResponse struct {
	Decision  routing.Decision   `json:"decision"`
	Cause     string             `json:"cause,omitempty"`
	CauseKind routing.LookupKind `json:"cause_kind,omitempty"`
}

func newDecisionResponse(d routing.Decision) decisionResponse {
	resp := decisionResponse{Decision: d}
	if d.Cause != nil {
		resp.Cause = d.Cause.Error()
		resp.CauseKind = d.CauseKind()
	}
	return resp
}

func (h *InboundHandler) handleInbound(w http.ResponseWriter, r *http.Request) {
	var msg bus.InboundMessage
	if !readJSON(w, r, h.maxBody, &msg) {
		return
	}
	if !h.limiter.Allow(msg.TenantID) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "tenant rate limit exceeded"})
		return
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	d, err := h.router.Route(r.Context(), msg)
	if err != nil {
		if errors.Is(err, queue.ErrQueueUnavailable) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error":    err.Error(),
				"decision": d,
			})
			return
		}
		writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if d.Destination == routing.DestinationNone {
		status = http.StatusOK
	}
	writeJSON(w, status, newDecisionResponse(d))
}

func (h *InboundHandler) handleAIStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	channel := store.Channel(q.Get("channel"))
	if !channel.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "channel must be one of email, phone, whatsapp, widget"})
		return
	}
	ref := store.ResourceRef{Kind: store.RefKind(q.Get("kind")), ID: q.Get("ref")}
	if !ref.IsZero() && (ref.ID == "" || !ref.BelongsTo(channel)) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "kind and ref must name a resource of the channel"})
		return
	}

	d := h.router.Status(r.Context(), routing.StatusQuery{
		TenantID:       r.PathValue("tenant"),
		Channel:        channel,
		Resource:       ref,
		ConversationID: q.Get("conversation"),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"should_respond": d.Destination == queue.DestAI,
		"status":         newDecisionResponse(d),
	})
}

func (h *InboundHandler) handleOutbound(w http.ResponseWriter, r *http.Request) {
	var msg bus.OutboundMessage
	if !readJSON(w, r, h.maxBody, &msg) {
		return
	}
	if err := msg.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if msg.MessageID == "" {
		msg.MessageID = store.GenNewID().String()
	}

	e := queue.Entry{
		MessageID:      msg.MessageID,
		TenantID:       msg.TenantID,
		ConversationID: msg.ConversationID,
		Channel:        msg.Channel,
		Destination:    queue.DestOutbound,
		Recipient:      msg.Recipient,
		Body:           msg.Body,
		Subject:        msg.Subject,
	}
	id, err := h.queue.Enqueue(r.Context(), e.Stream(), e)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"entry_id": id, "message_id": msg.MessageID, "stream": e.Stream()})
}
