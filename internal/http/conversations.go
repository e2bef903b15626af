package http

import (
	"errors"
	"net/http"

	"github.com/nextlevelbuilder/relaydesk/internal/deployment"
	"github.com/nextlevelbuilder/relaydesk/internal/handoff"
	"github.com/nextlevelbuilder/relaydesk/internal/store"
)

// ConversationsHandler records AI turns and moves conversations between
// the AI and human agents. Conversations are addressed within their tenant
// and every endpoint is administrator-only.
type ConversationsHandler struct {
	tracker  *handoff.Tracker
	registry *deployment.Registry
	token    string
	maxBody  int64
}

func NewConversationsHandler(tracker *handoff.Tracker, registry *deployment.Registry, token string, maxBody int64) *ConversationsHandler {
	return &ConversationsHandler{tracker: tracker, registry: registry, token: token, maxBody: maxBody}
}

func (h *ConversationsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/tenants/{tenant}/conversations/{id}/handoff", authMiddleware(h.token, adminOnly(h.handleGet)))
	mux.HandleFunc("POST /v1/tenants/{tenant}/conversations/{id}/ai-turns", authMiddleware(h.token, adminOnly(h.handleAITurn)))
	mux.HandleFunc("POST /v1/tenants/{tenant}/conversations/{id}/takeover", authMiddleware(h.token, adminOnly(h.handleTakeover)))
	mux.HandleFunc("POST /v1/tenants/{tenant}/conversations/{id}/reactivate", authMiddleware(h.token, adminOnly(h.handleReactivate)))
}

func adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if requireAdmin(w, r) {
			next(w, r)
		}
	}
}

func (h *ConversationsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	st, err := h.tracker.Peek(r.Context(), r.PathValue("tenant"), r.PathValue("id"), nil)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleAITurn counts one AI-authored reply. The governing deployment is
// resolved from the body so its handoff threshold applies; campaign
// conversations without one are counted without a threshold.
func (h *ConversationsHandler) handleAITurn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Channel  store.Channel     `json:"channel"`
		Resource store.ResourceRef `json:"resource"`
	}
	if !readJSON(w, r, h.maxBody, &req) {
		return
	}
	if !req.Channel.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "a valid channel is required"})
		return
	}

	tenant := r.PathValue("tenant")
	dep, err := h.registry.Resolve(r.Context(), tenant, req.Channel, req.Resource)
	if err != nil {
		if !errors.Is(err, deployment.ErrResourceNotFound) {
			writeError(w, r, err)
			return
		}
		dep = nil
	}

	st, err := h.tracker.RecordAITurn(r.Context(), tenant, r.PathValue("id"), dep)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := map[string]any{"handoff": st}
	if dep != nil && st.State == store.StateHandedOff && dep.Messages.Handoff != "" {
		resp["handoff_message"] = dep.Messages.Handoff
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *ConversationsHandler) handleTakeover(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !readJSON(w, r, h.maxBody, &req) {
		return
	}
	st, err := h.tracker.Takeover(r.Context(), r.PathValue("tenant"), r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *ConversationsHandler) handleReactivate(w http.ResponseWriter, r *http.Request) {
	st, err := h.tracker.Reactivate(r.Context(), r.PathValue("tenant"), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
