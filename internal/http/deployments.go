package http

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/relaydesk/internal/deployment"
	"github.com/nextlevelbuilder/relaydesk/internal/store"
)

// DeploymentsHandler administers deployments and their delegated access.
type DeploymentsHandler struct {
	registry *deployment.Registry
	token    string
	maxBody  int64
}

func NewDeploymentsHandler(registry *deployment.Registry, token string, maxBody int64) *DeploymentsHandler {
	return &DeploymentsHandler{registry: registry, token: token, maxBody: maxBody}
}

func (h *DeploymentsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/deployments", authMiddleware(h.token, h.handleCreate))
	mux.HandleFunc("GET /v1/deployments/{id}", authMiddleware(h.token, h.handleGet))
	mux.HandleFunc("PATCH /v1/deployments/{id}", authMiddleware(h.token, h.handleUpdate))
	mux.HandleFunc("GET /v1/tenants/{tenant}/deployments", authMiddleware(h.token, h.handleList))
	mux.HandleFunc("GET /v1/deployments/{id}/access", authMiddleware(h.token, h.handleListAccess))
	mux.HandleFunc("POST /v1/deployments/{id}/access", authMiddleware(h.token, h.handleGrant))
	mux.HandleFunc("DELETE /v1/deployments/{id}/access/{userID}", authMiddleware(h.token, h.handleRevoke))
}

// authorize reports whether the acting user may exercise perm. Requests
// without a user act as administrators.
func (h *DeploymentsHandler) authorize(w http.ResponseWriter, r *http.Request, id uuid.UUID, perm store.Permission) bool {
	userID := store.UserIDFromContext(r.Context())
	if userID == "" {
		return true
	}
	ok, err := h.registry.Can(r.Context(), userID, id, perm)
	if err != nil {
		writeError(w, r, err)
		return false
	}
	if !ok {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "missing " + string(perm) + " access"})
		return false
	}
	return true
}

func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if store.UserIDFromContext(r.Context()) != "" {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "administrator access required"})
		return false
	}
	return true
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid deployment ID"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *DeploymentsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	var req deployment.CreateRequest
	if !readJSON(w, r, h.maxBody, &req) {
		return
	}
	d, err := h.registry.Create(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (h *DeploymentsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok || !h.authorize(w, r, id, store.PermView) {
		return
	}
	d, err := h.registry.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *DeploymentsHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var p deployment.Patch
	if !readJSON(w, r, h.maxBody, &p) {
		return
	}
	if p.IsEmpty() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "patch sets no fields"})
		return
	}

	// Flipping enabled alone needs toggle; anything else needs configure.
	rest := p
	rest.Enabled = nil
	perm := store.PermConfigure
	if rest.IsEmpty() {
		perm = store.PermToggle
	}
	if !h.authorize(w, r, id, perm) {
		return
	}

	d, err := h.registry.Update(r.Context(), id, p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *DeploymentsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	channel := store.Channel(r.URL.Query().Get("channel"))
	list, err := h.registry.List(r.Context(), r.PathValue("tenant"), channel)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if userID := store.UserIDFromContext(r.Context()); userID != "" {
		visible := list[:0:0]
		for _, d := range list {
			ok, err := h.registry.Can(r.Context(), userID, d.ID, store.PermView)
			if err != nil {
				writeError(w, r, err)
				return
			}
			if ok {
				visible = append(visible, d)
			}
		}
		list = visible
	}
	if list == nil {
		list = []store.DeploymentData{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": list})
}

func (h *DeploymentsHandler) handleListAccess(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok || !requireAdmin(w, r) {
		return
	}
	grants, err := h.registry.ListAccess(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if grants == nil {
		grants = []store.DelegatedAccessData{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"access": grants})
}

func (h *DeploymentsHandler) handleGrant(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok || !requireAdmin(w, r) {
		return
	}
	var req struct {
		UserID      string             `json:"user_id"`
		Permissions []store.Permission `json:"permissions"`
		GrantedBy   string             `json:"granted_by"`
	}
	if !readJSON(w, r, h.maxBody, &req) {
		return
	}
	if req.GrantedBy == "" {
		req.GrantedBy = "admin"
	}
	g, err := h.registry.Grant(r.Context(), id, req.UserID, req.Permissions, req.GrantedBy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (h *DeploymentsHandler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok || !requireAdmin(w, r) {
		return
	}
	if err := h.registry.Revoke(r.Context(), id, r.PathValue("userID")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}
