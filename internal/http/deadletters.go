package http

import (
	"net/http"
	"slices"
	"strconv"

	"github.com/nextlevelbuilder/relaydesk/internal/queue"
)

// DeadLettersHandler lists and replays entries set aside by the worker pools.
type DeadLettersHandler struct {
	queue queue.Queue
	token string
}

func NewDeadLettersHandler(q queue.Queue, token string) *DeadLettersHandler {
	return &DeadLettersHandler{queue: q, token: token}
}

func (h *DeadLettersHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/deadletters/{stream}", authMiddleware(h.token, h.handleList))
	mux.HandleFunc("POST /v1/deadletters/{stream}/{id}/replay", authMiddleware(h.token, h.handleReplay))
}

func knownStream(w http.ResponseWriter, r *http.Request) (string, bool) {
	s := r.PathValue("stream")
	if !slices.Contains(queue.Streams(), s) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown stream " + s})
		return "", false
	}
	return s, true
}

func (h *DeadLettersHandler) handleList(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	stream, ok := knownStream(w, r)
	if !ok {
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	dead, err := h.queue.DeadLetters(r.Context(), stream, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if dead == nil {
		dead = []queue.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": dead})
}

func (h *DeadLettersHandler) handleReplay(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	stream, ok := knownStream(w, r)
	if !ok {
		return
	}
	id, err := h.queue.Requeue(r.Context(), stream, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"entry_id": id})
}
