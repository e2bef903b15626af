// Package http exposes the routing, registry and queue operations over a
// JSON API on net/http's ServeMux.
package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nextlevelbuilder/relaydesk/internal/deployment"
	"github.com/nextlevelbuilder/relaydesk/internal/handoff"
	"github.com/nextlevelbuilder/relaydesk/internal/queue"
	"github.com/nextlevelbuilder/relaydesk/internal/routing"
	"github.com/nextlevelbuilder/relaydesk/internal/schedule"
	"github.com/nextlevelbuilder/relaydesk/internal/store"
)

// UserIDHeader names the header carrying the acting user. Requests without
// it act with full administrative rights; requests with it are limited to
// that user's delegated access.
const UserIDHeader = "X-Relaydesk-User-Id"

const defaultMaxBody = 1 << 20

// Deps wires the API to the service.
type Deps struct {
	Router       *routing.Router
	Registry     *deployment.Registry
	Handoff      *handoff.Tracker
	Queue        queue.Queue
	Token        string // bearer token; empty disables auth
	MaxBodyBytes int64
	RateLimitRPM int // per-tenant inbound limit; 0 = unlimited
	Version      string
}

// NewServeMux registers every route.
func NewServeMux(d Deps) *http.ServeMux {
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = defaultMaxBody
	}
	mux := http.NewServeMux()

	NewInboundHandler(d.Router, d.Queue, d.Token, d.MaxBodyBytes, NewTenantRateLimiter(d.RateLimitRPM)).RegisterRoutes(mux)
	NewDeploymentsHandler(d.Registry, d.Token, d.MaxBodyBytes).RegisterRoutes(mux)
	NewConversationsHandler(d.Handoff, d.Registry, d.Token, d.MaxBodyBytes).RegisterRoutes(mux)
	NewDeadLettersHandler(d.Queue, d.Token).RegisterRoutes(mux)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": d.Version})
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// authMiddleware checks the bearer token and puts the acting user on the context.
func authMiddleware(token string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token != "" && extractBearerToken(r) != token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		if userID := extractUserID(r); userID != "" {
			r = r.WithContext(store.WithUserID(r.Context(), userID))
		}
		next(w, r)
	}
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}

func extractUserID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(UserIDHeader))
}

func readJSON(w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": fmt.Sprintf("body exceeds %d bytes", tooBig.Limit)})
			return false
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps the service's error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, deployment.ErrInvalidResourceBinding),
		errors.Is(err, deployment.ErrInvalidDeployment),
		errors.Is(err, schedule.ErrInvalidSchedule),
		errors.Is(err, routing.ErrInvalidMessage):
		status = http.StatusBadRequest
	case errors.Is(err, deployment.ErrResourceNotFound), errors.Is(err, store.ErrNotFound),
		errors.Is(err, queue.ErrDeadLetterNotFound):
		status = http.StatusNotFound
	case errors.Is(err, queue.ErrQueueUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		slog.Error("http request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
