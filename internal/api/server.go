// Package api is the HTTP ingress. It authenticates callers, enforces
// tier and quota policy, persists jobs and hands them to the queue; all
// detection work happens in the workers.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sentinyl/backend/internal/billing"
	"github.com/sentinyl/backend/internal/queue"
	"github.com/sentinyl/backend/internal/store"
)

// Server owns the router and the collaborators every handler shares.
type Server struct {
	store          *store.Store
	queue          queue.Queue
	billing        *billing.Service
	logger         *slog.Logger
	allowedOrigins []string

	// now is injected so countdown arithmetic is testable.
	now func() time.Time
}

// New assembles the ingress. billing may be nil when no payment provider
// is configured; the billing routes then answer 503.
func New(s *store.Store, q queue.Queue, b *billing.Service, allowedOrigins []string, logger *slog.Logger) *Server {
	return &Server{
		store:          s,
		queue:          q,
		billing:        b,
		logger:         logger,
		allowedOrigins: allowedOrigins,
		now:            time.Now,
	}
}

// Router builds the full route table with middleware applied. CORS wraps
// outside the mux so preflight requests are answered even for routes that
// only register other methods.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	// Unauthenticated surface.
	r.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/auth/register", s.handleRegister()).Methods(http.MethodPost)
	if s.billing != nil {
		r.HandleFunc("/billing/webhook", s.billing.WebhookHandler()).Methods(http.MethodPost)
	}

	// Everything below requires a valid API key.
	authed := r.NewRoute().Subrouter()
	authed.Use(s.authenticate)

	authed.HandleFunc("/scan", s.requireFeature("scout", s.handleScan())).Methods(http.MethodPost)
	authed.HandleFunc("/results/{job_id}", s.handleResults()).Methods(http.MethodGet)

	authed.HandleFunc("/guard/alert", s.requireFeature("guard", s.handleGuardAlert())).Methods(http.MethodPost)
	authed.HandleFunc("/guard/response", s.handleGuardResponse()).Methods(http.MethodPost)
	authed.HandleFunc("/guard/status/{agent_id}", s.handleGuardStatus()).Methods(http.MethodGet)

	authed.HandleFunc("/auth/me", s.handleMe()).Methods(http.MethodGet)
	authed.HandleFunc("/auth/keys", s.handleListKeys()).Methods(http.MethodGet)
	authed.HandleFunc("/auth/keys", s.handleCreateKey()).Methods(http.MethodPost)
	authed.HandleFunc("/auth/keys/{key_id}", s.handleRevokeKey()).Methods(http.MethodDelete)

	authed.HandleFunc("/stats", s.handleStats()).Methods(http.MethodGet)
	if s.billing != nil {
		authed.HandleFunc("/billing/subscribe", s.handleSubscribe()).Methods(http.MethodPost)
	}

	var h http.Handler = r
	h = s.rateLimit(newRateLimiter(defaultRateLimit, defaultRateWindow))(h)
	h = s.cors(h)
	h = s.logRequests(h)
	return h
}

// respondJSON writes a JSON body with the given status.
func (s *Server) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("write response failed", "error", err)
	}
}

// respondError writes the stable error shape. detail is a string for
// simple failures or an object when the caller can act on structure
// (quota payloads carry reset time and upgrade URL).
func (s *Server) respondError(w http.ResponseWriter, status int, detail any) {
	s.respondJSON(w, status, map[string]any{"detail": detail})
}

func (s *Server) handleHealth() http.HandlerFunc {
	type health struct {
		Status   string `json:"status"`
		Database string `json:"database"`
		Redis    string `json:"redis"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		h := health{Status: "ok", Database: "up", Redis: "up"}
		status := http.StatusOK
		if err := s.store.Ping(ctx); err != nil {
			h.Status, h.Database = "degraded", "down"
			status = http.StatusServiceUnavailable
		}
		if err := s.queue.Ping(ctx); err != nil {
			h.Status, h.Redis = "degraded", "down"
			status = http.StatusServiceUnavailable
		}
		s.respondJSON(w, status, h)
	}
}

func (s *Server) handleStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.store.GetStats(r.Context())
		if err != nil {
			s.logger.Error("stats query failed", "error", err)
			s.respondError(w, http.StatusInternalServerError, "could not load statistics")
			return
		}
		s.respondJSON(w, http.StatusOK, stats)
	}
}
