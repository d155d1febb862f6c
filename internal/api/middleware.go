package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sentinyl/backend/internal/auth"
	"github.com/sentinyl/backend/internal/store"
)

type contextKey string

const (
	ctxUserID contextKey = "user_id"
	ctxKeyID  contextKey = "api_key_id"
)

const (
	defaultRateLimit  = 120
	defaultRateWindow = time.Minute
)

// userID pulls the authenticated caller from the request context.
func userID(r *http.Request) uuid.UUID {
	id, _ := r.Context().Value(ctxUserID).(uuid.UUID)
	return id
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// rateLimiter is a sliding-window counter per client key. Entries are
// pruned lazily on access.
type rateLimiter struct {
	mu      sync.Mutex
	hits    map[string][]time.Time
	limit   int
	window  time.Duration
	nowFunc func() time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		hits:    make(map[string][]time.Time),
		limit:   limit,
		window:  window,
		nowFunc: time.Now,
	}
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFunc()
	cutoff := now.Add(-rl.window)

	recent := rl.hits[key][:0]
	for _, t := range rl.hits[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= rl.limit {
		rl.hits[key] = recent
		return false
	}
	rl.hits[key] = append(recent, now)
	return true
}

func (s *Server) rateLimit(rl *rateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)
			if !rl.allow(key) {
				s.respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientKey prefers the API key prefix so NATed clients are not lumped
// together; unauthenticated requests fall back to the source IP.
func clientKey(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		if prefix := auth.KeyPrefix(token); prefix != "" {
			return "key:" + prefix
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// authenticate resolves the bearer token to a user. The prefix column
// narrows candidates before the bcrypt comparisons; the error message is
// identical for every failure mode so keys cannot be enumerated.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" || !auth.ValidFormat(token) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			s.respondError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}

		candidates, err := s.store.FindKeysByPrefix(r.Context(), auth.KeyPrefix(token))
		if err != nil {
			s.logger.Error("key lookup failed", "error", err)
			s.respondError(w, http.StatusInternalServerError, "authentication unavailable")
			return
		}

		var matched *store.APIKey
		for i := range candidates {
			if auth.VerifyKey(token, candidates[i].KeyHash) {
				matched = &candidates[i]
				break
			}
		}
		if matched == nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			s.respondError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}

		if err := s.store.TouchAPIKey(r.Context(), matched.ID); err != nil {
			s.logger.Warn("touch api key failed", "error", err)
		}

		ctx := context.WithValue(r.Context(), ctxUserID, matched.UserID)
		ctx = context.WithValue(ctx, ctxKeyID, matched.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireFeature gates a handler on the caller's subscription tier.
func (s *Server) requireFeature(feature string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, err := s.store.GetSubscription(r.Context(), userID(r))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.respondError(w, http.StatusForbidden, map[string]any{
					"error":       "no active subscription",
					"upgrade_url": "/billing/subscribe?tier=" + upgradeTierFor(feature),
				})
				return
			}
			s.logger.Error("subscription lookup failed", "error", err)
			s.respondError(w, http.StatusInternalServerError, "could not verify subscription")
			return
		}
		if !auth.HasFeature(sub.Tier, feature) {
			s.respondError(w, http.StatusForbidden, map[string]any{
				"error":       "subscription tier does not include " + feature,
				"tier":        sub.Tier,
				"upgrade_url": "/billing/subscribe?tier=" + upgradeTierFor(feature),
			})
			return
		}
		next(w, r)
	}
}

func upgradeTierFor(feature string) string {
	if feature == "guard" {
		return auth.TierGuardLite
	}
	return auth.TierScoutPro
}
