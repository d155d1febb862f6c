package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sentinyl/backend/internal/auth"
	"github.com/sentinyl/backend/internal/store"
)

func (s *Server) handleRegister() http.HandlerFunc {
	type request struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		email := strings.ToLower(strings.TrimSpace(req.Email))
		if email == "" || !strings.Contains(email, "@") {
			s.respondError(w, http.StatusBadRequest, "a valid email is required")
			return
		}

		user, err := s.store.CreateUser(r.Context(), email, strings.TrimSpace(req.Name))
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				s.respondError(w, http.StatusConflict, "email already registered")
				return
			}
			s.logger.Error("user create failed", "error", err)
			s.respondError(w, http.StatusInternalServerError, "could not create account")
			return
		}

		tier := auth.Tiers[auth.TierFree]
		sub, err := s.store.CreateSubscription(r.Context(), user.ID, auth.TierFree,
			tier.ScanQuota, tier.AgentQuota)
		if err != nil {
			s.logger.Error("subscription create failed", "user", user.ID, "error", err)
			s.respondError(w, http.StatusInternalServerError, "could not create account")
			return
		}

		plain, hash, prefix, err := auth.GenerateKey()
		if err != nil {
			s.logger.Error("key generation failed", "user", user.ID, "error", err)
			s.respondError(w, http.StatusInternalServerError, "could not issue API key")
			return
		}
		key := &store.APIKey{
			UserID:    user.ID,
			KeyHash:   hash,
			KeyPrefix: prefix,
			Name:      "default",
		}
		if err := s.store.InsertAPIKey(r.Context(), key); err != nil {
			s.logger.Error("key insert failed", "user", user.ID, "error", err)
			s.respondError(w, http.StatusInternalServerError, "could not issue API key")
			return
		}

		// The plaintext key appears here and nowhere else.
		s.respondJSON(w, http.StatusCreated, map[string]any{
			"user_id": user.ID,
			"email":   user.Email,
			"tier":    sub.Tier,
			"api_key": plain,
			"message": "Store this key now; it cannot be retrieved again.",
		})
	}
}

func (s *Server) handleMe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.store.GetUser(r.Context(), userID(r))
		if err != nil {
			s.logger.Error("user lookup failed", "error", err)
			s.respondError(w, http.StatusInternalServerError, "could not load account")
			return
		}
		sub, err := s.store.GetSubscription(r.Context(), userID(r))
		if err != nil {
			s.logger.Error("subscription lookup failed", "error", err)
			s.respondError(w, http.StatusInternalServerError, "could not load account")
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]any{
			"user_id": user.ID,
			"email":   user.Email,
			"name":    user.Name,
			"subscription": map[string]any{
				"tier":        sub.Tier,
				"status":      sub.Status,
				"scan_quota":  sub.ScanQuota,
				"scan_used":   sub.ScanUsed,
				"agent_quota": sub.AgentQuota,
				"resets_at":   sub.CycleEnd.Format(time.RFC3339),
			},
		})
	}
}

func (s *Server) handleListKeys() http.HandlerFunc {
	type keyResponse struct {
		ID         uuid.UUID  `json:"id"`
		Prefix     string     `json:"prefix"`
		Name       string     `json:"name"`
		Revoked    bool       `json:"revoked"`
		LastUsedAt *time.Time `json:"last_used_at,omitempty"`
		CreatedAt  time.Time  `json:"created_at"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := s.store.ListAPIKeys(r.Context(), userID(r))
		if err != nil {
			s.logger.Error("key list failed", "error", err)
			s.respondError(w, http.StatusInternalServerError, "could not list keys")
			return
		}
		out := []keyResponse{}
		for _, k := range keys {
			out = append(out, keyResponse{
				ID:         k.ID,
				Prefix:     k.KeyPrefix,
				Name:       k.Name,
				Revoked:    k.Revoked,
				LastUsedAt: k.LastUsedAt,
				CreatedAt:  k.CreatedAt,
			})
		}
		s.respondJSON(w, http.StatusOK, map[string]any{"keys": out})
	}
}

func (s *Server) handleCreateKey() http.HandlerFunc {
	type request struct {
		Name string `json:"name"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		name := strings.TrimSpace(req.Name)
		if name == "" {
			name = "unnamed"
		}

		plain, hash, prefix, err := auth.GenerateKey()
		if err != nil {
			s.logger.Error("key generation failed", "error", err)
			s.respondError(w, http.StatusInternalServerError, "could not issue API key")
			return
		}
		key := &store.APIKey{
			UserID:    userID(r),
			KeyHash:   hash,
			KeyPrefix: prefix,
			Name:      name,
		}
		if err := s.store.InsertAPIKey(r.Context(), key); err != nil {
			s.logger.Error("key insert failed", "error", err)
			s.respondError(w, http.StatusInternalServerError, "could not issue API key")
			return
		}

		s.respondJSON(w, http.StatusCreated, map[string]any{
			"id":      key.ID,
			"name":    name,
			"api_key": plain,
			"message": "Store this key now; it cannot be retrieved again.",
		})
	}
}

func (s *Server) handleRevokeKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keyID, err := uuid.Parse(mux.Vars(r)["key_id"])
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "malformed key id")
			return
		}
		if err := s.store.RevokeAPIKey(r.Context(), userID(r), keyID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.respondError(w, http.StatusNotFound, "key not found")
				return
			}
			s.logger.Error("key revoke failed", "key", keyID, "error", err)
			s.respondError(w, http.StatusInternalServerError, "could not revoke key")
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]any{"status": "revoked", "id": keyID})
	}
}
