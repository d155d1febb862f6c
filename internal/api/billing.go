package api

import (
	"encoding/json"
	"net/http"
)

func (s *Server) handleSubscribe() http.HandlerFunc {
	type request struct {
		Tier string `json:"tier"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		tier := r.URL.Query().Get("tier")
		if tier == "" {
			var req request
			if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
				tier = req.Tier
			}
		}
		if tier == "" {
			s.respondError(w, http.StatusBadRequest, "tier is required")
			return
		}

		url, err := s.billing.CreateCheckout(r.Context(), userID(r), tier)
		if err != nil {
			s.logger.Error("checkout create failed", "tier", tier, "error", err)
			s.respondError(w, http.StatusBadRequest, "could not start checkout for tier "+tier)
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]any{"checkout_url": url})
	}
}
