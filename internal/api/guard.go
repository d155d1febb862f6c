package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sentinyl/backend/internal/auth"
	"github.com/sentinyl/backend/internal/guard"
	"github.com/sentinyl/backend/internal/queue"
	"github.com/sentinyl/backend/internal/store"
)

func (s *Server) handleGuardAlert() http.HandlerFunc {
	type request struct {
		AgentID     uuid.UUID       `json:"agent_id"`
		Hostname    string          `json:"hostname"`
		AgentIP     string          `json:"agent_ip"`
		OSInfo      string          `json:"os_info"`
		AnomalyKind string          `json:"anomaly_type"`
		Severity    string          `json:"severity"`
		TargetIP    string          `json:"target_ip"`
		Country     string          `json:"target_country"`
		ProcessName string          `json:"process_name"`
		Details     json.RawMessage `json:"details"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.AgentID == uuid.Nil || req.Hostname == "" || req.AnomalyKind == "" {
			s.respondError(w, http.StatusBadRequest, "agent_id, hostname and anomaly_type are required")
			return
		}
		if req.Severity == "" {
			req.Severity = "high"
		}

		sub, err := s.store.GetSubscription(r.Context(), userID(r))
		if err != nil {
			s.logger.Error("subscription lookup failed", "error", err)
			s.respondError(w, http.StatusInternalServerError, "could not verify quota")
			return
		}
		// A host already registered to this user keeps reporting even at
		// the quota ceiling; only a new host is turned away.
		if sub.AgentQuota > 0 {
			owner, err := s.store.AgentOwner(r.Context(), req.AgentID)
			known := err == nil && owner == userID(r)
			if !known {
				active, err := s.store.CountActiveAgents(r.Context(), userID(r))
				if err != nil {
					s.logger.Error("agent count failed", "error", err)
					s.respondError(w, http.StatusInternalServerError, "could not verify quota")
					return
				}
				if active >= sub.AgentQuota {
					s.respondError(w, http.StatusPaymentRequired, map[string]any{
						"error":         "Agent quota exceeded",
						"agents_active": active,
						"quota_limit":   sub.AgentQuota,
						"upgrade_url":   "/billing/subscribe?tier=" + auth.TierFullStack,
					})
					return
				}
			}
		}

		agent := &store.GuardAgent{
			ID:       req.AgentID,
			UserID:   userID(r),
			Hostname: req.Hostname,
			LastIP:   req.AgentIP,
			OSInfo:   req.OSInfo,
		}
		if err := s.store.UpsertGuardAgent(r.Context(), agent); err != nil {
			if errors.Is(err, store.ErrConflict) {
				s.respondError(w, http.StatusForbidden, "agent is registered to another account")
				return
			}
			s.logger.Error("agent upsert failed", "agent", req.AgentID, "error", err)
			s.respondError(w, http.StatusInternalServerError, "could not register agent")
			return
		}

		ev := &store.GuardEvent{
			AgentID:       req.AgentID,
			AnomalyKind:   req.AnomalyKind,
			Severity:      req.Severity,
			TargetIP:      req.TargetIP,
			TargetCountry: req.Country,
			ProcessName:   req.ProcessName,
			Details:       req.Details,
		}
		if err := s.store.CreateGuardEvent(r.Context(), ev, s.now().UTC()); err != nil {
			s.logger.Error("event create failed", "agent", req.AgentID, "error", err)
			s.respondError(w, http.StatusInternalServerError, "could not record event")
			return
		}

		payload, _ := json.Marshal(queue.GuardTask{
			EventID:     ev.ID,
			AgentID:     ev.AgentID,
			Hostname:    req.Hostname,
			AnomalyKind: ev.AnomalyKind,
			Severity:    ev.Severity,
			TargetIP:    ev.TargetIP,
			Country:     ev.TargetCountry,
			ProcessName: ev.ProcessName,
			ExpiresAt:   ev.CountdownExpiresAt,
		})
		if err := s.queue.Push(r.Context(), queue.Guard, payload); err != nil {
			// The countdown is already running; the operator just loses the
			// push notification, which the status endpoint compensates for.
			s.logger.Error("guard enqueue failed", "event", ev.ID, "error", err)
		}

		s.respondJSON(w, http.StatusAccepted, map[string]any{
			"event_id":          ev.ID,
			"status":            guard.StatePending,
			"countdown_seconds": int(store.CountdownDuration / time.Second),
			"expires_at":        ev.CountdownExpiresAt.Format(time.RFC3339),
		})
	}
}

func (s *Server) handleGuardResponse() http.HandlerFunc {
	type request struct {
		EventID   uuid.UUID `json:"event_id"`
		Response  string    `json:"response"`
		AdminUser string    `json:"admin_user"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.EventID == uuid.Nil {
			s.respondError(w, http.StatusBadRequest, "event_id is required")
			return
		}
		if req.Response != store.ResponseSafe && req.Response != store.ResponseBlock {
			s.respondError(w, http.StatusBadRequest, "response must be safe or block")
			return
		}

		ev, err := s.store.GetGuardEvent(r.Context(), req.EventID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.respondError(w, http.StatusNotFound, "event not found")
				return
			}
			s.logger.Error("event lookup failed", "event", req.EventID, "error", err)
			s.respondError(w, http.StatusInternalServerError, "could not load event")
			return
		}
		owner, err := s.store.AgentOwner(r.Context(), ev.AgentID)
		if err != nil || owner != userID(r) {
			s.respondError(w, http.StatusNotFound, "event not found")
			return
		}

		updated, err := s.store.RecordVerdict(r.Context(), req.EventID, req.Response, req.AdminUser)
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				s.respondError(w, http.StatusConflict, "a different verdict is already recorded")
				return
			}
			if errors.Is(err, store.ErrNotFound) {
				s.respondError(w, http.StatusNotFound, "event not found")
				return
			}
			s.logger.Error("record verdict failed", "event", req.EventID, "error", err)
			s.respondError(w, http.StatusInternalServerError, "could not record verdict")
			return
		}

		st := guard.EventStatus(updated, s.now().UTC())
		s.respondJSON(w, http.StatusOK, map[string]any{
			"status":   "success",
			"event_id": updated.ID,
			"state":    st.State,
		})
	}
}

func (s *Server) handleGuardStatus() http.HandlerFunc {
	type response struct {
		AgentID       uuid.UUID      `json:"agent_id"`
		PendingEvents int            `json:"pending_events"`
		Events        []guard.Status `json:"events"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		agentID, err := uuid.Parse(mux.Vars(r)["agent_id"])
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "malformed agent id")
			return
		}
		owner, err := s.store.AgentOwner(r.Context(), agentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.respondError(w, http.StatusNotFound, "agent not found")
				return
			}
			s.logger.Error("agent lookup failed", "agent", agentID, "error", err)
			s.respondError(w, http.StatusInternalServerError, "could not load agent")
			return
		}
		if owner != userID(r) {
			s.respondError(w, http.StatusNotFound, "agent not found")
			return
		}

		now := s.now().UTC()
		events, err := s.store.PollAgentEvents(r.Context(), agentID, now)
		if err != nil {
			s.logger.Error("event poll failed", "agent", agentID, "error", err)
			s.respondError(w, http.StatusInternalServerError, "could not load events")
			return
		}

		resp := response{AgentID: agentID, Events: []guard.Status{}}
		for i := range events {
			st := guard.EventStatus(&events[i], now)
			if st.State == guard.StatePending {
				resp.PendingEvents++
			}
			resp.Events = append(resp.Events, st)
		}
		s.respondJSON(w, http.StatusOK, resp)
	}
}
