package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sentinyl/backend/internal/auth"
	"github.com/sentinyl/backend/internal/queue"
	"github.com/sentinyl/backend/internal/store"
)

// apiSnippetBytes caps leak excerpts at the API boundary, tighter than
// the storage cap.
const apiSnippetBytes = 200

var queueByKind = map[string]string{
	store.ScanTyposquat: queue.Typosquat,
	store.ScanLeak:      queue.Leak,
}

func (s *Server) handleScan() http.HandlerFunc {
	type request struct {
		Domain   string `json:"domain"`
		ScanType string `json:"scan_type"`
		Priority string `json:"priority"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		domain := strings.ToLower(strings.TrimSpace(req.Domain))
		if domain == "" || !strings.Contains(domain, ".") {
			s.respondError(w, http.StatusBadRequest, "domain must contain at least one dot")
			return
		}
		queueName, ok := queueByKind[req.ScanType]
		if !ok {
			s.respondError(w, http.StatusBadRequest,
				fmt.Sprintf("scan_type must be one of: %s, %s", store.ScanTyposquat, store.ScanLeak))
			return
		}
		priority := req.Priority
		if priority == "" {
			priority = "medium"
		}

		// Quota is the admission gate: claimed before any job exists, so
		// a rejected scan leaves no row behind.
		if _, err := s.store.ConsumeScanQuota(r.Context(), userID(r)); err != nil {
			if errors.Is(err, store.ErrQuotaExceeded) {
				full, gerr := s.store.GetSubscription(r.Context(), userID(r))
				detail := map[string]any{
					"error":       "Scan quota exceeded",
					"upgrade_url": "/billing/subscribe?tier=" + auth.TierScoutPro,
				}
				if gerr == nil {
					detail["quota_used"] = full.ScanUsed
					detail["quota_limit"] = full.ScanQuota
					detail["resets_at"] = full.CycleEnd.Format(time.RFC3339)
				}
				s.respondError(w, http.StatusPaymentRequired, detail)
				return
			}
			s.logger.Error("quota check failed", "error", err)
			s.respondError(w, http.StatusInternalServerError, "could not verify quota")
			return
		}

		d, err := s.store.GetOrCreateDomain(r.Context(), userID(r), domain, priority)
		if err != nil {
			s.logger.Error("domain upsert failed", "domain", domain, "error", err)
			s.respondError(w, http.StatusInternalServerError, "could not register domain")
			return
		}

		job, err := s.store.CreateScanJob(r.Context(), d.ID, req.ScanType)
		if err != nil {
			s.logger.Error("job create failed", "domain", domain, "error", err)
			s.respondError(w, http.StatusInternalServerError, "could not create scan job")
			return
		}

		payload, _ := json.Marshal(queue.ScanTask{JobID: job.ID, Domain: domain})
		if err := s.queue.Push(r.Context(), queueName, payload); err != nil {
			// The job must not sit pending forever with nothing queued.
			if ferr := s.store.MarkJobFailed(r.Context(), job.ID, "enqueue failed: "+err.Error()); ferr != nil {
				s.logger.Error("could not fail unqueued job", "job", job.ID, "error", ferr)
			}
			s.logger.Error("enqueue failed", "job", job.ID, "error", err)
			s.respondError(w, http.StatusInternalServerError, "could not enqueue scan job")
			return
		}

		s.respondJSON(w, http.StatusAccepted, map[string]any{
			"job_id":    job.ID,
			"domain":    domain,
			"scan_type": req.ScanType,
			"status":    store.JobPending,
			"message":   "Scan queued for processing",
		})
	}
}

func (s *Server) handleResults() http.HandlerFunc {
	type threatResponse struct {
		ID              uuid.UUID `json:"id"`
		MaliciousDomain string    `json:"malicious_domain"`
		ThreatType      string    `json:"threat_type"`
		Severity        string    `json:"severity"`
		IPAddress       string    `json:"ip_address,omitempty"`
		Nameservers     []string  `json:"nameservers,omitempty"`
		DiscoveredAt    time.Time `json:"discovered_at"`
	}
	type leakResponse struct {
		ID           uuid.UUID `json:"id"`
		RepoURL      string    `json:"repository_url"`
		RepoName     string    `json:"repository_name"`
		FilePath     string    `json:"file_path"`
		Snippet      string    `json:"snippet"`
		LeakType     string    `json:"leak_type"`
		Severity     string    `json:"severity"`
		Public       bool      `json:"is_public"`
		DiscoveredAt time.Time `json:"discovered_at"`
	}
	type response struct {
		JobID       uuid.UUID        `json:"job_id"`
		Domain      string           `json:"domain"`
		JobType     string           `json:"job_type"`
		Status      string           `json:"status"`
		StartedAt   *time.Time       `json:"started_at,omitempty"`
		CompletedAt *time.Time       `json:"completed_at,omitempty"`
		Threats     []threatResponse `json:"threats"`
		Leaks       []leakResponse   `json:"leaks"`
		Error       string           `json:"error,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(mux.Vars(r)["job_id"])
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "malformed job id")
			return
		}

		job, err := s.store.GetScanJob(r.Context(), jobID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.respondError(w, http.StatusNotFound, "scan job not found")
				return
			}
			s.logger.Error("job lookup failed", "job", jobID, "error", err)
			s.respondError(w, http.StatusInternalServerError, "could not load scan job")
			return
		}
		if job.OwnerID != userID(r) {
			// Present the same answer as a missing job.
			s.respondError(w, http.StatusNotFound, "scan job not found")
			return
		}

		resp := response{
			JobID:       job.ID,
			Domain:      job.DomainName,
			JobType:     job.Kind,
			Status:      job.Status,
			StartedAt:   job.StartedAt,
			CompletedAt: job.CompletedAt,
			Threats:     []threatResponse{},
			Leaks:       []leakResponse{},
			Error:       job.Error,
		}

		switch job.Kind {
		case store.ScanTyposquat:
			threats, err := s.store.ListThreatsByJob(r.Context(), jobID)
			if err != nil {
				s.logger.Error("threat list failed", "job", jobID, "error", err)
				s.respondError(w, http.StatusInternalServerError, "could not load findings")
				return
			}
			for _, t := range threats {
				resp.Threats = append(resp.Threats, threatResponse{
					ID:              t.ID,
					MaliciousDomain: t.MaliciousDomain,
					ThreatType:      t.ThreatKind,
					Severity:        t.Severity,
					IPAddress:       t.IPAddress,
					Nameservers:     t.Nameservers,
					DiscoveredAt:    t.DiscoveredAt,
				})
			}
		case store.ScanLeak:
			leaks, err := s.store.ListLeaksByJob(r.Context(), jobID)
			if err != nil {
				s.logger.Error("leak list failed", "job", jobID, "error", err)
				s.respondError(w, http.StatusInternalServerError, "could not load findings")
				return
			}
			for _, l := range leaks {
				snippet := l.Snippet
				if len(snippet) > apiSnippetBytes {
					snippet = snippet[:apiSnippetBytes]
				}
				resp.Leaks = append(resp.Leaks, leakResponse{
					ID:           l.ID,
					RepoURL:      l.RepoURL,
					RepoName:     l.RepoName,
					FilePath:     l.FilePath,
					Snippet:      snippet,
					LeakType:     l.LeakKind,
					Severity:     l.Severity,
					Public:       l.Public,
					DiscoveredAt: l.DiscoveredAt,
				})
			}
		}

		s.respondJSON(w, http.StatusOK, resp)
	}
}
