package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sentinyl/backend/internal/enrich"
	"github.com/sentinyl/backend/internal/leakhunter"
	"github.com/sentinyl/backend/internal/queue"
	"github.com/sentinyl/backend/internal/store"
)

// LeakProcessor runs code-search scans from the leak queue.
type LeakProcessor struct {
	store    *store.Store
	hunter   *leakhunter.Hunter
	enricher *enrich.Enricher
	logger   *slog.Logger
}

// NewLeak wires the processor.
func NewLeak(s *store.Store, h *leakhunter.Hunter, e *enrich.Enricher, logger *slog.Logger) *LeakProcessor {
	return &LeakProcessor{store: s, hunter: h, enricher: e, logger: logger}
}

// Handle is the queue Handler for leak scan jobs.
func (p *LeakProcessor) Handle(ctx context.Context, payload []byte) error {
	var task queue.ScanTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return fmt.Errorf("decode leak task: %w", err)
	}

	if err := p.store.MarkJobProcessing(ctx, task.JobID); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			p.logger.Warn("skipping job not in pending state", "job", task.JobID)
			return nil
		}
		return fmt.Errorf("start job %s: %w", task.JobID, err)
	}

	var total, critical int
	var persistErr error
	scanErr := p.hunter.Scan(ctx, task.Domain, func(l leakhunter.Leak) {
		leak := &store.Leak{
			JobID:    task.JobID,
			Domain:   task.Domain,
			RepoURL:  l.RepoURL,
			RepoName: l.RepoName,
			FilePath: l.FilePath,
			Snippet:  l.Snippet,
			LeakKind: l.Kind,
			Severity: l.Severity,
			Public:   l.Public,
			Notified: l.Severity == enrich.SeverityCritical || l.Severity == enrich.SeverityHigh,
		}
		if err := p.store.InsertLeak(ctx, leak); err != nil {
			p.logger.Error("persist leak failed", "repo", l.RepoName, "error", err)
			persistErr = err
			return
		}
		total++
		if l.Severity == enrich.SeverityCritical || l.Severity == enrich.SeverityHigh {
			critical++
		}

		p.enricher.Process(ctx, enrich.Finding{
			ID:             leak.ID,
			Category:       enrich.CategoryLeak,
			Kind:           l.Kind,
			Severity:       l.Severity,
			OriginalDomain: task.Domain,
			RepoURL:        l.RepoURL,
			RepoName:       l.RepoName,
			FilePath:       l.FilePath,
			Snippet:        l.Snippet,
			Visibility:     visibilityOf(l),
			AssetValue:     "unknown",
			DiscoveredAt:   time.Now(),
		})
	})

	if err := firstErr(scanErr, persistErr); err != nil {
		if ctx.Err() != nil {
			return err
		}
		if ferr := p.store.MarkJobFailed(ctx, task.JobID, err.Error()); ferr != nil {
			p.logger.Error("could not record job failure", "job", task.JobID, "error", ferr)
		}
		return fmt.Errorf("leak scan %s: %w", task.JobID, err)
	}

	if err := p.store.MarkJobCompleted(ctx, task.JobID); err != nil {
		return fmt.Errorf("complete job %s: %w", task.JobID, err)
	}

	p.logger.Info("leak scan complete", "job", task.JobID, "domain", task.Domain, "leaks", total)
	p.enricher.SendSummary(ctx, task.Domain, store.ScanLeak, total, critical)
	return nil
}

func visibilityOf(l leakhunter.Leak) string {
	if l.Public {
		return "public"
	}
	return "private"
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
