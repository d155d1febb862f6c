package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentinyl/backend/internal/enrich"
	"github.com/sentinyl/backend/internal/fuzzer"
	"github.com/sentinyl/backend/internal/queue"
	"github.com/sentinyl/backend/internal/store"
)

// TyposquatProcessor turns a queued scan job into persisted threats.
type TyposquatProcessor struct {
	store    *store.Store
	resolver *fuzzer.Resolver
	enricher *enrich.Enricher
	logger   *slog.Logger
}

// NewTyposquat wires the processor.
func NewTyposquat(s *store.Store, r *fuzzer.Resolver, e *enrich.Enricher, logger *slog.Logger) *TyposquatProcessor {
	return &TyposquatProcessor{store: s, resolver: r, enricher: e, logger: logger}
}

// Handle is the queue Handler. It moves the job to processing, scans, and
// finalizes the status. Redelivered jobs that already ran are skipped.
func (p *TyposquatProcessor) Handle(ctx context.Context, payload []byte) error {
	var task queue.ScanTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return fmt.Errorf("decode typosquat task: %w", err)
	}

	if err := p.store.MarkJobProcessing(ctx, task.JobID); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			p.logger.Warn("skipping job not in pending state", "job", task.JobID)
			return nil
		}
		return fmt.Errorf("start job %s: %w", task.JobID, err)
	}

	found, critical, err := p.scan(ctx, task)
	if err != nil {
		// A canceled context means shutdown: the job is abandoned in
		// processing rather than marked failed.
		if ctx.Err() != nil {
			return err
		}
		if ferr := p.store.MarkJobFailed(ctx, task.JobID, err.Error()); ferr != nil {
			p.logger.Error("could not record job failure", "job", task.JobID, "error", ferr)
		}
		return fmt.Errorf("typosquat scan %s: %w", task.JobID, err)
	}

	if err := p.store.MarkJobCompleted(ctx, task.JobID); err != nil {
		return fmt.Errorf("complete job %s: %w", task.JobID, err)
	}

	p.logger.Info("typosquat scan complete",
		"job", task.JobID, "domain", task.Domain, "threats", found)
	p.enricher.SendSummary(ctx, task.Domain, store.ScanTyposquat, int(found), int(critical))
	return nil
}

func (p *TyposquatProcessor) scan(ctx context.Context, task queue.ScanTask) (found, critical int64, err error) {
	candidates := fuzzer.New(task.Domain).Variations()
	p.logger.Info("generated candidates", "job", task.JobID, "count", len(candidates))

	var foundCount, criticalCount atomic.Int64
	var insertMu sync.Mutex
	var insertErr error

	resolveErr := p.resolver.ResolveAll(ctx, candidates, func(res fuzzer.Resolution) {
		threat := &store.Threat{
			JobID:           task.JobID,
			OriginalDomain:  task.Domain,
			MaliciousDomain: res.Domain,
			ThreatKind:      "typosquat",
			Severity:        enrich.SeverityCritical,
			Nameservers:     res.Nameservers,
			Notified:        true,
		}
		if len(res.IPAddresses) > 0 {
			threat.IPAddress = res.IPAddresses[0]
		}

		insertMu.Lock()
		err := p.store.InsertThreat(ctx, threat)
		insertMu.Unlock()
		if err != nil {
			p.logger.Error("persist threat failed", "domain", res.Domain, "error", err)
			insertMu.Lock()
			insertErr = err
			insertMu.Unlock()
			return
		}

		foundCount.Add(1)
		criticalCount.Add(1)

		// An active typosquat alerts immediately, not at scan end.
		p.enricher.Process(ctx, enrich.Finding{
			ID:              threat.ID,
			Category:        enrich.CategoryTyposquat,
			Kind:            "typosquat",
			OriginalDomain:  task.Domain,
			MaliciousDomain: res.Domain,
			IPAddress:       threat.IPAddress,
			Visibility:      "public",
			AssetValue:      "production",
			DiscoveredAt:    time.Now(),
		})
	})

	if resolveErr != nil {
		return 0, 0, resolveErr
	}
	if insertErr != nil {
		return 0, 0, insertErr
	}
	return foundCount.Load(), criticalCount.Load(), nil
}
