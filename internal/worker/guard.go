package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sentinyl/backend/internal/enrich"
	"github.com/sentinyl/backend/internal/queue"
)

// GuardProcessor enriches guard anomalies and pushes them to the operator
// channels. Verdict and countdown state live in the store; this worker
// only formats and fans out, so a crash here never loses an event.
type GuardProcessor struct {
	enricher *enrich.Enricher
	logger   *slog.Logger
	now      func() time.Time
}

// NewGuard wires the processor.
func NewGuard(e *enrich.Enricher, logger *slog.Logger) *GuardProcessor {
	return &GuardProcessor{enricher: e, logger: logger, now: time.Now}
}

// Handle is the queue Handler for guard alerts.
func (p *GuardProcessor) Handle(ctx context.Context, payload []byte) error {
	var task queue.GuardTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return fmt.Errorf("decode guard task: %w", err)
	}

	assessment := p.enricher.Process(ctx, enrich.Finding{
		ID:            task.EventID,
		Category:      enrich.CategoryGuard,
		Kind:          task.AnomalyKind,
		Severity:      task.Severity,
		Hostname:      task.Hostname,
		TargetIP:      task.TargetIP,
		TargetCountry: task.Country,
		ProcessName:   task.ProcessName,
		CountdownLeft: task.ExpiresAt.Sub(p.now()),
	})

	p.logger.Info("guard alert dispatched",
		"event", task.EventID, "anomaly", task.AnomalyKind,
		"severity", task.Severity, "risk_score", assessment.Score)
	return nil
}
