package agent

import (
	"context"
	"log/slog"
	"time"
)

// Agent ties the sensor and the dead-man's-switch into one loop.
type Agent struct {
	sensor       *Sensor
	deadman      *DeadManSwitch
	scanInterval time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
}

// New assembles the agent loop.
func New(sensor *Sensor, deadman *DeadManSwitch,
	scanInterval, pollInterval time.Duration, logger *slog.Logger) *Agent {
	return &Agent{
		sensor:       sensor,
		deadman:      deadman,
		scanInterval: scanInterval,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Run sweeps on the scan interval and polls for verdicts on the poll
// interval until the context is canceled. Transient failures are logged and
// the loop keeps going; only cancellation stops it.
func (a *Agent) Run(ctx context.Context) error {
	scan := time.NewTicker(a.scanInterval)
	defer scan.Stop()
	poll := time.NewTicker(a.pollInterval)
	defer poll.Stop()

	// First sweep immediately rather than waiting out a full interval.
	a.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("agent stopping")
			return ctx.Err()
		case <-scan.C:
			a.sweep(ctx)
		case <-poll.C:
			if err := a.deadman.CheckOverrides(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error("status poll failed", "error", err)
			}
		}
	}
}

func (a *Agent) sweep(ctx context.Context) {
	for _, anomaly := range a.sensor.Sweep(ctx) {
		if _, err := a.deadman.SendAlert(ctx, anomaly); err != nil && ctx.Err() == nil {
			a.logger.Error("alert send failed", "kind", anomaly.Kind, "error", err)
		}
	}
}
