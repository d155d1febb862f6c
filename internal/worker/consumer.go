// Package worker implements the queue consumers. Each worker process runs
// one Consumer against one named queue; job handling is delegated to a
// processor so the loop stays identical across scan kinds.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sentinyl/backend/internal/queue"
)

// popTimeout caps each blocking pop so shutdown is honored within 5s.
const popTimeout = 5 * time.Second

// errorBackoff spaces retries after a transport failure.
const errorBackoff = 5 * time.Second

var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinyl_jobs_processed_total",
		Help: "Jobs handled per queue, by outcome.",
	}, []string{"queue", "outcome"})
)

// Handler processes one raw job payload.
type Handler func(ctx context.Context, payload []byte) error

// Consumer is the long-lived pop-and-dispatch loop.
type Consumer struct {
	queue   queue.Queue
	name    string
	handler Handler
	logger  *slog.Logger

	// sleep is replaced in tests.
	sleep func(time.Duration)
}

// NewConsumer binds a handler to a named queue.
func NewConsumer(q queue.Queue, name string, handler Handler, logger *slog.Logger) *Consumer {
	return &Consumer{
		queue:   q,
		name:    name,
		handler: handler,
		logger:  logger,
		sleep:   time.Sleep,
	}
}

// Run consumes until the context is canceled. Handler failures are logged
// and counted, never fatal: the job is already recorded as failed by the
// processor, and the loop moves on.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("worker listening", "queue", c.name)
	for {
		if err := ctx.Err(); err != nil {
			c.logger.Info("worker shutting down", "queue", c.name)
			return nil
		}

		payload, err := c.queue.Pop(ctx, c.name, popTimeout)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("worker shutting down", "queue", c.name)
				return nil
			}
			c.logger.Error("queue pop failed", "queue", c.name, "error", err)
			c.sleep(errorBackoff)
			continue
		}

		if err := c.handler(ctx, payload); err != nil {
			jobsProcessed.WithLabelValues(c.name, "failed").Inc()
			c.logger.Error("job failed", "queue", c.name, "error", err)
			continue
		}
		jobsProcessed.WithLabelValues(c.name, "ok").Inc()
	}
}
