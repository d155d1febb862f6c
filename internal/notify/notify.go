// Package notify fans formatted alerts out to operator channels. Channels
// are independent: one slow or failing webhook never holds back the rest.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// channelTimeout bounds a single delivery attempt.
const channelTimeout = 10 * time.Second

// ActionButton is an operator control rendered on guard alerts.
type ActionButton struct {
	Label   string
	Action  string
	EventID uuid.UUID
}

// Alert is the channel-independent message shape. Channels render it into
// their own wire format.
type Alert struct {
	Title     string
	Severity  string
	RiskScore int
	Technique *Technique
	Details   map[string]string
	Buttons   []ActionButton
}

// Technique mirrors the enrichment mapper's output without importing it,
// keeping this package at the bottom of the dependency graph.
type Technique struct {
	ID      string
	Name    string
	Tactics []string
	URL     string
}

// Channel delivers one alert to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

// Fanout broadcasts to all configured channels concurrently.
type Fanout struct {
	channels []Channel
	logger   *slog.Logger
}

// NewFanout wires the enabled channels. An empty channel list is valid
// and makes Send a no-op.
func NewFanout(logger *slog.Logger, channels ...Channel) *Fanout {
	return &Fanout{channels: channels, logger: logger}
}

// Send delivers the alert everywhere at once and waits for all attempts.
// Each channel gets its own deadline; failures are logged per channel and
// never abort the others. The returned error is nil unless every channel
// failed.
func (f *Fanout) Send(ctx context.Context, alert Alert) error {
	if len(f.channels) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(f.channels))
	for i, ch := range f.channels {
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, channelTimeout)
			defer cancel()
			if err := ch.Send(sendCtx, alert); err != nil {
				errs[i] = err
				f.logger.Warn("alert delivery failed",
					"channel", ch.Name(), "title", alert.Title, "error", err)
			}
		}(i, ch)
	}
	wg.Wait()

	var lastErr error
	for _, err := range errs {
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}
