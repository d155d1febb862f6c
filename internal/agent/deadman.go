package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// countdownDuration mirrors the control plane's fixed window; the local copy
// only drives garbage collection of stale records.
const countdownDuration = 300 * time.Second

// Blocker severs traffic to a single remote address.
type Blocker interface {
	Block(ctx context.Context, ip string) error
}

// trackedEvent is the agent's local record of an alert awaiting a verdict.
type trackedEvent struct {
	anomaly   Anomaly
	expiresAt time.Time
}

// DeadManSwitch reports anomalies and executes the control plane's answer.
// All methods run on the agent's single loop goroutine.
type DeadManSwitch struct {
	apiBaseURL string
	apiKey     string
	agentID    uuid.UUID
	hostname   string
	osInfo     string
	client     *http.Client
	blocker    Blocker
	logger     *slog.Logger
	now        func() time.Time

	active map[string]trackedEvent
}

// NewDeadManSwitch wires the API client side of the switch.
func NewDeadManSwitch(apiBaseURL, apiKey string, agentID uuid.UUID,
	hostname, osInfo string, blocker Blocker, logger *slog.Logger) *DeadManSwitch {
	return &DeadManSwitch{
		apiBaseURL: apiBaseURL,
		apiKey:     apiKey,
		agentID:    agentID,
		hostname:   hostname,
		osInfo:     osInfo,
		client:     &http.Client{Timeout: 10 * time.Second},
		blocker:    blocker,
		logger:     logger,
		now:        time.Now,
		active:     make(map[string]trackedEvent),
	}
}

// SendAlert reports one anomaly and records the returned event locally so a
// later poll can match the verdict back to its target.
func (d *DeadManSwitch) SendAlert(ctx context.Context, a Anomaly) (string, error) {
	payload := map[string]any{
		"agent_id":       d.agentID,
		"hostname":       d.hostname,
		"os_info":        d.osInfo,
		"anomaly_type":   a.Kind,
		"severity":       a.Severity,
		"target_ip":      a.TargetIP,
		"target_country": a.Country,
		"process_name":   a.ProcessName,
		"details":        a.Details,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.apiBaseURL+"/guard/alert", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("send alert: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		EventID string `json:"event_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode alert response: %w", err)
	}

	d.active[out.EventID] = trackedEvent{
		anomaly:   a,
		expiresAt: d.now().Add(countdownDuration),
	}
	d.logger.Info("alert sent", "event", out.EventID, "kind", a.Kind)
	return out.EventID, nil
}

// statusEvent matches the control plane's per-event status shape.
type statusEvent struct {
	EventID            string `json:"event_id"`
	State              string `json:"state"`
	CountdownRemaining int    `json:"countdown_remaining"`
	ShouldBlock        bool   `json:"should_block"`
	OperatorResponse   string `json:"operator_response"`
}

// CheckOverrides polls the control plane and acts on each verdict: safe
// events are dropped, block orders are executed, pending events keep
// waiting. Locally expired records are garbage collected last.
func (d *DeadManSwitch) CheckOverrides(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/guard/status/%s", d.apiBaseURL, d.agentID), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("poll status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("poll status: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		Events []statusEvent `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode status response: %w", err)
	}

	for _, ev := range out.Events {
		tracked, known := d.active[ev.EventID]
		if !known {
			continue
		}
		switch {
		case ev.OperatorResponse == "safe":
			d.logger.Info("event marked safe", "event", ev.EventID)
			delete(d.active, ev.EventID)
		case ev.ShouldBlock:
			d.logger.Warn("block ordered", "event", ev.EventID, "ip", tracked.anomaly.TargetIP)
			d.executeBlock(ctx, tracked.anomaly)
			delete(d.active, ev.EventID)
		default:
			d.logger.Info("countdown running", "event", ev.EventID,
				"remaining_s", ev.CountdownRemaining)
		}
	}

	now := d.now()
	for id, tracked := range d.active {
		if tracked.expiresAt.Before(now) {
			delete(d.active, id)
		}
	}
	return nil
}

// executeBlock drops traffic for the anomaly's target. Only anomalies that
// carry a remote address can be blocked; a process anomaly has nothing to
// firewall.
func (d *DeadManSwitch) executeBlock(ctx context.Context, a Anomaly) {
	if a.TargetIP == "" {
		d.logger.Error("cannot block: anomaly has no target ip", "kind", a.Kind)
		return
	}
	if err := d.blocker.Block(ctx, a.TargetIP); err != nil {
		d.logger.Error("block failed", "ip", a.TargetIP, "error", err)
		return
	}
	d.logger.Warn("blocked suspicious address", "ip", a.TargetIP)
}

// ActiveEvents reports how many alerts are still awaiting a verdict.
func (d *DeadManSwitch) ActiveEvents() int {
	return len(d.active)
}
