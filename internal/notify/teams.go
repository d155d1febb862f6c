package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// TeamsChannel posts Adaptive Cards to a Microsoft Teams incoming webhook.
type TeamsChannel struct {
	webhookURL string
	client     *http.Client
}

var _ Channel = (*TeamsChannel)(nil)

// NewTeams builds the channel with an optional client override for tests.
func NewTeams(webhookURL string, client *http.Client) *TeamsChannel {
	if client == nil {
		client = http.DefaultClient
	}
	return &TeamsChannel{webhookURL: webhookURL, client: client}
}

func (t *TeamsChannel) Name() string { return "teams" }

func (t *TeamsChannel) Send(ctx context.Context, alert Alert) error {
	body := map[string]any{
		"type": "message",
		"attachments": []map[string]any{{
			"contentType": "application/vnd.microsoft.card.adaptive",
			"content":     t.card(alert),
		}},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal teams card: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build teams request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post teams webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("teams webhook returned %d", resp.StatusCode)
	}
	return nil
}

func (t *TeamsChannel) card(alert Alert) map[string]any {
	body := []map[string]any{
		{
			"type":   "TextBlock",
			"size":   "Large",
			"weight": "Bolder",
			"text":   alert.Title,
			"wrap":   true,
		},
		{
			"type":   "TextBlock",
			"text":   fmt.Sprintf("Severity: **%s** · Risk: **%d/100**", strings.ToUpper(alert.Severity), alert.RiskScore),
			"wrap":   true,
			"color":  severityColor(alert.Severity),
			"weight": "Bolder",
		},
	}

	if len(alert.Details) > 0 {
		var facts []map[string]string
		for _, k := range sortedKeys(alert.Details) {
			facts = append(facts, map[string]string{
				"title": titleize(k),
				"value": alert.Details[k],
			})
		}
		body = append(body, map[string]any{"type": "FactSet", "facts": facts})
	}

	if tech := alert.Technique; tech != nil {
		body = append(body, map[string]any{
			"type":     "TextBlock",
			"text":     fmt.Sprintf("MITRE ATT&CK: [%s %s](%s)", tech.ID, tech.Name, tech.URL),
			"wrap":     true,
			"isSubtle": true,
		})
	}

	card := map[string]any{
		"$schema": "http://adaptivecards.io/schemas/adaptive-card.json",
		"type":    "AdaptiveCard",
		"version": "1.4",
		"body":    body,
	}

	if len(alert.Buttons) > 0 {
		var actions []map[string]any
		for _, b := range alert.Buttons {
			actions = append(actions, map[string]any{
				"type":  "Action.Submit",
				"title": b.Label,
				"data": map[string]string{
					"event_id": b.EventID.String(),
					"response": b.Action,
				},
			})
		}
		card["actions"] = actions
	}
	return card
}

func severityColor(severity string) string {
	switch severity {
	case "critical":
		return "Attention"
	case "high":
		return "Warning"
	default:
		return "Default"
	}
}
