package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/slack-go/slack"
)

// SlackChannel renders alerts as Block Kit messages posted to an incoming
// webhook.
type SlackChannel struct {
	webhookURL string
}

var _ Channel = (*SlackChannel)(nil)

// NewSlack builds the channel. Callers skip construction entirely when no
// webhook URL is configured.
func NewSlack(webhookURL string) *SlackChannel {
	return &SlackChannel{webhookURL: webhookURL}
}

func (s *SlackChannel) Name() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, alert Alert) error {
	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, alert.Title, true, false)),
		slack.NewSectionBlock(nil, []*slack.TextBlockObject{
			slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf("*Severity:*\n%s", strings.ToUpper(alert.Severity)), false, false),
			slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf("*Risk Score:*\n%d/100", alert.RiskScore), false, false),
		}, nil),
	}

	if len(alert.Details) > 0 {
		var fields []*slack.TextBlockObject
		for _, k := range sortedKeys(alert.Details) {
			fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf("*%s:*\n%s", titleize(k), alert.Details[k]), false, false))
			// Block Kit caps section fields at 10.
			if len(fields) == 10 {
				break
			}
		}
		blocks = append(blocks, slack.NewSectionBlock(nil, fields, nil))
	}

	if t := alert.Technique; t != nil {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf("MITRE ATT&CK: <%s|%s %s> · %s",
					t.URL, t.ID, t.Name, strings.Join(t.Tactics, ", ")), false, false)))
	}

	if len(alert.Buttons) > 0 {
		var elems []slack.BlockElement
		for _, b := range alert.Buttons {
			style := slack.StylePrimary
			if b.Action == "block" {
				style = slack.StyleDanger
			}
			btn := slack.NewButtonBlockElement(
				fmt.Sprintf("guard_%s_%s", b.Action, b.EventID),
				fmt.Sprintf(`{"event_id":%q,"response":%q}`, b.EventID, b.Action),
				slack.NewTextBlockObject(slack.PlainTextType, b.Label, true, false))
			btn.Style = style
			elems = append(elems, btn)
		}
		blocks = append(blocks, slack.NewActionBlock("guard_actions", elems...))
	}

	msg := &slack.WebhookMessage{
		Text:   alert.Title,
		Blocks: &slack.Blocks{BlockSet: blocks},
	}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func titleize(key string) string {
	words := strings.Split(key, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
