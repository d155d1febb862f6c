package enrich

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sentinyl/backend/internal/graph"
	"github.com/sentinyl/backend/internal/notify"
)

type captureGraph struct {
	nodes []graph.Node
	edges [][]graph.Edge
}

func (c *captureGraph) IngestFinding(_ context.Context, n graph.Node, e []graph.Edge) error {
	c.nodes = append(c.nodes, n)
	c.edges = append(c.edges, e)
	return nil
}

func (c *captureGraph) Close(context.Context) error { return nil }

type captureNotifier struct {
	alerts []notify.Alert
}

func (c *captureNotifier) Send(_ context.Context, a notify.Alert) error {
	c.alerts = append(c.alerts, a)
	return nil
}

func newTestEnricher(g graph.Ingester, n Notifier) *Enricher {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(g, n, logger)
}

func TestProcessTyposquatFansOut(t *testing.T) {
	g := &captureGraph{}
	n := &captureNotifier{}
	e := newTestEnricher(g, n)

	a := e.Process(context.Background(), Finding{
		ID:              uuid.New(),
		Category:        CategoryTyposquat,
		Kind:            "typosquat",
		OriginalDomain:  "examplebank.com",
		MaliciousDomain: "examp1ebank.com",
		IPAddress:       "203.0.113.7",
		DiscoveredAt:    time.Now(),
	})

	assert.Equal(t, SeverityCritical, a.Severity)

	require.Len(t, g.nodes, 1)
	assert.Equal(t, "Threat", g.nodes[0].Label)
	require.Len(t, g.edges[0], 1)
	assert.Equal(t, "TARGETS", g.edges[0][0].Rel)
	assert.Equal(t, "examplebank.com", g.edges[0][0].ToID)

	require.Len(t, n.alerts, 1)
	assert.Contains(t, n.alerts[0].Title, "examp1ebank.com")
	require.NotNil(t, n.alerts[0].Technique)
	assert.Equal(t, "T1583.001", n.alerts[0].Technique.ID)
}

func TestProcessGuardUsesFixedScores(t *testing.T) {
	n := &captureNotifier{}
	e := newTestEnricher(graph.Noop{}, n)

	a := e.Process(context.Background(), Finding{
		ID:            uuid.New(),
		Category:      CategoryGuard,
		Kind:          "geo",
		Severity:      SeverityCritical,
		Hostname:      "web-01",
		TargetIP:      "185.220.101.1",
		TargetCountry: "Russia",
		CountdownLeft: 300 * time.Second,
	})
	assert.Equal(t, 85, a.Score)

	a = e.Process(context.Background(), Finding{
		ID:       uuid.New(),
		Category: CategoryGuard,
		Kind:     "resource",
		Severity: SeverityHigh,
		Hostname: "web-01",
	})
	assert.Equal(t, 75, a.Score)
}

func TestProcessGuardAlertCarriesActionButtons(t *testing.T) {
	n := &captureNotifier{}
	e := newTestEnricher(graph.Noop{}, n)

	id := uuid.New()
	e.Process(context.Background(), Finding{
		ID:            id,
		Category:      CategoryGuard,
		Kind:          "process",
		Severity:      SeverityCritical,
		Hostname:      "web-01",
		ProcessName:   "bash",
		CountdownLeft: 245 * time.Second,
	})

	require.Len(t, n.alerts, 1)
	alert := n.alerts[0]
	require.Len(t, alert.Buttons, 2)
	assert.Equal(t, "safe", alert.Buttons[0].Action)
	assert.Equal(t, "block", alert.Buttons[1].Action)
	assert.Equal(t, id, alert.Buttons[0].EventID)
	assert.Equal(t, "4:05", alert.Details["countdown_remaining"])
}

func TestProcessSuppressesLowSeverity(t *testing.T) {
	n := &captureNotifier{}
	e := newTestEnricher(graph.Noop{}, n)

	// Internal visibility on a test asset, 40 days old: score well below
	// the medium threshold.
	a := e.Process(context.Background(), Finding{
		ID:           uuid.New(),
		Category:     CategoryLeak,
		Kind:         "email",
		Visibility:   "internal",
		AssetValue:   "test",
		DiscoveredAt: time.Now().Add(-40 * 24 * time.Hour),
	})
	assert.Equal(t, SeverityLow, a.Severity)
	assert.Empty(t, n.alerts)
}

func TestProcessLeakEdges(t *testing.T) {
	g := &captureGraph{}
	e := newTestEnricher(g, nil)

	e.Process(context.Background(), Finding{
		ID:             uuid.New(),
		Category:       CategoryLeak,
		Kind:           "api_key",
		OriginalDomain: "examplebank.com",
		RepoName:       "someone/dotfiles",
		RepoURL:        "https://github.com/someone/dotfiles",
		FilePath:       ".env",
		DiscoveredAt:   time.Now(),
	})

	require.Len(t, g.nodes, 1)
	assert.Equal(t, "Leak", g.nodes[0].Label)
	require.Len(t, g.edges[0], 2)
	assert.Equal(t, "FOUND_IN", g.edges[0][0].Rel)
	assert.Equal(t, "EXPOSES", g.edges[0][1].Rel)
}
