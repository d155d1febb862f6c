package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sentinyl/backend/internal/graph"
	"github.com/sentinyl/backend/internal/notify"
)

// Guard events skip the weighted scorer: operator attention is always
// urgent, so the score only distinguishes critical from the rest.
const (
	guardRiskCritical = 85
	guardRiskDefault  = 75
)

// Notifier delivers a formatted alert to the operator channels.
type Notifier interface {
	Send(ctx context.Context, alert notify.Alert) error
}

// Enricher runs the post-detection pipeline. The graph ingester and the
// notifier are both optional collaborators; a nil notifier suppresses
// fan-out entirely.
type Enricher struct {
	graph    graph.Ingester
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// New assembles the pipeline. Pass graph.Noop{} when no graph service is
// configured.
func New(g graph.Ingester, n Notifier, logger *slog.Logger) *Enricher {
	if g == nil {
		g = graph.Noop{}
	}
	return &Enricher{graph: g, notifier: n, logger: logger, now: time.Now}
}

// Process scores a finding, maps it to an adversary technique, records it
// in the graph and fans out to the operator channels. Collaborator
// failures are logged, never propagated: enrichment must not fail the
// scan that produced the finding.
func (e *Enricher) Process(ctx context.Context, f Finding) Assessment {
	assessment := e.assess(f)
	technique, mapped := MapTechnique(f.Kind, mapContextFor(f))

	if err := e.graph.IngestFinding(ctx, graphNode(f, assessment), graphEdges(f)); err != nil {
		e.logger.Warn("graph ingest failed", "finding", f.ID, "error", err)
	}

	if e.notifier == nil || severityRank(assessment.Severity) < severityRank(SeverityMedium) {
		return assessment
	}

	alert := buildAlert(f, assessment)
	if mapped {
		alert.Technique = &notify.Technique{
			ID:      technique.ID,
			Name:    technique.Name,
			Tactics: technique.Tactics,
			URL:     technique.URL(),
		}
	}
	if err := e.notifier.Send(ctx, alert); err != nil {
		e.logger.Warn("alert fan-out failed", "finding", f.ID, "error", err)
	}
	return assessment
}

// SendSummary posts the post-scan digest. Clean scans and missing
// notifiers are both quiet no-ops.
func (e *Enricher) SendSummary(ctx context.Context, domain, scanKind string, total, critical int) {
	if e.notifier == nil || total == 0 {
		return
	}
	if err := e.notifier.Send(ctx, notify.ScanSummary(domain, scanKind, total, critical)); err != nil {
		e.logger.Warn("scan summary delivery failed", "domain", domain, "error", err)
	}
}

func (e *Enricher) assess(f Finding) Assessment {
	if f.Category == CategoryGuard {
		score := guardRiskDefault
		if f.Severity == SeverityCritical {
			score = guardRiskCritical
		}
		return Assessment{
			Score:     score,
			Severity:  f.Severity,
			Reasoning: fmt.Sprintf("host anomaly (%s) on %s", f.Kind, f.Hostname),
		}
	}

	visibility := f.Visibility
	if visibility == "" {
		visibility = "public"
	}
	asset := f.AssetValue
	if asset == "" {
		asset = "unknown"
	}
	discovered := f.DiscoveredAt
	if discovered.IsZero() {
		discovered = e.now()
	}
	return ScoreRisk(visibility, asset, discovered, e.now())
}

func mapContextFor(f Finding) MapContext {
	switch f.Category {
	case CategoryTyposquat:
		return MapContext{Domain: f.MaliciousDomain}
	case CategoryLeak:
		return MapContext{FilePath: f.FilePath, RepoURL: f.RepoURL}
	default:
		return MapContext{}
	}
}

func graphNode(f Finding, a Assessment) graph.Node {
	props := map[string]any{
		"kind":       f.Kind,
		"severity":   a.Severity,
		"risk_score": a.Score,
	}
	switch f.Category {
	case CategoryTyposquat:
		props["domain"] = f.MaliciousDomain
		return graph.Node{Label: "Threat", ID: f.ID.String(), Properties: props}
	case CategoryLeak:
		props["file_path"] = f.FilePath
		return graph.Node{Label: "Leak", ID: f.ID.String(), Properties: props}
	default:
		props["hostname"] = f.Hostname
		return graph.Node{Label: "GuardEvent", ID: f.ID.String(), Properties: props}
	}
}

func graphEdges(f Finding) []graph.Edge {
	switch f.Category {
	case CategoryTyposquat:
		return []graph.Edge{{
			Rel:     "TARGETS",
			ToLabel: "Domain",
			ToID:    f.OriginalDomain,
		}}
	case CategoryLeak:
		return []graph.Edge{{
			Rel:     "FOUND_IN",
			ToLabel: "Repository",
			ToID:    f.RepoName,
		}, {
			Rel:     "EXPOSES",
			ToLabel: "Domain",
			ToID:    f.OriginalDomain,
		}}
	default:
		return []graph.Edge{{
			Rel:     "OBSERVED_ON",
			ToLabel: "Host",
			ToID:    f.Hostname,
		}}
	}
}

func buildAlert(f Finding, a Assessment) notify.Alert {
	alert := notify.Alert{
		Severity:  a.Severity,
		RiskScore: a.Score,
		Details:   map[string]string{},
	}

	switch f.Category {
	case CategoryTyposquat:
		alert.Title = fmt.Sprintf("🚨 Typosquat Threat Detected: %s", f.MaliciousDomain)
		alert.Details["original_domain"] = f.OriginalDomain
		alert.Details["malicious_domain"] = f.MaliciousDomain
		if f.IPAddress != "" {
			alert.Details["ip_address"] = f.IPAddress
		}
	case CategoryLeak:
		alert.Title = fmt.Sprintf("🔑 Credential Leak Detected: %s", f.RepoName)
		alert.Details["repository"] = f.RepoURL
		alert.Details["file_path"] = f.FilePath
		alert.Details["leak_type"] = f.Kind
	default:
		alert.Title = guardTitle(f)
		alert.Details["hostname"] = f.Hostname
		alert.Details["anomaly_type"] = f.Kind
		if f.TargetIP != "" {
			alert.Details["target_ip"] = f.TargetIP
		}
		if f.TargetCountry != "" {
			alert.Details["target_country"] = f.TargetCountry
		}
		if f.ProcessName != "" {
			alert.Details["process_name"] = f.ProcessName
		}
		alert.Details["countdown_remaining"] = formatCountdown(f.CountdownLeft)
		alert.Buttons = []notify.ActionButton{
			{Label: "✅ MARK AS SAFE", Action: "safe", EventID: f.ID},
			{Label: "🛡️ CONFIRM BLOCK", Action: "block", EventID: f.ID},
		}
	}

	for k, v := range f.Details {
		alert.Details[k] = fmt.Sprint(v)
	}
	return alert
}

func guardTitle(f Finding) string {
	switch f.Kind {
	case "geo":
		return fmt.Sprintf("🚨 Suspicious Connection Detected: %s", f.Hostname)
	case "process":
		return fmt.Sprintf("⚠️ Process Anomaly Detected: %s", f.Hostname)
	case "resource":
		return fmt.Sprintf("💻 Resource Anomaly Detected: %s", f.Hostname)
	default:
		return fmt.Sprintf("🔔 Anomaly Detected: %s", f.Hostname)
	}
}

func formatCountdown(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

func severityRank(s string) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}
