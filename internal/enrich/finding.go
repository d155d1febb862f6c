// Package enrich turns raw detector output into scored, framework-mapped,
// operator-ready alerts. Typosquat threats, code leaks and guard anomalies
// all pass through the same pipeline: score, map, graph-ingest, fan out.
package enrich

import (
	"time"

	"github.com/google/uuid"
)

// Finding categories.
const (
	CategoryTyposquat = "typosquat"
	CategoryLeak      = "leak"
	CategoryGuard     = "guard"
)

// Severity levels, shared across the pipeline.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Finding is the sum of the three detector outputs. Category selects which
// field group is meaningful; the enrichment pipeline reads only the fields
// its stage needs, so one flat struct beats three parallel hierarchies.
type Finding struct {
	ID       uuid.UUID
	Category string
	// Kind refines the category: the leak keyword (password, api_key, ...),
	// "typosquat", or the guard anomaly kind (geo, process, resource).
	Kind     string
	Severity string

	// Typosquat fields.
	OriginalDomain  string
	MaliciousDomain string
	IPAddress       string

	// Leak fields.
	RepoURL  string
	RepoName string
	FilePath string
	Snippet  string

	// Guard fields.
	Hostname      string
	TargetIP      string
	TargetCountry string
	ProcessName   string
	CountdownLeft time.Duration

	Visibility   string
	AssetValue   string
	DiscoveredAt time.Time
	Details      map[string]any
}
