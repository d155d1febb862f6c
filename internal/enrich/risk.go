package enrich

import (
	"fmt"
	"strings"
	"time"
)

// Factor weights. Must sum to 1.0.
const (
	weightVisibility = 0.40
	weightAge        = 0.30
	weightAsset      = 0.30
)

// Severity thresholds on the final 0..100 score.
const (
	thresholdCritical = 80
	thresholdHigh     = 60
	thresholdMedium   = 40
)

// Assessment is the scorer's output.
type Assessment struct {
	Score     int                `json:"score"`
	Severity  string             `json:"severity"`
	Factors   map[string]float64 `json:"factors"`
	Reasoning string             `json:"reasoning"`
}

var visibilityScores = map[string]float64{
	"public":   100,
	"private":  50,
	"internal": 25,
	"unknown":  60,
}

var assetScores = map[string]float64{
	"production":  100,
	"prod":        100,
	"staging":     70,
	"stage":       70,
	"development": 40,
	"dev":         40,
	"test":        30,
	"unknown":     60,
}

// ScoreRisk weighs exposure, freshness and asset criticality into a single
// 0..100 score with a deterministic reasoning string.
func ScoreRisk(visibility, assetValue string, discoveredAt, now time.Time) Assessment {
	vis := lookupScore(visibilityScores, visibility)
	age := scoreAge(discoveredAt, now)
	asset := lookupScore(assetScores, assetValue)

	score := int(vis*weightVisibility + age*weightAge + asset*weightAsset)
	severity := severityFor(score)

	return Assessment{
		Score:    score,
		Severity: severity,
		Factors: map[string]float64{
			"visibility":  vis,
			"age":         age,
			"asset_value": asset,
		},
		Reasoning: buildReasoning(score, severity, visibility, assetValue, discoveredAt, now),
	}
}

func lookupScore(table map[string]float64, key string) float64 {
	if s, ok := table[strings.ToLower(key)]; ok {
		return s
	}
	return 60
}

// scoreAge decays linearly from 100 to 50 over the first 30 days, then
// holds at 50. Future timestamps from clock skew count as brand new.
func scoreAge(discoveredAt, now time.Time) float64 {
	days := int(now.Sub(discoveredAt).Hours() / 24)
	switch {
	case days <= 0:
		return 100
	case days <= 30:
		return 100 - float64(days)*(50.0/30.0)
	default:
		return 50
	}
}

func severityFor(score int) string {
	switch {
	case score >= thresholdCritical:
		return SeverityCritical
	case score >= thresholdHigh:
		return SeverityHigh
	case score >= thresholdMedium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func buildReasoning(score int, severity, visibility, assetValue string, discoveredAt, now time.Time) string {
	parts := []string{fmt.Sprintf("%s risk (%d/100):", strings.ToUpper(severity), score)}

	switch strings.ToLower(visibility) {
	case "public":
		parts = append(parts, "publicly accessible")
	case "private":
		parts = append(parts, "restricted but exposed")
	}

	days := int(now.Sub(discoveredAt).Hours() / 24)
	switch {
	case days <= 0:
		parts = append(parts, "discovered today")
	case days <= 7:
		parts = append(parts, "recent discovery")
	case days > 30:
		parts = append(parts, "older finding")
	}

	switch strings.ToLower(assetValue) {
	case "production", "prod":
		parts = append(parts, "affects production systems")
	case "development", "dev":
		parts = append(parts, "development environment only")
	}

	return strings.Join(parts, ", ") + "."
}
