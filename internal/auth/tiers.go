package auth

// Feature flags gating endpoint groups per tier.
const (
	FeatureScout = "scout"
	FeatureGuard = "guard"
)

// Tier names.
const (
	TierFree      = "free"
	TierScoutPro  = "scout_pro"
	TierGuardLite = "guard_lite"
	TierFullStack = "full_stack"
)

// Tier defines pricing and quotas. PriceMonthly is in cents. Quota 0 means
// unlimited.
type Tier struct {
	Name         string
	PriceMonthly int
	ScanQuota    int
	AgentQuota   int
	Features     []string
}

// Tiers is the subscription catalog.
var Tiers = map[string]Tier{
	TierFree: {
		Name:         "Free",
		PriceMonthly: 0,
		ScanQuota:    5,
		AgentQuota:   0,
		Features:     []string{FeatureScout},
	},
	TierScoutPro: {
		Name:         "Scout Pro",
		PriceMonthly: 4900,
		ScanQuota:    0,
		AgentQuota:   0,
		Features:     []string{FeatureScout},
	},
	TierGuardLite: {
		Name:         "Guard Lite",
		PriceMonthly: 2900,
		ScanQuota:    0,
		AgentQuota:   3,
		Features:     []string{FeatureGuard},
	},
	TierFullStack: {
		Name:         "Full Stack",
		PriceMonthly: 9900,
		ScanQuota:    0,
		AgentQuota:   0,
		Features:     []string{FeatureScout, FeatureGuard},
	},
}

// HasFeature reports whether a tier includes a feature. Unknown tiers have
// no features.
func HasFeature(tier, feature string) bool {
	t, ok := Tiers[tier]
	if !ok {
		return false
	}
	for _, f := range t.Features {
		if f == feature {
			return true
		}
	}
	return false
}
