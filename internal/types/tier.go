package types

import (
	"fmt"
	"strings"
)

// SubscriptionTier identifies a subscription level. Tiers are totally
// ordered; see Rank.
type SubscriptionTier string

const (
	TierFree    SubscriptionTier = "free"
	TierStarter SubscriptionTier = "starter"
	TierPro     SubscriptionTier = "pro"
	TierElite   SubscriptionTier = "elite"
)

// tierOrder is the fixed ascending order of all tiers. Index is rank.
var tierOrder = []SubscriptionTier{TierFree, TierStarter, TierPro, TierElite}

// AllTiers returns every tier in ascending rank order.
func AllTiers() []SubscriptionTier {
	out := make([]SubscriptionTier, len(tierOrder))
	copy(out, tierOrder)
	return out
}

// Rank returns the ordinal position of the tier, or -1 for a value outside
// the enumerated set.
func (t SubscriptionTier) Rank() int {
	for i, candidate := range tierOrder {
		if candidate == t {
			return i
		}
	}
	return -1
}

// Valid reports whether t is a member of the enumerated set.
func (t SubscriptionTier) Valid() bool {
	return t.Rank() >= 0
}

// Meets reports whether t satisfies a requirement of required. Both tiers
// must be valid; an unknown tier never meets and is never met.
func (t SubscriptionTier) Meets(required SubscriptionTier) bool {
	have, need := t.Rank(), required.Rank()
	if have < 0 || need < 0 {
		return false
	}
	return have >= need
}

// ParseTier converts user input to a SubscriptionTier, case-insensitively.
func ParseTier(s string) (SubscriptionTier, error) {
	t := SubscriptionTier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", NewAppError(ErrCodeValidationInvalidTier, fmt.Sprintf("unknown subscription tier %q", s), nil)
	}
	return t, nil
}

// TierDescriptor is the immutable catalog metadata for one tier.
type TierDescriptor struct {
	Tier              SubscriptionTier `json:"tier"`
	DisplayName       string           `json:"display_name"`
	MonthlyPriceCents int64            `json:"monthly_price_cents"`
	AnnualPriceCents  int64            `json:"annual_price_cents"`
	ExternalProductID string           `json:"external_product_id,omitempty"`
}

// FeatureID identifies a gated feature of the dashboard.
type FeatureID string

const (
	FeatureBusinessFormation  FeatureID = "business_formation"
	FeatureEINSetup           FeatureID = "ein_setup"
	FeatureDocumentVault      FeatureID = "document_vault"
	FeatureCreditMonitoring   FeatureID = "credit_monitoring"
	FeatureVendorTradelines   FeatureID = "vendor_tradelines"
	FeatureFundingReadiness   FeatureID = "funding_readiness"
	FeatureTradelineReporting FeatureID = "tradeline_reporting"
	FeatureFundingMatch       FeatureID = "funding_match"
	FeatureDedicatedAdvisor   FeatureID = "dedicated_advisor"
)

// FeatureRequirement maps one feature to the minimum tier that unlocks it.
type FeatureRequirement struct {
	Feature     FeatureID        `json:"feature"`
	MinimumTier SubscriptionTier `json:"minimum_tier"`
	DisplayName string           `json:"display_name"`
}
