package billing

import "tiergate/internal/types"

// ResolveEffectiveTier returns the tier that gates feature decisions.
//
// An active override with a valid tier wins. An inactive override, or an
// active one with a null or unknown tier, is ignored. The result is always a
// member of the enumerated set: an unknown actual tier resolves to free.
//
// The capability to set an override is checked by the mutators
// (AdminPreview), never here.
func ResolveEffectiveTier(actual types.SubscriptionTier, override types.PreviewOverride) types.SubscriptionTier {
	if override.Active && override.Tier.Valid() {
		return override.Tier
	}
	if !actual.Valid() {
		return types.TierFree
	}
	return actual
}
