package billing

import (
	"context"
	"fmt"
	"log/slog"

	"tiergate/internal/types"
)

// EntitlementTable maps every gated feature to its minimum tier.
type EntitlementTable interface {
	Requirement(feature types.FeatureID) (types.FeatureRequirement, bool)
	All() []types.FeatureRequirement
}

// defaultRequirements is the compiled-in entitlement table. Every feature
// rendered by the dashboard must appear exactly once.
var defaultRequirements = []types.FeatureRequirement{
	{Feature: types.FeatureBusinessFormation, MinimumTier: types.TierFree, DisplayName: "Business Formation"},
	{Feature: types.FeatureEINSetup, MinimumTier: types.TierStarter, DisplayName: "EIN Setup"},
	{Feature: types.FeatureDocumentVault, MinimumTier: types.TierStarter, DisplayName: "Document Vault"},
	{Feature: types.FeatureCreditMonitoring, MinimumTier: types.TierStarter, DisplayName: "Business Credit Monitoring"},
	{Feature: types.FeatureVendorTradelines, MinimumTier: types.TierPro, DisplayName: "Vendor Tradelines"},
	{Feature: types.FeatureFundingReadiness, MinimumTier: types.TierPro, DisplayName: "Funding Readiness Score"},
	{Feature: types.FeatureTradelineReporting, MinimumTier: types.TierPro, DisplayName: "Tradeline Reporting"},
	{Feature: types.FeatureFundingMatch, MinimumTier: types.TierElite, DisplayName: "Funding Match"},
	{Feature: types.FeatureDedicatedAdvisor, MinimumTier: types.TierElite, DisplayName: "Dedicated Advisor"},
}

type staticEntitlementTable struct {
	ordered []types.FeatureRequirement
	index   map[types.FeatureID]types.FeatureRequirement
}

// NewEntitlementTable validates reqs and builds a table. It rejects empty
// feature IDs, invalid tiers and duplicate features so that no feature has an
// ambiguous requirement.
func NewEntitlementTable(reqs []types.FeatureRequirement) (EntitlementTable, error) {
	t := &staticEntitlementTable{
		ordered: make([]types.FeatureRequirement, 0, len(reqs)),
		index:   make(map[types.FeatureID]types.FeatureRequirement, len(reqs)),
	}
	for _, r := range reqs {
		if r.Feature == "" {
			return nil, types.NewAppError(types.ErrCodeValidationEntitlements, "entitlement with empty feature ID", nil)
		}
		if !r.MinimumTier.Valid() {
			return nil, types.NewAppError(types.ErrCodeValidationEntitlements,
				fmt.Sprintf("feature %s requires unknown tier %q", r.Feature, r.MinimumTier), nil)
		}
		if _, dup := t.index[r.Feature]; dup {
			return nil, types.NewAppError(types.ErrCodeValidationEntitlements,
				fmt.Sprintf("feature %s has more than one requirement", r.Feature), nil)
		}
		t.index[r.Feature] = r
		t.ordered = append(t.ordered, r)
	}
	return t, nil
}

// NewStaticEntitlementTable returns the compiled-in table.
func NewStaticEntitlementTable() EntitlementTable {
	t, err := NewEntitlementTable(defaultRequirements)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *staticEntitlementTable) Requirement(feature types.FeatureID) (types.FeatureRequirement, bool) {
	r, ok := t.index[feature]
	return r, ok
}

func (t *staticEntitlementTable) All() []types.FeatureRequirement {
	out := make([]types.FeatureRequirement, len(t.ordered))
	copy(out, t.ordered)
	return out
}

// Access is the evaluator's answer for one feature.
type Access struct {
	Feature        types.FeatureID        `json:"feature"`
	HasAccess      bool                   `json:"has_access"`
	EffectiveTier  types.SubscriptionTier `json:"effective_tier"`
	RequiredTier   types.SubscriptionTier `json:"required_tier,omitempty"`
	UpgradeMessage string                 `json:"upgrade_message,omitempty"`
}

// AccessRecorder receives one observation per evaluation.
type AccessRecorder interface {
	RecordAccessCheck(feature string, granted bool)
}

// AccessEvaluator answers "does the effective tier satisfy feature F".
// It has no side effects beyond logging and metrics.
type AccessEvaluator struct {
	table   EntitlementTable
	catalog TierCatalog
	metrics AccessRecorder
	logger  *slog.Logger
}

// NewAccessEvaluator creates an evaluator. metrics may be nil.
func NewAccessEvaluator(table EntitlementTable, catalog TierCatalog, metrics AccessRecorder, logger *slog.Logger) *AccessEvaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessEvaluator{
		table:   table,
		catalog: catalog,
		metrics: metrics,
		logger:  logger,
	}
}

// Evaluate grants access iff rank(effective) >= rank(required). A feature
// missing from the table fails closed for every tier.
func (e *AccessEvaluator) Evaluate(ctx context.Context, effective types.SubscriptionTier, feature types.FeatureID) Access {
	access := Access{Feature: feature, EffectiveTier: effective}

	req, ok := e.table.Requirement(feature)
	if !ok {
		e.logger.WarnContext(ctx, "feature has no entitlement entry; denying access",
			"feature", string(feature),
			"effective_tier", string(effective),
		)
		access.UpgradeMessage = "This feature is not available on any plan."
		e.record(feature, false)
		return access
	}

	access.RequiredTier = req.MinimumTier
	access.HasAccess = effective.Meets(req.MinimumTier)
	if !access.HasAccess {
		access.UpgradeMessage = e.upgradeMessage(req)
	}
	e.record(feature, access.HasAccess)
	return access
}

// EvaluateAll evaluates every feature in the table.
func (e *AccessEvaluator) EvaluateAll(ctx context.Context, effective types.SubscriptionTier) []Access {
	reqs := e.table.All()
	out := make([]Access, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, e.Evaluate(ctx, effective, r.Feature))
	}
	return out
}

func (e *AccessEvaluator) upgradeMessage(req types.FeatureRequirement) string {
	tierName := string(req.MinimumTier)
	if e.catalog != nil {
		if d, ok := e.catalog.Descriptor(req.MinimumTier); ok {
			tierName = d.DisplayName
		}
	}
	name := req.DisplayName
	if name == "" {
		name = string(req.Feature)
	}
	return fmt.Sprintf("Upgrade to %s to unlock %s.", tierName, name)
}

func (e *AccessEvaluator) record(feature types.FeatureID, granted bool) {
	if e.metrics != nil {
		e.metrics.RecordAccessCheck(string(feature), granted)
	}
}
