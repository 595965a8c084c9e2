// Package billing holds the subscription domain logic: the tier catalog, the
// entitlement table, effective-tier resolution and admin preview.
package billing

import (
	"fmt"

	"tiergate/internal/types"
)

// TierCatalog is the authoritative list of tiers and their pricing metadata.
type TierCatalog interface {
	// Descriptor returns the metadata for tier. Unknown tiers resolve to the
	// free descriptor with ok=false so callers fail safe.
	Descriptor(tier types.SubscriptionTier) (desc types.TierDescriptor, ok bool)

	// All returns every descriptor in ascending rank order.
	All() []types.TierDescriptor

	// TierForProduct maps a billing-provider product ID to its tier.
	TierForProduct(productID string) (types.SubscriptionTier, bool)
}

// ProductIDs binds paid tiers to billing-provider product IDs. These differ
// per Stripe account, so they come from configuration.
type ProductIDs struct {
	Starter string
	Pro     string
	Elite   string
}

// catalogDefaults are the list prices in cents:
//
//	| Tier    | Monthly | Annual  |
//	|---------|---------|---------|
//	| Free    | 0       | 0       |
//	| Starter | 29.00   | 290.00  |
//	| Pro     | 79.00   | 790.00  |
//	| Elite   | 199.00  | 1990.00 |
var catalogDefaults = []types.TierDescriptor{
	{Tier: types.TierFree, DisplayName: "Free"},
	{Tier: types.TierStarter, DisplayName: "Starter", MonthlyPriceCents: 2900, AnnualPriceCents: 29000},
	{Tier: types.TierPro, DisplayName: "Pro", MonthlyPriceCents: 7900, AnnualPriceCents: 79000},
	{Tier: types.TierElite, DisplayName: "Elite", MonthlyPriceCents: 19900, AnnualPriceCents: 199000},
}

type staticCatalog struct {
	ordered   []types.TierDescriptor
	byTier    map[types.SubscriptionTier]types.TierDescriptor
	byProduct map[string]types.SubscriptionTier
}

// NewStaticCatalog builds the catalog from the compiled-in price table and
// the configured product IDs. Product IDs must be non-empty and distinct.
func NewStaticCatalog(products ProductIDs) (TierCatalog, error) {
	ids := map[types.SubscriptionTier]string{
		types.TierStarter: products.Starter,
		types.TierPro:     products.Pro,
		types.TierElite:   products.Elite,
	}

	c := &staticCatalog{
		ordered:   make([]types.TierDescriptor, 0, len(catalogDefaults)),
		byTier:    make(map[types.SubscriptionTier]types.TierDescriptor, len(catalogDefaults)),
		byProduct: make(map[string]types.SubscriptionTier, len(ids)),
	}

	for _, d := range catalogDefaults {
		if d.Tier != types.TierFree {
			id := ids[d.Tier]
			if id == "" {
				return nil, fmt.Errorf("billing: no product ID configured for tier %s", d.Tier)
			}
			if other, dup := c.byProduct[id]; dup {
				return nil, fmt.Errorf("billing: product %s is bound to both %s and %s", id, other, d.Tier)
			}
			d.ExternalProductID = id
			c.byProduct[id] = d.Tier
		}
		c.ordered = append(c.ordered, d)
		c.byTier[d.Tier] = d
	}
	return c, nil
}

func (c *staticCatalog) Descriptor(tier types.SubscriptionTier) (types.TierDescriptor, bool) {
	if d, ok := c.byTier[tier]; ok {
		return d, true
	}
	return c.byTier[types.TierFree], false
}

func (c *staticCatalog) All() []types.TierDescriptor {
	out := make([]types.TierDescriptor, len(c.ordered))
	copy(out, c.ordered)
	return out
}

func (c *staticCatalog) TierForProduct(productID string) (types.SubscriptionTier, bool) {
	tier, ok := c.byProduct[productID]
	return tier, ok
}
