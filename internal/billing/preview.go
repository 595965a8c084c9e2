package billing

import (
	"fmt"
	"sync"

	"tiergate/internal/types"
)

// PreviewToggle holds one session's in-memory preview override. It never
// touches SubscriptionState.
type PreviewToggle struct {
	mu       sync.RWMutex
	override types.PreviewOverride
}

// NewPreviewToggle returns an inactive toggle.
func NewPreviewToggle() *PreviewToggle {
	return &PreviewToggle{}
}

// Start activates the override for tier.
func (p *PreviewToggle) Start(tier types.SubscriptionTier) {
	p.mu.Lock()
	p.override = types.PreviewOverride{Active: true, Tier: tier}
	p.mu.Unlock()
}

// Stop clears the override.
func (p *PreviewToggle) Stop() {
	p.mu.Lock()
	p.override = types.PreviewOverride{}
	p.mu.Unlock()
}

// Current returns a copy of the override.
func (p *PreviewToggle) Current() types.PreviewOverride {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.override
}

// AdminPreview guards a PreviewToggle with the admin capability check.
// isAdmin is consulted on every mutation so a demoted identity loses
// the ability immediately.
type AdminPreview struct {
	toggle  *PreviewToggle
	isAdmin func() bool
}

// NewAdminPreview wraps toggle.
func NewAdminPreview(toggle *PreviewToggle, isAdmin func() bool) *AdminPreview {
	return &AdminPreview{toggle: toggle, isAdmin: isAdmin}
}

// StartPreview activates preview mode for tier.
func (a *AdminPreview) StartPreview(tier types.SubscriptionTier) error {
	if !a.isAdmin() {
		return types.NewAppError(types.ErrCodePermissionAdminRequired, "preview mode requires administrative capability", nil)
	}
	if !tier.Valid() {
		return types.NewAppError(types.ErrCodeValidationInvalidTier, fmt.Sprintf("unknown subscription tier %q", tier), nil)
	}
	a.toggle.Start(tier)
	return nil
}

// StopPreview leaves preview mode.
func (a *AdminPreview) StopPreview() error {
	if !a.isAdmin() {
		return types.NewAppError(types.ErrCodePermissionAdminRequired, "preview mode requires administrative capability", nil)
	}
	a.toggle.Stop()
	return nil
}

// Current exposes the override for the read path, which needs no capability.
func (a *AdminPreview) Current() types.PreviewOverride {
	return a.toggle.Current()
}
