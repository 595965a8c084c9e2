package types

import "time"

// SubscriptionState is an identity's billing state as last reported by the
// billing provider.
type SubscriptionState struct {
	Tier                  SubscriptionTier `json:"tier"`
	IsActivelySubscribed  bool             `json:"is_actively_subscribed"`
	PeriodEnd             *time.Time       `json:"period_end"`
	WillCancelAtPeriodEnd bool             `json:"will_cancel_at_period_end"`
}

// DefaultSubscriptionState is the state of an identity with no known
// subscription, and of anonymous callers.
func DefaultSubscriptionState() SubscriptionState {
	return SubscriptionState{Tier: TierFree}
}

// PreviewOverride substitutes a different tier for UI testing by admins.
// An empty Tier is the null tier.
type PreviewOverride struct {
	Active bool             `json:"active"`
	Tier   SubscriptionTier `json:"tier,omitempty"`
}

// Identity is an authenticated principal as resolved by the identity
// provider.
type Identity struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	IsAdmin bool   `json:"is_admin"`
}

// AuthEventType names an identity state change.
type AuthEventType string

const (
	AuthEventSignedIn       AuthEventType = "SIGNED_IN"
	AuthEventSignedOut      AuthEventType = "SIGNED_OUT"
	AuthEventTokenRefreshed AuthEventType = "TOKEN_REFRESHED"
)

// AuthEvent is delivered to auth state listeners. Identity is nil for
// AuthEventSignedOut.
type AuthEvent struct {
	Type     AuthEventType
	Identity *Identity
	At       time.Time
}
