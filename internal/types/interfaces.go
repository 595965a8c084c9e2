package types

import (
	"context"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// ErrorReporter is the error-reporting sink. Implementations must never
// panic and must swallow their own failures; callers treat Report as
// fire-and-forget.
type ErrorReporter interface {
	Report(ctx context.Context, category string, message string, metadata map[string]any)
}

// Error categories passed to ErrorReporter.
const (
	ErrorCategorySubscriptionRefresh = "subscription_refresh"
	ErrorCategoryFollowerSummary     = "follower_summary"
	ErrorCategoryEntitlement         = "entitlement"
)

// Metric outcome labels for subscription refreshes.
const (
	RefreshOutcomeFetched    = "fetched"
	RefreshOutcomeCached     = "cached"
	RefreshOutcomeJoined     = "joined"
	RefreshOutcomeSuppressed = "suppressed"
	RefreshOutcomeFailed     = "failed"
	RefreshOutcomeDiscarded  = "discarded"
	RefreshOutcomeNoIdentity = "no_identity"
	RefreshOutcomePending    = "pending"
)
