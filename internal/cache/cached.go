// Package cache provides identity-scoped cached values and a request
// de-duplication cache for read-only remote summaries.
package cache

import "time"

// CachedFetch is the last known good value of a remote fetch, stamped with
// when it was fetched and for whom.
type CachedFetch[T any] struct {
	Value     T
	HasValue  bool
	FetchedAt time.Time
	Owner     string
}

// NewCachedFetch stamps value for owner at fetchedAt.
func NewCachedFetch[T any](value T, owner string, fetchedAt time.Time) CachedFetch[T] {
	return CachedFetch[T]{Value: value, HasValue: true, FetchedAt: fetchedAt, Owner: owner}
}

// OwnedBy reports whether the cache holds a value fetched for owner.
func (c CachedFetch[T]) OwnedBy(owner string) bool {
	return c.HasValue && owner != "" && c.Owner == owner
}

// ValidFor reports whether the value may be served to owner at now without
// refetching: it must belong to owner and be younger than ttl. A value
// stamped in the future (clock skew) is treated as fresh.
func (c CachedFetch[T]) ValidFor(owner string, now time.Time, ttl time.Duration) bool {
	if !c.OwnedBy(owner) {
		return false
	}
	return now.Sub(c.FetchedAt) < ttl
}

// Age returns how old the value is at now.
func (c CachedFetch[T]) Age(now time.Time) time.Duration {
	if !c.HasValue {
		return 0
	}
	return now.Sub(c.FetchedAt)
}
