package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// Deduper collapses concurrent calls for the same key into one in-flight
// call and memoises successful results for a TTL.
//
// The shared call runs on a context detached from any single caller, so a
// caller giving up (soft timeout) never cancels the call for the others.
// Failures are not memoised.
type Deduper[T any] struct {
	group        singleflight.Group
	memo         *gocache.Cache
	fetchTimeout time.Duration
}

// NewDeduper creates a Deduper. fetchTimeout bounds the shared call; zero
// means unbounded.
func NewDeduper[T any](ttl, fetchTimeout time.Duration) *Deduper[T] {
	return &Deduper[T]{
		memo:         gocache.New(ttl, 2*ttl),
		fetchTimeout: fetchTimeout,
	}
}

// Result describes how a Do call was satisfied.
type Result[T any] struct {
	Value  T
	Cached bool
	Shared bool
}

// Do returns the memoised value for key, or joins/starts the in-flight
// call. If ctx ends first, Do returns ctx.Err() and the call keeps running.
func (d *Deduper[T]) Do(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (Result[T], error) {
	if v, ok := d.memo.Get(key); ok {
		if typed, ok := v.(T); ok {
			return Result[T]{Value: typed, Cached: true}, nil
		}
	}

	ch := d.group.DoChan(key, func() (any, error) {
		callCtx := context.WithoutCancel(ctx)
		if d.fetchTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(callCtx, d.fetchTimeout)
			defer cancel()
		}
		v, err := fn(callCtx)
		if err != nil {
			return v, err
		}
		d.memo.Set(key, v, gocache.DefaultExpiration)
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			var zero T
			return Result[T]{Value: zero, Shared: res.Shared}, res.Err
		}
		v, ok := res.Val.(T)
		if !ok {
			var zero T
			return Result[T]{Value: zero}, fmt.Errorf("cache: unexpected value type %T for key %s", res.Val, key)
		}
		return Result[T]{Value: v, Shared: res.Shared}, nil
	case <-ctx.Done():
		var zero T
		return Result[T]{Value: zero}, ctx.Err()
	}
}

// Invalidate drops the memoised value for key. An in-flight call is not
// affected.
func (d *Deduper[T]) Invalidate(key string) {
	d.memo.Delete(key)
}

// InvalidatePrefix drops every memoised value whose key starts with prefix.
func (d *Deduper[T]) InvalidatePrefix(prefix string) int {
	n := 0
	for key := range d.memo.Items() {
		if strings.HasPrefix(key, prefix) {
			d.memo.Delete(key)
			n++
		}
	}
	return n
}

// Flush drops all memoised values.
func (d *Deduper[T]) Flush() {
	d.memo.Flush()
}

// Len returns the number of memoised entries, including expired entries not
// yet cleaned up.
func (d *Deduper[T]) Len() int {
	return d.memo.ItemCount()
}
