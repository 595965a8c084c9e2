package subscription

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tiergate/internal/cache"
	"tiergate/internal/types"
)

// BillingStatusSource is the identity-scoped billing-status query. It must be
// idempotent and free of remote side effects.
type BillingStatusSource interface {
	GetBillingStatus(ctx context.Context, identity types.Identity) (types.SubscriptionState, error)
}

// RefreshRecorder receives one outcome label per refresh request.
type RefreshRecorder interface {
	RecordRefresh(outcome string)
}

// Ticker is the subset of *time.Ticker used by the periodic re-check.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory creates a Ticker firing every d.
type TickerFactory func(d time.Duration) Ticker

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// NewRealTicker wraps time.NewTicker.
func NewRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

// Options configures a Coordinator. Zero durations take the defaults below.
type Options struct {
	CacheTTL        time.Duration
	Cooldown        time.Duration
	RecheckInterval time.Duration
	FetchTimeout    time.Duration

	Clock     types.Clock
	NewTicker TickerFactory
	Metrics   RefreshRecorder
	Logger    *slog.Logger
}

const (
	DefaultCacheTTL        = 5 * time.Minute
	DefaultCooldown        = 10 * time.Second
	DefaultRecheckInterval = 5 * time.Minute
	DefaultFetchTimeout    = 20 * time.Second
)

func (o *Options) applyDefaults() {
	if o.CacheTTL <= 0 {
		o.CacheTTL = DefaultCacheTTL
	}
	if o.Cooldown < 0 {
		o.Cooldown = 0
	} else if o.Cooldown == 0 {
		o.Cooldown = DefaultCooldown
	}
	if o.RecheckInterval <= 0 {
		o.RecheckInterval = DefaultRecheckInterval
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = DefaultFetchTimeout
	}
	if o.Clock == nil {
		o.Clock = types.RealClock{}
	}
	if o.NewTicker == nil {
		o.NewTicker = NewRealTicker
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Result is the answer to a refresh request. State is what the caller should
// display; it is never an error.
type Result struct {
	State   types.SubscriptionState
	Outcome string
}

// flight is one network call. Callers joining it wait on done.
type flight struct {
	generation uint64
	identity   types.Identity
	done       chan struct{}

	state   types.SubscriptionState
	outcome string
}

// Coordinator owns one session's subscription cache and refresh state
// machine. All methods are safe for concurrent use.
//
// Every identity change bumps a generation counter; a call that completes
// under an older generation is discarded without touching shared state.
type Coordinator struct {
	source   BillingStatusSource
	reporter types.ErrorReporter
	opts     Options

	mu         sync.Mutex
	identity   *types.Identity
	generation uint64
	state      State
	cached     cache.CachedFetch[types.SubscriptionState]
	inflight   *flight

	recheckCancel context.CancelFunc
	recheckDone   chan struct{}
}

// NewCoordinator creates a Coordinator with no identity.
func NewCoordinator(source BillingStatusSource, reporter types.ErrorReporter, opts Options) *Coordinator {
	opts.applyDefaults()
	return &Coordinator{
		source:   source,
		reporter: reporter,
		opts:     opts,
		state:    Idle(),
	}
}

// SetIdentity makes identity current. A nil identity, or one with a
// different ID, synchronously discards the cache, abandons any in-flight
// call and resets the state machine to Idle. It reports whether a reset
// happened.
func (c *Coordinator) SetIdentity(identity *types.Identity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setIdentityLocked(identity)
}

func (c *Coordinator) setIdentityLocked(identity *types.Identity) bool {
	if identity != nil && c.identity != nil && identity.ID == c.identity.ID {
		updated := *identity
		c.identity = &updated
		return false
	}
	if identity == nil && c.identity == nil {
		return false
	}

	c.generation++
	c.state, _ = Transition(c.state, Event{Kind: EventReset, Now: c.opts.Clock.Now()}, c.opts.Cooldown)
	c.cached = cache.CachedFetch[types.SubscriptionState]{}
	c.inflight = nil
	if identity == nil {
		c.identity = nil
	} else {
		next := *identity
		c.identity = &next
	}
	return true
}

// SignIn makes identity current, starts the periodic re-check and performs
// the sign-in refresh, which is exempt from the cache TTL and the cool-down.
func (c *Coordinator) SignIn(ctx context.Context, identity types.Identity) Result {
	c.mu.Lock()
	if c.setIdentityLocked(&identity) {
		c.opts.Logger.InfoContext(ctx, "subscription state reset for new identity", "identity_id", identity.ID)
	}
	c.startRecheckLocked()
	c.mu.Unlock()

	return c.refresh(ctx, false, true)
}

// SignOut clears the identity and stops the periodic re-check.
func (c *Coordinator) SignOut() {
	c.mu.Lock()
	c.setIdentityLocked(nil)
	c.mu.Unlock()
	c.stopRecheck()
}

// Refresh brings the cached state up to date subject to the TTL and the
// cool-down. force bypasses the TTL only. Failures keep the last known
// good value and are sent to the error reporter.
//
// If ctx ends before the call completes, Refresh returns the current
// observable state with outcome pending; the call itself keeps running.
func (c *Coordinator) Refresh(ctx context.Context, force bool) Result {
	return c.refresh(ctx, force, false)
}

func (c *Coordinator) refresh(ctx context.Context, force, signIn bool) Result {
	c.mu.Lock()
	if c.identity == nil {
		c.mu.Unlock()
		c.record(types.RefreshOutcomeNoIdentity)
		return Result{State: types.DefaultSubscriptionState(), Outcome: types.RefreshOutcomeNoIdentity}
	}

	now := c.opts.Clock.Now()
	next, action := Transition(c.state, Event{
		Kind:       EventRefresh,
		Now:        now,
		Force:      force,
		SignIn:     signIn,
		CacheFresh: c.cached.ValidFor(c.identity.ID, now, c.opts.CacheTTL),
	}, c.opts.Cooldown)
	c.state = next

	switch action {
	case ActionServeCache:
		state := c.cached.Value
		c.mu.Unlock()
		c.record(types.RefreshOutcomeCached)
		return Result{State: state, Outcome: types.RefreshOutcomeCached}

	case ActionSuppress:
		state := c.snapshotLocked()
		until := c.state.Until
		c.mu.Unlock()
		c.opts.Logger.DebugContext(ctx, "subscription refresh suppressed by cool-down",
			"until", until,
			"force", force,
		)
		c.record(types.RefreshOutcomeSuppressed)
		return Result{State: state, Outcome: types.RefreshOutcomeSuppressed}

	case ActionJoin:
		f := c.inflight
		c.mu.Unlock()
		return c.wait(ctx, f, true)

	default:
		f := &flight{
			generation: c.generation,
			identity:   *c.identity,
			done:       make(chan struct{}),
		}
		c.inflight = f
		c.mu.Unlock()

		go c.run(ctx, f)
		return c.wait(ctx, f, false)
	}
}

func (c *Coordinator) run(parent context.Context, f *flight) {
	detached := context.WithoutCancel(parent)
	ctx, cancel := context.WithTimeout(detached, c.opts.FetchTimeout)
	state, err := c.source.GetBillingStatus(ctx, f.identity)
	cancel()

	c.mu.Lock()
	now := c.opts.Clock.Now()
	switch {
	case f.generation != c.generation:
		f.state = c.snapshotLocked()
		f.outcome = types.RefreshOutcomeDiscarded
	case err != nil:
		c.state, _ = Transition(c.state, Event{Kind: EventCompleted, Now: now}, c.opts.Cooldown)
		c.inflight = nil
		f.state = c.snapshotLocked()
		f.outcome = types.RefreshOutcomeFailed
	default:
		c.state, _ = Transition(c.state, Event{Kind: EventCompleted, Now: now}, c.opts.Cooldown)
		c.inflight = nil
		if !state.Tier.Valid() {
			state.Tier = types.TierFree
		}
		c.cached = cache.NewCachedFetch(state, f.identity.ID, now)
		f.state = state
		f.outcome = types.RefreshOutcomeFetched
	}
	c.mu.Unlock()
	close(f.done)

	switch f.outcome {
	case types.RefreshOutcomeDiscarded:
		c.opts.Logger.InfoContext(detached, "discarding billing status for previous identity",
			"identity_id", f.identity.ID,
		)
	case types.RefreshOutcomeFailed:
		c.opts.Logger.WarnContext(detached, "subscription refresh failed; keeping last known state",
			"identity_id", f.identity.ID,
			"error", err,
		)
		if c.reporter != nil {
			c.reporter.Report(detached, types.ErrorCategorySubscriptionRefresh, err.Error(), map[string]any{
				"identity_id": f.identity.ID,
			})
		}
	}
}

func (c *Coordinator) wait(ctx context.Context, f *flight, joined bool) Result {
	select {
	case <-f.done:
		outcome := f.outcome
		if joined && outcome == types.RefreshOutcomeFetched {
			outcome = types.RefreshOutcomeJoined
		}
		c.record(outcome)
		return Result{State: f.state, Outcome: outcome}
	case <-ctx.Done():
		c.record(types.RefreshOutcomePending)
		return Result{State: c.Snapshot(), Outcome: types.RefreshOutcomePending}
	}
}

// Snapshot returns the observable SubscriptionState: the last known good
// value for the current identity, however old, or the default free state.
func (c *Coordinator) Snapshot() types.SubscriptionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() types.SubscriptionState {
	if c.identity != nil && c.cached.OwnedBy(c.identity.ID) {
		return c.cached.Value
	}
	return types.DefaultSubscriptionState()
}

// Identity returns the current identity.
func (c *Coordinator) Identity() (types.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return types.Identity{}, false
	}
	return *c.identity, true
}

// State returns the current state machine state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastFetchedAt returns when the cached value was fetched, if there is one
// for the current identity.
func (c *Coordinator) LastFetchedAt() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil || !c.cached.OwnedBy(c.identity.ID) {
		return time.Time{}, false
	}
	return c.cached.FetchedAt, true
}

// Close stops the periodic re-check and clears the identity.
func (c *Coordinator) Close() {
	c.SignOut()
}

func (c *Coordinator) startRecheckLocked() {
	if c.recheckCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.recheckCancel = cancel
	c.recheckDone = done

	ticker := c.opts.NewTicker(c.opts.RecheckInterval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				c.Refresh(ctx, false)
			}
		}
	}()
}

func (c *Coordinator) stopRecheck() {
	c.mu.Lock()
	cancel, done := c.recheckCancel, c.recheckDone
	c.recheckCancel, c.recheckDone = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *Coordinator) record(outcome string) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.RecordRefresh(outcome)
	}
}
