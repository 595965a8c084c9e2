// Package session owns per-dashboard-session state: the identity tracker,
// the subscription refresh coordinator and the admin preview toggle. Each
// session is an explicitly owned object; nothing is process-global.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tiergate/internal/auth"
	"tiergate/internal/billing"
	"tiergate/internal/subscription"
	"tiergate/internal/types"
)

// IdentityForgetter drops caches owned by an identity. The follower summary
// service implements it.
type IdentityForgetter interface {
	ForgetIdentity(identityID string)
}

// Deps are the shared collaborators every session is built from.
type Deps struct {
	Source       subscription.BillingStatusSource
	Reporter     types.ErrorReporter
	Evaluator    *billing.AccessEvaluator
	Followers    IdentityForgetter
	Subscription subscription.Options
	Clock        types.Clock
	Logger       *slog.Logger
}

// Session is one dashboard session.
type Session struct {
	id          string
	tracker     *auth.Tracker
	coordinator *subscription.Coordinator
	toggle      *billing.PreviewToggle
	preview     *billing.AdminPreview
	evaluator   *billing.AccessEvaluator
	followers   IdentityForgetter
	logger      *slog.Logger

	mu          sync.Mutex
	lastOwner   string
	unsubscribe func()
	closeOnce   sync.Once
	closed      atomic.Bool
}

// New creates a session and subscribes it to its tracker.
func New(id string, deps Deps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", id)

	opts := deps.Subscription
	opts.Logger = logger
	if opts.Clock == nil {
		opts.Clock = deps.Clock
	}

	tracker := auth.NewTracker(deps.Clock)
	toggle := billing.NewPreviewToggle()
	s := &Session{
		id:          id,
		tracker:     tracker,
		coordinator: subscription.NewCoordinator(deps.Source, deps.Reporter, opts),
		toggle:      toggle,
		preview:     billing.NewAdminPreview(toggle, tracker.IsAdmin),
		evaluator:   deps.Evaluator,
		followers:   deps.Followers,
		logger:      logger,
	}
	s.unsubscribe = tracker.OnAuthStateChange(s.handleAuthEvent)
	return s
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Observe feeds a verified request's identity into the tracker. A nil
// identity means the request carried no valid token.
func (s *Session) Observe(ctx context.Context, identity *types.Identity, fingerprint string) types.AuthEventType {
	return s.tracker.Observe(ctx, identity, fingerprint)
}

// SignOut ends the session's identity.
func (s *Session) SignOut(ctx context.Context) {
	s.tracker.SignOut(ctx)
}

func (s *Session) handleAuthEvent(ctx context.Context, ev types.AuthEvent) {
	switch ev.Type {
	case types.AuthEventSignedIn:
		s.toggle.Stop()
		s.forgetPrevious(ev.Identity.ID)
		res := s.coordinator.SignIn(ctx, *ev.Identity)
		s.logger.InfoContext(ctx, "identity signed in",
			"identity_id", ev.Identity.ID,
			"tier", string(res.State.Tier),
			"outcome", res.Outcome,
		)

	case types.AuthEventTokenRefreshed:
		if !ev.Identity.IsAdmin && s.toggle.Current().Active {
			s.toggle.Stop()
			s.logger.InfoContext(ctx, "preview mode ended: identity lost admin capability",
				"identity_id", ev.Identity.ID,
			)
		}
		s.coordinator.SetIdentity(ev.Identity)
		s.coordinator.Refresh(ctx, false)

	case types.AuthEventSignedOut:
		s.toggle.Stop()
		s.forgetPrevious("")
		s.coordinator.SignOut()
		s.logger.InfoContext(ctx, "identity signed out")
	}
}

func (s *Session) forgetPrevious(next string) {
	s.mu.Lock()
	prev := s.lastOwner
	s.lastOwner = next
	s.mu.Unlock()

	if s.followers != nil && prev != "" && prev != next {
		s.followers.ForgetIdentity(prev)
	}
}

// Entitlements is the session's full entitlement view.
type Entitlements struct {
	Identity      *types.Identity         `json:"identity"`
	Subscription  types.SubscriptionState `json:"subscription"`
	Preview       types.PreviewOverride   `json:"preview"`
	EffectiveTier types.SubscriptionTier  `json:"effective_tier"`
	LastFetchedAt *time.Time              `json:"last_fetched_at"`
	Features      []billing.Access        `json:"features"`
}

// EffectiveTier resolves the tier that gates features right now.
func (s *Session) EffectiveTier() types.SubscriptionTier {
	return billing.ResolveEffectiveTier(s.coordinator.Snapshot().Tier, s.toggle.Current())
}

// Entitlements returns the current view without triggering a refresh.
func (s *Session) Entitlements(ctx context.Context) Entitlements {
	state := s.coordinator.Snapshot()
	preview := s.toggle.Current()
	effective := billing.ResolveEffectiveTier(state.Tier, preview)

	view := Entitlements{
		Subscription:  state,
		Preview:       preview,
		EffectiveTier: effective,
		Features:      s.evaluator.EvaluateAll(ctx, effective),
	}
	if identity, ok := s.tracker.CurrentIdentity(); ok {
		view.Identity = &identity
	}
	if at, ok := s.coordinator.LastFetchedAt(); ok {
		view.LastFetchedAt = &at
	}
	return view
}

// Access evaluates one feature against the effective tier.
func (s *Session) Access(ctx context.Context, feature types.FeatureID) billing.Access {
	return s.evaluator.Evaluate(ctx, s.EffectiveTier(), feature)
}

// Refresh asks the coordinator for a refresh.
func (s *Session) Refresh(ctx context.Context, force bool) subscription.Result {
	return s.coordinator.Refresh(ctx, force)
}

// StartPreview enters preview mode; admin only.
func (s *Session) StartPreview(tier types.SubscriptionTier) error {
	return s.preview.StartPreview(tier)
}

// StopPreview leaves preview mode; admin only.
func (s *Session) StopPreview() error {
	return s.preview.StopPreview()
}

// Preview returns the current override.
func (s *Session) Preview() types.PreviewOverride {
	return s.preview.Current()
}

// Close detaches the session from its tracker and stops the coordinator.
// It is idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.unsubscribe()
		s.toggle.Stop()
		s.coordinator.Close()
		s.closed.Store(true)
	})
}

// Closed reports whether Close has run.
func (s *Session) Closed() bool {
	return s.closed.Load()
}
