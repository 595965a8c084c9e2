package auth

import (
	"context"
	"sync"

	"tiergate/internal/types"
)

// Listener receives auth state changes.
type Listener func(ctx context.Context, ev types.AuthEvent)

type listenerEntry struct {
	id int
	fn Listener
}

// Tracker is one session's identity provider. It holds the current identity
// and turns observations of verified requests into SIGNED_IN,
// TOKEN_REFRESHED and SIGNED_OUT events.
type Tracker struct {
	clock types.Clock

	// dispatch serialises Observe so listeners see events in commit order.
	dispatch sync.Mutex

	mu          sync.Mutex
	current     *types.Identity
	fingerprint string
	listeners   []listenerEntry
	nextID      int
}

// NewTracker creates a Tracker with no identity.
func NewTracker(clock types.Clock) *Tracker {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Tracker{clock: clock}
}

// CurrentIdentity returns the signed-in identity.
func (t *Tracker) CurrentIdentity() (types.Identity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return types.Identity{}, false
	}
	return *t.current, true
}

// IsAdmin reports whether the current identity has administrative capability.
func (t *Tracker) IsAdmin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current != nil && t.current.IsAdmin
}

// OnAuthStateChange registers fn and returns a function that removes it.
// Listeners run synchronously, in registration order. They may read the
// tracker but must not call Observe or SignOut.
func (t *Tracker) OnAuthStateChange(fn Listener) (unsubscribe func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners = append(t.listeners, listenerEntry{id: id, fn: fn})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			for i, l := range t.listeners {
				if l.id == id {
					t.listeners = append(t.listeners[:i:i], t.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Observe records that a request arrived as identity with the given token
// fingerprint and emits the resulting event, if any:
//
//   - a nil identity while signed in: SIGNED_OUT;
//   - a new identity, or a different one: SIGNED_IN;
//   - the same identity with a new token: TOKEN_REFRESHED.
//
// It returns the emitted event type, or "" if nothing changed.
//
// Concurrent calls are serialised: an observation does not return until
// every listener has handled the previous one, so listener state always
// follows the tracker's identity.
func (t *Tracker) Observe(ctx context.Context, identity *types.Identity, fingerprint string) types.AuthEventType {
	t.dispatch.Lock()
	defer t.dispatch.Unlock()

	t.mu.Lock()
	var ev types.AuthEvent
	switch {
	case identity == nil:
		if t.current == nil {
			t.mu.Unlock()
			return ""
		}
		t.current = nil
		t.fingerprint = ""
		ev = types.AuthEvent{Type: types.AuthEventSignedOut}

	case t.current == nil || t.current.ID != identity.ID:
		next := *identity
		t.current = &next
		t.fingerprint = fingerprint
		ev = types.AuthEvent{Type: types.AuthEventSignedIn, Identity: &next}

	case t.fingerprint != fingerprint || t.current.IsAdmin != identity.IsAdmin:
		next := *identity
		t.current = &next
		t.fingerprint = fingerprint
		ev = types.AuthEvent{Type: types.AuthEventTokenRefreshed, Identity: &next}

	default:
		t.mu.Unlock()
		return ""
	}
	ev.At = t.clock.Now()
	listeners := make([]listenerEntry, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	for _, l := range listeners {
		l.fn(ctx, ev)
	}
	return ev.Type
}

// SignOut clears the identity.
func (t *Tracker) SignOut(ctx context.Context) bool {
	return t.Observe(ctx, nil, "") == types.AuthEventSignedOut
}
