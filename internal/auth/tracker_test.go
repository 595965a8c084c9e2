package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiergate/internal/types"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newTestTracker() *Tracker {
	return NewTracker(fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)})
}

func collect(tr *Tracker) *[]types.AuthEvent {
	var events []types.AuthEvent
	tr.OnAuthStateChange(func(_ context.Context, ev types.AuthEvent) {
		events = append(events, ev)
	})
	return &events
}

func TestTracker_ObserveSequence(t *testing.T) {
	tr := newTestTracker()
	events := collect(tr)
	ctx := context.Background()

	alice := &types.Identity{ID: "alice", Email: "alice@example.com"}
	bob := &types.Identity{ID: "bob", Email: "bob@example.com"}

	assert.Equal(t, types.AuthEventSignedIn, tr.Observe(ctx, alice, "fp1"))
	assert.Equal(t, types.AuthEventType(""), tr.Observe(ctx, alice, "fp1"))
	assert.Equal(t, types.AuthEventTokenRefreshed, tr.Observe(ctx, alice, "fp2"))
	assert.Equal(t, types.AuthEventSignedIn, tr.Observe(ctx, bob, "fp3"))
	assert.Equal(t, types.AuthEventSignedOut, tr.Observe(ctx, nil, ""))
	assert.Equal(t, types.AuthEventType(""), tr.Observe(ctx, nil, ""))

	require.Len(t, *events, 4)
	assert.Equal(t, "alice", (*events)[0].Identity.ID)
	assert.Equal(t, "bob", (*events)[2].Identity.ID)
	assert.Nil(t, (*events)[3].Identity)
	assert.False(t, (*events)[0].At.IsZero())

	_, ok := tr.CurrentIdentity()
	assert.False(t, ok)
}

func TestTracker_AdminChangeIsRefresh(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()

	tr.Observe(ctx, &types.Identity{ID: "alice", IsAdmin: true}, "fp")
	assert.True(t, tr.IsAdmin())

	assert.Equal(t, types.AuthEventTokenRefreshed, tr.Observe(ctx, &types.Identity{ID: "alice"}, "fp"))
	assert.False(t, tr.IsAdmin())
}

func TestTracker_ListenersInOrderAndUnsubscribe(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()

	var order []string
	tr.OnAuthStateChange(func(context.Context, types.AuthEvent) { order = append(order, "first") })
	unsub := tr.OnAuthStateChange(func(context.Context, types.AuthEvent) { order = append(order, "second") })
	tr.OnAuthStateChange(func(context.Context, types.AuthEvent) { order = append(order, "third") })

	tr.Observe(ctx, &types.Identity{ID: "alice"}, "fp")
	assert.Equal(t, []string{"first", "second", "third"}, order)

	unsub()
	unsub()
	order = nil
	assert.True(t, tr.SignOut(ctx))
	assert.Equal(t, []string{"first", "third"}, order)
}

func TestTracker_ListenerMayReadTracker(t *testing.T) {
	tr := newTestTracker()
	var seen types.Identity
	tr.OnAuthStateChange(func(context.Context, types.AuthEvent) {
		seen, _ = tr.CurrentIdentity()
	})

	tr.Observe(context.Background(), &types.Identity{ID: "alice"}, "fp")
	assert.Equal(t, "alice", seen.ID)
}

func TestTracker_ConcurrentObserveWaitsForDispatch(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	var order []string
	tr.OnAuthStateChange(func(_ context.Context, ev types.AuthEvent) {
		if ev.Identity.ID == "x" {
			close(entered)
			<-release
		}
		current, _ := tr.CurrentIdentity()
		order = append(order, ev.Identity.ID+"="+current.ID)
	})

	doneX := make(chan struct{})
	go func() {
		defer close(doneX)
		tr.Observe(ctx, &types.Identity{ID: "x"}, "fpx")
	}()
	<-entered

	doneY := make(chan struct{})
	go func() {
		defer close(doneY)
		tr.Observe(ctx, &types.Identity{ID: "y"}, "fpy")
	}()

	select {
	case <-doneY:
		t.Fatal("second observation completed while the first was still dispatching")
	case <-time.After(50 * time.Millisecond):
	}
	current, _ := tr.CurrentIdentity()
	assert.Equal(t, "x", current.ID)

	close(release)
	<-doneX
	<-doneY

	assert.Equal(t, []string{"x=x", "y=y"}, order)
	current, _ = tr.CurrentIdentity()
	assert.Equal(t, "y", current.ID)
}
