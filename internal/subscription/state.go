// Package subscription keeps an identity's SubscriptionState fresh without
// overlapping or rapid-fire calls to the billing provider.
package subscription

import (
	"fmt"
	"time"
)

// Phase tags the refresh state variant.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRefreshing
	PhaseCoolingDown
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRefreshing:
		return "refreshing"
	case PhaseCoolingDown:
		return "cooling_down"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is Idle | Refreshing{StartedAt} | CoolingDown{Until}. Only the field
// belonging to Phase is meaningful.
type State struct {
	Phase     Phase
	StartedAt time.Time
	Until     time.Time
}

// Idle is the resting state.
func Idle() State {
	return State{Phase: PhaseIdle}
}

// Refreshing is the state while a network call started at startedAt is in
// flight.
func Refreshing(startedAt time.Time) State {
	return State{Phase: PhaseRefreshing, StartedAt: startedAt}
}

// CoolingDown suppresses new calls until until.
func CoolingDown(until time.Time) State {
	return State{Phase: PhaseCoolingDown, Until: until}
}

func (s State) String() string {
	switch s.Phase {
	case PhaseRefreshing:
		return fmt.Sprintf("refreshing{started_at=%s}", s.StartedAt.Format(time.RFC3339Nano))
	case PhaseCoolingDown:
		return fmt.Sprintf("cooling_down{until=%s}", s.Until.Format(time.RFC3339Nano))
	default:
		return s.Phase.String()
	}
}

// EventKind names an input to Transition.
type EventKind int

const (
	// EventRefresh is a refresh request.
	EventRefresh EventKind = iota
	// EventCompleted is the end of the network call started by the last
	// Fetch action, successful or not.
	EventCompleted
	// EventReset is an identity change.
	EventReset
)

// Event is one input to the state machine. Force, SignIn and CacheFresh
// apply to EventRefresh only.
type Event struct {
	Kind EventKind
	Now  time.Time

	// Force bypasses the cache TTL. It does not bypass the cool-down.
	Force bool
	// SignIn marks the first refresh after a sign-in, which bypasses both
	// the cache TTL and the cool-down.
	SignIn bool
	// CacheFresh reports whether the current identity's cached value is
	// younger than the TTL.
	CacheFresh bool
}

// Action is what the coordinator must do after a transition.
type Action int

const (
	ActionNone Action = iota
	// ActionServeCache returns the cached value without a call.
	ActionServeCache
	// ActionJoin waits for the in-flight call.
	ActionJoin
	// ActionSuppress returns the current value; the cool-down is active.
	ActionSuppress
	// ActionFetch starts a network call.
	ActionFetch
)

func (a Action) String() string {
	switch a {
	case ActionServeCache:
		return "serve_cache"
	case ActionJoin:
		return "join"
	case ActionSuppress:
		return "suppress"
	case ActionFetch:
		return "fetch"
	default:
		return "none"
	}
}

// Transition is the single transition function of the refresh state
// machine. It is pure.
//
// For EventRefresh the checks run in order:
//  1. an unforced request with a fresh cache is served from cache;
//  2. a request while Refreshing joins the in-flight call;
//  3. a request during an unexpired cool-down is suppressed unless it is a
//     sign-in refresh;
//  4. otherwise a call starts and the state becomes Refreshing{now}.
//
// EventCompleted moves Refreshing{t} to CoolingDown{t+cooldown}, or to Idle
// if that instant has passed. EventReset always yields Idle.
func Transition(s State, ev Event, cooldown time.Duration) (State, Action) {
	switch ev.Kind {
	case EventReset:
		return Idle(), ActionNone

	case EventCompleted:
		if s.Phase != PhaseRefreshing {
			return s, ActionNone
		}
		until := s.StartedAt.Add(cooldown)
		if !ev.Now.Before(until) {
			return Idle(), ActionNone
		}
		return CoolingDown(until), ActionNone

	case EventRefresh:
		if !ev.Force && !ev.SignIn && ev.CacheFresh {
			return s, ActionServeCache
		}
		if s.Phase == PhaseRefreshing {
			return s, ActionJoin
		}
		if s.Phase == PhaseCoolingDown && ev.Now.Before(s.Until) && !ev.SignIn {
			return s, ActionSuppress
		}
		return Refreshing(ev.Now), ActionFetch
	}
	return s, ActionNone
}
