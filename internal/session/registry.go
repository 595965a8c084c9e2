package session

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Factory builds a new session for id.
type Factory func(id string) *Session

// Registry holds live sessions keyed by session ID. A session untouched for
// the idle timeout is evicted and closed.
type Registry struct {
	mu       sync.Mutex
	sessions *gocache.Cache
	factory  Factory
}

// NewRegistry creates a Registry. Expired sessions are swept every
// idleTimeout/2.
func NewRegistry(idleTimeout time.Duration, factory Factory) *Registry {
	return newRegistry(idleTimeout, idleTimeout/2, factory)
}

// newRegistry creates a Registry with an explicit sweep interval; zero
// disables the background sweep.
func newRegistry(idleTimeout, sweepInterval time.Duration, factory Factory) *Registry {
	c := gocache.New(idleTimeout, sweepInterval)
	c.OnEvicted(func(_ string, v any) {
		if s, ok := v.(*Session); ok {
			s.Close()
		}
	})
	return &Registry{sessions: c, factory: factory}
}

// Acquire returns the session for id, creating it if needed, and resets its
// idle timer.
//
// A session that has expired but not yet been swept is still held by the
// cache; it is evicted, and so closed, before its replacement is stored.
func (r *Registry) Acquire(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.sessions.Get(id); ok {
		if s, ok := v.(*Session); ok && !s.Closed() {
			r.sessions.Set(id, s, gocache.DefaultExpiration)
			return s
		}
	}
	r.sessions.Delete(id)

	s := r.factory(id)
	r.sessions.Set(id, s, gocache.DefaultExpiration)
	return s
}

// Lookup returns the session for id without creating one.
func (r *Registry) Lookup(id string) (*Session, bool) {
	v, ok := r.sessions.Get(id)
	if !ok {
		return nil, false
	}
	s, ok := v.(*Session)
	return s, ok
}

// Remove evicts and closes the session for id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions.Delete(id)
}

// Len returns the number of live sessions, including expired sessions not
// yet swept.
func (r *Registry) Len() int {
	return r.sessions.ItemCount()
}

// Close closes every session.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions.DeleteExpired()
	for id := range r.sessions.Items() {
		r.sessions.Delete(id)
	}
}
