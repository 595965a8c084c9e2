package core

import (
	"context"
	"sync"
	"time"

	"tiergate/internal/types"
)

// MockAuthenticator implements Authenticator for tests. Tokens maps a token
// to the identity it resolves to; unknown tokens return Err, or
// auth_token_invalid when Err is nil.
type MockAuthenticator struct {
	Tokens map[string]types.Identity
	Err    error

	mu    sync.Mutex
	Calls []string
}

// Verify implements Authenticator.
func (m *MockAuthenticator) Verify(_ context.Context, token string) (types.Identity, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, token)
	m.mu.Unlock()

	if id, ok := m.Tokens[token]; ok {
		return id, nil
	}
	if m.Err != nil {
		return types.Identity{}, m.Err
	}
	return types.Identity{}, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid token", nil)
}

// CallCount returns the number of Verify calls.
func (m *MockAuthenticator) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// MockMetricsCollector records RecordRequest calls.
type MockMetricsCollector struct {
	mu    sync.Mutex
	Calls []RecordedRequest
}

// RecordedRequest is one MockMetricsCollector call.
type RecordedRequest struct {
	Method string
	Route  string
	Status int
}

// RecordRequest implements MetricsCollector.
func (m *MockMetricsCollector) RecordRequest(method, route string, status int, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, RecordedRequest{Method: method, Route: route, Status: status})
}

// Recorded returns a copy of the recorded calls.
func (m *MockMetricsCollector) Recorded() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.Calls...)
}
