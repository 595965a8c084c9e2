package types

import "context"

type contextKey string

const (
	identityKey  contextKey = "identity"
	requestIDKey contextKey = "request_id"
	sessionIDKey contextKey = "session_id"
	tokenKey     contextKey = "token_fingerprint"
)

// WithIdentity stores the authenticated Identity in the context.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// GetIdentity retrieves the authenticated Identity from the context.
// The second return is false for anonymous requests.
func GetIdentity(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey).(Identity)
	return identity, ok
}

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithSessionID stores the dashboard session ID in the context.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// GetSessionID retrieves the dashboard session ID from the context.
func GetSessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

// WithTokenFingerprint stores a non-reversible fingerprint of the bearer
// token. Sessions compare fingerprints to detect token refreshes.
func WithTokenFingerprint(ctx context.Context, fp string) context.Context {
	return context.WithValue(ctx, tokenKey, fp)
}

// GetTokenFingerprint retrieves the bearer token fingerprint from the context.
func GetTokenFingerprint(ctx context.Context) string {
	fp, _ := ctx.Value(tokenKey).(string)
	return fp
}
