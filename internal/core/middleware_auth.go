package core

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"tiergate/internal/auth"
	"tiergate/internal/session"
	"tiergate/internal/types"
)

// defaultSessionHeader carries the dashboard session ID.
const defaultSessionHeader = "X-Session-ID"

// authPublicPaths bypass the AuthMiddleware entirely.
var authPublicPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// AuthMiddleware resolves an optional bearer token.
//
//   - No Authorization header: the request continues anonymously.
//   - A malformed header or a token the Authenticator rejects: 401.
//   - Otherwise the Identity and the token fingerprint are stored in the
//     context.
//
// Routes that need an identity add RequireIdentity. With no Authenticator
// configured the middleware passes through.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Authenticator == nil || authPublicPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := extractBearerToken(authHeader)
		if token == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Bearer token is required")
			return
		}

		identity, err := s.Authenticator.Verify(r.Context(), token)
		if err != nil {
			s.handleAuthError(w, r, err)
			return
		}

		ctx := types.WithIdentity(r.Context(), identity)
		ctx = types.WithTokenFingerprint(ctx, auth.Fingerprint(token))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractBearerToken returns the token from "Bearer <token>" (scheme is
// case-insensitive per RFC 7235), or "" if the header has another shape.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

// handleAuthError writes a 401 for token problems. An upstream identity
// failure is a 502: the token may be fine.
func (s *Server) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case types.ErrCodeAuthTokenExpired:
			s.Logger.WarnContext(r.Context(), "authentication failed: token expired",
				slog.String("path", r.URL.Path),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenExpired, "Authentication token has expired")
			return
		case types.ErrCodeAuthTokenInvalid, types.ErrCodeAuthTokenMissing:
			s.Logger.WarnContext(r.Context(), "authentication failed: token invalid",
				slog.String("path", r.URL.Path),
				slog.String("error_code", string(appErr.Code)),
			)
			s.writeAuthError(w, r, appErr.Code, "Invalid authentication token")
			return
		case types.ErrCodeUpstreamIdentity:
			s.Logger.ErrorContext(r.Context(), "identity provider unavailable",
				slog.String("error", err.Error()),
			)
			Error(w, r, appErr)
			return
		}
	}

	s.Logger.ErrorContext(r.Context(), "authentication failed: unexpected error",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Authentication failed")
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	JSON(w, r, http.StatusUnauthorized, APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(code),
			Message:   message,
			RequestID: types.GetRequestID(r.Context()),
		},
	})
}

// RequireIdentity rejects anonymous requests with 401.
func (s *Server) RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := types.GetIdentity(r.Context()); !ok {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type sessionCtxKey struct{}

// WithSession stores the bound session in ctx.
func WithSession(ctx context.Context, sess *session.Session) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, sess)
}

// SessionFrom returns the session bound by SessionMiddleware, if any.
func SessionFrom(ctx context.Context) (*session.Session, bool) {
	sess, ok := ctx.Value(sessionCtxKey{}).(*session.Session)
	return sess, ok && sess != nil
}

// SessionMiddleware binds authenticated requests to their dashboard session
// and feeds the verified identity to its tracker, which turns it into
// SIGNED_IN or TOKEN_REFRESHED as appropriate.
//
// The session ID comes from the session header; API clients without one
// share a session per identity. Anonymous requests are never bound, so they
// cannot read another identity's state through a stale session ID.
func (s *Server) SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := types.GetIdentity(r.Context())
		if s.Sessions == nil || !ok {
			next.ServeHTTP(w, r)
			return
		}

		id := strings.TrimSpace(r.Header.Get(s.sessionHeader()))
		if id == "" || len(id) > 128 {
			id = "identity:" + identity.ID
		}

		sess := s.Sessions.Acquire(id)
		sess.Observe(r.Context(), &identity, types.GetTokenFingerprint(r.Context()))

		ctx := types.WithSessionID(r.Context(), id)
		ctx = WithSession(ctx, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
