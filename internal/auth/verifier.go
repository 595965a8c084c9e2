// Package auth resolves bearer tokens to identities through Supabase Auth
// and tracks identity changes per dashboard session.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/supabase-community/supabase-go"

	"tiergate/internal/types"
)

// AuthUser is the subset of a Supabase user the service needs.
type AuthUser struct {
	ID          uuid.UUID
	Email       string
	AppMetadata map[string]any
}

// UserLookup resolves an access token to its user.
type UserLookup interface {
	LookupUser(ctx context.Context, token string) (AuthUser, error)
}

// RoleChecker reports whether a user holds a role.
type RoleChecker interface {
	HasRole(ctx context.Context, userID string, role string) (bool, error)
}

// SupabaseLookup calls GoTrue's /user endpoint with the caller's token.
type SupabaseLookup struct {
	client *supabase.Client
}

// NewSupabaseLookup creates a lookup against the given project.
func NewSupabaseLookup(projectURL string, anonKey types.SecretString) (*SupabaseLookup, error) {
	client, err := supabase.NewClient(projectURL, anonKey.Unmask(), &supabase.ClientOptions{})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamIdentity, "failed to create Supabase client", err)
	}
	return &SupabaseLookup{client: client}, nil
}

// LookupUser validates token with Supabase Auth.
func (s *SupabaseLookup) LookupUser(_ context.Context, token string) (AuthUser, error) {
	user, err := s.client.Auth.WithToken(token).GetUser()
	if err != nil {
		return AuthUser{}, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid authentication token", err)
	}
	if user == nil {
		return AuthUser{}, types.NewAppError(types.ErrCodeAuthTokenInvalid, "token has no user", nil)
	}
	return AuthUser{
		ID:          user.ID,
		Email:       user.Email,
		AppMetadata: user.AppMetadata,
	}, nil
}

// Fingerprint returns a stable, non-reversible identifier for token.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:16])
}

// Verifier turns a bearer token into a types.Identity, including the admin
// capability. Successful verifications are cached briefly by token
// fingerprint so a dashboard's burst of requests costs one lookup.
type Verifier struct {
	users  UserLookup
	roles  RoleChecker
	cache  *gocache.Cache
	logger *slog.Logger
}

// NewVerifier creates a Verifier. roles may be nil, in which case only the
// app_metadata role claim grants admin. cacheTTL of zero disables caching.
func NewVerifier(users UserLookup, roles RoleChecker, cacheTTL time.Duration, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Verifier{users: users, roles: roles, logger: logger}
	if cacheTTL > 0 {
		v.cache = gocache.New(cacheTTL, 2*cacheTTL)
	}
	return v
}

// Verify resolves token. Role lookup failures are logged and fail closed
// (non-admin) rather than failing the request.
func (v *Verifier) Verify(ctx context.Context, token string) (types.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return types.Identity{}, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication token is required", nil)
	}

	key := Fingerprint(token)
	if v.cache != nil {
		if cached, ok := v.cache.Get(key); ok {
			if id, ok := cached.(types.Identity); ok {
				return id, nil
			}
		}
	}

	user, err := v.users.LookupUser(ctx, token)
	if err != nil {
		return types.Identity{}, err
	}
	if user.ID == uuid.Nil {
		return types.Identity{}, types.NewAppError(types.ErrCodeAuthTokenInvalid, "token has no subject", nil)
	}

	identity := types.Identity{
		ID:      user.ID.String(),
		Email:   strings.ToLower(user.Email),
		IsAdmin: v.isAdmin(ctx, user),
	}
	if v.cache != nil {
		v.cache.Set(key, identity, gocache.DefaultExpiration)
	}
	return identity, nil
}

func (v *Verifier) isAdmin(ctx context.Context, user AuthUser) bool {
	if role, ok := user.AppMetadata["role"].(string); ok && role == roleAdmin {
		return true
	}
	if v.roles == nil {
		return false
	}
	ok, err := v.roles.HasRole(ctx, user.ID.String(), roleAdmin)
	if err != nil {
		v.logger.WarnContext(ctx, "admin role lookup failed; treating identity as non-admin",
			"identity_id", user.ID.String(),
			"error", err,
		)
		return false
	}
	return ok
}

const roleAdmin = "admin"
