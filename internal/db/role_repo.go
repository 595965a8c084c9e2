package db

import (
	"context"

	"tiergate/internal/types"
)

// RoleAdmin is the user_roles value granting administrative capability.
const RoleAdmin = "admin"

// RoleRepository reads role grants from the user_roles table.
type RoleRepository struct {
	db DBTX
}

// NewRoleRepository creates a new RoleRepository.
func NewRoleRepository(db DBTX) *RoleRepository {
	return &RoleRepository{db: db}
}

// HasRole reports whether userID holds role.
func (r *RoleRepository) HasRole(ctx context.Context, userID string, role string) (bool, error) {
	var ok bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM user_roles WHERE user_id = $1::uuid AND role = $2
		)`,
		userID,
		role,
	).Scan(&ok)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check user role", err)
	}
	return ok, nil
}

// ListRoles returns every role held by userID, in name order.
func (r *RoleRepository) ListRoles(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT role FROM user_roles WHERE user_id = $1::uuid ORDER BY role`,
		userID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list user roles", err)
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan user role", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate user roles", err)
	}
	return roles, nil
}
