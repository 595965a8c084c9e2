package db

import (
	"context"
	"time"

	"tiergate/internal/types"
)

// ErrorLogEntry is one row of the error_logs table.
type ErrorLogEntry struct {
	Category   string
	Message    string
	Metadata   map[string]any
	IdentityID string
	RequestID  string
	CreatedAt  time.Time
}

// ErrorLogRepository appends to the error_logs table.
type ErrorLogRepository struct {
	db DBTX
}

// NewErrorLogRepository creates a new ErrorLogRepository.
func NewErrorLogRepository(db DBTX) *ErrorLogRepository {
	return &ErrorLogRepository{db: db}
}

// Insert appends entry. Empty IdentityID and RequestID are stored as NULL.
func (r *ErrorLogRepository) Insert(ctx context.Context, entry ErrorLogEntry) error {
	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO error_logs (category, message, metadata, identity_id, request_id, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, '')::uuid, NULLIF($5, ''), $6)`,
		entry.Category,
		entry.Message,
		metadata,
		entry.IdentityID,
		entry.RequestID,
		entry.CreatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert error log", err)
	}
	return nil
}

// CountSince returns how many entries of category were written at or after
// since. Used by the health check to surface refresh failure bursts.
func (r *ErrorLogRepository) CountSince(ctx context.Context, category string, since time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx,
		`SELECT count(*) FROM error_logs WHERE category = $1 AND created_at >= $2`,
		category,
		since,
	).Scan(&n)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count error logs", err)
	}
	return n, nil
}
