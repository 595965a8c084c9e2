// Package reporting provides types.ErrorReporter sinks. Every sink swallows
// its own failures; Report never returns an error and never panics.
package reporting

import (
	"context"
	"log/slog"
	"time"

	"tiergate/internal/db"
	"tiergate/internal/types"
)

// LogReporter writes reports as structured error logs.
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter creates a LogReporter.
func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger}
}

func (r *LogReporter) Report(ctx context.Context, category string, message string, metadata map[string]any) {
	attrs := []any{
		"category", category,
		"request_id", types.GetRequestID(ctx),
	}
	for k, v := range metadata {
		attrs = append(attrs, k, v)
	}
	r.logger.ErrorContext(ctx, message, attrs...)
}

// ErrorLogWriter is the subset of db.ErrorLogRepository StoreReporter needs.
type ErrorLogWriter interface {
	Insert(ctx context.Context, entry db.ErrorLogEntry) error
}

// StoreReporter persists reports to the error_logs table.
type StoreReporter struct {
	store   ErrorLogWriter
	clock   types.Clock
	timeout time.Duration
	logger  *slog.Logger
}

// NewStoreReporter creates a StoreReporter. Each insert gets its own
// timeout, detached from the caller's cancellation.
func NewStoreReporter(store ErrorLogWriter, clock types.Clock, logger *slog.Logger) *StoreReporter {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreReporter{
		store:   store,
		clock:   clock,
		timeout: 3 * time.Second,
		logger:  logger,
	}
}

func (r *StoreReporter) Report(ctx context.Context, category string, message string, metadata map[string]any) {
	entry := db.ErrorLogEntry{
		Category:   category,
		Message:    message,
		Metadata:   metadata,
		IdentityID: identityID(ctx, metadata),
		RequestID:  types.GetRequestID(ctx),
		CreatedAt:  r.clock.Now(),
	}

	insertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.store.Insert(insertCtx, entry); err != nil {
		r.logger.WarnContext(ctx, "failed to persist error report",
			"category", category,
			"error", err,
		)
	}
}

func identityID(ctx context.Context, metadata map[string]any) string {
	if id, ok := metadata["identity_id"].(string); ok && id != "" {
		return id
	}
	if identity, ok := types.GetIdentity(ctx); ok {
		return identity.ID
	}
	return ""
}

// MultiReporter fans a report out to every sink in order. A panicking sink
// is recovered so later sinks still run.
type MultiReporter []types.ErrorReporter

func (m MultiReporter) Report(ctx context.Context, category string, message string, metadata map[string]any) {
	for _, r := range m {
		if r == nil {
			continue
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					slog.ErrorContext(ctx, "error reporter panicked", "category", category, "panic", rec)
				}
			}()
			r.Report(ctx, category, message, metadata)
		}()
	}
}

var (
	_ types.ErrorReporter = (*LogReporter)(nil)
	_ types.ErrorReporter = (*StoreReporter)(nil)
	_ types.ErrorReporter = MultiReporter(nil)
)
