// Package social serves read-only social follower summaries. Lookups are
// de-duplicated and memoised per identity; callers wait at most a soft
// timeout without cancelling the shared upstream call.
package social

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"tiergate/internal/cache"
	"tiergate/internal/external"
	"tiergate/internal/types"
)

// FollowerFetcher fetches one handle's summary from the remote source.
type FollowerFetcher interface {
	FetchFollowers(ctx context.Context, handle string) (external.FollowerSummary, error)
}

// SummaryRecorder receives one outcome label per lookup.
type SummaryRecorder interface {
	RecordSummary(outcome string)
}

// Outcome labels, kept in step with metrics.SummaryOutcome*.
const (
	outcomeFetched = "fetched"
	outcomeCached  = "cached"
	outcomeShared  = "shared"
	outcomeFailed  = "failed"
	outcomeTimeout = "timeout"
)

const anonymousOwner = "anonymous"

var handlePattern = regexp.MustCompile(`^[a-z0-9_.]{1,30}$`)

// NormalizeHandle strips a leading @ and lowercases handle. It returns
// validation_invalid_handle if the result is not a plausible handle.
func NormalizeHandle(handle string) (string, error) {
	h := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
	if !handlePattern.MatchString(h) {
		return "", types.NewAppError(types.ErrCodeValidationInvalidHandle, "handle must be 1-30 letters, digits, '_' or '.'", nil)
	}
	return h, nil
}

// Config tunes a FollowerService.
type Config struct {
	TTL          time.Duration
	SoftTimeout  time.Duration
	FetchTimeout time.Duration
}

// FollowerService answers follower-summary lookups.
type FollowerService struct {
	fetcher     FollowerFetcher
	dedup       *cache.Deduper[external.FollowerSummary]
	softTimeout time.Duration
	reporter    types.ErrorReporter
	metrics     SummaryRecorder
	logger      *slog.Logger
}

// NewFollowerService creates a FollowerService. reporter and metrics may be nil.
func NewFollowerService(fetcher FollowerFetcher, cfg Config, reporter types.ErrorReporter, metrics SummaryRecorder, logger *slog.Logger) *FollowerService {
	if logger == nil {
		logger = slog.Default()
	}
	return &FollowerService{
		fetcher:     fetcher,
		dedup:       cache.NewDeduper[external.FollowerSummary](cfg.TTL, cfg.FetchTimeout),
		softTimeout: cfg.SoftTimeout,
		reporter:    reporter,
		metrics:     metrics,
		logger:      logger,
	}
}

// Get returns the summary for handle as seen by the identity in ctx.
//
// If the soft timeout passes first, Get returns upstream_timeout; the shared
// call keeps running and its result is memoised for the next caller.
func (s *FollowerService) Get(ctx context.Context, handle string) (external.FollowerSummary, error) {
	h, err := NormalizeHandle(handle)
	if err != nil {
		return external.FollowerSummary{}, err
	}

	waitCtx := ctx
	if s.softTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.softTimeout)
		defer cancel()
	}

	res, err := s.dedup.Do(waitCtx, ownerKey(ctx)+h, func(callCtx context.Context) (external.FollowerSummary, error) {
		summary, fetchErr := s.fetcher.FetchFollowers(callCtx, h)
		if fetchErr != nil {
			s.logger.WarnContext(callCtx, "follower summary fetch failed", "handle", h, "error", fetchErr)
			if s.reporter != nil {
				s.reporter.Report(callCtx, types.ErrorCategoryFollowerSummary, fetchErr.Error(), map[string]any{
					"handle": h,
				})
			}
		}
		return summary, fetchErr
	})

	switch {
	case err == nil:
		switch {
		case res.Cached:
			s.record(outcomeCached)
		case res.Shared:
			s.record(outcomeShared)
		default:
			s.record(outcomeFetched)
		}
		return res.Value, nil

	case errors.Is(err, context.DeadlineExceeded) && waitCtx.Err() != nil && ctx.Err() == nil:
		s.record(outcomeTimeout)
		return external.FollowerSummary{}, types.NewAppError(types.ErrCodeUpstreamTimeout, "follower summary is still loading; try again shortly", err)

	case ctx.Err() != nil:
		s.record(outcomeTimeout)
		return external.FollowerSummary{}, ctx.Err()

	default:
		s.record(outcomeFailed)
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			return external.FollowerSummary{}, appErr
		}
		return external.FollowerSummary{}, types.NewAppError(types.ErrCodeUpstreamUnavailable, "follower summary unavailable", err)
	}
}

// ForgetIdentity drops every memoised summary owned by identityID.
func (s *FollowerService) ForgetIdentity(identityID string) {
	if identityID == "" {
		return
	}
	s.dedup.InvalidatePrefix(identityID + "|")
}

func ownerKey(ctx context.Context) string {
	if identity, ok := types.GetIdentity(ctx); ok {
		return identity.ID + "|"
	}
	return anonymousOwner + "|"
}

func (s *FollowerService) record(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordSummary(outcome)
	}
}
