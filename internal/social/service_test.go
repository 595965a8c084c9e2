package social

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiergate/internal/external"
	"tiergate/internal/types"
)

type fakeFetcher struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func (f *fakeFetcher) FetchFollowers(ctx context.Context, handle string) (external.FollowerSummary, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return external.FollowerSummary{}, ctx.Err()
		}
	}
	if f.err != nil {
		return external.FollowerSummary{}, f.err
	}
	return external.FollowerSummary{Handle: handle, Followers: 1200}, nil
}

type fakeReporter struct {
	mu         sync.Mutex
	categories []string
}

func (r *fakeReporter) Report(_ context.Context, category, _ string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.categories = append(r.categories, category)
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *fakeRecorder) RecordSummary(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *fakeRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.outcomes...)
}

func asUser(id string) context.Context {
	return types.WithIdentity(context.Background(), types.Identity{ID: id})
}

func TestNormalizeHandle(t *testing.T) {
	h, err := NormalizeHandle("  @Acme_Co ")
	require.NoError(t, err)
	assert.Equal(t, "acme_co", h)

	for _, bad := range []string{"", "@", "has space", "semi;colon", "waytoolonghandlethatkeepsgoingandgoing"} {
		_, err := NormalizeHandle(bad)
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr, bad)
		assert.Equal(t, types.ErrCodeValidationInvalidHandle, appErr.Code)
	}
}

func TestFollowerService_ConcurrentCallersShareOneCall(t *testing.T) {
	fetcher := &fakeFetcher{release: make(chan struct{})}
	rec := &fakeRecorder{}
	svc := NewFollowerService(fetcher, Config{TTL: time.Minute, SoftTimeout: 5 * time.Second}, nil, rec, nil)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]external.FollowerSummary, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = svc.Get(asUser("u1"), "acme")
		}()
	}

	require.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(fetcher.release)
	wg.Wait()

	assert.Equal(t, int32(1), fetcher.calls.Load())
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, int64(1200), results[i].Followers)
	}

	_, err := svc.Get(asUser("u1"), "acme")
	require.NoError(t, err)
	assert.Equal(t, int32(1), fetcher.calls.Load())
	assert.Contains(t, rec.snapshot(), outcomeCached)
}

func TestFollowerService_CacheIsIdentityScoped(t *testing.T) {
	fetcher := &fakeFetcher{}
	svc := NewFollowerService(fetcher, Config{TTL: time.Minute}, nil, nil, nil)

	_, err := svc.Get(asUser("u1"), "acme")
	require.NoError(t, err)
	_, err = svc.Get(asUser("u2"), "acme")
	require.NoError(t, err)
	assert.Equal(t, int32(2), fetcher.calls.Load())

	svc.ForgetIdentity("u1")
	_, err = svc.Get(asUser("u1"), "acme")
	require.NoError(t, err)
	assert.Equal(t, int32(3), fetcher.calls.Load())

	_, err = svc.Get(asUser("u2"), "acme")
	require.NoError(t, err)
	assert.Equal(t, int32(3), fetcher.calls.Load())
}

func TestFollowerService_SoftTimeoutLeavesCallRunning(t *testing.T) {
	fetcher := &fakeFetcher{release: make(chan struct{})}
	rec := &fakeRecorder{}
	svc := NewFollowerService(fetcher, Config{TTL: time.Minute, SoftTimeout: 20 * time.Millisecond}, nil, rec, nil)

	_, err := svc.Get(asUser("u1"), "acme")
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamTimeout, appErr.Code)

	close(fetcher.release)
	require.Eventually(t, func() bool {
		s, err := svc.Get(asUser("u1"), "acme")
		return err == nil && s.Followers == 1200
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), fetcher.calls.Load())
	assert.Equal(t, outcomeTimeout, rec.snapshot()[0])
}

func TestFollowerService_FailureReportedAndNotMemoised(t *testing.T) {
	fetcher := &fakeFetcher{err: types.NewAppError(types.ErrCodeUpstreamUnavailable, "edge function returned 502", nil)}
	reporter := &fakeReporter{}
	svc := NewFollowerService(fetcher, Config{TTL: time.Minute}, reporter, nil, nil)

	_, err := svc.Get(asUser("u1"), "acme")
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamUnavailable, appErr.Code)
	assert.Equal(t, []string{types.ErrorCategoryFollowerSummary}, reporter.categories)

	fetcher.err = nil
	_, err = svc.Get(asUser("u1"), "acme")
	require.NoError(t, err)
	assert.Equal(t, int32(2), fetcher.calls.Load())
}

func TestFollowerService_PlainErrorWrapped(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("boom")}
	svc := NewFollowerService(fetcher, Config{TTL: time.Minute}, nil, nil, nil)

	_, err := svc.Get(context.Background(), "acme")
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamUnavailable, appErr.Code)
}

func TestFollowerService_InvalidHandleSkipsFetch(t *testing.T) {
	fetcher := &fakeFetcher{}
	svc := NewFollowerService(fetcher, Config{TTL: time.Minute}, nil, nil, nil)

	_, err := svc.Get(context.Background(), "not a handle")
	require.Error(t, err)
	assert.Equal(t, int32(0), fetcher.calls.Load())
}
