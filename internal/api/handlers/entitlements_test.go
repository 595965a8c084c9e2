package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"tiergate/internal/billing"
	"tiergate/internal/core"
	"tiergate/internal/session"
	"tiergate/internal/subscription"
	"tiergate/internal/types"
)

// =============================================================================
// Test Fixtures
// =============================================================================

// stubBillingSource implements subscription.BillingStatusSource for testing.
type stubBillingSource struct {
	mu    sync.Mutex
	tiers map[string]types.SubscriptionTier
	calls int
}

func (s *stubBillingSource) GetBillingStatus(_ context.Context, identity types.Identity) (types.SubscriptionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	tier, ok := s.tiers[identity.ID]
	if !ok {
		return types.DefaultSubscriptionState(), nil
	}
	return types.SubscriptionState{Tier: tier, IsActivelySubscribed: true}, nil
}

func (s *stubBillingSource) setTier(id string, tier types.SubscriptionTier) {
	s.mu.Lock()
	s.tiers[id] = tier
	s.mu.Unlock()
}

func (s *stubBillingSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type idleTicker struct{}

func (idleTicker) C() <-chan time.Time { return nil }
func (idleTicker) Stop()               {}

// mockSessionRemover records removed session IDs.
type mockSessionRemover struct {
	removed []string
}

func (m *mockSessionRemover) Remove(id string) {
	m.removed = append(m.removed, id)
}

type testEnv struct {
	handler *EntitlementsHandler
	router  chi.Router
	source  *stubBillingSource
	remover *mockSessionRemover
	deps    session.Deps
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.Default()

	catalog, err := billing.NewStaticCatalog(billing.ProductIDs{Starter: "prod_s", Pro: "prod_p", Elite: "prod_e"})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	evaluator := billing.NewAccessEvaluator(billing.NewStaticEntitlementTable(), catalog, nil, logger)
	source := &stubBillingSource{tiers: map[string]types.SubscriptionTier{}}
	remover := &mockSessionRemover{}

	h := NewEntitlementsHandler(catalog, evaluator, remover, core.NewValidator(logger), logger)
	r := chi.NewRouter()
	h.RegisterRoutes(r)

	return &testEnv{
		handler: h,
		router:  r,
		source:  source,
		remover: remover,
		deps: session.Deps{
			Source:    source,
			Evaluator: evaluator,
			Subscription: subscription.Options{
				Cooldown:  -1,
				NewTicker: func(time.Duration) subscription.Ticker { return idleTicker{} },
			},
			Logger: logger,
		},
	}
}

// signedIn returns a context carrying identity and a session that has
// already observed it.
func (e *testEnv) signedIn(t *testing.T, identity types.Identity) (context.Context, *session.Session) {
	t.Helper()
	sess := session.New("sess_"+identity.ID, e.deps)
	t.Cleanup(sess.Close)

	ctx := types.WithRequestID(context.Background(), "req_test_123")
	sess.Observe(ctx, &identity, "fp_"+identity.ID)
	ctx = types.WithIdentity(ctx, identity)
	return core.WithSession(ctx, sess), sess
}

func (e *testEnv) do(method, path string, body interface{}, ctx context.Context) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer
	if body != nil {
		data, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if ctx != nil {
		req = req.WithContext(ctx)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

// parseMeta decodes the "meta" envelope of a success response.
func parseMeta(t *testing.T, rr *httptest.ResponseRecorder) core.ResponseMeta {
	t.Helper()
	var envelope struct {
		Meta *core.ResponseMeta `json:"meta"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("failed to parse response body: %v\nbody: %s", err, rr.Body.String())
	}
	if envelope.Meta == nil {
		t.Fatalf("expected meta in response: %s", rr.Body.String())
	}
	return *envelope.Meta
}

// parseData decodes the "data" envelope of a success response into target.
func parseData(t *testing.T, rr *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("failed to parse response body: %v\nbody: %s", err, rr.Body.String())
	}
	if err := json.Unmarshal(envelope.Data, target); err != nil {
		t.Fatalf("failed to parse data: %v\nbody: %s", err, rr.Body.String())
	}
}

func parseErrorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp core.APIErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse error body: %v\nbody: %s", err, rr.Body.String())
	}
	return resp.Error.Code
}

// =============================================================================
// Read Endpoints
// =============================================================================

func TestListTiers(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(http.MethodGet, "/tiers", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var tiers []types.TierDescriptor
	parseData(t, rr, &tiers)
	if len(tiers) != 4 {
		t.Fatalf("expected 4 tiers, got %d", len(tiers))
	}
	if tiers[0].Tier != types.TierFree || tiers[3].Tier != types.TierElite {
		t.Errorf("expected catalog order free..elite, got %s..%s", tiers[0].Tier, tiers[3].Tier)
	}
	if tiers[2].ExternalProductID != "prod_p" {
		t.Errorf("expected pro product mapping, got %q", tiers[2].ExternalProductID)
	}
}

func TestGetEntitlements_Anonymous(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(http.MethodGet, "/entitlements/me", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var view session.Entitlements
	parseData(t, rr, &view)
	if view.Identity != nil {
		t.Errorf("expected no identity for anonymous caller")
	}
	if view.EffectiveTier != types.TierFree || view.Subscription.IsActivelySubscribed {
		t.Errorf("expected default free state, got %+v", view.Subscription)
	}
	if len(view.Features) != len(billing.NewStaticEntitlementTable().All()) {
		t.Errorf("expected every feature evaluated, got %d", len(view.Features))
	}
	if env.source.callCount() != 0 {
		t.Errorf("anonymous read must not call billing")
	}
}

func TestGetEntitlements_SignedIn(t *testing.T) {
	env := newTestEnv(t)
	env.source.setTier("u1", types.TierPro)
	ctx, _ := env.signedIn(t, types.Identity{ID: "u1", Email: "u1@example.com"})

	rr := env.do(http.MethodGet, "/entitlements/me", nil, ctx)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var view session.Entitlements
	parseData(t, rr, &view)
	if view.Identity == nil || view.Identity.ID != "u1" {
		t.Fatalf("expected identity u1, got %+v", view.Identity)
	}
	if view.EffectiveTier != types.TierPro {
		t.Errorf("expected pro, got %s", view.EffectiveTier)
	}
	if view.LastFetchedAt == nil {
		t.Errorf("expected last_fetched_at after sign-in refresh")
	}
	if env.source.callCount() != 1 {
		t.Errorf("expected only the sign-in fetch, got %d calls", env.source.callCount())
	}
}

func TestGetFeatureAccess(t *testing.T) {
	env := newTestEnv(t)
	env.source.setTier("u1", types.TierStarter)
	ctx, _ := env.signedIn(t, types.Identity{ID: "u1"})

	tests := []struct {
		name       string
		ctx        context.Context
		feature    types.FeatureID
		wantAccess bool
	}{
		{"anonymous free feature", nil, types.FeatureBusinessFormation, true},
		{"anonymous starter feature", nil, types.FeatureEINSetup, false},
		{"starter feature", ctx, types.FeatureEINSetup, true},
		{"pro feature", ctx, types.FeatureVendorTradelines, false},
		{"unknown feature", ctx, "teleportation", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := env.do(http.MethodGet, "/features/"+string(tc.feature)+"/access", nil, tc.ctx)
			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rr.Code)
			}
			var access billing.Access
			parseData(t, rr, &access)
			if access.HasAccess != tc.wantAccess {
				t.Errorf("expected has_access=%v, got %+v", tc.wantAccess, access)
			}
			if !tc.wantAccess && access.UpgradeMessage == "" {
				t.Errorf("expected an upgrade message on denial")
			}
		})
	}
}

// =============================================================================
// Session Endpoints
// =============================================================================

func TestSessionRoutes_RequireSession(t *testing.T) {
	env := newTestEnv(t)

	for _, route := range []struct{ method, path string }{
		{http.MethodPost, "/subscription/refresh"},
		{http.MethodPut, "/preview"},
		{http.MethodDelete, "/preview"},
		{http.MethodDelete, "/session"},
	} {
		rr := env.do(route.method, route.path, nil, nil)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", route.method, route.path, rr.Code)
		}
	}
}

func TestRefreshSubscription(t *testing.T) {
	env := newTestEnv(t)
	env.source.setTier("u1", types.TierStarter)
	ctx, _ := env.signedIn(t, types.Identity{ID: "u1"})

	rr := env.do(http.MethodPost, "/subscription/refresh", nil, ctx)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp RefreshResponse
	parseData(t, rr, &resp)
	if resp.Outcome != types.RefreshOutcomeCached {
		t.Errorf("expected cached outcome within TTL, got %s", resp.Outcome)
	}
	meta := parseMeta(t, rr)
	if meta.SessionID != "sess_u1" || meta.RefreshOutcome != types.RefreshOutcomeCached || meta.Stale {
		t.Errorf("unexpected meta for cached refresh: %+v", meta)
	}
	if meta.EffectiveTier != types.TierStarter {
		t.Errorf("expected meta effective tier starter, got %s", meta.EffectiveTier)
	}

	env.source.setTier("u1", types.TierElite)
	rr = env.do(http.MethodPost, "/subscription/refresh", RefreshRequest{Force: true}, ctx)
	parseData(t, rr, &resp)
	if resp.Outcome != types.RefreshOutcomeFetched || resp.EffectiveTier != types.TierElite {
		t.Errorf("expected forced fetch to elite, got %+v", resp)
	}
	if env.source.callCount() != 2 {
		t.Errorf("expected 2 billing calls, got %d", env.source.callCount())
	}
}

func TestRefreshSubscription_InvalidJSON(t *testing.T) {
	env := newTestEnv(t)
	ctx, _ := env.signedIn(t, types.Identity{ID: "u1"})

	req := httptest.NewRequest(http.MethodPost, "/subscription/refresh", bytes.NewBufferString(`{"force":`))
	req = req.WithContext(ctx)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if code := parseErrorCode(t, rr); code != string(types.ErrCodeValidationInvalidJSON) {
		t.Errorf("expected %s, got %s", types.ErrCodeValidationInvalidJSON, code)
	}
}

func TestPreview_Admin(t *testing.T) {
	env := newTestEnv(t)
	ctx, sess := env.signedIn(t, types.Identity{ID: "root", IsAdmin: true})

	rr := env.do(http.MethodPut, "/preview", PreviewRequest{Tier: types.TierElite}, ctx)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp PreviewResponse
	parseData(t, rr, &resp)
	if !resp.Preview.Active || resp.EffectiveTier != types.TierElite {
		t.Errorf("expected elite preview, got %+v", resp)
	}
	if sess.EffectiveTier() != types.TierElite {
		t.Errorf("expected session effective tier elite")
	}

	rr = env.do(http.MethodDelete, "/preview", nil, ctx)
	parseData(t, rr, &resp)
	if resp.Preview.Active || resp.EffectiveTier != types.TierFree {
		t.Errorf("expected preview cleared, got %+v", resp)
	}
}

func TestPreview_Rejections(t *testing.T) {
	env := newTestEnv(t)
	userCtx, _ := env.signedIn(t, types.Identity{ID: "u1"})
	adminCtx, _ := env.signedIn(t, types.Identity{ID: "root", IsAdmin: true})

	tests := []struct {
		name       string
		ctx        context.Context
		body       interface{}
		wantStatus int
		wantCode   types.ErrorCode
	}{
		{"non-admin", userCtx, PreviewRequest{Tier: types.TierPro}, http.StatusForbidden, types.ErrCodePermissionAdminRequired},
		{"unknown tier", adminCtx, map[string]string{"tier": "platinum"}, http.StatusBadRequest, types.ErrCodeValidationInvalidTier},
		{"missing tier", adminCtx, map[string]string{}, http.StatusBadRequest, types.ErrCodeValidationMissingField},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := env.do(http.MethodPut, "/preview", tc.body, tc.ctx)
			if rr.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, rr.Code)
			}
			if code := parseErrorCode(t, rr); code != string(tc.wantCode) {
				t.Errorf("expected %s, got %s", tc.wantCode, code)
			}
		})
	}
}

func TestSignOut(t *testing.T) {
	env := newTestEnv(t)
	env.source.setTier("u1", types.TierPro)
	ctx, sess := env.signedIn(t, types.Identity{ID: "u1"})

	rr := env.do(http.MethodDelete, "/session", nil, ctx)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if len(env.remover.removed) != 1 || env.remover.removed[0] != sess.ID() {
		t.Errorf("expected session removed, got %v", env.remover.removed)
	}
	if view := sess.Entitlements(context.Background()); view.Identity != nil || view.EffectiveTier != types.TierFree {
		t.Errorf("expected signed-out session to report free, got %+v", view)
	}
}
