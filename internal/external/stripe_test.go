package external

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiergate/internal/types"
)

type productMap map[string]types.SubscriptionTier

func (m productMap) TierForProduct(id string) (types.SubscriptionTier, bool) {
	t, ok := m[id]
	return t, ok
}

var testProducts = productMap{
	"prod_starter": types.TierStarter,
	"prod_pro":     types.TierPro,
	"prod_elite":   types.TierElite,
}

type fakeStripe struct {
	customers     string
	subscriptions string
	status        int
	calls         atomic.Int32
	lastAuth      string
	lastVersion   string
	lastStatus    string
}

func (f *fakeStripe) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		f.lastAuth = r.Header.Get("Authorization")
		f.lastVersion = r.Header.Get("Stripe-Version")
		if f.status != 0 {
			w.WriteHeader(f.status)
			w.Write([]byte(`{"error":{"type":"api_error","message":"boom"}}`))
			return
		}
		switch r.URL.Path {
		case "/v1/customers":
			assert.Equal(t, "alice@example.com", r.URL.Query().Get("email"))
			w.Write([]byte(f.customers))
		case "/v1/subscriptions":
			assert.Equal(t, "cus_123", r.URL.Query().Get("customer"))
			f.lastStatus = r.URL.Query().Get("status")
			w.Write([]byte(f.subscriptions))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"no route"}}`))
		}
	})
}

func newTestStripe(t *testing.T, fake *fakeStripe) *StripeClient {
	t.Helper()
	server := httptest.NewServer(fake.handler(t))
	t.Cleanup(server.Close)

	base := newTestClient(t, fastPolicy(0))
	return NewStripeClientWithBase(base, testProducts, StripeClientConfig{
		SecretKey: "sk_test_123",
		BaseURL:   server.URL + "/",
	})
}

func subscriptionList(t *testing.T, product string, periodEnd int64, cancel bool) string {
	t.Helper()
	body := map[string]any{
		"object": "list",
		"data": []any{map[string]any{
			"id":                   "sub_1",
			"object":               "subscription",
			"status":               "active",
			"cancel_at_period_end": cancel,
			"items": map[string]any{
				"object": "list",
				"data": []any{map[string]any{
					"id":                 "si_1",
					"object":             "subscription_item",
					"current_period_end": periodEnd,
					"price": map[string]any{
						"id":      "price_1",
						"object":  "price",
						"product": product,
					},
				}},
			},
		}},
	}
	b, err := json.Marshal(body)
	require.NoError(t, err)
	return string(b)
}

const oneCustomer = `{"object":"list","data":[{"id":"cus_123","object":"customer","email":"alice@example.com"}]}`

func TestGetBillingStatus_ActiveSubscription(t *testing.T) {
	periodEnd := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	fake := &fakeStripe{
		customers:     oneCustomer,
		subscriptions: subscriptionList(t, "prod_pro", periodEnd.Unix(), true),
	}
	client := newTestStripe(t, fake)

	state, err := client.GetBillingStatus(context.Background(), types.Identity{ID: "u1", Email: "alice@example.com"})
	require.NoError(t, err)

	assert.Equal(t, types.TierPro, state.Tier)
	assert.True(t, state.IsActivelySubscribed)
	assert.True(t, state.WillCancelAtPeriodEnd)
	require.NotNil(t, state.PeriodEnd)
	assert.True(t, periodEnd.Equal(*state.PeriodEnd))

	assert.Equal(t, "Bearer sk_test_123", fake.lastAuth)
	assert.Equal(t, stripe.APIVersion, fake.lastVersion)
	assert.Equal(t, "active", fake.lastStatus)
	assert.Equal(t, int32(2), fake.calls.Load())
}

func TestGetBillingStatus_NoCustomer(t *testing.T) {
	fake := &fakeStripe{customers: `{"object":"list","data":[]}`}
	client := newTestStripe(t, fake)

	state, err := client.GetBillingStatus(context.Background(), types.Identity{ID: "u1", Email: "alice@example.com"})
	require.NoError(t, err)
	assert.Equal(t, types.DefaultSubscriptionState(), state)
	assert.Equal(t, int32(1), fake.calls.Load())
}

func TestGetBillingStatus_NoActiveSubscription(t *testing.T) {
	fake := &fakeStripe{customers: oneCustomer, subscriptions: `{"object":"list","data":[]}`}
	client := newTestStripe(t, fake)

	state, err := client.GetBillingStatus(context.Background(), types.Identity{ID: "u1", Email: "alice@example.com"})
	require.NoError(t, err)
	assert.Equal(t, types.DefaultSubscriptionState(), state)
}

func TestGetBillingStatus_UnknownProduct(t *testing.T) {
	fake := &fakeStripe{customers: oneCustomer, subscriptions: subscriptionList(t, "prod_legacy", 0, false)}
	client := newTestStripe(t, fake)

	state, err := client.GetBillingStatus(context.Background(), types.Identity{ID: "u1", Email: "alice@example.com"})
	require.NoError(t, err)
	assert.Equal(t, types.TierFree, state.Tier)
	assert.True(t, state.IsActivelySubscribed)
	assert.Nil(t, state.PeriodEnd)
}

func TestGetBillingStatus_NoEmailSkipsStripe(t *testing.T) {
	fake := &fakeStripe{}
	client := newTestStripe(t, fake)

	state, err := client.GetBillingStatus(context.Background(), types.Identity{ID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, types.DefaultSubscriptionState(), state)
	assert.Equal(t, int32(0), fake.calls.Load())
}

func TestGetBillingStatus_ErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		want   types.ErrorCode
	}{
		{http.StatusUnauthorized, types.ErrCodeUpstreamStripe},
		{http.StatusNotFound, types.ErrCodeNotFoundCustomer},
		{http.StatusTooManyRequests, types.ErrCodeUpstreamRateLimited},
		{http.StatusServiceUnavailable, types.ErrCodeUpstreamUnavailable},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			client := newTestStripe(t, &fakeStripe{status: tt.status})
			_, err := client.GetBillingStatus(context.Background(), types.Identity{ID: "u1", Email: "alice@example.com"})
			requireAppErrorCode(t, err, tt.want)
		})
	}
}

func TestGetBillingStatus_MalformedJSON(t *testing.T) {
	client := newTestStripe(t, &fakeStripe{customers: `{"data":`})
	_, err := client.GetBillingStatus(context.Background(), types.Identity{ID: "u1", Email: "alice@example.com"})
	requireAppErrorCode(t, err, types.ErrCodeUpstreamStripe)
}

func TestStripeClientBreakerState(t *testing.T) {
	client := newTestStripe(t, &fakeStripe{})
	assert.Equal(t, "closed", client.BreakerState())
}
