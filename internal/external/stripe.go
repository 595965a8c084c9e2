package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"tiergate/internal/types"
)

// stripeAPIBase is the default Stripe API base URL.
const stripeAPIBase = "https://api.stripe.com"

// ProductTierMapper resolves a Stripe product ID to a tier.
type ProductTierMapper interface {
	TierForProduct(productID string) (types.SubscriptionTier, bool)
}

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey types.SecretString
	BaseURL   string // defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient answers the billing-status query by calling the Stripe REST
// API through BaseClient. The customer is located by the identity's email.
type StripeClient struct {
	base      *BaseClient
	secretKey types.SecretString
	baseURL   string
	products  ProductTierMapper
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient with its own circuit breaker.
func NewStripeClient(httpClient *http.Client, products ProductTierMapper, cfg StripeClientConfig) *StripeClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base := NewBaseClient(
		httpClient,
		"stripe",
		DefaultRetryPolicy(),
		"Tiergate/1.0",
		WithLogger(logger),
	)
	return NewStripeClientWithBase(base, products, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured
// BaseClient.
func NewStripeClientWithBase(base *BaseClient, products ProductTierMapper, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		products:  products,
		logger:    logger,
	}
}

// GetBillingStatus returns the identity's current subscription state:
//  1. find the Stripe customer by email (none: default free state);
//  2. list the customer's active subscriptions (none: default free state);
//  3. map the first item's product to a tier.
//
// An active subscription to an unrecognised product is reported as
// subscribed at the free tier and logged.
func (s *StripeClient) GetBillingStatus(ctx context.Context, identity types.Identity) (types.SubscriptionState, error) {
	if identity.Email == "" {
		return types.DefaultSubscriptionState(), nil
	}

	customerID, err := s.findCustomer(ctx, identity.Email)
	if err != nil {
		return types.SubscriptionState{}, err
	}
	if customerID == "" {
		return types.DefaultSubscriptionState(), nil
	}

	sub, err := s.activeSubscription(ctx, customerID)
	if err != nil {
		return types.SubscriptionState{}, err
	}
	if sub == nil {
		return types.DefaultSubscriptionState(), nil
	}

	state := types.SubscriptionState{
		Tier:                  types.TierFree,
		IsActivelySubscribed:  true,
		WillCancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}

	item := firstItem(sub)
	if item == nil {
		s.logger.WarnContext(ctx, "active Stripe subscription has no items",
			"subscription_id", sub.ID,
			"identity_id", identity.ID,
		)
		return state, nil
	}

	if item.CurrentPeriodEnd > 0 {
		end := time.Unix(item.CurrentPeriodEnd, 0).UTC()
		state.PeriodEnd = &end
	}

	productID := ""
	if item.Price != nil && item.Price.Product != nil {
		productID = item.Price.Product.ID
	}
	if tier, ok := s.products.TierForProduct(productID); ok {
		state.Tier = tier
	} else {
		s.logger.WarnContext(ctx, "active Stripe subscription for unknown product",
			"subscription_id", sub.ID,
			"product_id", productID,
			"identity_id", identity.ID,
		)
	}
	return state, nil
}

func (s *StripeClient) findCustomer(ctx context.Context, email string) (string, error) {
	params := url.Values{}
	params.Set("email", email)
	params.Set("limit", "1")

	resp, err := s.doGet(ctx, "/v1/customers", params)
	if err != nil {
		return "", s.wrapStripeError("findCustomer", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(resp, "findCustomer")
	}

	var list stripe.CustomerList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamStripe, "failed to decode Stripe customer list", err)
	}
	if len(list.Data) == 0 || list.Data[0] == nil {
		return "", nil
	}
	return list.Data[0].ID, nil
}

func (s *StripeClient) activeSubscription(ctx context.Context, customerID string) (*stripe.Subscription, error) {
	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("status", string(stripe.SubscriptionStatusActive))
	params.Set("limit", "1")

	resp, err := s.doGet(ctx, "/v1/subscriptions", params)
	if err != nil {
		return nil, s.wrapStripeError("activeSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "activeSubscription")
	}

	var list stripe.SubscriptionList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamStripe, "failed to decode Stripe subscription list", err)
	}
	if len(list.Data) == 0 {
		return nil, nil
	}
	return list.Data[0], nil
}

func firstItem(sub *stripe.Subscription) *stripe.SubscriptionItem {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil
	}
	return sub.Items.Data[0]
}

func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey.Unmask())
	req.Header.Set("Stripe-Version", stripe.APIVersion)

	return s.base.Do(req)
}

// stripeErrorResponse is the JSON error body returned by the Stripe API.
type stripeErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if readErr != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode), readErr)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode), jsonErr)
	}

	details := map[string]any{"stripe_type": stripeErr.Error.Type}
	if stripeErr.Error.Code != "" {
		details["stripe_code"] = stripeErr.Error.Code
	}

	var code types.ErrorCode
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		code = types.ErrCodeUpstreamRateLimited
	case resp.StatusCode >= 500:
		code = types.ErrCodeUpstreamUnavailable
	case resp.StatusCode == http.StatusNotFound:
		code = types.ErrCodeNotFoundCustomer
	default:
		code = types.ErrCodeUpstreamStripe
	}
	return types.NewAppErrorWithDetails(code,
		fmt.Sprintf("%s: Stripe error (%d): %s", operation, resp.StatusCode, stripeErr.Error.Message), nil, details)
}

// wrapStripeError passes BaseClient AppErrors through and wraps anything else.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(types.ErrCodeUpstreamStripe, fmt.Sprintf("%s: Stripe request failed: %v", operation, err), err)
}

// BreakerState reports the Stripe circuit breaker state.
func (s *StripeClient) BreakerState() string {
	return s.base.State().String()
}
