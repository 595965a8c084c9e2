package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"tiergate/internal/types"
)

// EdgeFunctionConfig configures an EdgeFunctionClient.
type EdgeFunctionConfig struct {
	ProjectURL string
	AnonKey    types.SecretString
	Logger     *slog.Logger
}

// EdgeFunctionClient invokes Supabase edge functions over HTTP. Functions
// are called with the project's anon key; they are read-only summaries.
type EdgeFunctionClient struct {
	base    *BaseClient
	baseURL string
	anonKey types.SecretString
}

// NewEdgeFunctionClient creates an EdgeFunctionClient with its own circuit
// breaker.
func NewEdgeFunctionClient(httpClient *http.Client, cfg EdgeFunctionConfig) *EdgeFunctionClient {
	base := NewBaseClient(
		httpClient,
		"supabase-functions",
		RetryPolicy{MaxRetries: 1, MinWait: 200 * time.Millisecond, MaxWait: 2 * time.Second},
		"Tiergate/1.0",
		WithLogger(cfg.Logger),
	)
	return NewEdgeFunctionClientWithBase(base, cfg)
}

// NewEdgeFunctionClientWithBase creates an EdgeFunctionClient with a
// pre-configured BaseClient.
func NewEdgeFunctionClientWithBase(base *BaseClient, cfg EdgeFunctionConfig) *EdgeFunctionClient {
	return &EdgeFunctionClient{
		base:    base,
		baseURL: strings.TrimSuffix(cfg.ProjectURL, "/") + "/functions/v1/",
		anonKey: cfg.AnonKey,
	}
}

// Invoke POSTs payload as JSON to the named function and decodes the JSON
// response into out. A non-2xx response is mapped to upstream_unavailable,
// or validation_invalid_handle for 400/404 (the function rejected its input).
func (c *EdgeFunctionClient) Invoke(ctx context.Context, name string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode edge function payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+name, bytes.NewReader(body))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build edge function request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.anonKey.Unmask())
	req.Header.Set("apikey", c.anonKey.Unmask())

	resp, err := c.base.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		code := types.ErrCodeUpstreamUnavailable
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound {
			code = types.ErrCodeValidationInvalidHandle
		}
		return types.NewAppErrorWithDetails(code,
			fmt.Sprintf("edge function %s returned %d", name, resp.StatusCode), nil,
			map[string]any{"body": strings.TrimSpace(string(msg))})
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("failed to decode edge function %s response", name), err)
	}
	return nil
}

// FollowerSummary is the follower-count summary for one social handle.
type FollowerSummary struct {
	Handle    string `json:"handle"`
	Platform  string `json:"platform,omitempty"`
	Followers int64  `json:"followers"`
	Following int64  `json:"following,omitempty"`
}

// FollowerFunction fetches follower summaries through one edge function.
type FollowerFunction struct {
	client *EdgeFunctionClient
	name   string
}

// NewFollowerFunction binds client to the function called name.
func NewFollowerFunction(client *EdgeFunctionClient, name string) *FollowerFunction {
	return &FollowerFunction{client: client, name: name}
}

// FetchFollowers returns the follower summary for handle.
func (f *FollowerFunction) FetchFollowers(ctx context.Context, handle string) (FollowerSummary, error) {
	var out FollowerSummary
	if err := f.client.Invoke(ctx, f.name, map[string]string{"handle": handle}, &out); err != nil {
		return FollowerSummary{}, err
	}
	if out.Handle == "" {
		out.Handle = handle
	}
	return out, nil
}
