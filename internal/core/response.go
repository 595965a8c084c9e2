package core

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"tiergate/internal/types"
)

// maxRequestBodySize caps request bodies; every body this API accepts is a
// small flag object.
const maxRequestBodySize = 1 << 20

// APIResponse is the envelope for successful responses.
type APIResponse struct {
	Data any           `json:"data"`
	Meta *ResponseMeta `json:"meta,omitempty"`
}

// ResponseMeta describes the session state a response was computed from.
// Stale is set when the data is the last known state rather than a fresh
// answer to this request (a failed, suppressed or still-pending refresh).
type ResponseMeta struct {
	SessionID      string                 `json:"session_id,omitempty"`
	EffectiveTier  types.SubscriptionTier `json:"effective_tier,omitempty"`
	RefreshOutcome string                 `json:"refresh_outcome,omitempty"`
	Stale          bool                   `json:"stale,omitempty"`
}

// APIErrorResponse is the envelope for error responses.
type APIErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the client-visible part of an error.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// JSON marshals data and writes it with status. A value that cannot be
// marshalled becomes a 500 internal_unexpected_error.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(APIErrorResponse{
			Error: ErrorDetail{
				Code:      string(types.ErrCodeInternalUnexpected),
				Message:   "failed to marshal response",
				RequestID: types.GetRequestID(r.Context()),
			},
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Respond writes data in the success envelope with meta attached. The
// session ID is taken from the request when meta does not carry one.
func Respond(w http.ResponseWriter, r *http.Request, status int, data any, meta ResponseMeta) {
	if meta.SessionID == "" {
		meta.SessionID = types.GetSessionID(r.Context())
	}
	if meta == (ResponseMeta{}) {
		JSON(w, r, status, APIResponse{Data: data})
		return
	}
	JSON(w, r, status, APIResponse{Data: data, Meta: &meta})
}

// StaleOutcome reports whether a refresh outcome answered with the last
// known state instead of a fresh fetch or a valid cache entry.
func StaleOutcome(outcome string) bool {
	switch outcome {
	case types.RefreshOutcomeFailed,
		types.RefreshOutcomeSuppressed,
		types.RefreshOutcomePending,
		types.RefreshOutcomeDiscarded:
		return true
	}
	return false
}

// retryAfterSeconds hints when a retry may succeed. Breaker-backed upstream
// failures wait out the breaker's open period.
var retryAfterSeconds = map[types.ErrorCode]int{
	types.ErrCodeUpstreamTimeout:     2,
	types.ErrCodeUpstreamRateLimited: 5,
	types.ErrCodeUpstreamUnavailable: 30,
	types.ErrCodeUpstreamStripe:      30,
	types.ErrCodeUpstreamIdentity:    30,
}

// publicUpstreamDetails are the only detail keys an upstream or internal
// error may show a client. Anything else (upstream bodies in particular)
// stays in the logs.
var publicUpstreamDetails = map[string]bool{
	"stripe_code": true,
}

// Error writes err as an error envelope. AppErrors keep their code and
// message; anything else becomes an opaque 500. Upstream and internal
// errors are stripped of non-public details and carry Retry-After when a
// retry is expected to help.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	detail := ErrorDetail{
		Code:      string(types.ErrCodeInternalUnexpected),
		Message:   "an unexpected error occurred",
		RequestID: types.GetRequestID(r.Context()),
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		JSON(w, r, http.StatusInternalServerError, APIErrorResponse{Error: detail})
		return
	}

	detail.Code = string(appErr.Code)
	detail.Message = appErr.Message
	detail.Details = clientDetails(appErr.Code, appErr.Details)
	if secs, ok := retryAfterSeconds[appErr.Code]; ok {
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	JSON(w, r, appErr.HTTPStatus(), APIErrorResponse{Error: detail})
}

func clientDetails(code types.ErrorCode, details map[string]any) map[string]any {
	if len(details) == 0 {
		return nil
	}
	c := string(code)
	if !strings.HasPrefix(c, "upstream_") && !strings.HasPrefix(c, "internal_") {
		return details
	}
	out := make(map[string]any)
	for k, v := range details {
		if publicUpstreamDetails[k] {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// DecodeJSON decodes exactly one JSON object from the body into dst,
// rejecting unknown fields and bodies over 1 MB. Every failure is a
// validation_invalid_json AppError.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	return decodeBody(w, r, dst, false)
}

// DecodeOptionalJSON is DecodeJSON for endpoints whose body may be omitted;
// an empty body leaves dst untouched.
func DecodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	return decodeBody(w, r, dst, true)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	if r.Body == nil || r.Body == http.NoBody {
		if optional {
			return nil
		}
		return invalidJSON("request body must not be empty", nil)
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return mapDecodeError(err)
	}
	if dec.More() {
		return invalidJSON("request body must contain a single JSON object", nil)
	}
	return nil
}

func invalidJSON(message string, err error) *types.AppError {
	return types.NewAppError(types.ErrCodeValidationInvalidJSON, message, err)
}

func mapDecodeError(err error) *types.AppError {
	var (
		maxBytesErr *http.MaxBytesError
		syntaxErr   *json.SyntaxError
		typeErr     *json.UnmarshalTypeError
	)
	switch {
	case errors.As(err, &maxBytesErr):
		return invalidJSON("request body must not exceed 1MB", err)
	case errors.As(err, &syntaxErr), errors.Is(err, io.ErrUnexpectedEOF):
		return invalidJSON("malformed JSON in request body", err)
	case errors.As(err, &typeErr):
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidJSON, "invalid value for field", err,
			map[string]any{"field": typeErr.Field, "expected": typeErr.Type.String()})
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		return invalidJSON("unknown field in request body: "+strings.TrimPrefix(err.Error(), "json: unknown field "), err)
	case errors.Is(err, io.EOF):
		return invalidJSON("request body must not be empty", err)
	default:
		return invalidJSON("invalid JSON in request body", err)
	}
}
