// Package handlers contains the HTTP handler implementations for the
// tiergate API.
//
// Handlers are thin: the per-session state lives in internal/session and is
// bound to the request by core.SessionMiddleware. Anonymous callers have no
// session and are answered from the default free state.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tiergate/internal/billing"
	"tiergate/internal/core"
	"tiergate/internal/session"
	"tiergate/internal/types"
)

// SessionRemover drops a session from the registry once it is signed out.
type SessionRemover interface {
	Remove(id string)
}

// RefreshRequest is the request body for POST /v1/subscription/refresh.
type RefreshRequest struct {
	Force bool `json:"force"`
}

// RefreshResponse is the response for POST /v1/subscription/refresh.
type RefreshResponse struct {
	Subscription  types.SubscriptionState `json:"subscription"`
	EffectiveTier types.SubscriptionTier  `json:"effective_tier"`
	Outcome       string                  `json:"outcome"`
}

// PreviewRequest is the request body for PUT /v1/preview.
type PreviewRequest struct {
	Tier types.SubscriptionTier `json:"tier" validate:"required,tier"`
}

// PreviewResponse is the response for the preview endpoints.
type PreviewResponse struct {
	Preview       types.PreviewOverride  `json:"preview"`
	EffectiveTier types.SubscriptionTier `json:"effective_tier"`
}

// EntitlementsHandler serves the tier catalog, the caller's entitlements and
// the admin preview controls.
type EntitlementsHandler struct {
	catalog   billing.TierCatalog
	evaluator *billing.AccessEvaluator
	sessions  SessionRemover
	validator *core.Validator
	logger    *slog.Logger
}

// NewEntitlementsHandler creates an EntitlementsHandler.
func NewEntitlementsHandler(
	catalog billing.TierCatalog,
	evaluator *billing.AccessEvaluator,
	sessions SessionRemover,
	v *core.Validator,
	l *slog.Logger,
) *EntitlementsHandler {
	if l == nil {
		l = slog.Default()
	}
	return &EntitlementsHandler{
		catalog:   catalog,
		evaluator: evaluator,
		sessions:  sessions,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts the entitlement endpoints.
func (h *EntitlementsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/tiers", h.ListTiers)
	r.Get("/entitlements/me", h.GetEntitlements)
	r.Get("/features/{feature}/access", h.GetFeatureAccess)

	r.Group(func(r chi.Router) {
		r.Use(requireSession)
		r.Post("/subscription/refresh", h.RefreshSubscription)
		r.Put("/preview", h.StartPreview)
		r.Delete("/preview", h.StopPreview)
		r.Delete("/session", h.SignOut)
	})
}

// requireSession rejects requests that were not bound to a session, which
// is every anonymous request.
func requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := core.SessionFrom(r.Context()); !ok {
			core.Error(w, r, types.NewAppError(
				types.ErrCodeAuthTokenMissing,
				"Authentication required",
				nil,
			))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListTiers handles GET /v1/tiers.
func (h *EntitlementsHandler) ListTiers(w http.ResponseWriter, r *http.Request) {
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: h.catalog.All()})
}

// GetEntitlements handles GET /v1/entitlements/me. It never triggers a
// refresh; the view is whatever the session last observed.
func (h *EntitlementsHandler) GetEntitlements(w http.ResponseWriter, r *http.Request) {
	if sess, ok := core.SessionFrom(r.Context()); ok {
		view := sess.Entitlements(r.Context())
		core.Respond(w, r, http.StatusOK, view, core.ResponseMeta{EffectiveTier: view.EffectiveTier})
		return
	}

	view := h.anonymousEntitlements(r)
	core.Respond(w, r, http.StatusOK, view, core.ResponseMeta{EffectiveTier: view.EffectiveTier})
}

func (h *EntitlementsHandler) anonymousEntitlements(r *http.Request) session.Entitlements {
	state := types.DefaultSubscriptionState()
	return session.Entitlements{
		Subscription:  state,
		EffectiveTier: state.Tier,
		Features:      h.evaluator.EvaluateAll(r.Context(), state.Tier),
	}
}

// GetFeatureAccess handles GET /v1/features/{feature}/access. Unknown
// features are denied, not reported as missing.
func (h *EntitlementsHandler) GetFeatureAccess(w http.ResponseWriter, r *http.Request) {
	feature := types.FeatureID(chi.URLParam(r, "feature"))

	var access billing.Access
	if sess, ok := core.SessionFrom(r.Context()); ok {
		access = sess.Access(r.Context(), feature)
	} else {
		access = h.evaluator.Evaluate(r.Context(), types.TierFree, feature)
	}
	core.Respond(w, r, http.StatusOK, access, core.ResponseMeta{EffectiveTier: access.EffectiveTier})
}

// RefreshSubscription handles POST /v1/subscription/refresh. The body is
// optional; an empty body is a non-forced refresh.
//
// The response is always 200: a failed or suppressed refresh still answers
// with the last known state, says so in outcome and marks the meta stale.
func (h *EntitlementsHandler) RefreshSubscription(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := core.DecodeOptionalJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	sess, _ := core.SessionFrom(r.Context())
	start := time.Now()
	res := sess.Refresh(r.Context(), req.Force)

	h.logger.DebugContext(r.Context(), "subscription refresh requested",
		"force", req.Force,
		"outcome", res.Outcome,
		"elapsed", time.Since(start),
	)

	effective := sess.EffectiveTier()
	core.Respond(w, r, http.StatusOK, RefreshResponse{
		Subscription:  res.State,
		EffectiveTier: effective,
		Outcome:       res.Outcome,
	}, core.ResponseMeta{
		SessionID:      sess.ID(),
		EffectiveTier:  effective,
		RefreshOutcome: res.Outcome,
		Stale:          core.StaleOutcome(res.Outcome),
	})
}

// StartPreview handles PUT /v1/preview.
func (h *EntitlementsHandler) StartPreview(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	sess, _ := core.SessionFrom(r.Context())
	if err := sess.StartPreview(req.Tier); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "preview mode started",
		"session_id", sess.ID(),
		"tier", string(req.Tier),
	)
	h.writePreview(w, r, sess)
}

// StopPreview handles DELETE /v1/preview.
func (h *EntitlementsHandler) StopPreview(w http.ResponseWriter, r *http.Request) {
	sess, _ := core.SessionFrom(r.Context())
	if err := sess.StopPreview(); err != nil {
		core.Error(w, r, err)
		return
	}
	h.writePreview(w, r, sess)
}

func (h *EntitlementsHandler) writePreview(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	effective := sess.EffectiveTier()
	core.Respond(w, r, http.StatusOK, PreviewResponse{
		Preview:       sess.Preview(),
		EffectiveTier: effective,
	}, core.ResponseMeta{SessionID: sess.ID(), EffectiveTier: effective})
}

// SignOut handles DELETE /v1/session: the session observes SIGNED_OUT and
// is dropped from the registry.
func (h *EntitlementsHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	sess, _ := core.SessionFrom(r.Context())
	sess.SignOut(r.Context())
	if h.sessions != nil {
		h.sessions.Remove(sess.ID())
	}
	w.WriteHeader(http.StatusNoContent)
}
