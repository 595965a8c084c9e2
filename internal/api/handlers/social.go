package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tiergate/internal/core"
	"tiergate/internal/external"
	"tiergate/internal/types"
)

// FollowerSummaryService returns de-duplicated follower summaries.
type FollowerSummaryService interface {
	Get(ctx context.Context, handle string) (external.FollowerSummary, error)
}

// SocialHandler serves remote social summaries.
type SocialHandler struct {
	followers FollowerSummaryService
}

// NewSocialHandler creates a SocialHandler.
func NewSocialHandler(followers FollowerSummaryService) *SocialHandler {
	return &SocialHandler{followers: followers}
}

// RegisterRoutes mounts the social endpoints.
func (h *SocialHandler) RegisterRoutes(r chi.Router) {
	r.Get("/social/followers", h.GetFollowers)
}

// GetFollowers handles GET /v1/social/followers?handle=.
func (h *SocialHandler) GetFollowers(w http.ResponseWriter, r *http.Request) {
	handle := r.URL.Query().Get("handle")
	if handle == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"query parameter 'handle' is required",
			nil,
		))
		return
	}

	summary, err := h.followers.Get(r.Context(), handle)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: summary})
}
