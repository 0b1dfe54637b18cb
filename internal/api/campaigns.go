package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/httputil"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/service/campaign"
	"github.com/ignite/campaign-engine/internal/worker"
)

// CampaignService is the submission surface. *campaign.Service satisfies it.
type CampaignService interface {
	Get(ctx context.Context, userID, id string) (*domain.Campaign, error)
	Submit(ctx context.Context, userID, campaignID string) (*worker.Job, error)
	Progress(ctx context.Context, userID, campaignID string) (map[string]string, error)
}

type CampaignHandler struct {
	svc CampaignService
	log *logger.Logger
}

func NewCampaignHandler(svc CampaignService) *CampaignHandler {
	return &CampaignHandler{svc: svc, log: logger.With("component", "api")}
}

// SendRequest submits a campaign. The user may also be given by the
// X-User-ID header.
type SendRequest struct {
	UserID string `json:"user_id"`
}

// SendResponse acknowledges a queued job.
type SendResponse struct {
	JobID      string `json:"job_id"`
	CampaignID string `json:"campaign_id"`
	Status     string `json:"status"`
}

// Send handles POST /campaigns/{id}/send.
func (h *CampaignHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if r.ContentLength != 0 {
		if !httputil.Decode(w, r, &req) {
			return
		}
	}
	userID := req.UserID
	if userID == "" {
		userID = r.Header.Get("X-User-ID")
	}
	if userID == "" {
		httputil.BadRequest(w, "user_id is required")
		return
	}

	job, err := h.svc.Submit(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	httputil.Accepted(w, SendResponse{JobID: job.ID, CampaignID: job.CampaignID, Status: worker.JobQueued})
}

// Get handles GET /campaigns/{id}.
func (h *CampaignHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Get(r.Context(), requestUser(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	httputil.OK(w, c)
}

// Progress handles GET /campaigns/{id}/progress.
func (h *CampaignHandler) Progress(w http.ResponseWriter, r *http.Request) {
	meta, err := h.svc.Progress(r.Context(), requestUser(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	if len(meta) == 0 {
		httputil.NotFound(w, "no dispatch job recorded")
		return
	}
	httputil.OK(w, meta)
}

func (h *CampaignHandler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, worker.ErrAlreadyQueued):
		httputil.Conflict(w, "already queued")
	case errors.Is(err, campaign.ErrValidation):
		httputil.Unprocessable(w, err.Error())
	case errors.Is(err, campaign.ErrNotFound):
		httputil.NotFound(w, "campaign not found")
	case errors.Is(err, campaign.ErrNotOwner):
		httputil.Error(w, http.StatusForbidden, "campaign belongs to another user")
	case errors.Is(err, campaign.ErrBusy):
		w.Header().Set("Retry-After", "30")
		httputil.Error(w, http.StatusServiceUnavailable, "dispatch queue is busy, retry later")
	default:
		httputil.InternalError(w, err)
	}
}

func requestUser(r *http.Request) string {
	if u := r.Header.Get("X-User-ID"); u != "" {
		return u
	}
	return r.URL.Query().Get("user_id")
}
