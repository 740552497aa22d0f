package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/coeurlink/mailer/internal/domain"
	"github.com/coeurlink/mailer/internal/pkg/httputil"
	"github.com/coeurlink/mailer/internal/service/campaign"
)

// CampaignHandler exposes the admin campaign CRUD and lifecycle
// operations.
type CampaignHandler struct {
	svc *campaign.Service
}

// NewCampaignHandler creates the campaign handler.
func NewCampaignHandler(svc *campaign.Service) *CampaignHandler {
	return &CampaignHandler{svc: svc}
}

type createCampaignRequest struct {
	Name        string `json:"name"`
	Subject     string `json:"subject"`
	FromName    string `json:"from_name"`
	FromEmail   string `json:"from_email"`
	HTMLContent string `json:"html_content"`
	TextContent string `json:"text_content"`
}

func (h *CampaignHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	c := &domain.Campaign{
		Name:        req.Name,
		Subject:     req.Subject,
		FromName:    req.FromName,
		FromEmail:   req.FromEmail,
		HTMLContent: req.HTMLContent,
		TextContent: req.TextContent,
	}
	id, err := h.svc.Create(r.Context(), c)
	if err != nil {
		writeCampaignError(w, err)
		return
	}
	httputil.Created(w, map[string]string{"id": id})
}

func (h *CampaignHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	f := campaign.ListFilter{
		Status: domain.CampaignStatus(r.URL.Query().Get("status")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		f.Offset, _ = strconv.Atoi(v)
	}

	out, total, err := h.svc.List(r.Context(), f)
	if err != nil {
		writeCampaignError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"campaigns": out, "total": total})
}

func (h *CampaignHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeCampaignError(w, err)
		return
	}
	httputil.OK(w, c)
}

func (h *CampaignHandler) HandleSend(w http.ResponseWriter, r *http.Request) {
	queued, err := h.svc.Send(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeCampaignError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"queued": queued})
}

func (h *CampaignHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Pause(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeCampaignError(w, err)
		return
	}
	httputil.OK(w, map[string]bool{"paused": true})
}

func (h *CampaignHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Resume(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeCampaignError(w, err)
		return
	}
	httputil.OK(w, map[string]bool{"paused": false})
}

func writeCampaignError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		httputil.NotFound(w, "campaign not found")
	case errors.Is(err, campaign.ErrInvalid):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, campaign.ErrNotDraft), errors.Is(err, campaign.ErrNotSending):
		httputil.Error(w, http.StatusConflict, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}
