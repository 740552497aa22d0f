package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/coeurlink/mailer/internal/metrics"
	"github.com/coeurlink/mailer/internal/pkg/httputil"
	"github.com/coeurlink/mailer/internal/pkg/logger"
	"github.com/coeurlink/mailer/internal/service/preference"
)

// EventSink records tracking events that originate outside the pixel
// and click endpoints: bounces from the relay's webhook, unsubscribes
// from the footer link.
type EventSink interface {
	RecordBounce(ctx context.Context, trackingID, reason string) (string, error)
	RecordUnsubscribe(ctx context.Context, trackingID string) error
}

// PreferenceHandler exposes consent management: the public unsubscribe
// page, the bounce webhook and the admin opt-in/opt-out endpoints.
type PreferenceHandler struct {
	svc     *preference.Service
	events  EventSink
	metrics *metrics.Metrics
}

// NewPreferenceHandler creates the preference handler.
func NewPreferenceHandler(svc *preference.Service, events EventSink, m *metrics.Metrics) *PreferenceHandler {
	return &PreferenceHandler{svc: svc, events: events, metrics: m}
}

// HandleUnsubscribePage serves the one-click unsubscribe link from the
// email footer. GET covers humans, POST covers List-Unsubscribe-Post
// one-click clients. Idempotent: a second visit shows the same page.
func (h *PreferenceHandler) HandleUnsubscribePage(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	sid := r.URL.Query().Get("sid")

	_, err := h.svc.UnsubscribeByToken(r.Context(), token, "one-click")
	if errors.Is(err, preference.ErrNotFound) {
		writeUnsubscribePage(w, http.StatusNotFound, "Lien invalide",
			"Ce lien de désinscription n'est pas valide.")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	h.metrics.Unsubscribes.Inc()

	if sid != "" {
		// Attribution only; the unsubscribe itself already happened
		if err := h.events.RecordUnsubscribe(r.Context(), sid); err != nil {
			logger.Warn("record unsubscribe event", "err", err)
		}
	}

	writeUnsubscribePage(w, http.StatusOK, "Désinscription confirmée",
		"Vous ne recevrez plus nos emails marketing.")
}

func writeUnsubscribePage(w http.ResponseWriter, status int, title, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="fr"><head><meta charset="utf-8"><title>%s</title></head>
<body style="font-family:sans-serif;max-width:480px;margin:80px auto;text-align:center;">
<h1 style="font-size:20px;">%s</h1><p style="color:#666;">%s</p>
</body></html>`, title, title, body)
}

type bounceWebhookRequest struct {
	TrackingID string `json:"tracking_id"`
	Type       string `json:"type"`
	Reason     string `json:"reason"`
}

// HandleBounceWebhook ingests bounce notifications from the relay.
// Unknown tracking IDs are acknowledged and dropped so the sender does
// not retry them forever.
func (h *PreferenceHandler) HandleBounceWebhook(w http.ResponseWriter, r *http.Request) {
	var req bounceWebhookRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.TrackingID == "" {
		httputil.BadRequest(w, "tracking_id is required")
		return
	}
	hard := strings.EqualFold(req.Type, "hard")

	userID, err := h.events.RecordBounce(r.Context(), req.TrackingID, req.Reason)
	if err != nil {
		logger.Warn("bounce for unknown or failed send", "tracking_id", req.TrackingID, "err", err)
		httputil.OK(w, map[string]bool{"received": true, "ignored": true})
		return
	}
	h.metrics.Bounces.Inc()

	if err := h.svc.RecordBounce(r.Context(), userID, hard); err != nil {
		logger.Error("record bounce on preference", "user_id", userID, "err", err)
	}
	httputil.OK(w, map[string]bool{"received": true})
}

func (h *PreferenceHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Get(r.Context(), chi.URLParam(r, "userID"))
	if errors.Is(err, preference.ErrNotFound) {
		httputil.NotFound(w, "no preference recorded")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, p)
}

type optInRequest struct {
	Source string `json:"source"`
}

func (h *PreferenceHandler) HandleOptIn(w http.ResponseWriter, r *http.Request) {
	var req optInRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Source == "" {
		httputil.BadRequest(w, "source is required")
		return
	}
	if err := h.svc.OptIn(r.Context(), chi.URLParam(r, "userID"), req.Source); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]bool{"consent": true})
}

// HandleRotateToken mints a new unsubscribe token for the user,
// invalidating footer links in already-delivered email.
func (h *PreferenceHandler) HandleRotateToken(w http.ResponseWriter, r *http.Request) {
	token, err := h.svc.RotateToken(r.Context(), chi.URLParam(r, "userID"))
	if errors.Is(err, preference.ErrNotFound) {
		httputil.NotFound(w, "no preference recorded")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"unsubscribe_token": token})
}

type optOutRequest struct {
	Reason string `json:"reason"`
}

func (h *PreferenceHandler) HandleOptOut(w http.ResponseWriter, r *http.Request) {
	var req optOutRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	err := h.svc.OptOut(r.Context(), chi.URLParam(r, "userID"), req.Reason)
	if errors.Is(err, preference.ErrNotFound) {
		httputil.NotFound(w, "no preference recorded")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]bool{"consent": false})
}
