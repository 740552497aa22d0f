package tracking

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/coeurlink/mailer/internal/metrics"
	"github.com/coeurlink/mailer/internal/pkg/logger"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

// EventRecorder persists tracking occurrences. Implementations must be
// idempotent with respect to first-occurrence bookkeeping.
type EventRecorder interface {
	RecordOpen(ctx context.Context, trackingID, ipHash, userAgent string) error
	RecordClick(ctx context.Context, trackingID, url, ipHash, userAgent string) error
}

// Handler serves the tracking endpoints hit by recipients' mail
// clients. It always degrades gracefully: a broken tracking link still
// serves the pixel or an error page, never a stack trace.
type Handler struct {
	proc     *Processor
	recorder EventRecorder
	metrics  *metrics.Metrics
}

// NewHandler creates a tracking handler.
func NewHandler(proc *Processor, recorder EventRecorder, m *metrics.Metrics) *Handler {
	return &Handler{proc: proc, recorder: recorder, metrics: m}
}

// Routes returns the tracking routes, mounted under the public base URL.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/o/{trackingID}", h.HandleOpen)
	r.Get("/c/{trackingID}", h.HandleClick)
	return r
}

// HandleOpen records an open and serves the pixel. The pixel is served
// no matter what: tracking failures must not break image rendering in
// the recipient's client.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingID")
	if trackingID != "" {
		if err := h.recorder.RecordOpen(r.Context(), trackingID, hashIP(realIP(r)), r.UserAgent()); err != nil {
			logger.Warn("record open failed", "tracking_id", trackingID, "err", err)
		} else {
			h.metrics.Opens.Inc()
		}
	}
	h.servePixel(w)
}

// HandleClick verifies the signed payload, records the click and
// redirects to the original target.
func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingID")
	encoded := r.URL.Query().Get("u")
	sig := r.URL.Query().Get("s")

	target, err := DecodeTarget(encoded)
	if err != nil {
		http.Error(w, "bad link", http.StatusBadRequest)
		return
	}
	if !h.proc.Verify(trackingID+"|"+target, sig) {
		http.Error(w, "bad link", http.StatusBadRequest)
		return
	}

	if err := h.recorder.RecordClick(r.Context(), trackingID, target, hashIP(realIP(r)), r.UserAgent()); err != nil {
		logger.Warn("record click failed", "tracking_id", trackingID, "err", err)
	} else {
		h.metrics.Clicks.Inc()
	}

	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelGIF)
}

func realIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// hashIP stores only a digest of the client address. Raw IPs are PII
// and never persisted.
func hashIP(ip string) string {
	if ip == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])[:32]
}
