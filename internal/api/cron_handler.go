package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/coeurlink/mailer/internal/pkg/httputil"
	"github.com/coeurlink/mailer/internal/worker"
)

// RunDriver executes one processing run.
type RunDriver interface {
	Run(ctx context.Context) (*worker.RunResult, error)
}

// CronHandler exposes the scheduler-triggered processing endpoint. The
// external scheduler calls it once a minute; authentication is a shared
// bearer secret.
type CronHandler struct {
	driver RunDriver
	secret string
}

// NewCronHandler creates the cron endpoint handler.
func NewCronHandler(driver RunDriver, secret string) *CronHandler {
	return &CronHandler{driver: driver, secret: secret}
}

// HandleProcessEmails runs one processing pass and reports the result.
// Accepts GET and POST: hosted cron services differ in what they emit.
func (h *CronHandler) HandleProcessEmails(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		httputil.Unauthorized(w, "invalid or missing cron secret")
		return
	}

	res, err := h.driver.Run(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, res)
}

func (h *CronHandler) authorized(r *http.Request) bool {
	if h.secret == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == auth {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) == 1
}
