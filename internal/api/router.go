package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Deps carries everything the routing tree needs.
type Deps struct {
	Campaigns   *CampaignHandler
	Preferences *PreferenceHandler
	Cron        *CronHandler
	Tracking    chi.Router
	Metrics     http.Handler
}

// NewRouter builds the full routing tree.
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}

	// Public endpoints hit from recipients' mail clients
	r.Mount("/t", d.Tracking)
	r.Get("/unsubscribe/{token}", d.Preferences.HandleUnsubscribePage)
	r.Post("/unsubscribe/{token}", d.Preferences.HandleUnsubscribePage)

	r.Route("/api", func(r chi.Router) {
		r.Get("/cron/process-emails", d.Cron.HandleProcessEmails)
		r.Post("/cron/process-emails", d.Cron.HandleProcessEmails)

		r.Post("/webhooks/bounce", d.Preferences.HandleBounceWebhook)

		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", d.Campaigns.HandleList)
			r.Post("/", d.Campaigns.HandleCreate)
			r.Get("/{id}", d.Campaigns.HandleGet)
			r.Post("/{id}/send", d.Campaigns.HandleSend)
			r.Post("/{id}/pause", d.Campaigns.HandlePause)
			r.Post("/{id}/resume", d.Campaigns.HandleResume)
		})

		r.Route("/users/{userID}/preferences", func(r chi.Router) {
			r.Get("/", d.Preferences.HandleGet)
			r.Post("/opt-in", d.Preferences.HandleOptIn)
			r.Post("/opt-out", d.Preferences.HandleOptOut)
			r.Post("/rotate-token", d.Preferences.HandleRotateToken)
		})
	})

	return r
}
