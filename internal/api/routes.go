// Package api assembles the public HTTP surface: tracking endpoints,
// provider webhooks, campaign submission, the SSE observer stream, health
// and metrics.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ignite/campaign-engine/internal/broadcast"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Mounter registers its own routes on a router.
type Mounter interface {
	Mount(r chi.Router)
}

// Deps wires the router. Nil members leave their routes unregistered.
type Deps struct {
	Campaigns      CampaignService
	Tracking       Mounter
	Webhooks       Mounter
	Hub            *broadcast.Hub
	Checks         map[string]Check
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// NewRouter builds the server's root handler.
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", HealthHandler(d.Checks))
	r.Handle("/metrics", promhttp.Handler())

	// Tracking and webhook routes answer fast and never wait on dispatch.
	if d.Tracking != nil {
		d.Tracking.Mount(r)
	}
	if d.Webhooks != nil {
		d.Webhooks.Mount(r)
	}

	timeout := d.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r.Route("/campaigns/{id}", func(r chi.Router) {
		if d.Hub != nil {
			r.Get("/events", broadcast.SSEHandler(d.Hub))
		}
		if d.Campaigns != nil {
			h := NewCampaignHandler(d.Campaigns)
			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(timeout))
				r.Get("/", h.Get)
				r.Post("/send", h.Send)
				r.Get("/progress", h.Progress)
			})
		}
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	return r
}
