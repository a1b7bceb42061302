// Package restapi assembles the HTTP surface: the GitHub webhook, the
// dashboard, the liveness probe, service metadata and the read-only
// JSON endpoints backing external tooling.
package restapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/icicle-ci/icicle/internal/dashboard"
	"github.com/icicle-ci/icicle/internal/logger"
	"github.com/icicle-ci/icicle/internal/webhook"
)

// NewRouter wires every handler into one chi router with the standard
// middleware stack.
func NewRouter(
	webhookAPI *webhook.GitHubWebhookAPI,
	dashboardAPI *dashboard.Dashboard,
	statusAPI *StatusAPI,
	logFactory logger.Factory,
) chi.Router {
	log := logFactory("RESTAPI")
	middleware.DefaultLogger = middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: chiLogAdapter{log}, NoColor: true})

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Compress(6))
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-GitHub-Event", "X-Hub-Signature-256"},
		MaxAge:         300,
	}))

	r.Get("/", dashboardAPI.HandleDashboard)
	r.Get("/dashboard", dashboardAPI.HandleDashboard)
	r.Get("/health", statusAPI.HandleHealth)
	r.Get("/api", statusAPI.HandleMetadata)
	r.Post("/webhook/github", webhookAPI.HandleWebhook)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/jobs", statusAPI.HandleListJobs)
		r.Get("/workflows/{workflow_id}/jobs", statusAPI.HandleListWorkflowJobs)
	})

	return r
}

// chiLogAdapter bridges chi's request-logger Print interface onto the
// structured Log.
type chiLogAdapter struct {
	log logger.Log
}

func (a chiLogAdapter) Print(v ...interface{}) {
	a.log.Info(v...)
}

// NewHTTPServer returns an http.Server bound to address with sensible
// production timeouts.
func NewHTTPServer(address string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
