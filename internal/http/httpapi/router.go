package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"genserver/internal/http/handlers"
	"genserver/internal/middleware"
)

// RouterOptions carries the cross-cutting pieces the router wires around the
// handlers.
type RouterOptions struct {
	JWTSecret       string
	RateLimitPerMin int
	AllowedOrigins  []string
	Registry        *prometheus.Registry
}

func NewRouter(app *handlers.App, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(app.Log),
	)
	if len(opts.AllowedOrigins) > 0 {
		r.Use(middleware.CORS(opts.AllowedOrigins))
	}

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/models", app.ModelsCatalog)
	if app.Files != nil {
		// Local deployments serve generated images straight from disk; CDN
		// deployments return pull-zone URLs instead.
		fs := http.StripPrefix("/static/", http.FileServer(http.Dir(app.Files.BasePath())))
		r.Method(http.MethodGet, "/static/*", fs)
	}
	if opts.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Use(middleware.AuthJWT(opts.JWTSecret))
		if opts.RateLimitPerMin > 0 {
			r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))
		}
		r.Post("/", app.JobsCreate)
		r.Get("/", app.JobsList)
		r.Get("/{job_id}", app.JobStatus)
		r.Get("/{job_id}/download", app.JobDownload)
		r.Delete("/{job_id}", app.JobCancel)
	})

	return r
}
