package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	if s.metricsCfg != nil && s.metricsCfg.Enabled && s.opts.Gatherer != nil {
		r.Handle(s.metricsCfg.Path, promhttp.HandlerFor(
			s.opts.Gatherer, promhttp.HandlerOpts{},
		))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			if s.cfg.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(s.cfg.RateLimit.RequestsPerMinute))
			}

			r.Get("/builds", s.handleListBuilds)

			r.Route("/builds/{id}", func(r chi.Router) {
				r.Get("/", s.handleBuild)
				r.Get("/titles", s.handleTitles)
				r.Get("/tests/failed", s.handleFailedTests)
				r.Get("/tests/succeeded", s.handleSucceededTests)
				r.Get("/tests/{name}", s.handleTest)
			})

			// Index endpoints (when the summary index is enabled).
			if s.opts.IndexStore != nil {
				r.Route("/index", func(r chi.Router) {
					r.Get("/builds", s.handleIndexedBuilds)
					r.Get("/builds/{id}/tests", s.handleIndexedTests)
					r.Get("/tests/{name}/history", s.handleTestHistory)
				})
			}
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the API config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}

	origins := s.cfg.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
