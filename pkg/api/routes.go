package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/targets", s.handleListTargets)

		r.Get("/results", s.handleListResults)
		r.Get("/results/{id}", s.handleGetResult)

		r.Group(func(r chi.Router) {
			if s.cfg.RateLimit.Enabled {
				s.limiter = newRateLimiterMap(s.cfg.RateLimit.RequestsPerMinute)
				r.Use(s.rateLimitMiddleware(s.limiter))
			}

			r.Post("/runs/{target}", s.handleSubmitRun)
		})

		r.Get("/ws", s.handleObserve)
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the API config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}

	if origins := s.cfg.CORSOrigins; len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
