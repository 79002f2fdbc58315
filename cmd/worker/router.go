package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/nvcf-orchestrator/internal/platform/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupRouter serves the operational endpoints. Jobs never arrive over HTTP.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(app.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.FromContext(r.Context()).Error("failed to write health check response", "error", err)
		}
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))

	return r
}

// requestLogger stores a logger tagged with the request id in the request context.
func (app *application) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := app.logger.With("request_id", middleware.GetReqID(r.Context()))
		l.Debug("request started",
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr)
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context(), l)))
	})
}
