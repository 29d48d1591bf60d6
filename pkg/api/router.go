package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/psantana5/partnerbatch/pkg/logging"
	"github.com/psantana5/partnerbatch/pkg/metrics"
	"github.com/psantana5/partnerbatch/pkg/middleware"
	"github.com/psantana5/partnerbatch/pkg/ratelimit"
	"github.com/psantana5/partnerbatch/pkg/tracing"
)

// RouterOptions holds the optional middleware for NewRouter
type RouterOptions struct {
	Tracer    *tracing.Provider
	Metrics   *metrics.Collector
	RateLimit *ratelimit.Limiter
	AccessLog *logging.Logger // nil disables access logging
}

// NewRouter builds the service router. Middleware runs outermost first:
// request id, access log, panic recovery, tracing, metrics, rate limiting.
// Queue deliveries and health checks are not rate limited.
func NewRouter(h *Handler, opts RouterOptions) *mux.Router {
	r := mux.NewRouter()
	h.RegisterRoutes(r)

	r.Use(middleware.RequestID)
	if opts.AccessLog != nil {
		r.Use(mux.MiddlewareFunc(middleware.AccessLog(opts.AccessLog)))
	}
	r.Use(mux.MiddlewareFunc(middleware.Recover(h.logger)))

	if opts.Tracer != nil {
		r.Use(mux.MiddlewareFunc(tracing.HTTPMiddleware(opts.Tracer)))
	}
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	if opts.RateLimit != nil {
		r.Use(mux.MiddlewareFunc(opts.RateLimit.Middleware(ratelimit.APIKeyFunc, "/cron/", "/health")))
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})
	return r
}
