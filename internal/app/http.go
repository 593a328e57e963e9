package app

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// additionalRoutes builds the demo server's non-WS HTTP surface
// (health/ready/metrics), wrapped in the ambient request-logging,
// security-headers, and CORS middleware. It is handed to
// juggler.ListenOptions.AdditionalRoutes; the WS route itself and the
// static/basic-auth surface are assembled by juggler.Listen.
func additionalRoutes(log Logger, cfg Config, reg *prometheus.Registry) map[string]http.Handler {
	routes := map[string]http.Handler{
		"/healthz": http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok\n"))
		}),
		"/readyz": http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
		}),
	}

	if cfg.MetricsEnabled && reg != nil {
		routes["/metrics"] = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	for path, h := range routes {
		wrapped := WithSecurityHeaders(h)
		wrapped = WithCORS(wrapped, cfg, log)
		wrapped = WithRequestLogging(wrapped, log)
		routes[path] = wrapped
	}
	return routes
}
