// Package api mounts the websocket endpoint and the operational HTTP routes.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// DefaultWSPath is where the websocket endpoint is mounted when Options.WSPath is empty.
const DefaultWSPath = "/ws"

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnectionCounter reports the number of live websocket connections.
type ConnectionCounter interface {
	ConnectionCount() int
}

// MetricsAuth protects /metrics with HTTP basic auth when Username is set.
// PasswordHash and PasswordSalt are produced by crypto.HashPassword.
type MetricsAuth struct {
	Username     string
	PasswordHash string
	PasswordSalt string
}

// Options configures NewRouter.
type Options struct {
	WSPath         string
	MetricsEnabled bool
	MetricsAuth    MetricsAuth
	// AllowedOrigins drives CORS on the HTTP routes. Empty allows any origin.
	AllowedOrigins []string
	Logger         logrus.FieldLogger
}

// NewRouter creates the HTTP router. ws serves the websocket endpoint and is
// also asked for the live connection count on /healthz.
func NewRouter(ws http.Handler, store Pinger, opts Options) *chi.Mux {
	if opts.WSPath == "" {
		opts.WSPath = DefaultWSPath
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "http")

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	// Upgraded connections are hijacked and log their own lifecycle.
	r.Handle(opts.WSPath, ws)

	r.Group(func(r chi.Router) {
		r.Use(Metrics)
		r.Use(Logger(logger))
		r.Use(corsHandler(opts.AllowedOrigins))

		r.Get("/healthz", healthHandler(store, counterOf(ws)))

		if opts.MetricsEnabled {
			metricsHandler := promhttp.Handler()
			if opts.MetricsAuth.Username != "" {
				metricsHandler = BasicAuth("metrics", opts.MetricsAuth)(metricsHandler)
			}
			r.Handle("/metrics", metricsHandler)
		}
	})

	return r
}

func corsHandler(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization"},
		MaxAge:         300,
	})
}

func counterOf(h http.Handler) ConnectionCounter {
	if c, ok := h.(ConnectionCounter); ok {
		return c
	}
	return nil
}

// Check is the status of one dependency.
type Check struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status      string           `json:"status"`
	Connections int              `json:"connections"`
	Checks      map[string]Check `json:"checks"`
	Timestamp   string           `json:"timestamp"`
}

func healthHandler(store Pinger, conns ConnectionCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		resp := HealthResponse{
			Status:    "healthy",
			Checks:    make(map[string]Check),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		status := http.StatusOK

		start := time.Now()
		if err := store.Ping(ctx); err != nil {
			resp.Checks["store"] = Check{Status: "fail", Message: "connection failed"}
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		} else {
			resp.Checks["store"] = Check{Status: "pass", Latency: time.Since(start).String()}
		}
		if conns != nil {
			resp.Connections = conns.ConnectionCount()
		}

		writeJSON(w, status, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
