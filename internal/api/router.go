package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"filestore/internal/logging"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message,omitempty"`
}

// NewRouter builds the ops surface: a health check backed by db and the
// Prometheus metrics endpoint.
func NewRouter(db Pinger) http.Handler {
	r := chi.NewRouter()
	r.Use(Logger)
	r.Use(Metrics)

	r.Get("/healthz", healthHandler(db))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok", Timestamp: time.Now().UTC().Format(time.RFC3339)}
		status := http.StatusOK
		if err := db.Ping(ctx); err != nil {
			resp.Status = "fail"
			resp.Message = err.Error()
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logging.HTTP.Printf("failed to encode response: %v", err)
		}
	}
}
