package handlers

import (
	"context"
	"net/http"
	"time"
)

// Pinger checks a dependency's connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health responds with status 200 when the database answers a ping and
// 503 otherwise.
func Health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		payload := map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		}
		status := http.StatusOK
		if db != nil {
			if err := db.Ping(ctx); err != nil {
				payload["status"] = "degraded"
				payload["database"] = err.Error()
				status = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, status, payload)
	}
}
