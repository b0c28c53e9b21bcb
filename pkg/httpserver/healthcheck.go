package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dmitrymomot/billsync/pkg/logger"
)

// Check is one named readiness dependency.
type Check struct {
	Name string
	Fn   func(context.Context) error
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// HealthHandler serves liveness and readiness. With no checks it always
// reports "ok". Otherwise every check runs with timeout and any failure turns
// the response into 503 "unavailable" naming the failing dependency.
func HealthHandler(log *slog.Logger, timeout time.Duration, checks ...Check) http.HandlerFunc {
	if log == nil {
		log = logger.Discard()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		code := http.StatusOK

		if len(checks) > 0 {
			resp.Checks = make(map[string]string, len(checks))
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			for _, c := range checks {
				if err := c.Fn(ctx); err != nil {
					log.ErrorContext(ctx, "readiness check failed", slog.String("check", c.Name), logger.Error(err))
					resp.Checks[c.Name] = "down"
					resp.Status = "unavailable"
					code = http.StatusServiceUnavailable
					continue
				}
				resp.Checks[c.Name] = "up"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
