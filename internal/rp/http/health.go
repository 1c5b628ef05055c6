package http

import (
	"net/http"
	"time"

	"github.com/wickhamlabs/authgate/pkg/httpx"
)

type healthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Version string `json:"version,omitempty"`
	Checks  any    `json:"checks,omitempty"`
}

type healthChecks struct {
	Database string `json:"database"`
}

// LivezHandler is the liveness probe; it returns 200 whenever the process is
// up.
func LivezHandler(startTime time.Time, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, healthResponse{
			Status:  "ok",
			Uptime:  time.Since(startTime).String(),
			Version: version,
		})
	}
}

// ReadyzHandler is the readiness probe; when a durable store is configured
// it must answer a ping before the service reports ready.
func ReadyzHandler(pinger Pinger) http.HandlerFunc {
	startTime := time.Now()
	return func(w http.ResponseWriter, r *http.Request) {
		checks := healthChecks{Database: "ok"}
		status := "ok"
		code := http.StatusOK

		if pinger != nil {
			if err := pinger.Ping(r.Context()); err != nil {
				checks.Database = "error: " + err.Error()
				status = "degraded"
				code = http.StatusServiceUnavailable
			}
		} else {
			checks.Database = "memory"
		}

		httpx.WriteJSON(w, code, healthResponse{
			Status: status,
			Uptime: time.Since(startTime).String(),
			Checks: checks,
		})
	}
}
