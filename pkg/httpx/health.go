package httpx

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// HealthCheck is a named readiness probe, typically a database ping.
type HealthCheck func(ctx context.Context) error

// HealthResponse is the /health response body. It is safe for
// unauthenticated access and never includes dependency addresses.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// HealthHandler builds a GET /health handler running the given checks.
// Any failing check makes the whole response unhealthy with a 503.
func HealthHandler(checks map[string]HealthCheck) echo.HandlerFunc {
	return func(c *echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		resp := HealthResponse{Status: healthStatusHealthy, Checks: make(map[string]string, len(checks))}
		httpStatus := http.StatusOK
		for name, check := range checks {
			if err := check(ctx); err != nil {
				resp.Status = healthStatusUnhealthy
				resp.Checks[name] = err.Error()
				httpStatus = http.StatusServiceUnavailable
			} else {
				resp.Checks[name] = healthStatusHealthy
			}
		}
		return c.JSON(httpStatus, resp)
	}
}
