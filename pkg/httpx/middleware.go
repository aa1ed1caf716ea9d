package httpx

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"
)

// CorrelationHeader carries the request correlation id across service
// boundaries. Inbound values are propagated; absent ones are minted.
const CorrelationHeader = "X-Correlation-ID"

type correlationKey struct{}

// CorrelationID returns middleware that ensures every request has a
// correlation id, available via CorrelationFrom and echoed back on the
// response.
func CorrelationID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			id := c.Request().Header.Get(CorrelationHeader)
			if id == "" {
				id = uuid.New().String()
			}
			ctx := context.WithValue(c.Request().Context(), correlationKey{}, id)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Response().Header().Set(CorrelationHeader, id)
			return next(c)
		}
	}
}

// CorrelationFrom returns the request's correlation id, or "" when the
// middleware did not run.
func CorrelationFrom(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// RequestLogger returns middleware that logs one line per request.
// Paths never contain clinical content, so logging them is safe.
func RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			err := next(c)

			// Response() is typed http.ResponseWriter; echo installs
			// its *Response wrapper before middleware runs.
			status := http.StatusOK
			if resp, ok := c.Response().(*echo.Response); ok {
				status = resp.Status
			}
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if status < 400 {
					status = http.StatusInternalServerError
				}
			}
			slog.Info("Request handled",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"correlation_id", CorrelationFrom(c.Request().Context()))
			return err
		}
	}
}

// Recover returns middleware that converts handler panics into 500s
// instead of taking down the process.
func Recover() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Handler panic recovered",
						"panic", r, "path", c.Request().URL.Path)
					err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
				}
			}()
			return next(c)
		}
	}
}

// TokenVerifier validates inbound bearer tokens.
type TokenVerifier interface {
	Verify(bearer string) error
}

// RequireAuth returns middleware that rejects requests whose bearer
// token fails verification. Tokens are never logged.
func RequireAuth(verifier TokenVerifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			bearer := bearerToken(c.Request().Header.Get("Authorization"))
			if err := verifier.Verify(bearer); err != nil {
				slog.Warn("Rejected unauthenticated request",
					"path", c.Request().URL.Path,
					"correlation_id", CorrelationFrom(c.Request().Context()),
					"error", err)
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing token")
			}
			return next(c)
		}
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}
