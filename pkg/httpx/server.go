// Package httpx is the shared HTTP surface for every ScribeFlow
// service: an echo server with correlation-id propagation, request
// logging, push authentication, and the taxonomy-aware error mapping
// that turns retryable failures into 503s and permanent ones into 422s.
package httpx

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

// Server wraps echo with the standard middleware stack. Services
// register their routes on Echo() before calling Start.
type Server struct {
	echo *echo.Echo
	http *http.Server
}

// NewServer creates a server with recovery, correlation-id and request
// logging middleware installed.
func NewServer() *Server {
	e := echo.New()
	e.Use(Recover())
	e.Use(CorrelationID())
	e.Use(RequestLogger())
	return &Server{echo: e}
}

// Echo exposes the router for route registration.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start listens on addr and blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
