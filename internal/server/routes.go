package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Document traffic. The handler dispatches on the path itself: a /steps
	// suffix goes to the upstream relay, everything else is a WebSocket
	// upgrade. The keyless forms exist for the optional fallback coordinator.
	s.echo.Any("/doc/:key", s.handleDocument)
	s.echo.Any("/doc/:key/*", s.handleDocument)
	s.echo.Any("/doc", s.handleDocument)
	s.echo.Any("/doc/", s.handleDocument)
}
