package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

func (s *Server) handleLiveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadiness reports readiness plus basic relay stats. When a fleet
// registry is configured its Redis backend must answer for the instance to
// be ready.
func (s *Server) handleReadiness(c echo.Context) error {
	body := map[string]any{
		"status":      "ok",
		"documents":   s.directory.Len(),
		"connections": s.limits.Current(),
	}

	if s.fleet != nil {
		body["instance_id"] = s.fleet.InstanceID()
		if err := s.redis.Ping(c.Request().Context()).Err(); err != nil {
			body["status"] = "degraded"
			body["redis_error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		}
	}

	return c.JSON(http.StatusOK, body)
}
