package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mbetamony/manuscript-relay/internal/config"
	"github.com/mbetamony/manuscript-relay/internal/coordination"
	relayerrors "github.com/mbetamony/manuscript-relay/internal/errors"
	"github.com/mbetamony/manuscript-relay/internal/logging"
	"github.com/mbetamony/manuscript-relay/internal/relay"
)

type Server struct {
	echo      *echo.Echo
	config    *config.Config
	directory *relay.Directory
	fleet     *coordination.FleetRegistry
	redis     *goredis.Client
	limits    *ConnectionLimits
}

// NewServer wires the HTTP front door. fleet and redis are nil when no
// REDIS_URL is configured.
func NewServer(cfg *config.Config, directory *relay.Directory, fleet *coordination.FleetRegistry, redis *goredis.Client) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(requestIDMiddleware())
	e.Use(relayerrors.Middleware())

	srv := &Server{
		echo:      e,
		config:    cfg,
		directory: directory,
		fleet:     fleet,
		redis:     redis,
		limits:    NewConnectionLimits(cfg.MaxConnections, cfg.MaxConnectionsPerIP, cfg.ConnectionRate, cfg.ConnectionBurst),
	}

	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	slog.Info("Server starting", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// requestIDMiddleware tags every request's context with a short random ID so
// log lines for one request correlate.
func requestIDMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := logging.WithRequestID(c.Request().Context(), logging.NewRequestID())
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}
