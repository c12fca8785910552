package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mbetamony/manuscript-relay/internal/config"
	"github.com/mbetamony/manuscript-relay/internal/coordination"
	"github.com/mbetamony/manuscript-relay/internal/logging"
	"github.com/mbetamony/manuscript-relay/internal/relay"
	"github.com/mbetamony/manuscript-relay/internal/server"
	"github.com/mbetamony/manuscript-relay/internal/upstream"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

const fleetHeartbeat = 15 * time.Second

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(cfg *config.Config) *goredis.Client {
	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to parse Redis URL", "error", err)
		os.Exit(1)
	}
	client := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func runGracefulShutdown(srv *server.Server, directory *relay.Directory, stopFleet context.CancelFunc, fleetDone <-chan struct{}) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		directory.Stop()

		stopFleet()
		<-fleetDone

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.Init(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Relay starting", "env", cfg.AppEnv, "port", cfg.Port, "upstream", cfg.UpstreamAddr, "version", version)

	bridge := upstream.NewBridge(cfg.UpstreamAddr)
	directory := relay.NewDirectory(bridge, clock, cfg.MaxClientsPerDoc, cfg.AllowKeylessFallback)

	fleetCtx, stopFleet := context.WithCancel(context.Background())
	defer stopFleet()
	fleetDone := make(chan struct{})

	var (
		redisClient *goredis.Client
		fleet       *coordination.FleetRegistry
	)
	if cfg.RedisURL != "" {
		redisClient = setupRedis(cfg)
		defer func() { _ = redisClient.Close() }()

		fleet = coordination.NewFleetRegistry(redisClient, clock, uuid.NewString(), fleetHeartbeat, version, directory.Len)
		go func() {
			fleet.Start(fleetCtx)
			close(fleetDone)
		}()
		slog.Info("Fleet registry enabled", "instance_id", fleet.InstanceID())
	} else {
		close(fleetDone)
	}

	srv := server.NewServer(cfg, directory, fleet, redisClient)

	done := runGracefulShutdown(srv, directory, stopFleet, fleetDone)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
