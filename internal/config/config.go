package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	AppEnv    string
	Port      string
	LogLevel  string
	LogFormat string

	// UpstreamAddr is the host:port of the upstream data service that owns
	// manuscript content and authentication.
	UpstreamAddr string

	// RedisURL enables the fleet instance registry when set.
	RedisURL string

	MaxClientsPerDoc    int
	MaxConnections      int64
	MaxConnectionsPerIP int
	ConnectionRate      float64
	ConnectionBurst     int

	// AllowKeylessFallback routes requests without a document key onto one
	// shared coordinator instead of rejecting them.
	AllowKeylessFallback bool
}

func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:       getEnv("APP_ENV", "development"),
		Port:         getEnv("PORT", "8080"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFormat:    getEnv("LOG_FORMAT", "text"),
		UpstreamAddr: getEnv("UPSTREAM_ADDR", ""),
		RedisURL:     getEnv("REDIS_URL", ""),
	}

	if cfg.UpstreamAddr == "" {
		return nil, fmt.Errorf("UPSTREAM_ADDR is required")
	}
	if strings.Contains(cfg.UpstreamAddr, "://") {
		return nil, fmt.Errorf("UPSTREAM_ADDR must be host:port without a scheme, got %q", cfg.UpstreamAddr)
	}

	var err error
	if cfg.MaxClientsPerDoc, err = getEnvInt("MAX_CLIENTS_PER_DOC", 50); err != nil {
		return nil, err
	}
	maxConns, err := getEnvInt("MAX_CONNECTIONS", 10000)
	if err != nil {
		return nil, err
	}
	cfg.MaxConnections = int64(maxConns)
	if cfg.MaxConnectionsPerIP, err = getEnvInt("MAX_CONNECTIONS_PER_IP", 100); err != nil {
		return nil, err
	}
	if cfg.ConnectionRate, err = getEnvFloat("CONNECTION_RATE", 10.0); err != nil {
		return nil, err
	}
	if cfg.ConnectionBurst, err = getEnvInt("CONNECTION_BURST", 20); err != nil {
		return nil, err
	}
	if cfg.AllowKeylessFallback, err = getEnvBool("ALLOW_KEYLESS_FALLBACK", false); err != nil {
		return nil, err
	}

	if cfg.MaxClientsPerDoc < 1 {
		return nil, fmt.Errorf("MAX_CLIENTS_PER_DOC must be at least 1")
	}
	if cfg.ConnectionRate <= 0 {
		return nil, fmt.Errorf("CONNECTION_RATE must be positive")
	}
	if cfg.ConnectionBurst < 1 {
		return nil, fmt.Errorf("CONNECTION_BURST must be at least 1")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}
	return f, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean: %w", key, err)
	}
	return b, nil
}
