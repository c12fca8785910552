package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("UPSTREAM_ADDR", "upstream:3000")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "upstream:3000", cfg.UpstreamAddr)
	assert.Equal(t, 50, cfg.MaxClientsPerDoc)
	assert.Equal(t, int64(10000), cfg.MaxConnections)
	assert.False(t, cfg.AllowKeylessFallback)
}

func TestLoad_MissingUpstreamAddr(t *testing.T) {
	t.Setenv("UPSTREAM_ADDR", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UPSTREAM_ADDR is required")
}

func TestLoad_UpstreamAddrWithScheme(t *testing.T) {
	t.Setenv("UPSTREAM_ADDR", "http://upstream:3000")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without a scheme")
}

func TestLoad_InvalidInteger(t *testing.T) {
	setRequired(t)
	t.Setenv("MAX_CLIENTS_PER_DOC", "many")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_CLIENTS_PER_DOC")
}

func TestLoad_MaxClientsTooSmall(t *testing.T) {
	setRequired(t)
	t.Setenv("MAX_CLIENTS_PER_DOC", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 1")
}

func TestLoad_KeylessFallbackEnabled(t *testing.T) {
	setRequired(t)
	t.Setenv("ALLOW_KEYLESS_FALLBACK", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.AllowKeylessFallback)
}

func TestLoad_InvalidBool(t *testing.T) {
	setRequired(t)
	t.Setenv("ALLOW_KEYLESS_FALLBACK", "maybe")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ALLOW_KEYLESS_FALLBACK")
}
