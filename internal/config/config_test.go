package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, Development, cfg.Environment)
	assert.Equal(t, "0.0.0.0:8080", cfg.ServerAddr())
	assert.Equal(t, 30*time.Second, cfg.Graph.QueryTimeout)
	assert.Equal(t, 15*time.Second, cfg.SearchTimeout)
	assert.Equal(t, 300*time.Second, cfg.ApprovalTimeout)
	assert.Equal(t, int64(1), cfg.Graph.SemaphoreLimit)
	assert.Equal(t, int32(30), cfg.Postgres.MaxConns(), "pool base plus overflow")
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("ENVIRONMENT", "staging")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("DISABLE_AUTH", "true")
	t.Setenv("CHUNK_MAX_TOKENS", "256")
	t.Setenv("CHUNK_OVERLAP_TOKENS", "32")
	t.Setenv("GRAPH_QUERY_TIMEOUT", "5s")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, Staging, cfg.Environment)
	assert.Equal(t, 9090, cfg.ServerPort)
	assert.True(t, cfg.Auth.DisableAuth, "disable_auth permitted outside production")
	assert.Equal(t, 256, cfg.Crawl.ChunkMaxTokens)
	assert.Equal(t, 5*time.Second, cfg.Graph.QueryTimeout)
}

func TestValidateProductionGates(t *testing.T) {
	base := func(t *testing.T) *Config {
		t.Setenv("ENVIRONMENT", "production")
		t.Setenv("JWT_SECRET", "s3cret")
		cfg, err := LoadConfig()
		require.NoError(t, err)
		return cfg
	}

	t.Run("DisableAuthRejected", func(t *testing.T) {
		cfg := base(t)
		cfg.Auth.DisableAuth = true
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "DISABLE_AUTH")
	})

	t.Run("MissingJWTSecretRejected", func(t *testing.T) {
		cfg := base(t)
		cfg.Auth.JWTSecret = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "JWT_SECRET")
	})

	t.Run("InsecureCookiesRejected", func(t *testing.T) {
		cfg := base(t)
		cfg.Auth.CookieSecure = false
		require.Error(t, cfg.Validate())
	})
}

func TestValidateCrossFieldRules(t *testing.T) {
	t.Run("OverlapMustBeSmallerThanMax", func(t *testing.T) {
		cfg, err := LoadConfig()
		require.NoError(t, err)
		cfg.Crawl.ChunkOverlapTokens = cfg.Crawl.ChunkMaxTokens
		require.Error(t, cfg.Validate())
	})

	t.Run("UnknownEnvironmentRejected", func(t *testing.T) {
		t.Setenv("ENVIRONMENT", "qa")
		_, err := LoadConfig()
		require.Error(t, err)
	})

	t.Run("SemaphoreLimitAtLeastOne", func(t *testing.T) {
		t.Setenv("GRAPHITI_SEMAPHORE_LIMIT", "0")
		_, err := LoadConfig()
		require.Error(t, err)
	})
}
