package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatwire.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestReadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "jwt:\n  secret: test-secret\n")

	cfg, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "gw-1", cfg.GatewayID)
	assert.Equal(t, "HS256", cfg.JWT.Alg)
	assert.Equal(t, 24*time.Hour, cfg.JWT.TTL)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
	assert.Equal(t, 60*time.Second, cfg.PresenceTTL)
	assert.False(t, cfg.MemStore)
}

func TestReadOverrides(t *testing.T) {
	path := writeConfig(t, `
port: 9090
log_level: debug
gateway_id: gw-7
mem_store: true
presence_ttl: 90s
jwt:
  secret: test-secret
  ttl: 1h
`)

	cfg, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "gw-7", cfg.GatewayID)
	assert.True(t, cfg.MemStore)
	assert.Equal(t, 90*time.Second, cfg.PresenceTTL)
	assert.Equal(t, time.Hour, cfg.JWT.TTL)
}

func TestReadRequiresJWTSecret(t *testing.T) {
	path := writeConfig(t, "port: 9090\n")
	_, err := Read(path)
	assert.Error(t, err)
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read("/nonexistent/chatwire.yaml")
	assert.Error(t, err)
}
