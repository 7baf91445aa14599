package server

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestSanitizeConfigFillsDefaults verifies zero values are replaced.
func TestSanitizeConfigFillsDefaults(t *testing.T) {
	cfg := sanitizeConfig(Config{Port: "9090", AllowedOrigins: []string{" HTTP://Example.COM ", "bogus", "*"}})

	assert.Equal(t, ":9090", cfg.Port)
	assert.Equal(t, int64(8192), cfg.MaxMessageSize)
	assert.Equal(t, 5, cfg.RateLimit.Burst)
	assert.Equal(t, time.Second, cfg.RateLimit.RefillInterval)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "client", cfg.PermitPolicy)
	assert.Equal(t, 7*24*time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, []string{"http://example.com", "*"}, cfg.AllowedOrigins)
}

// TestLoadConfigFromEnv verifies the legacy variable names and the newer
// sections are honored.
func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("SERVER_PORT", ":9999")
	t.Setenv("ALLOWED_ORIGINS", "http://a.example, http://b.example")
	t.Setenv("MAX_MESSAGE_SIZE", "1024")
	t.Setenv("RATE_LIMIT_BURST", "10")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "2")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("SESSION_TTL", "24h")
	t.Setenv("PERMIT_POLICY", "store")

	cfg, err := NewConfigFromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Port)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, int64(1024), cfg.MaxMessageSize)
	assert.Equal(t, 10, cfg.RateLimit.Burst)
	assert.Equal(t, 2*time.Second, cfg.RateLimit.RefillInterval)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 24*time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, "store", cfg.PermitPolicy)
}

// TestLoadConfigFile verifies YAML values apply and the environment wins.
func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app_env: development
server_port: ":7000"
store_driver: memory
allowed_origins:
  - http://file.example
rate_limit_refill_interval: 500ms
`), 0o600))
	t.Setenv("SERVER_PORT", ":7001")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":7001", cfg.Port)
	assert.Equal(t, []string{"http://file.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 500*time.Millisecond, cfg.RateLimit.RefillInterval)
}

// TestConfigValidate verifies settings that cannot be defaulted.
func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "development without secret", mutate: func(c *Config) { c.Env = "development" }},
		{name: "production without secret", mutate: func(c *Config) { c.Env = "production" }, wantErr: true},
		{name: "mongo without uri", mutate: func(c *Config) {
			c.Env = "development"
			c.Store.Driver = "mongo"
		}, wantErr: true},
		{name: "s3 without bucket", mutate: func(c *Config) {
			c.Env = "development"
			c.Files.Driver = "s3"
		}, wantErr: true},
		{name: "unknown store", mutate: func(c *Config) {
			c.Env = "development"
			c.Store.Driver = "cassandra"
		}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

// TestOriginPolicy tests origin matching edge cases.
func TestOriginPolicy(t *testing.T) {
	policy := newOriginPolicy([]string{"http://localhost:8080", "not-a-url"}, zap.NewNop())

	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{name: "exact match", origin: "http://localhost:8080", want: true},
		{name: "case-insensitive host", origin: "HTTP://LOCALHOST:8080", want: true},
		{name: "missing origin", origin: "", want: false},
		{name: "different port", origin: "http://localhost:9090", want: false},
		{name: "malformed origin", origin: "://missing-scheme", want: false},
		{name: "scheme only", origin: "http://", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, policy.checkOrigin(req))
		})
	}

	all := newOriginPolicy([]string{"*"}, zap.NewNop())
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "https://anything.example")
	assert.True(t, all.checkOrigin(req))
}
