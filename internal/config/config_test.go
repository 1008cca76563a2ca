package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guillermoBallester/moat/internal/ratelimit"
)

func TestLoad_Valid(t *testing.T) {
	t.Setenv("MONGODB_URI", "mongodb://localhost:27017/shop")

	cfg, err := Load(Overrides{})
	require.NoError(t, err)

	assert.Equal(t, "mongodb://localhost:27017/shop", cfg.MongoURI)
	assert.Equal(t, "shop", cfg.Database)
	assert.Equal(t, uint64(10), cfg.PoolMaxConns)
	assert.Equal(t, uint64(2), cfg.PoolMinConns)
	assert.True(t, cfg.CacheEnabled)
	assert.Equal(t, 300*time.Second, cfg.CacheTTL)
	assert.True(t, cfg.RateLimitEnabled)
	assert.Equal(t, ratelimit.Hour, cfg.RateLimitInterval)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, "stdio", cfg.Transport)
}

func TestLoad_MissingURI(t *testing.T) {
	t.Setenv("MONGODB_URI", "")

	_, err := Load(Overrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MONGODB_URI")
}

func TestLoad_RejectsNonMongoScheme(t *testing.T) {
	t.Setenv("MONGODB_URI", "postgres://localhost/test")

	_, err := Load(Overrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheme")
}

func TestLoad_DatabaseResolution(t *testing.T) {
	tests := []struct {
		name string
		uri  string
		env  string
		want string
	}{
		{name: "from path", uri: "mongodb://user:secret@h1:27017,h2:27017/inventory?replicaSet=rs0", want: "inventory"},
		{name: "srv path", uri: "mongodb+srv://cluster0.example.net/analytics", want: "analytics"},
		{name: "env wins", uri: "mongodb://localhost/inventory", env: "reports", want: "reports"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MONGODB_URI", tt.uri)
			t.Setenv("MONGODB_DATABASE", tt.env)

			cfg, err := Load(Overrides{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Database)
		})
	}
}

func TestLoad_NoDatabase(t *testing.T) {
	t.Setenv("MONGODB_URI", "mongodb://localhost:27017")
	t.Setenv("MONGODB_DATABASE", "")

	_, err := Load(Overrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MONGODB_DATABASE")
}

func TestLoad_EnvSettings(t *testing.T) {
	t.Setenv("MONGODB_URI", "mongodb://localhost/shop")
	t.Setenv("CACHE_ENABLED", "false")
	t.Setenv("CACHE_TTL", "60")
	t.Setenv("CACHE_CHECK_PERIOD", "30s")
	t.Setenv("CACHE_MAX_KEYS", "50")
	t.Setenv("RATE_LIMIT_TOKENS", "10")
	t.Setenv("RATE_LIMIT_INTERVAL", "Minute")
	t.Setenv("RATE_LIMIT_FIRE_IMMEDIATELY", "true")
	t.Setenv("DEFAULT_TIMEOUT", "5000")
	t.Setenv("SLOW_QUERY_THRESHOLD", "250ms")
	t.Setenv("HEALTH_CHECK_INTERVAL", "10000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "simple")
	t.Setenv("AUDIT_ENABLED", "false")
	t.Setenv("POLICY_FILE", "/tmp/policy.yaml")
	t.Setenv("POOL_MAX_CONNS", "20")
	t.Setenv("POOL_MIN_CONNS", "5")

	cfg, err := Load(Overrides{})
	require.NoError(t, err)

	assert.False(t, cfg.CacheEnabled)
	assert.Equal(t, 60*time.Second, cfg.CacheTTL)
	assert.Equal(t, 30*time.Second, cfg.CacheCheckPeriod)
	assert.Equal(t, 50, cfg.CacheMaxKeys)
	assert.Equal(t, 10, cfg.RateLimitTokens)
	assert.Equal(t, ratelimit.Minute, cfg.RateLimitInterval)
	assert.True(t, cfg.RateLimitFireImmediately)
	assert.Equal(t, 5*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.SlowQueryThreshold)
	assert.Equal(t, 10*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "simple", cfg.LogFormat)
	assert.False(t, cfg.AuditEnabled)
	assert.Equal(t, "/tmp/policy.yaml", cfg.PolicyFile)
	assert.Equal(t, uint64(20), cfg.PoolMaxConns)
	assert.Equal(t, uint64(5), cfg.PoolMinConns)
}

func TestLoad_InvalidEnv(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"CACHE_ENABLED", "nope"},
		{"CACHE_TTL", "-5"},
		{"CACHE_MAX_KEYS", "0"},
		{"RATE_LIMIT_TOKENS", "many"},
		{"RATE_LIMIT_INTERVAL", "fortnight"},
		{"DEFAULT_TIMEOUT", "soon"},
		{"LOG_LEVEL", "invalid"},
		{"LOG_FORMAT", "xml"},
		{"POOL_MAX_CONNS", "0"},
		{"TRANSPORT", "grpc"},
		{"OTEL_ENABLED", "maybe"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv("MONGODB_URI", "mongodb://localhost/shop")
			t.Setenv(tt.key, tt.value)

			_, err := Load(Overrides{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestLoad_PoolMinAboveMax(t *testing.T) {
	t.Setenv("MONGODB_URI", "mongodb://localhost/shop")
	t.Setenv("POOL_MAX_CONNS", "3")
	t.Setenv("POOL_MIN_CONNS", "4")

	_, err := Load(Overrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POOL_MIN_CONNS")
}

func TestLoad_HTTPRequiresToken(t *testing.T) {
	t.Setenv("MONGODB_URI", "mongodb://localhost/shop")
	t.Setenv("TRANSPORT", "http")
	t.Setenv("HTTP_BEARER_TOKEN", "")

	_, err := Load(Overrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP_BEARER_TOKEN")
}

func TestLoad_FlagOverrides(t *testing.T) {
	t.Setenv("MONGODB_URI", "mongodb://localhost/shop")
	t.Setenv("LOG_LEVEL", "error")

	uri := "mongodb://db.internal:27017/orders"
	level := "warn"
	timeout := 2 * time.Second
	cacheOff := false
	poolMax := uint64(4)

	cfg, err := Load(Overrides{
		MongoURI:       &uri,
		LogLevel:       &level,
		DefaultTimeout: &timeout,
		CacheEnabled:   &cacheOff,
		PoolMaxConns:   &poolMax,
		OTelEnabled:    true,
		AuditLog:       "/var/log/moat/audit.ndjson",
	})
	require.NoError(t, err)

	assert.Equal(t, uri, cfg.MongoURI)
	assert.Equal(t, "orders", cfg.Database)
	assert.Equal(t, slog.LevelWarn, cfg.LogLevel)
	assert.Equal(t, timeout, cfg.DefaultTimeout)
	assert.False(t, cfg.CacheEnabled)
	assert.Equal(t, poolMax, cfg.PoolMaxConns)
	assert.True(t, cfg.OTelEnabled)
	assert.Equal(t, "/var/log/moat/audit.ndjson", cfg.AuditLog)
}

func TestParseDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		unit    time.Duration
		want    time.Duration
		wantErr bool
	}{
		{in: "300", unit: time.Second, want: 300 * time.Second},
		{in: "1500", unit: time.Millisecond, want: 1500 * time.Millisecond},
		{in: "2m", unit: time.Second, want: 2 * time.Minute},
		{in: "0", unit: time.Second, wantErr: true},
		{in: "-1s", unit: time.Second, wantErr: true},
		{in: "fast", unit: time.Second, wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseDuration(tt.in, tt.unit)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
