package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/guillermoBallester/moat/internal/ratelimit"
)

// Transports accepted by TRANSPORT and --transport.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

type Config struct {
	// Database connection.
	MongoURI string
	Database string // defaults to the URI path

	// Connection pool.
	PoolMaxConns uint64 // default: 10
	PoolMinConns uint64 // default: 2

	// Result cache.
	CacheEnabled     bool
	CacheTTL         time.Duration // default: 300s
	CacheMaxKeys     int           // default: 1000
	CacheCheckPeriod time.Duration // default: 120s

	// Rate limiting.
	RateLimitEnabled         bool
	RateLimitTokens          int                // default: 100
	RateLimitInterval        ratelimit.Interval // default: hour
	RateLimitFireImmediately bool

	// Logging.
	LogLevel           slog.Level
	LogFormat          string // "json" (default) or "simple"
	LogFile            string // optional rotated JSON log file
	AuditEnabled       bool
	PerformanceLogging bool

	// Performance.
	MetricsEnabled      bool
	DefaultTimeout      time.Duration // default: 30s
	SlowQueryThreshold  time.Duration // default: 1s
	HealthCheckInterval time.Duration // default: 60s

	PolicyFile string // optional path to policy YAML
	AuditLog   string // optional path to NDJSON audit log file

	// Transport.
	Transport       string // "stdio" (default) or "http"
	HTTPAddr        string // listen address for HTTP transport (default ":8080")
	HTTPBearerToken string // required when transport=http

	// Observability.
	OTelEnabled bool // enable OpenTelemetry tracing and metrics
}

// Overrides holds CLI flag values that override environment variables.
// Pointer fields distinguish "not set" from zero values.
type Overrides struct {
	MongoURI         *string
	Database         *string
	LogLevel         *string
	LogFormat        *string
	LogFile          *string
	DefaultTimeout   *time.Duration
	PolicyFile       *string
	Transport        *string
	HTTPAddr         *string
	HTTPBearerToken  *string
	CacheEnabled     *bool
	RateLimitEnabled *bool
	OTelEnabled      bool
	AuditLog         string

	// Connection pool overrides.
	PoolMaxConns *uint64
	PoolMinConns *uint64
}

// Load builds a Config from environment variables, then applies CLI overrides,
// then validates the result.
func Load(overrides Overrides) (*Config, error) {
	cfg := defaults()

	if err := loadEnvVars(cfg); err != nil {
		return nil, err
	}
	if err := applyOverrides(cfg, overrides); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		MongoURI:            os.Getenv("MONGODB_URI"),
		PoolMaxConns:        10,
		PoolMinConns:        2,
		CacheEnabled:        true,
		CacheTTL:            300 * time.Second,
		CacheMaxKeys:        1000,
		CacheCheckPeriod:    120 * time.Second,
		RateLimitEnabled:    true,
		RateLimitTokens:     ratelimit.DefaultTokensPerInterval,
		RateLimitInterval:   ratelimit.DefaultInterval,
		LogLevel:            slog.LevelInfo,
		LogFormat:           "json",
		AuditEnabled:        true,
		PerformanceLogging:  true,
		MetricsEnabled:      true,
		DefaultTimeout:      30 * time.Second,
		SlowQueryThreshold:  time.Second,
		HealthCheckInterval: 60 * time.Second,
		Transport:           TransportStdio,
		HTTPAddr:            ":8080",
	}
}

func loadEnvVars(cfg *Config) error {
	cfg.Database = os.Getenv("MONGODB_DATABASE")

	if err := loadPoolEnvVars(cfg); err != nil {
		return err
	}
	if err := loadFeatureEnvVars(cfg); err != nil {
		return err
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return err
		}
		cfg.LogLevel = level
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(strings.TrimSpace(v))
	}
	cfg.LogFile = os.Getenv("LOG_FILE")

	cfg.PolicyFile = os.Getenv("POLICY_FILE")
	cfg.AuditLog = os.Getenv("AUDIT_LOG")

	if v := os.Getenv("TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	cfg.HTTPBearerToken = os.Getenv("HTTP_BEARER_TOKEN")

	return envBool("OTEL_ENABLED", &cfg.OTelEnabled)
}

func loadPoolEnvVars(cfg *Config) error {
	if v := os.Getenv("POOL_MAX_CONNS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil || n == 0 {
			return fmt.Errorf("invalid POOL_MAX_CONNS value %q: must be a positive integer", v)
		}
		cfg.PoolMaxConns = n
	}
	if v := os.Getenv("POOL_MIN_CONNS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid POOL_MIN_CONNS value %q: must be a non-negative integer", v)
		}
		cfg.PoolMinConns = n
	}
	return nil
}

// loadFeatureEnvVars reads the cache, rate-limit, audit and performance
// settings. Bare integer durations are seconds for the cache and
// milliseconds for performance settings.
func loadFeatureEnvVars(cfg *Config) error {
	bools := []struct {
		name string
		dst  *bool
	}{
		{"CACHE_ENABLED", &cfg.CacheEnabled},
		{"RATE_LIMIT_ENABLED", &cfg.RateLimitEnabled},
		{"RATE_LIMIT_FIRE_IMMEDIATELY", &cfg.RateLimitFireImmediately},
		{"AUDIT_ENABLED", &cfg.AuditEnabled},
		{"PERFORMANCE_LOGGING", &cfg.PerformanceLogging},
		{"METRICS_ENABLED", &cfg.MetricsEnabled},
	}
	for _, b := range bools {
		if err := envBool(b.name, b.dst); err != nil {
			return err
		}
	}

	durations := []struct {
		name string
		unit time.Duration
		dst  *time.Duration
	}{
		{"CACHE_TTL", time.Second, &cfg.CacheTTL},
		{"CACHE_CHECK_PERIOD", time.Second, &cfg.CacheCheckPeriod},
		{"DEFAULT_TIMEOUT", time.Millisecond, &cfg.DefaultTimeout},
		{"SLOW_QUERY_THRESHOLD", time.Millisecond, &cfg.SlowQueryThreshold},
		{"HEALTH_CHECK_INTERVAL", time.Millisecond, &cfg.HealthCheckInterval},
	}
	for _, d := range durations {
		if err := envDuration(d.name, d.unit, d.dst); err != nil {
			return err
		}
	}

	if v := os.Getenv("CACHE_MAX_KEYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid CACHE_MAX_KEYS value %q: must be a positive integer", v)
		}
		cfg.CacheMaxKeys = n
	}
	if v := os.Getenv("RATE_LIMIT_TOKENS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid RATE_LIMIT_TOKENS value %q: must be a positive integer", v)
		}
		cfg.RateLimitTokens = n
	}
	if v := os.Getenv("RATE_LIMIT_INTERVAL"); v != "" {
		interval, err := ratelimit.ParseInterval(v)
		if err != nil {
			return fmt.Errorf("invalid RATE_LIMIT_INTERVAL value %q: %w", v, err)
		}
		cfg.RateLimitInterval = interval
	}
	return nil
}

func envBool(name string, dst *bool) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s value %q: %w", name, v, err)
	}
	*dst = b
	return nil
}

func envDuration(name string, unit time.Duration, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := parseDuration(v, unit)
	if err != nil {
		return fmt.Errorf("invalid %s value %q: %w", name, v, err)
	}
	*dst = d
	return nil
}

// parseDuration accepts a Go duration string or a bare integer in unit.
func parseDuration(s string, unit time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("must be positive")
		}
		return time.Duration(n) * unit, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return d, nil
}

func applyOverrides(cfg *Config, o Overrides) error {
	if o.MongoURI != nil {
		cfg.MongoURI = *o.MongoURI
	}
	if o.Database != nil {
		cfg.Database = *o.Database
	}
	if o.LogLevel != nil {
		level, err := parseLogLevel(*o.LogLevel)
		if err != nil {
			return err
		}
		cfg.LogLevel = level
	}
	if o.LogFormat != nil {
		cfg.LogFormat = strings.ToLower(strings.TrimSpace(*o.LogFormat))
	}
	if o.LogFile != nil {
		cfg.LogFile = *o.LogFile
	}
	if o.DefaultTimeout != nil {
		if *o.DefaultTimeout <= 0 {
			return fmt.Errorf("invalid --timeout value: must be positive")
		}
		cfg.DefaultTimeout = *o.DefaultTimeout
	}
	if o.PolicyFile != nil {
		cfg.PolicyFile = *o.PolicyFile
	}
	if o.Transport != nil {
		cfg.Transport = *o.Transport
	}
	if o.HTTPAddr != nil {
		cfg.HTTPAddr = *o.HTTPAddr
	}
	if o.HTTPBearerToken != nil {
		cfg.HTTPBearerToken = *o.HTTPBearerToken
	}
	if o.CacheEnabled != nil {
		cfg.CacheEnabled = *o.CacheEnabled
	}
	if o.RateLimitEnabled != nil {
		cfg.RateLimitEnabled = *o.RateLimitEnabled
	}

	if o.PoolMaxConns != nil {
		if *o.PoolMaxConns == 0 {
			return fmt.Errorf("invalid --pool-max-conns value: must be a positive integer")
		}
		cfg.PoolMaxConns = *o.PoolMaxConns
	}
	if o.PoolMinConns != nil {
		cfg.PoolMinConns = *o.PoolMinConns
	}

	if o.AuditLog != "" {
		cfg.AuditLog = o.AuditLog
	}
	cfg.OTelEnabled = cfg.OTelEnabled || o.OTelEnabled

	return nil
}

// validate checks cross-field constraints on the final config and resolves
// the database from the URI when none was given.
func validate(cfg *Config) error {
	if cfg.MongoURI == "" {
		return fmt.Errorf("MONGODB_URI is required (set via env var or --uri flag)")
	}
	if !strings.HasPrefix(cfg.MongoURI, "mongodb://") && !strings.HasPrefix(cfg.MongoURI, "mongodb+srv://") {
		return fmt.Errorf("invalid MONGODB_URI: scheme must be mongodb:// or mongodb+srv://")
	}
	if cfg.Database == "" {
		db, err := databaseFromURI(cfg.MongoURI)
		if err != nil {
			return err
		}
		cfg.Database = db
	}
	if cfg.Database == "" {
		return fmt.Errorf("no database given: set MONGODB_DATABASE or include it in the URI path")
	}

	switch cfg.Transport {
	case TransportStdio, TransportHTTP:
	default:
		return fmt.Errorf("invalid TRANSPORT value %q: must be \"stdio\" or \"http\"", cfg.Transport)
	}
	if cfg.Transport == TransportHTTP && cfg.HTTPBearerToken == "" {
		return fmt.Errorf("HTTP_BEARER_TOKEN is required when transport is \"http\" (set via env var or --http-bearer-token flag)")
	}

	switch cfg.LogFormat {
	case "json", "simple":
	default:
		return fmt.Errorf("invalid LOG_FORMAT value %q: must be \"json\" or \"simple\"", cfg.LogFormat)
	}

	if cfg.PoolMinConns > cfg.PoolMaxConns {
		return fmt.Errorf("POOL_MIN_CONNS (%d) must not exceed POOL_MAX_CONNS (%d)", cfg.PoolMinConns, cfg.PoolMaxConns)
	}

	return nil
}

// databaseFromURI returns the path segment of a MongoDB URI, if any. Hosts
// are neither parsed nor resolved: seed lists and SRV names are left to the
// driver.
func databaseFromURI(uri string) (string, error) {
	_, rest, _ := strings.Cut(uri, "://")
	_, path, found := strings.Cut(rest, "/")
	if !found {
		return "", nil
	}
	path, _, _ = strings.Cut(path, "?")
	db, err := url.PathUnescape(path)
	if err != nil {
		return "", fmt.Errorf("invalid MONGODB_URI database path: %w", err)
	}
	return db, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL value %q: must be debug, info, warn, or error", s)
	}
}
