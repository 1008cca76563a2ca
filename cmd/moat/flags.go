package main

import (
	"io"

	"github.com/guillermoBallester/moat/internal/config"
	"github.com/spf13/pflag"
)

// bindFlags declares every CLI override. Unset flags leave the environment
// value in place.
func bindFlags(fs *pflag.FlagSet) {
	fs.String("uri", "", "MongoDB connection string (overrides MONGODB_URI)")
	fs.String("database", "", "default database (overrides MONGODB_DATABASE and the URI path)")
	fs.String("log-level", "", "log level: debug, info, warn, error")
	fs.String("log-format", "", "log format: json or simple")
	fs.String("log-file", "", "also write JSON logs to this rotated file")
	fs.Duration("timeout", 0, "per-operation timeout, e.g. 30s")
	fs.String("policy-file", "", "path to policy YAML (descriptions, masking, denied databases)")
	fs.String("audit-log", "", "append audit events as NDJSON to this file")
	fs.String("transport", "", "MCP transport: stdio or http")
	fs.String("http-addr", "", "listen address for the http transport")
	fs.String("http-bearer-token", "", "bearer token required by the http transport")
	fs.Bool("cache", true, "enable the result cache (--cache=false to disable)")
	fs.Bool("rate-limit", true, "enable per-operation rate limiting (--rate-limit=false to disable)")
	fs.Uint64("pool-max-conns", 0, "maximum connections in the driver pool")
	fs.Uint64("pool-min-conns", 0, "minimum connections kept in the driver pool")
	fs.Bool("otel", false, "export OpenTelemetry traces and metrics")
}

// overridesFrom reads the flags the user actually set.
func overridesFrom(fs *pflag.FlagSet) config.Overrides {
	str := func(name string) *string {
		if !fs.Changed(name) {
			return nil
		}
		v, _ := fs.GetString(name)
		return &v
	}
	boolean := func(name string) *bool {
		if !fs.Changed(name) {
			return nil
		}
		v, _ := fs.GetBool(name)
		return &v
	}
	uint64Flag := func(name string) *uint64 {
		if !fs.Changed(name) {
			return nil
		}
		v, _ := fs.GetUint64(name)
		return &v
	}

	o := config.Overrides{
		MongoURI:         str("uri"),
		Database:         str("database"),
		LogLevel:         str("log-level"),
		LogFormat:        str("log-format"),
		LogFile:          str("log-file"),
		PolicyFile:       str("policy-file"),
		Transport:        str("transport"),
		HTTPAddr:         str("http-addr"),
		HTTPBearerToken:  str("http-bearer-token"),
		CacheEnabled:     boolean("cache"),
		RateLimitEnabled: boolean("rate-limit"),
		PoolMaxConns:     uint64Flag("pool-max-conns"),
		PoolMinConns:     uint64Flag("pool-min-conns"),
	}
	if fs.Changed("timeout") {
		d, _ := fs.GetDuration("timeout")
		o.DefaultTimeout = &d
	}
	o.OTelEnabled, _ = fs.GetBool("otel")
	o.AuditLog, _ = fs.GetString("audit-log")
	return o
}

// parseFlags parses args outside of cobra.
func parseFlags(args []string) (config.Overrides, error) {
	fs := pflag.NewFlagSet("moat", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	bindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return config.Overrides{}, err
	}
	return overridesFrom(fs), nil
}
