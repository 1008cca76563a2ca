package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/guillermoBallester/moat/internal/core/service"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

const (
	mcpEndpoint     = "/mcp"
	shutdownTimeout = 10 * time.Second
)

// stateReporter is the slice of the connection manager /health needs.
type stateReporter interface {
	State() service.State
}

// serveHTTP runs the streamable HTTP transport until ctx is cancelled.
func serveHTTP(ctx context.Context, s *mcpserver.MCPServer, addr, token string, health stateReporter, metrics http.Handler, logger *slog.Logger) error {
	streamable := mcpserver.NewStreamableHTTPServer(s, mcpserver.WithEndpointPath(mcpEndpoint))

	mux := http.NewServeMux()
	mux.Handle(mcpEndpoint, bearerAuthMiddleware(streamable, token))
	mux.HandleFunc("/health", healthHandler(health))
	if metrics != nil {
		mux.Handle("/metrics", bearerAuthMiddleware(metrics, token))
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           recoveryMiddleware(mux, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving MCP over HTTP",
			slog.String("addr", addr),
			slog.String("endpoint", mcpEndpoint),
			slog.Bool("metrics", metrics != nil),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := streamable.Shutdown(shutdownCtx); err != nil {
		logger.Warn("closing MCP sessions", slog.String("error", err.Error()))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func bearerAuthMiddleware(next http.Handler, token string) http.Handler {
	want := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="moat"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func recoveryMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic in http handler",
					slog.Any("panic", rec),
					slog.String("http.method", r.Method),
					slog.String("url.path", r.URL.Path),
				)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type healthBody struct {
	Status string `json:"status"`
	State  string `json:"state"`
}

// healthHandler reports 200 only while the manager holds a live connection.
func healthHandler(sr stateReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		state := sr.State()
		body := healthBody{Status: "ok", State: state.String()}
		code := http.StatusOK
		if state != service.StateConnected {
			body.Status = "unavailable"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(body)
	}
}

// redactURI masks the password of a MongoDB connection string. Seed lists
// with several hosts are not valid url.URL hosts, so the userinfo is cut by
// hand.
func redactURI(uri string) string {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok || scheme == "" {
		return "***"
	}
	end := strings.IndexAny(rest, "/?")
	if end < 0 {
		end = len(rest)
	}
	at := strings.LastIndex(rest[:end], "@")
	if at < 0 {
		return uri
	}
	user, _, hasPassword := strings.Cut(rest[:at], ":")
	if !hasPassword {
		return uri
	}
	return scheme + "://" + user + ":***@" + rest[at+1:]
}
