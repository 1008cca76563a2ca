package mcp

import (
	"log/slog"

	"github.com/guillermoBallester/moat/internal/core/port"
	"github.com/guillermoBallester/moat/internal/core/service"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/trace"
)

// NewServer creates an MCPServer with the moat tools and call hooks.
// tracer and inst may be nil when telemetry is off.
func NewServer(version string, read *service.ReadService, diag *service.DiagnosticsService, logger *slog.Logger, tracer trace.Tracer, inst port.Instrumentation) *server.MCPServer {
	s := server.NewMCPServer(
		serverName,
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(ToolCallHooks(logger, tracer, inst)),
	)

	RegisterTools(s, read, diag)

	return s
}
