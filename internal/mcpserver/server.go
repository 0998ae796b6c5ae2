// Package mcpserver exposes context compaction as Model Context Protocol
// tools so agents can budget their own prompts.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	ctxengine "github.com/flemzord/ctxbudget/internal/context"
	"github.com/flemzord/ctxbudget/internal/service"
	"github.com/flemzord/ctxbudget/internal/stats"
)

// Tool names.
const (
	ToolCompact         = "compact_context"
	ToolStats           = "context_stats"
	ToolRecommendations = "context_recommendations"
)

// Backend is the subset of service.Service the tools call.
type Backend interface {
	Compact(ctx context.Context, req ctxengine.ContextRequest) (ctxengine.CompactedContext, error)
	Aggregate(ctx context.Context, window time.Duration) (stats.Aggregate, error)
	Recommendations(ctx context.Context, window time.Duration) ([]ctxengine.Recommendation, error)
}

var _ Backend = (*service.Service)(nil)

// Server wraps an MCP server bound to a Backend.
type Server struct {
	mcp     *server.MCPServer
	backend Backend
	logger  *slog.Logger
}

// New creates the MCP server and registers the tools.
func New(backend Backend, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		backend: backend,
		logger:  logger.With("component", "mcp"),
		mcp: server.NewMCPServer(
			"ctxbudget",
			version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
			server.WithInstructions("Call compact_context before sending a long prompt: it returns a context "+
				"that fits the configured model budget, dropping the least relevant fragments first."),
		),
	}

	s.mcp.AddTool(compactTool(), s.handleCompact)
	s.mcp.AddTool(windowTool(ToolStats, "Aggregate compaction statistics over a time window."), s.handleStats)
	s.mcp.AddTool(windowTool(ToolRecommendations, "Tuning recommendations derived from recent compactions."), s.handleRecommendations)
	return s
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// Serve reads JSON-RPC messages from in and writes replies to out until ctx
// is done or in is exhausted.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("mcp server listening on stdio")
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

func compactTool() mcp.Tool {
	return mcp.NewTool(ToolCompact,
		mcp.WithDescription("Assemble a task instruction, query, dialog history and retrieved fragments "+
			"into a single context within the token budget."),
		mcp.WithString("task_instruction", mcp.Required(), mcp.Description("System or task instruction. Never dropped.")),
		mcp.WithString("query", mcp.Required(), mcp.Description("The user query. Never dropped.")),
		mcp.WithArray("dialog_history",
			mcp.Description("Prior turns, oldest first: objects with role and content."),
			mcp.Items(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"role":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				},
			}),
		),
		mcp.WithArray("retrieved_fragments",
			mcp.Description("Retrieved fragments: objects with id, text, score in [0, 1] and optional metadata."),
			mcp.Items(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id":       map[string]any{"type": "string"},
					"text":     map[string]any{"type": "string"},
					"score":    map[string]any{"type": "number"},
					"metadata": map[string]any{"type": "object"},
				},
			}),
		),
	)
}

func windowTool(name, description string) mcp.Tool {
	return mcp.NewTool(name,
		mcp.WithDescription(description),
		mcp.WithString("window", mcp.Description("Go duration such as 24h or 90m. Defaults to 24h.")),
		mcp.WithReadOnlyHintAnnotation(true),
	)
}

func (s *Server) handleCompact(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var creq ctxengine.ContextRequest
	if err := req.BindArguments(&creq); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	out, err := s.backend.Compact(ctx, creq)
	if err != nil {
		var exceeded *ctxengine.BudgetExceededError
		if errors.As(err, &exceeded) || errors.Is(err, ctxengine.ErrInvalidRequest) {
			return mcp.NewToolResultError(err.Error()), nil
		}
		s.logger.Error("compaction failed", "error", err)
		return nil, err
	}
	return jsonResult(out)
}

func (s *Server) handleStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	window, err := parseWindow(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	agg, err := s.backend.Aggregate(ctx, window)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(agg)
}

func (s *Server) handleRecommendations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	window, err := parseWindow(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	recs, err := s.backend.Recommendations(ctx, window)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if recs == nil {
		recs = []ctxengine.Recommendation{}
	}
	return jsonResult(recs)
}

func parseWindow(req mcp.CallToolRequest) (time.Duration, error) {
	raw := req.GetString("window", "")
	if raw == "" {
		return service.DefaultWindow, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid window %q: want a positive duration such as 24h", raw)
	}
	return d, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcpserver: encoding result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
