// Package mcpserver exposes sessions and cached analyses as MCP tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"convopipe/internal/domain"
	"convopipe/internal/usecase"
)

const (
	toolListSessions = "list_sessions"
	toolGetSession   = "get_session"
	toolGetAnalysis  = "get_analysis"
)

// Sessions is the read side of the orchestrator.
type Sessions interface {
	Sessions() []domain.Session
	Session(sessionID string) (domain.Session, bool)
}

// Analyses loads cached or fetched analysis payloads.
type Analyses interface {
	LoadDetail(ctx context.Context, sessionID string) (domain.AnalysisDetail, error)
	LoadStrategy(ctx context.Context, sessionID string) (domain.StrategyAnalysis, error)
}

type Config struct {
	Name    string
	Version string
}

type Server struct {
	server   *server.MCPServer
	sessions Sessions
	analyses Analyses
	logger   *slog.Logger
}

func New(cfg Config, sessions Sessions, analyses Analyses, logger *slog.Logger) *Server {
	if cfg.Name == "" {
		cfg.Name = "convopipe"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		server: server.NewMCPServer(
			cfg.Name,
			cfg.Version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
		sessions: sessions,
		analyses: analyses,
		logger:   logger,
	}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.server.AddTool(mcp.NewTool(toolListSessions,
		mcp.WithDescription("List recorded and imported sessions, newest first"),
		mcp.WithString("status",
			mcp.Description("Only sessions with this status (recording, analyzing, archived, failed, burned)"),
		),
	), s.handleListSessions)

	s.server.AddTool(mcp.NewTool(toolGetSession,
		mcp.WithDescription("Get one session by id"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session identifier"),
		),
	), s.handleGetSession)

	s.server.AddTool(mcp.NewTool(toolGetAnalysis,
		mcp.WithDescription("Get the analysis detail of an archived session"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Server session identifier"),
		),
		mcp.WithBoolean("include_strategy",
			mcp.Description("Also load the derived strategy analysis"),
		),
	), s.handleGetAnalysis)
}

// ServeStdio serves MCP over stdin/stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	s.logger.Info("starting MCP server with stdio transport")
	return server.ServeStdio(s.server)
}

func (s *Server) handleListSessions(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := strings.ToLower(strings.TrimSpace(request.GetString("status", "")))
	sessions := s.sessions.Sessions()
	out := make([]domain.Session, 0, len(sessions))
	for _, session := range sessions {
		if status != "" && string(session.Status) != status {
			continue
		}
		out = append(out, session)
	}
	return jsonResult(out)
}

func (s *Server) handleGetSession(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	session, ok := s.sessions.Session(id)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("session %s not found", id)), nil
	}
	return jsonResult(session)
}

type analysisResponse struct {
	Detail   domain.AnalysisDetail    `json:"detail"`
	Strategy *domain.StrategyAnalysis `json:"strategy,omitempty"`
}

func (s *Server) handleGetAnalysis(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if session, ok := s.sessions.Session(id); ok && session.Status != domain.SessionStatusArchived {
		return mcp.NewToolResultError(fmt.Sprintf("session %s is %s; analysis is only available once archived", id, session.Status)), nil
	}

	detail, err := s.analyses.LoadDetail(ctx, id)
	if err != nil {
		return loadError(id, err), nil
	}
	response := analysisResponse{Detail: detail}
	if request.GetBool("include_strategy", false) {
		strategy, err := s.analyses.LoadStrategy(ctx, id)
		if err != nil {
			return loadError(id, err), nil
		}
		response.Strategy = &strategy
	}
	return jsonResult(response)
}

func loadError(id string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, usecase.ErrLoadInProgress):
		return mcp.NewToolResultError(fmt.Sprintf("analysis for %s is already loading; try again shortly", id))
	case errors.Is(err, usecase.ErrNotAuthenticated), errors.Is(err, domain.ErrUnauthorized):
		return mcp.NewToolResultError("authentication required")
	default:
		return mcp.NewToolResultError(fmt.Sprintf("load analysis for %s: %v", id, err))
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(payload)), nil
}
