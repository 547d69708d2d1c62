package mcpadapter

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/domain"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/ports"
)

const serverName = "fiscal-knowledge-engine"

// Server exposes context retrieval as MCP tools for LLM clients.
type Server struct {
	contexts  ports.ContextService
	knowledge ports.KnowledgeReloader
	mcp       *server.MCPServer
}

func NewServer(contexts ports.ContextService, knowledge ports.KnowledgeReloader, version string) *Server {
	s := &Server{
		contexts:  contexts,
		knowledge: knowledge,
		mcp: server.NewMCPServer(
			serverName,
			version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}

	s.mcp.AddTool(mcp.NewTool("answer_context",
		mcp.WithDescription("Retrieve fiscal knowledge passages relevant to a question, ranked across the detected tax profiles (FR_PARTICULIER, AD, LU, CH)."),
		mcp.WithString("question", mcp.Required(), mcp.Description("User question in natural language.")),
		mcp.WithArray("profiles", mcp.WithStringItems(), mcp.Description("Optional profile tags that bypass detection.")),
		mcp.WithNumber("max_profiles", mcp.Description("Maximum number of detected profiles to search.")),
		mcp.WithNumber("top_k_per_profile", mcp.Description("Passages retrieved per profile before merging.")),
		mcp.WithNumber("max_results", mcp.Description("Maximum number of passages returned.")),
	), s.answerContext)

	s.mcp.AddTool(mcp.NewTool("detect_profiles",
		mcp.WithDescription("Detect which tax profiles a question is about, with confidences."),
		mcp.WithString("question", mcp.Required(), mcp.Description("User question in natural language.")),
	), s.detectProfiles)

	s.mcp.AddTool(mcp.NewTool("list_profiles",
		mcp.WithDescription("List known tax profiles and the number of loaded passages for each."),
	), s.listProfiles)

	return s
}

func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// ServeStdio serves the MCP protocol on the given streams until ctx ends.
func (s *Server) ServeStdio(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelError))
	return stdio.Listen(ctx, stdin, stdout)
}

func (s *Server) answerContext(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := request.RequireString("question")
	if err != nil || strings.TrimSpace(question) == "" {
		return mcp.NewToolResultError("question is required"), nil
	}

	opts := domain.SearchOptions{
		MaxProfiles:    request.GetInt("max_profiles", -1),
		TopKPerProfile: request.GetInt("top_k_per_profile", -1),
		MaxResults:     request.GetInt("max_results", -1),
		Profiles:       request.GetStringSlice("profiles", nil),
	}
	entries, err := s.contexts.AnswerContextWithOptions(ctx, question, opts)
	if err != nil {
		slog.Warn("mcp_tool_failed", "tool", "answer_context", "error", err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(entries) == 0 {
		return mcp.NewToolResultText("No relevant fiscal passages were found."), nil
	}
	return mcp.NewToolResultText(s.contexts.Render(entries)), nil
}

func (s *Server) detectProfiles(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := request.RequireString("question")
	if err != nil || strings.TrimSpace(question) == "" {
		return mcp.NewToolResultError("question is required"), nil
	}
	detections, err := s.contexts.DetectProfiles(ctx, question)
	if err != nil {
		slog.Warn("mcp_tool_failed", "tool", "detect_profiles", "error", err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(detections)
}

func (s *Server) listProfiles(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.knowledge.Stats())
}

func jsonResult(payload any) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(raw)), nil
}
