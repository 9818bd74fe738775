package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/catalog"
	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/model"
	"github.com/isdmx/execbox/orchestrator"
)

// Tool names
const (
	ToolExecuteCode   = "execute_code"
	ToolListLanguages = "list_languages"
)

// Executor runs submissions
type Executor interface {
	Execute(ctx context.Context, sub model.Submission) (model.ExecutionResult, error)
}

// Languages lists what the catalog can run
type Languages interface {
	Images() []model.SandboxImage
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	exec      Executor
	languages Languages
	mcpServer *server.MCPServer

	mu   sync.Mutex
	http *server.StreamableHTTPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, exec Executor, languages Languages) *MCPServer {
	s := &MCPServer{
		config:    cfg,
		logger:    logger,
		exec:      exec,
		languages: languages,
	}

	s.mcpServer = server.NewMCPServer("execbox", "1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.registerExecuteCodeTool()
	s.registerListLanguagesTool()

	return s
}

// NewFromConfig wires the MCP server to the orchestrator and catalog
func NewFromConfig(cfg *config.Config, logger *zap.Logger, orch *orchestrator.Orchestrator, cat *catalog.Catalog) *MCPServer {
	return New(cfg, logger, orch, cat)
}

func (s *MCPServer) registerExecuteCodeTool() {
	tool := mcp.Tool{
		Name:        ToolExecuteCode,
		Description: "Execute untrusted code in an isolated sandbox and return its output",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to run",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "Language id from list_languages",
				},
				"stdin": map[string]any{
					"type":        "string",
					"description": "Standard input fed to the program (optional)",
				},
				"args": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Command-line arguments (optional)",
				},
				"workdir_tar": map[string]any{
					"type":        "string",
					"description": "Base64-encoded tar.gz of extra workspace files (optional)",
				},
			},
			Required: []string{"code", "language"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecuteCode)
}

func (s *MCPServer) registerListLanguagesTool() {
	tool := mcp.NewTool(ToolListLanguages,
		mcp.WithDescription("List the languages the sandbox can run"),
	)
	s.mcpServer.AddTool(tool, s.handleListLanguages)
}

func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	language, err := request.RequireString("language")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sub := model.Submission{
		Language: language,
		Source:   code,
		Stdin:    request.GetString("stdin", ""),
		Args:     request.GetStringSlice("args", nil),
	}
	if encoded := request.GetString("workdir_tar", ""); encoded != "" {
		sub.Archive, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to decode workdir_tar: %v", err)), nil
		}
	}

	s.logger.Info("Code execution requested",
		zap.String("language", language),
		zap.Int("source_bytes", len(code)),
		zap.Bool("has_workdir", len(sub.Archive) > 0))

	result, err := s.exec.Execute(ctx, sub)
	if err != nil {
		s.logger.Warn("Submission rejected", zap.String("language", language), zap.Error(err))
		return mcp.NewToolResultError(rejectionMessage(err)), nil
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(payload)), nil
}

func (s *MCPServer) handleListLanguages(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	type language struct {
		ID      string `json:"id"`
		Image   string `json:"image"`
		Profile string `json:"profile"`
	}
	images := s.languages.Images()
	out := make([]language, 0, len(images))
	for _, img := range images {
		out = append(out, language{ID: img.Language, Image: img.Reference, Profile: img.Profile})
	}

	payload, err := json.Marshal(map[string]any{"languages": out})
	if err != nil {
		return nil, fmt.Errorf("failed to encode languages: %w", err)
	}
	return mcp.NewToolResultText(string(payload)), nil
}

func rejectionMessage(err error) string {
	var ve *orchestrator.ValidationError
	switch {
	case errors.As(err, &ve):
		return fmt.Sprintf("Invalid submission: %s", ve.Error())
	case errors.Is(err, catalog.ErrNotFound):
		return fmt.Sprintf("Unsupported language: %v", err)
	case errors.Is(err, orchestrator.ErrCapacityExceeded):
		return "Execution capacity exceeded, retry later"
	default:
		return fmt.Sprintf("Execution failed: %v", err)
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("Starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on streamable HTTP and blocks until Shutdown
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("Starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	s.mu.Lock()
	s.http = httpServer
	s.mu.Unlock()
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// Shutdown stops the HTTP transport if it is running
func (s *MCPServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.http
	s.mu.Unlock()
	if httpServer == nil {
		return nil
	}
	return httpServer.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
