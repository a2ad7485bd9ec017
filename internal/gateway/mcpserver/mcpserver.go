// Package mcpserver exposes the registered tools to MCP clients over stdio.
// Every call runs as one configured identity, so policy bindings and RBAC
// apply to it like to any other gateway user.
package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/shellguard/internal/security"
	"github.com/jkaninda/shellguard/internal/tools"
)

// Server wraps an MCP server bound to a tool registry.
type Server struct {
	mcp    *server.MCPServer
	reg    *tools.Registry
	userID string
	rbac   *security.RBAC
	logger *slog.Logger
}

// New registers every tool in reg on a new MCP server. rbac may be nil.
func New(name, version, userID string, reg *tools.Registry, rbac *security.RBAC, logger *slog.Logger) *Server {
	s := &Server{
		mcp:    server.NewMCPServer(name, version),
		reg:    reg,
		userID: userID,
		rbac:   rbac,
		logger: logger,
	}
	for _, t := range reg.All() {
		s.mcp.AddTool(toMCPTool(t), s.handler(t))
	}
	return s
}

// ServeStdio serves MCP over stdin/stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server starting",
		slog.String("user_id", s.userID),
		slog.Any("tools", s.reg.List()),
	)
	return server.ServeStdio(s.mcp)
}

func toMCPTool(t tools.Tool) mcp.Tool {
	schema := t.InputSchema()
	props, _ := schema["properties"].(map[string]any)
	required, _ := schema["required"].([]string)
	return mcp.Tool{
		Name:        t.Name(),
		Description: t.Description(),
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: props,
			Required:   required,
		},
	}
}

func (s *Server) handler(t tools.Tool) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		if args == nil {
			return errorResult("error: invalid arguments"), nil
		}

		if err := s.rbac.CheckPermission(ctx, s.userID, t.RequiredAction()); err != nil {
			return errorResult("error: " + err.Error()), nil
		}
		if err := t.Validate(args); err != nil {
			return errorResult("error: " + err.Error()), nil
		}

		res, err := t.Execute(tools.ContextWithUserID(ctx, s.userID), args)
		if err != nil {
			s.logger.Warn("mcp tool failed",
				slog.String("tool", t.Name()),
				slog.String("error", err.Error()),
			)
			return errorResult("error: " + err.Error()), nil
		}
		return toCallResult(res), nil
	}
}

// toCallResult renders the tool output, followed by its metadata as JSON
// when there is any.
func toCallResult(res *tools.Result) *mcp.CallToolResult {
	content := []mcp.Content{mcp.TextContent{Type: "text", Text: res.Output}}
	if len(res.Metadata) > 0 {
		if meta, err := json.Marshal(res.Metadata); err == nil {
			content = append(content, mcp.TextContent{Type: "text", Text: string(meta)})
		}
	}
	return &mcp.CallToolResult{Content: content, IsError: !res.Success}
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
