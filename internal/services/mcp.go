package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/MegaGrindStone/go-mcp"
	"github.com/MegaGrindStone/relaychat/internal/models"
	"golang.org/x/sync/errgroup"
)

// MCPClient is the subset of an MCP client the toolbox needs. *mcp.Client satisfies it once
// connected.
type MCPClient interface {
	ListTools(ctx context.Context, params mcp.ListToolsParams) (mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error)
}

// Toolbox exposes the tools of every connected MCP server as one set and routes calls to the
// server that owns the tool.
type Toolbox struct {
	clients  []MCPClient
	tools    []mcp.Tool
	toolsMap map[string]int

	logger *slog.Logger
}

const errLoggerKey = "error"

// NewToolbox lists the tools of every client concurrently. When two servers expose a tool with the
// same name, the first client in the list owns it.
func NewToolbox(ctx context.Context, clients []MCPClient, logger *slog.Logger) (Toolbox, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("module", "toolbox"))

	listed := make([][]mcp.Tool, len(clients))
	g, gctx := errgroup.WithContext(ctx)
	for i, cli := range clients {
		g.Go(func() error {
			res, err := cli.ListTools(gctx, mcp.ListToolsParams{})
			if err != nil {
				return fmt.Errorf("failed to list tools of server %d: %w", i, err)
			}
			listed[i] = res.Tools
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Toolbox{}, err
	}

	tb := Toolbox{
		clients:  clients,
		toolsMap: make(map[string]int),
		logger:   logger,
	}
	for i, tools := range listed {
		for _, tool := range tools {
			if owner, ok := tb.toolsMap[tool.Name]; ok {
				logger.Warn("Duplicate tool name, keeping the first server's tool",
					slog.String("toolName", tool.Name),
					slog.Int("owner", owner),
					slog.Int("ignored", i))
				continue
			}
			tb.toolsMap[tool.Name] = i
			tb.tools = append(tb.tools, tool)
		}
	}

	logger.Info("Tools loaded", slog.Int("servers", len(clients)), slog.Int("tools", len(tb.tools)))
	return tb, nil
}

// Tools returns every tool offered to the models.
func (t Toolbox) Tools() []mcp.Tool {
	return t.tools
}

// Call executes a call_tool content and returns the matching tool_result content. Failures of any
// kind are reported inside the result with CallToolFailed set, so the model can react to them.
func (t Toolbox) Call(ctx context.Context, call models.Content) models.Content {
	res, ok := t.callTool(ctx, mcp.CallToolParams{
		Name:      call.ToolName,
		Arguments: call.ToolInput,
	})
	return models.Content{
		Type:           models.ContentTypeToolResult,
		ToolName:       call.ToolName,
		CallToolID:     call.CallToolID,
		ToolResult:     res,
		CallToolFailed: !ok,
	}
}

func (t Toolbox) callTool(ctx context.Context, params mcp.CallToolParams) (json.RawMessage, bool) {
	clientIdx, ok := t.toolsMap[params.Name]
	if !ok {
		t.logger.Error("Tool not found", slog.String("toolName", params.Name))
		return callToolError(fmt.Errorf("tool %s is not found", params.Name)), false
	}

	toolRes, err := t.clients[clientIdx].CallTool(ctx, params)
	if err != nil {
		t.logger.Error("Tool call failed",
			slog.String("toolName", params.Name),
			slog.String(errLoggerKey, err.Error()))
		return callToolError(fmt.Errorf("tool call failed: %w", err)), false
	}

	resContent, err := json.Marshal(toolRes.Content)
	if err != nil {
		t.logger.Error("Failed to marshal tool result content",
			slog.String("toolName", params.Name),
			slog.String(errLoggerKey, err.Error()))
		return callToolError(fmt.Errorf("failed to marshal content: %w", err)), false
	}

	t.logger.Debug("Tool result content",
		slog.String("toolName", params.Name),
		slog.String("toolResult", string(resContent)))

	return resContent, !toolRes.IsError
}

func callToolError(err error) json.RawMessage {
	contents := []mcp.Content{
		{
			Type: mcp.ContentTypeText,
			Text: err.Error(),
		},
	}

	res, _ := json.Marshal(contents)
	return res
}
