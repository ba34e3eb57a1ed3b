package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/bdobrica/karn/common/version"
	"github.com/bdobrica/karn/internal/karn/llm"
	"github.com/bdobrica/karn/internal/karn/observability"
)

// MCPServerConfig describes an MCP server launched over stdio.
type MCPServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// MCPSource exposes the tools of one MCP server. Tool names are prefixed
// with the server name: "{server}__{tool}".
type MCPSource struct {
	name   string
	client *client.Client
	tools  []mcp.Tool
}

// ConnectMCP starts the server described by cfg and lists its tools.
func ConnectMCP(ctx context.Context, cfg MCPServerConfig) (*MCPSource, error) {
	if cfg.Name == "" || cfg.Command == "" {
		return nil, errors.New("tools: mcp server needs a name and a command")
	}
	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	c, err := client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("tools: start mcp server %s: %w", cfg.Name, err)
	}
	src, err := NewMCPSource(ctx, cfg.Name, c)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return src, nil
}

// NewMCPSource initialises a started client and lists its tools.
func NewMCPSource(ctx context.Context, name string, c *client.Client) (*MCPSource, error) {
	initReq := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo:      mcp.Implementation{Name: "karn", Version: version.Version},
		},
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("tools: initialise mcp server %s: %w", name, err)
	}
	res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("tools: list tools of %s: %w", name, err)
	}
	return &MCPSource{name: name, client: c, tools: res.Tools}, nil
}

// Tools returns one Tool per server tool.
func (s *MCPSource) Tools() []Tool {
	out := make([]Tool, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, &mcpTool{src: s, tool: t})
	}
	return out
}

// RegisterAll adds every server tool to r, skipping names already taken.
func (s *MCPSource) RegisterAll(ctx context.Context, r *Registry) int {
	log := observability.WithTrace(ctx)
	n := 0
	for _, t := range s.Tools() {
		if err := r.Add(t); err != nil {
			log.Warn("mcp tool not registered", "server", s.name, "err", err)
			continue
		}
		n++
	}
	log.Info("mcp tools registered", "server", s.name, "count", n)
	return n
}

// Close stops the server.
func (s *MCPSource) Close() error {
	done := make(chan error, 1)
	go func() { done <- s.client.Close() }()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		return fmt.Errorf("tools: closing mcp server %s timed out", s.name)
	}
}

type mcpTool struct {
	src  *MCPSource
	tool mcp.Tool
}

func (t *mcpTool) Definition() llm.ToolDefinition {
	params := map[string]any{"type": "object"}
	schema := t.tool.InputSchema
	if schema.Type != "" {
		params["type"] = schema.Type
	}
	if schema.Properties != nil {
		params["properties"] = schema.Properties
	} else {
		params["properties"] = map[string]any{}
	}
	if len(schema.Required) > 0 {
		params["required"] = schema.Required
	}
	if schema.Defs != nil {
		params["$defs"] = schema.Defs
	}
	return llm.ToolDefinition{
		Name:        t.src.name + "__" + t.tool.Name,
		Description: t.tool.Description,
		Parameters:  params,
	}
}

// Execute calls the remote tool. Text content becomes the result; an error
// flagged by the server is reported back to the model as such.
func (t *mcpTool) Execute(ctx context.Context, _ string, args map[string]any) (Result, error) {
	res, err := t.src.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: t.tool.Name, Arguments: args},
	})
	if err != nil {
		return Result{}, fmt.Errorf("mcp %s.%s: %w", t.src.name, t.tool.Name, err)
	}

	var parts []string
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if text == "" && res.StructuredContent != nil {
		b, err := json.Marshal(res.StructuredContent)
		if err == nil {
			text = string(b)
		}
	}
	if res.IsError {
		return errorResult(text), nil
	}
	return Result{Output: text}, nil
}
