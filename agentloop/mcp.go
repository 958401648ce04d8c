package agentloop

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/martinemde/harness/permission"
)

const mcpPrefix = "mcp__"

// MCPToolName namespaces a server's tool so tools from different servers
// cannot collide.
func MCPToolName(server, tool string) string {
	return mcpPrefix + server + "__" + tool
}

// ParseMCPToolName splits a namespaced name into server and tool.
func ParseMCPToolName(name string) (server, tool string, ok bool) {
	if !strings.HasPrefix(name, mcpPrefix) {
		return "", "", false
	}
	parts := strings.SplitN(strings.TrimPrefix(name, mcpPrefix), "__", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// MCPToolInfo is a tool as listed by an MCP server.
type MCPToolInfo struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
	// ReadOnly mirrors the server's read-only annotation.
	ReadOnly bool
}

// MCPClient is the slice of an MCP session the loop needs. The transport
// lives outside this package.
type MCPClient interface {
	ListTools(ctx context.Context) ([]MCPToolInfo, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (content string, isError bool, err error)
}

// MCPToolProvider exposes one server's tools under namespaced names.
type MCPToolProvider struct {
	server string
	client MCPClient
}

// NewMCPToolProvider wraps client as the tool source for server.
func NewMCPToolProvider(server string, client MCPClient) *MCPToolProvider {
	return &MCPToolProvider{server: server, client: client}
}

func (p *MCPToolProvider) Name() string { return "mcp:" + p.server }

// Tools lists the server's tools.
func (p *MCPToolProvider) Tools(ctx context.Context) ([]Tool, error) {
	infos, err := p.client.ListTools(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "list tools on %s", p.server)
	}
	tools := make([]Tool, 0, len(infos))
	for _, info := range infos {
		cat := permission.CategoryOther
		if info.ReadOnly {
			cat = permission.CategoryRead
		}
		tools = append(tools, &mcpTool{
			client: p.client,
			remote: info.Name,
			def: ToolDefinition{
				Name:         MCPToolName(p.server, info.Name),
				Description:  info.Description,
				Parameters:   info.InputSchema,
				Source:       SourceMCP,
				Category:     cat,
				ParallelSafe: info.ReadOnly,
			},
		})
	}
	return tools, nil
}

type mcpTool struct {
	client MCPClient
	remote string
	def    ToolDefinition
}

func (t *mcpTool) Definition() ToolDefinition { return t.def }

func (t *mcpTool) Execute(ctx context.Context, args json.RawMessage, _ RunContext) (ToolCallResult, error) {
	content, isErr, err := t.client.CallTool(ctx, t.remote, args)
	if err != nil {
		return ToolCallResult{}, errors.Wrapf(err, "mcp call %s", t.def.Name)
	}
	return ToolCallResult{Content: content, IsError: isErr}, nil
}
