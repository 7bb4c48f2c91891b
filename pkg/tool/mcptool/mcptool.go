// Package mcptool adapts tools hosted on MCP servers to the [tool.Tool]
// contract, using the official MCP Go SDK.
//
// A single [Client] owns the connection to one MCP server; [Client.Tool]
// returns a [tool.Tool] bound to one named tool on that server. The caller's
// user ID and tier ride along in the call arguments under a reserved key so
// user-scoped servers can enforce their own access rules.
package mcptool

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"unicode/utf8"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/perennialhq/concierge/pkg/tool"
)

// callerKey is the reserved argument key carrying the caller context to the
// server. Tool input schemas must not declare a parameter with this name.
const callerKey = "_caller"

// ServerConfig describes how to reach one MCP server.
type ServerConfig struct {
	// Name is a label used in error messages and logs.
	Name string

	// Command, when non-empty, spawns a stdio-transport subprocess. The string
	// is split on spaces into executable + args.
	Command string

	// URL, when non-empty, connects via the MCP Streamable HTTP transport.
	// Exactly one of Command and URL must be set.
	URL string
}

// Client holds a live session with one MCP server.
type Client struct {
	name string

	mu      sync.Mutex
	session *mcpsdk.ClientSession
}

// Connect establishes a session with the server described by cfg and returns
// a Client. The returned Client must be closed when no longer needed.
func Connect(ctx context.Context, cfg ServerConfig) (*Client, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("mcptool: server config must have a non-empty name")
	}

	var transport mcpsdk.Transport
	switch {
	case cfg.Command != "":
		parts := strings.Fields(cfg.Command)
		if len(parts) == 0 {
			return nil, fmt.Errorf("mcptool: server %q: empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case cfg.URL != "":
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return nil, fmt.Errorf("mcptool: server %q: either Command or URL is required", cfg.Name)
	}

	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "concierge", Version: "1.0.0"},
		nil,
	)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcptool: connect to server %q: %w", cfg.Name, err)
	}
	return &Client{name: cfg.Name, session: session}, nil
}

// ListToolNames returns the names of all tools the server advertises.
func (c *Client) ListToolNames(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return nil, fmt.Errorf("mcptool: server %q: session closed", c.name)
	}

	var names []string
	for t, err := range session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("mcptool: list tools on %q: %w", c.name, err)
		}
		names = append(names, t.Name)
	}
	return names, nil
}

// Tool returns a [tool.Tool] bound to the named tool on this server.
func (c *Client) Tool(name string) tool.Tool {
	return &remoteTool{client: c, name: name}
}

// Close shuts down the server session. The Client must not be used afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}

// remoteTool implements [tool.Tool] against one tool on one server.
type remoteTool struct {
	client *Client
	name   string
}

// Execute implements [tool.Tool]. The caller context is injected into the
// arguments under the reserved "_caller" key.
func (r *remoteTool) Execute(ctx context.Context, args string, caller tool.CallerContext) (string, error) {
	r.client.mu.Lock()
	session := r.client.session
	r.client.mu.Unlock()
	if session == nil {
		return "", fmt.Errorf("mcptool: server %q: session closed", r.client.name)
	}

	argsMap := map[string]any{}
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return "", fmt.Errorf("mcptool: invalid args JSON for tool %q: %w", r.name, err)
		}
	}
	argsMap[callerKey] = map[string]any{
		"user_id": caller.UserID,
		"tier":    caller.Tier,
	}

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      r.name,
		Arguments: argsMap,
	})
	if err != nil {
		return "", fmt.Errorf("mcptool: call tool %q on %q: %w", r.name, r.client.name, err)
	}

	// Concatenate all text content from the result.
	var sb strings.Builder
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("mcptool: tool %q reported an error: %s", r.name, truncate(sb.String(), 200))
	}
	return sb.String(), nil
}

// truncate shortens s to at most n bytes for error messages, cutting on a
// rune boundary so no UTF-8 sequence is split.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
