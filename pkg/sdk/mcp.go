package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/liliang-cn/markflow/pkg/flowerr"
	"github.com/liliang-cn/markflow/pkg/log"
)

// mcpClient proxies actions to an MCP server. Each dotted method path
// after the tool name becomes a tool call on the session.
type mcpClient struct {
	name    string
	command []string
	url     string
	env     map[string]string
	headers map[string]string
	workDir string

	mu        sync.Mutex
	session   *mcp.ClientSession
	tools     map[string]*mcp.Tool
	connected bool
}

// isMCPConfig reports whether options describe an MCP server.
func isMCPConfig(cfg Config) bool {
	if cfg.Options == nil {
		return false
	}
	if _, ok := cfg.Options["command"]; ok {
		return true
	}
	_, ok := cfg.Options["url"]
	return ok
}

func newMCPClient(name string, cfg Config) (*mcpClient, error) {
	c := &mcpClient{
		name:    name,
		env:     optionStringMap(cfg.Options["env"]),
		headers: optionStringMap(cfg.Options["headers"]),
		tools:   make(map[string]*mcp.Tool),
	}
	// Auth values ride along as environment for stdio servers and as
	// headers for HTTP servers.
	for k, v := range cfg.Auth {
		if c.env == nil {
			c.env = make(map[string]string)
		}
		c.env[k] = v
	}

	switch cmd := cfg.Options["command"].(type) {
	case string:
		c.command = []string{cmd}
	case []string:
		c.command = cmd
	case []any:
		for _, part := range cmd {
			c.command = append(c.command, fmt.Sprint(part))
		}
	}
	if args, ok := cfg.Options["args"].([]any); ok {
		for _, part := range args {
			c.command = append(c.command, fmt.Sprint(part))
		}
	}
	if url, ok := cfg.Options["url"].(string); ok {
		c.url = url
	}
	if dir, ok := cfg.Options["working_dir"].(string); ok {
		c.workDir = dir
	}

	if len(c.command) == 0 && c.url == "" {
		return nil, flowerr.Newf(flowerr.KindInvalidConfig, "mcp tool %q needs a command or url", name).WithService(name)
	}
	return c, nil
}

func optionStringMap(v any) map[string]string {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, item := range raw {
		out[k] = fmt.Sprint(item)
	}
	return out
}

// connect establishes the session and caches the server's tool list.
func (c *mcpClient) connect(ctx context.Context) error {
	if c.connected {
		return nil
	}

	var transport mcp.Transport
	if c.url != "" {
		httpClient := &http.Client{}
		if len(c.headers) > 0 {
			httpClient.Transport = &headerTransport{headers: c.headers, base: http.DefaultTransport}
		}
		transport = &mcp.StreamableClientTransport{
			Endpoint:   c.url,
			HTTPClient: httpClient,
			MaxRetries: 5,
		}
	} else {
		// Stdio server processes outlive a single call, so they run
		// detached from the per-attempt context.
		cmd := exec.Command(c.command[0], c.command[1:]...) // #nosec G204 -- command comes from the workflow author's config
		if c.workDir != "" {
			cmd.Dir = c.workDir
		}
		cmd.Env = os.Environ()
		for key, value := range c.env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
		}
		transport = &mcp.CommandTransport{Command: cmd}
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "markflow", Version: "1.0.0"}, &mcp.ClientOptions{})
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return flowerr.Wrap(flowerr.KindNetworkError, fmt.Sprintf("connecting to MCP server %s", c.name), err).WithService(c.name)
	}
	c.session = session
	c.connected = true

	toolsResponse, err := session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return flowerr.Wrap(flowerr.KindNetworkError, fmt.Sprintf("listing tools on %s", c.name), err).WithService(c.name)
	}
	c.tools = make(map[string]*mcp.Tool)
	for _, tool := range toolsResponse.Tools {
		c.tools[tool.Name] = tool
	}
	log.Debug("mcp server connected", "name", c.name, "tools", len(c.tools))
	return nil
}

// CallAction implements Client: the path names the server-side tool.
func (c *mcpClient) CallAction(ctx context.Context, path string, inputs map[string]any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	if _, exists := c.tools[path]; !exists {
		return nil, flowerr.Newf(flowerr.KindUnsupportedCapability,
			"tool %q not available on MCP server %s", path, c.name).WithService(c.name).WithAction(path)
	}

	response, err := c.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      path,
		Arguments: inputs,
	})
	if err != nil {
		return nil, flowerr.Normalize(err, c.name, path)
	}
	if response.IsError {
		return nil, flowerr.Newf(flowerr.KindInternalError, "tool %s failed: %s", path, contentText(response)).WithService(c.name).WithAction(path)
	}

	if len(response.Content) == 0 {
		return nil, nil
	}
	if textContent, ok := response.Content[0].(*mcp.TextContent); ok {
		// Structured tool output arrives as JSON text.
		var decoded any
		if err := json.Unmarshal([]byte(textContent.Text), &decoded); err == nil {
			return decoded, nil
		}
		return textContent.Text, nil
	}
	return response.Content[0], nil
}

func contentText(r *mcp.CallToolResult) string {
	if len(r.Content) == 0 {
		return "no details"
	}
	if textContent, ok := r.Content[0].(*mcp.TextContent); ok {
		return textContent.Text
	}
	return fmt.Sprintf("%v", r.Content[0])
}

// Close implements Closer.
func (c *mcpClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	session := c.session
	c.session = nil
	if session != nil {
		return session.Close()
	}
	return nil
}

// headerTransport adds fixed headers to every request to an HTTP server.
type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}
