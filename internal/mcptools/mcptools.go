package mcptools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"

	"deskagent/internal/config"
)

const (
	clientName    = "deskagent"
	clientVersion = "dev"
)

// Server is one connected MCP tool server attached to a worker.
type Server struct {
	Name    string
	Session *mcp.ClientSession
	Tools   []*mcp.Tool
}

func (s *Server) Close() error {
	if s == nil || s.Session == nil {
		return nil
	}
	return s.Session.Close()
}

// Toolset holds every server a worker attached at init. Connection failures
// degrade to fewer tools, never to a failed worker.
type Toolset struct {
	Servers []*Server
}

// Attach connects the enabled servers from config. The returned error joins
// per-server failures; servers that did connect are still usable.
func Attach(ctx context.Context, configs []config.MCPServer, logf func(format string, args ...any)) (*Toolset, error) {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	if len(configs) == 0 {
		return &Toolset{}, nil
	}

	client := mcp.NewClient(&mcp.Implementation{Name: clientName, Version: clientVersion}, nil)

	ts := &Toolset{}
	var errs []string
	seen := make(map[string]bool)
	for _, cfg := range configs {
		if cfg.Disabled {
			continue
		}
		name := strings.TrimSpace(cfg.Name)
		if name == "" {
			errs = append(errs, "server name is required")
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Sprintf("duplicate server name: %s", name))
			continue
		}
		seen[name] = true

		transport, err := transportFromConfig(cfg)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		session, err := client.Connect(ctx, transport, nil)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s connect: %v", name, err))
			continue
		}
		tools, err := listAllTools(ctx, session)
		if err != nil {
			_ = session.Close()
			errs = append(errs, fmt.Sprintf("%s list tools: %v", name, err))
			continue
		}
		logf("mcp server %s attached with %d tool(s)", name, len(tools))
		ts.Servers = append(ts.Servers, &Server{Name: name, Session: session, Tools: tools})
	}

	if len(errs) > 0 {
		return ts, fmt.Errorf("mcp: %s", strings.Join(errs, "; "))
	}
	return ts, nil
}

// ToolNames lists every attached tool as "server/tool", for inclusion in a
// worker's system context.
func (ts *Toolset) ToolNames() []string {
	if ts == nil {
		return nil
	}
	var out []string
	for _, srv := range ts.Servers {
		for _, tool := range srv.Tools {
			out = append(out, srv.Name+"/"+tool.Name)
		}
	}
	return out
}

// CallTool routes a "server/tool" invocation to the owning session.
func (ts *Toolset) CallTool(ctx context.Context, qualified string, args map[string]any) (string, error) {
	if ts == nil {
		return "", errors.New("no toolset attached")
	}
	serverName, toolName, ok := strings.Cut(qualified, "/")
	if !ok {
		return "", fmt.Errorf("tool name %q must be server/tool", qualified)
	}
	for _, srv := range ts.Servers {
		if srv.Name != serverName {
			continue
		}
		res, err := srv.Session.CallTool(ctx, &mcp.CallToolParams{Name: toolName, Arguments: args})
		if err != nil {
			return "", err
		}
		var text strings.Builder
		for _, content := range res.Content {
			if tc, ok := content.(*mcp.TextContent); ok {
				text.WriteString(tc.Text)
			}
		}
		if res.IsError {
			return "", errors.New(text.String())
		}
		return text.String(), nil
	}
	return "", fmt.Errorf("unknown mcp server: %s", serverName)
}

// Call is one tool invocation a direct-API model requests by emitting a
// fenced code block tagged `tool` with a YAML body naming a "server/tool".
type Call struct {
	Name string         `yaml:"name"`
	Args map[string]any `yaml:"args,omitempty"`
}

// ParseCalls extracts every `tool` fenced block from a model response.
// Malformed blocks are skipped; a bad tool request must never fail the turn.
func ParseCalls(markdown string) []Call {
	text := strings.TrimSpace(markdown)
	if text == "" || !strings.Contains(text, "```") {
		return nil
	}
	src := []byte(markdown)
	doc := goldmark.New().Parser().Parse(gmtext.NewReader(src))

	var out []Call
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fc, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		if !strings.EqualFold(string(fc.Language(src)), "tool") {
			return ast.WalkContinue, nil
		}

		var body bytes.Buffer
		lines := fc.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			body.Write(seg.Value(src))
		}

		var c Call
		if err := yaml.Unmarshal(body.Bytes(), &c); err != nil {
			return ast.WalkContinue, nil
		}
		if strings.TrimSpace(c.Name) == "" {
			return ast.WalkContinue, nil
		}
		out = append(out, c)
		return ast.WalkContinue, nil
	})
	return out
}

func (ts *Toolset) Close() error {
	if ts == nil {
		return nil
	}
	var errs []string
	for _, srv := range ts.Servers {
		if err := srv.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", srv.Name, err))
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func listAllTools(ctx context.Context, session *mcp.ClientSession) ([]*mcp.Tool, error) {
	tools := make([]*mcp.Tool, 0)
	cursor := ""
	for {
		params := &mcp.ListToolsParams{}
		if cursor != "" {
			params.Cursor = cursor
		}
		res, err := session.ListTools(ctx, params)
		if err != nil {
			return nil, err
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}
	return tools, nil
}

func transportFromConfig(cfg config.MCPServer) (mcp.Transport, error) {
	switch transport := strings.ToLower(strings.TrimSpace(cfg.Transport)); transport {
	case "", "command", "stdio":
		if strings.TrimSpace(cfg.Command) == "" {
			return nil, errors.New("command is required for command transport")
		}
		cmd := exec.Command(cfg.Command, cfg.Args...)
		if strings.TrimSpace(cfg.Dir) != "" {
			cmd.Dir = cfg.Dir
		}
		inheritEnv := true
		if cfg.InheritEnv != nil {
			inheritEnv = *cfg.InheritEnv
		}
		if inheritEnv {
			cmd.Env = os.Environ()
		}
		for k, v := range cfg.Env {
			if cmd.Env == nil {
				cmd.Env = os.Environ()
			}
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		return &mcp.CommandTransport{Command: cmd}, nil
	case "sse":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("url is required for sse transport")
		}
		return &mcp.SSEClientTransport{Endpoint: cfg.URL, HTTPClient: httpClientWithHeaders(cfg.Headers)}, nil
	case "streamable_http", "streamable", "http":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("url is required for streamable_http transport")
		}
		return &mcp.StreamableClientTransport{Endpoint: cfg.URL, HTTPClient: httpClientWithHeaders(cfg.Headers)}, nil
	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

func httpClientWithHeaders(headers map[string]string) *http.Client {
	if len(headers) == 0 {
		return http.DefaultClient
	}
	return &http.Client{Transport: &headerTransport{base: http.DefaultTransport, headers: headers}}
}
