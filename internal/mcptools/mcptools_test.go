package mcptools

import (
	"context"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"deskagent/internal/config"
)

func TestParseCalls_FindsToolBlocks(t *testing.T) {
	text := "I'll read the file first.\n" +
		"```tool\nname: fs/read\nargs:\n  path: /tmp/x\n```\n" +
		"And some code for context:\n" +
		"```go\nfmt.Println(\"not a tool\")\n```\n" +
		"```tool\nname: web/fetch\n```\n"

	calls := ParseCalls(text)
	if len(calls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d: %+v", len(calls), calls)
	}
	if calls[0].Name != "fs/read" {
		t.Fatalf("unexpected first call: %+v", calls[0])
	}
	if path, _ := calls[0].Args["path"].(string); path != "/tmp/x" {
		t.Fatalf("expected args parsed, got %+v", calls[0].Args)
	}
	if calls[1].Name != "web/fetch" || calls[1].Args != nil {
		t.Fatalf("unexpected second call: %+v", calls[1])
	}
}

func TestParseCalls_SkipsMalformedBlocks(t *testing.T) {
	text := "```tool\n[not yaml\n```\n" +
		"```tool\nargs:\n  x: 1\n```\n" + // no name
		"plain text without fences"
	if calls := ParseCalls(text); calls != nil {
		t.Fatalf("malformed blocks must be skipped, got %+v", calls)
	}
	if calls := ParseCalls(""); calls != nil {
		t.Fatalf("empty input must yield no calls")
	}
}

func TestToolNames_QualifiedByServer(t *testing.T) {
	ts := &Toolset{Servers: []*Server{
		{Name: "fs", Tools: []*mcp.Tool{{Name: "read"}, {Name: "write"}}},
		{Name: "web", Tools: []*mcp.Tool{{Name: "fetch"}}},
	}}
	names := ts.ToolNames()
	want := []string{"fs/read", "fs/write", "web/fetch"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, names)
		}
	}

	var nilSet *Toolset
	if nilSet.ToolNames() != nil {
		t.Fatalf("nil toolset must report no tools")
	}
}

func TestCallTool_RejectsBadTargets(t *testing.T) {
	var nilSet *Toolset
	if _, err := nilSet.CallTool(context.Background(), "fs/read", nil); err == nil {
		t.Fatalf("nil toolset must reject calls")
	}

	ts := &Toolset{Servers: []*Server{{Name: "fs"}}}
	if _, err := ts.CallTool(context.Background(), "read", nil); err == nil || !strings.Contains(err.Error(), "server/tool") {
		t.Fatalf("unqualified name must be rejected, got %v", err)
	}
	if _, err := ts.CallTool(context.Background(), "web/fetch", nil); err == nil || !strings.Contains(err.Error(), "unknown mcp server") {
		t.Fatalf("unknown server must be rejected, got %v", err)
	}
}

func TestTransportFromConfig(t *testing.T) {
	if _, err := transportFromConfig(config.MCPServer{Transport: "command"}); err == nil {
		t.Fatalf("command transport without a command must fail")
	}
	tr, err := transportFromConfig(config.MCPServer{Command: "server-bin", Args: []string{"--x"}})
	if err != nil {
		t.Fatalf("default transport: %v", err)
	}
	if _, ok := tr.(*mcp.CommandTransport); !ok {
		t.Fatalf("default transport must be command, got %T", tr)
	}

	if _, err := transportFromConfig(config.MCPServer{Transport: "sse"}); err == nil {
		t.Fatalf("sse transport without a url must fail")
	}
	tr, err = transportFromConfig(config.MCPServer{Transport: "sse", URL: "http://localhost:1234"})
	if err != nil {
		t.Fatalf("sse transport: %v", err)
	}
	if _, ok := tr.(*mcp.SSEClientTransport); !ok {
		t.Fatalf("expected sse transport, got %T", tr)
	}

	if _, err := transportFromConfig(config.MCPServer{Transport: "carrier-pigeon"}); err == nil {
		t.Fatalf("unknown transport must be rejected")
	}
}
