package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tchowdev/mcppool/internal/transport"
)

func TestRunStopRefusesLiveSocket(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AGENT_TERM_HOME", dir)

	path := transport.SocketPath("live-mcp")
	ln, err := transport.Bind(path)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer ln.Close()

	if err := runStop([]string{"live-mcp"}); err == nil {
		t.Error("expected runStop to refuse a live socket")
	}
}

func TestRunStopRemovesStaleSocket(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AGENT_TERM_HOME", dir)

	path := transport.SocketPath("stale-mcp")
	ln, err := transport.Bind(path)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	ln.Close() // no listener left: SocketAlive(path) reports dead either way

	if err := runStop([]string{"stale-mcp"}); err != nil {
		t.Errorf("runStop on a stale socket: %v", err)
	}
}

func TestRunStatusListsOnlyPoolEligibleMCPs(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AGENT_TERM_HOME", dir)
	body := `
[mcps.context7]
command = "npx"

[mcps.remote-search]
url = "https://example.com/mcp"

[mcp_pool]
enabled = true
pool_all = true
exclude_mcps = ["remote-search"]
`
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	stdout := os.Stdout
	os.Stdout = w
	runErr := runStatus(nil)
	os.Stdout = stdout
	w.Close()
	out, _ := io.ReadAll(r)

	if runErr != nil {
		t.Errorf("runStatus: %v", runErr)
	}
	if !strings.Contains(string(out), "context7") {
		t.Errorf("status output %q should list context7", out)
	}
	if strings.Contains(string(out), "remote-search") {
		t.Errorf("status output %q should not list the remote, excluded MCP", out)
	}
}

func TestRunStopRequiresName(t *testing.T) {
	if err := runStop(nil); err == nil {
		t.Error("expected an error with no MCP name given")
	}
}
