//go:build !windows

package mcppool

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/tchowdev/mcppool/internal/transport"
)

// echoStubScript is a minimal stand-in for a real MCP child: it reads one
// JSON-RPC line at a time and echoes back a result carrying the same id,
// or passes a no-id notification straight through unchanged. Good enough
// to drive the proxy's real accept/route/restart paths end to end without
// needing an actual MCP server installed.
const echoStubScript = `while IFS= read -r line; do
  case "$line" in
    *'"id"'*)
      id=$(printf '%s' "$line" | sed -E 's/.*"id":([^,}]*).*/\1/')
      printf '{"jsonrpc":"2.0","id":%s,"result":"ok"}\n' "$id"
      ;;
    *)
      printf '%s\n' "$line"
      ;;
  esac
done`

func newEchoProxy(t *testing.T, name string) *SocketProxy {
	t.Helper()
	def := Definition{Name: name, Command: "sh", Args: []string{"-c", echoStubScript}}
	proxy := NewOwnedProxy(context.Background(), def, "")
	if err := proxy.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { proxy.Stop() })
	if err := proxy.WaitReady(context.Background()); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	return proxy
}

func dialProxy(t *testing.T, proxy *SocketProxy) net.Conn {
	t.Helper()
	conn, err := transport.Connect(proxy.GetSocketPath(), 2*time.Second)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readLine(t *testing.T, conn net.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return line
}

// S1: a single client's request is answered with exactly the matching
// response, round-tripped through a real owned child process.
func TestSocketProxySingleClientRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AGENT_TERM_HOME", dir)

	proxy := newEchoProxy(t, "s1-echo")
	conn := dialProxy(t, proxy)

	if _, err := conn.Write([]byte(`{"jsonrpc":"2.0","id":42,"method":"ping"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	want := `{"jsonrpc":"2.0","id":42,"result":"ok"}` + "\n"
	if got := readLine(t, conn); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

// S2: two clients on the same proxy each get only their own response,
// never the other's, even though both ids are in flight concurrently.
func TestSocketProxyTwoClientRouting(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AGENT_TERM_HOME", dir)

	proxy := newEchoProxy(t, "s2-echo")
	connA := dialProxy(t, proxy)
	connB := dialProxy(t, proxy)

	if _, err := connA.Write([]byte(`{"jsonrpc":"2.0","id":"alpha","method":"ping"}` + "\n")); err != nil {
		t.Fatalf("write A: %v", err)
	}
	if _, err := connB.Write([]byte(`{"jsonrpc":"2.0","id":"beta","method":"ping"}` + "\n")); err != nil {
		t.Fatalf("write B: %v", err)
	}

	wantA := `{"jsonrpc":"2.0","id":"alpha","result":"ok"}` + "\n"
	wantB := `{"jsonrpc":"2.0","id":"beta","result":"ok"}` + "\n"
	if got := readLine(t, connA); got != wantA {
		t.Errorf("client A got %q, want %q", got, wantA)
	}
	if got := readLine(t, connB); got != wantB {
		t.Errorf("client B got %q, want %q", got, wantB)
	}
}

// S3: a no-id notification from the child reaches every connected client
// exactly once.
func TestSocketProxyNotificationBroadcast(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AGENT_TERM_HOME", dir)

	proxy := newEchoProxy(t, "s3-echo")
	connA := dialProxy(t, proxy)
	connB := dialProxy(t, proxy)

	if _, err := connA.Write([]byte(`{"jsonrpc":"2.0","method":"event"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	want := `{"jsonrpc":"2.0","method":"event"}` + "\n"
	if got := readLine(t, connA); got != want {
		t.Errorf("client A got %q, want %q", got, want)
	}
	if got := readLine(t, connB); got != want {
		t.Errorf("client B got %q, want %q", got, want)
	}
}
