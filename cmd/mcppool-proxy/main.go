// Command mcppool-proxy is the stateless bridge a hosted agent launches
// in place of an MCP's real command once that MCP is pooled: it speaks
// stdio to the agent and forwards everything, unparsed, to the pool's
// socket for the named MCP.
package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/tchowdev/mcppool/internal/transport"
)

const (
	dialTimeout    = 2 * time.Second
	retryInterval  = 100 * time.Millisecond
	maxRetries     = 30 // ~3s worst case
	exitConnectErr = 1
	exitArgErr     = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout))
}

func run(args []string, stdin io.Reader, stdout io.Writer) int {
	fs := flag.NewFlagSet("mcppool-proxy", flag.ContinueOnError)
	name := fs.String("name", "", "MCP name (required unless --endpoint is given)")
	endpoint := fs.String("endpoint", "", "socket path override")
	debug := fs.Bool("debug", false, "log connection attempts to stderr")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: mcppool-proxy --name <mcp> [--endpoint <path>] [--debug]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitArgErr
	}

	path := *endpoint
	if path == "" {
		if *name == "" {
			fmt.Fprintln(fs.Output(), "mcppool-proxy: one of --name or --endpoint is required")
			return exitArgErr
		}
		path = transport.SocketPath(*name)
	}

	conn, err := connectWithRetry(path, *debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcppool-proxy: %v\n", err)
		return exitConnectErr
	}
	defer conn.Close()

	bridge(conn, stdin, stdout)
	return 0
}

func connectWithRetry(path string, debug bool) (net.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		conn, err := transport.Connect(path, dialTimeout)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if debug {
			fmt.Fprintf(os.Stderr, "mcppool-proxy: connect attempt %d failed: %v\n", attempt+1, err)
		}
		time.Sleep(retryInterval)
	}
	return nil, fmt.Errorf("connect to %s after %d attempts: %w", path, maxRetries, lastErr)
}

// bridge copies stdin to the connection's write half and the connection's
// read half to stdout. os.Stdout's Write is an unbuffered syscall, so
// each chunk read from conn reaches the hosted agent immediately — no
// explicit flush step is needed the way it would be through a
// bufio.Writer. When either direction ends it gives the other a brief
// grace period, then returns.
func bridge(conn io.ReadWriteCloser, stdin io.Reader, stdout io.Writer) {
	done := make(chan struct{}, 2)

	go func() {
		_, _ = io.Copy(conn, stdin)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(stdout, conn)
		done <- struct{}{}
	}()

	<-done
	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
	}
}
