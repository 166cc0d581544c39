// Command mcppoolctl is the operator-facing CLI for the MCP pool: it can
// run the supervisor in the foreground for a set of MCPs (start), probe
// on-disk socket state for configured MCPs (status), and clean up a stale
// socket (stop) or clean it up and start that MCP in the foreground
// (restart). Both stop and restart refuse a live socket.
//
// There is no cross-process control channel between a running pool and
// a later invocation of this binary — the pool exposes no RPC surface,
// only its per-MCP sockets. So status/stop/restart are filesystem probes
// built on the same transport.SocketAlive/Remove primitives the pool
// itself uses during discovery, not commands sent to a live supervisor.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tchowdev/mcppool/internal/config"
	"github.com/tchowdev/mcppool/internal/logging"
	"github.com/tchowdev/mcppool/internal/mcppool"
	"github.com/tchowdev/mcppool/internal/transport"
)

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "start":
		err = runStart(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "stop":
		err = runStop(os.Args[2:])
	case "restart":
		err = runRestart(os.Args[2:])
	case "help", "-h", "--help":
		printHelp()
		return
	default:
		fmt.Fprintf(os.Stderr, "mcppoolctl: unknown command %q\n", os.Args[1])
		printHelp()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "mcppoolctl: %v\n", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println("Usage: mcppoolctl <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  start [--name <mcp>]   Run the pool supervisor in the foreground")
	fmt.Println("  status [--json]        Show on-disk socket state for configured MCPs")
	fmt.Println("  stop <mcp>             Remove a stale socket (refuses a live one)")
	fmt.Println("  restart <mcp>          Remove a stale socket, then start it in the foreground")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  mcppoolctl start                  # supervise every pool-eligible MCP")
	fmt.Println("  mcppoolctl start --name context7  # supervise just one MCP")
	fmt.Println("  mcppoolctl status                 # list configured MCPs and their socket state")
	fmt.Println("  mcppoolctl stop context7           # clean up context7's socket if it's stale")
}

// runStart loads configuration and runs the pool supervisor in the
// foreground until interrupted, the way an operator would run this under
// a process manager.
func runStart(args []string) error {
	fs := flag.NewFlagSet("mcppoolctl start", flag.ContinueOnError)
	name := fs.String("name", "", "supervise only this MCP (default: every pool-eligible MCP)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcppoolctl: config.toml: %v (continuing with defaults)\n", err)
	}

	logDir := transport.LogDir()
	logging.Init(cfg.LoggingConfig(logDir))
	defer logging.Shutdown()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	defs := cfg.StdioDefinitions()
	if *name != "" {
		filtered := defs[:0]
		for _, def := range defs {
			if def.Name == *name {
				filtered = append(filtered, def)
			}
		}
		defs = filtered
	}
	if len(defs) == 0 {
		if *name != "" {
			return fmt.Errorf("no configured stdio MCP matches --name %s", *name)
		}
		return fmt.Errorf("no pool-eligible MCP configured")
	}

	pool := mcppool.InitializeGlobalPool(ctx, cfg.PoolConfig(logDir), defs, true)
	if pool == nil {
		return fmt.Errorf("pool disabled in config.toml (mcp_pool.enabled = false)")
	}

	// Resolve every MCP through the same decision path a host process
	// uses to attach it, so start_on_demand and the proxy command
	// construction run for real here instead of only in a caller's own
	// attach request.
	ready := 0
	for _, def := range defs {
		res, err := mcppool.ResolveAttach(ctx, pool, def, cfg.MCPPool.StartOnDemand)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mcppoolctl: attach %s: %v\n", def.Name, err)
			continue
		}
		if res.Mode == mcppool.AttachProxy {
			fmt.Printf("ready  %-20s %s %s (%s)\n", def.Name, res.Command, strings.Join(res.Args, " "), res.Endpoint)
			ready++
		} else {
			fmt.Printf("raw    %-20s (pool unavailable; falls back to direct stdio)\n", def.Name)
		}
	}
	if ready == 0 {
		fmt.Fprintln(os.Stderr, "mcppoolctl: no MCP reached a running proxy socket")
	}

	fmt.Println("supervising; press Ctrl-C to stop")
	<-ctx.Done()

	if !cfg.MCPPool.ShutdownOnExit {
		fmt.Println("leaving pool running (shutdown_on_exit=false); sockets remain for external adoption")
		return nil
	}
	fmt.Println("shutting down")
	mcppool.ShutdownGlobalPool()
	return nil
}

// runStatus probes every configured stdio MCP's socket, without needing
// (or being able to reach into) a live Pool in another process.
func runStatus(args []string) error {
	fs := flag.NewFlagSet("mcppoolctl status", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "output as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcppoolctl: config.toml: %v (continuing with defaults)\n", err)
	}

	pool := mcppool.NewPool(context.Background(), cfg.PoolConfig(""))

	type row struct {
		Name  string `json:"name"`
		Path  string `json:"socket_path"`
		Alive bool   `json:"alive"`
	}
	var rows []row
	for _, def := range cfg.StdioDefinitions() {
		if !pool.ShouldPool(def.Name) {
			continue
		}
		path := transport.SocketPath(def.Name)
		rows = append(rows, row{Name: def.Name, Path: path, Alive: transport.SocketAlive(path)})
	}

	if *jsonOut {
		return printJSON(rows)
	}
	if len(rows) == 0 {
		fmt.Println("no pool-eligible MCPs configured")
		return nil
	}
	for _, r := range rows {
		state := "stopped"
		if r.Alive {
			state = "running"
		}
		fmt.Printf("%-20s %-10s %s\n", r.Name, state, r.Path)
	}
	return nil
}

// runStop removes name's socket file if it's stale. A live socket means
// some other process still owns the proxy; mcppoolctl has no way to ask
// that process to shut down, so it refuses rather than pulling the
// socket out from under a running child.
func runStop(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: mcppoolctl stop <mcp>")
	}
	name := args[0]
	path := transport.SocketPath(name)
	if transport.SocketAlive(path) {
		return fmt.Errorf("%s's socket is live (owned by another process); stop that process instead", name)
	}
	transport.Remove(path)
	fmt.Printf("removed stale socket for %s\n", name)
	return nil
}

// runRestart clears a stale socket for name, then starts it in the
// foreground exactly like "start --name".
func runRestart(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: mcppoolctl restart <mcp>")
	}
	name := args[0]
	path := transport.SocketPath(name)
	if transport.SocketAlive(path) {
		return fmt.Errorf("%s's socket is live (owned by another process); stop that process instead", name)
	}
	transport.Remove(path)
	return runStart([]string{"--name", name})
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
