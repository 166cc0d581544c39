package mcppool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/tchowdev/mcppool/internal/logging"
	"github.com/tchowdev/mcppool/internal/platform"
	"github.com/tchowdev/mcppool/internal/transport"
)

var globalLog = logging.ForComponent(logging.CompGlobal)

var (
	globalMu   sync.RWMutex
	globalPool *Pool
)

// InitializeGlobalPool installs the process-wide pool if none exists yet,
// running discovery and the startup policy (auto-start every should_pool
// MCP in defs). Idempotent: a pool already installed is left untouched
// and this returns it.
func InitializeGlobalPool(ctx context.Context, config PoolConfig, defs []Definition, autoStart bool) *Pool {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalPool != nil {
		return globalPool
	}
	if !config.Enabled {
		return nil
	}

	// Windows pooling binds named pipes, not Unix domain sockets, so the
	// reliability question below doesn't apply there; everywhere else a
	// platform that can't be trusted with Unix sockets (WSL1 is the
	// practical case) still gets a pool, just with a loud warning, since
	// refusing outright would be a bigger surprise than a flaky socket.
	if runtime.GOOS != "windows" && !platform.SupportsUnixSockets() {
		globalLog.Warn("unix_sockets_unreliable", slog.String("platform", platform.Detect().String()))
	}

	pool := NewPool(ctx, config)
	if n := pool.DiscoverExistingSockets(); n > 0 {
		globalLog.Info("startup_discovery", slog.Int("count", n))
	}

	if autoStart {
		for _, def := range defs {
			if !pool.ShouldPool(def.Name) {
				continue
			}
			if pool.IsRunning(def.Name) {
				continue
			}
			if err := pool.Start(def); err != nil {
				globalLog.Warn("startup_start_failed", slog.String("mcp", def.Name), slog.String("error", err.Error()))
			}
		}
	}

	pool.StartHealthMonitor()
	globalPool = pool
	return pool
}

// GetGlobalPool returns the installed pool, or nil if none exists.
func GetGlobalPool() *Pool {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalPool
}

// ShutdownGlobalPool stops every proxy on the installed pool and clears
// the slot. A no-op if no pool was installed.
func ShutdownGlobalPool() {
	globalMu.Lock()
	pool := globalPool
	globalPool = nil
	globalMu.Unlock()

	if pool == nil {
		return
	}
	if err := pool.Shutdown(); err != nil {
		globalLog.Warn("shutdown_error", slog.String("error", err.Error()))
	}
}

// AttachMode tells the host how to wire an MCP into an agent's config.
type AttachMode int

const (
	// AttachRaw: launch def.Command/Args/Env directly.
	AttachRaw AttachMode = iota
	// AttachProxy: launch the proxy binary pointed at an endpoint.
	AttachProxy
)

// AttachResolution is what ResolveAttach hands back to the host.
type AttachResolution struct {
	Mode     AttachMode
	Endpoint string // socket path, set only when Mode == AttachProxy
	Command  string // stdio command to launch, set only when Mode == AttachProxy
	Args     []string
}

const waitForSocketTimeout = 3 * time.Second

// defaultProxyCommand is the proxy binary name ResolveAttach emits by
// default. AGENTTERM_MCP_PROXY_CMD overrides it, e.g. to point at an
// absolute path when the binary isn't on the host's PATH.
const defaultProxyCommand = "mcppool-proxy"

func proxyCommand() string {
	if cmd := os.Getenv("AGENTTERM_MCP_PROXY_CMD"); cmd != "" {
		return cmd
	}
	return defaultProxyCommand
}

// ResolveAttach decides, for one stdio MCP definition, whether the host
// should launch it raw, launch it through the proxy binary, or fail.
// Remote MCPs bypass the pool entirely and are not handled here.
func ResolveAttach(ctx context.Context, pool *Pool, def Definition, startOnDemand bool) (AttachResolution, error) {
	if pool == nil || !pool.ShouldPool(def.Name) {
		return AttachResolution{Mode: AttachRaw}, nil
	}

	if startOnDemand && !pool.IsRunning(def.Name) {
		if err := pool.Start(def); err != nil {
			globalLog.Warn("attach_start_failed", slog.String("mcp", def.Name), slog.String("error", err.Error()))
		}
	}

	if !pool.IsRunning(def.Name) {
		waitCtx, cancel := context.WithTimeout(ctx, waitForSocketTimeout)
		defer cancel()
		if _, err := pool.WaitForSocket(waitCtx, def.Name); err != nil {
			return resolveUnready(pool, def)
		}
	}

	if pool.IsRunning(def.Name) {
		path, _ := pool.SocketPath(def.Name)
		return AttachResolution{
			Mode:     AttachProxy,
			Endpoint: path,
			Command:  proxyCommand(),
			Args:     []string{"--name", def.Name},
		}, nil
	}
	return resolveUnready(pool, def)
}

func resolveUnready(pool *Pool, def Definition) (AttachResolution, error) {
	if pool.FallbackEnabled() {
		return AttachResolution{Mode: AttachRaw}, nil
	}
	return AttachResolution{}, fmt.Errorf("%w: %s", ErrFallbackDisabled, def.Name)
}

// ResolveExternalAttach is used when no supervisor exists in-process at
// all, but a live socket matching name's naming convention is found on
// disk: the host treats that exactly like a running pooled MCP.
func ResolveExternalAttach(name string) (AttachResolution, bool) {
	path := transport.SocketPath(name)
	if !transport.SocketAlive(path) {
		return AttachResolution{}, false
	}
	return AttachResolution{
		Mode:     AttachProxy,
		Endpoint: path,
		Command:  proxyCommand(),
		Args:     []string{"--name", name},
	}, true
}
