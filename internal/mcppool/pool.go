package mcppool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tchowdev/mcppool/internal/logging"
	"github.com/tchowdev/mcppool/internal/transport"
)

var poolLog = logging.ForComponent(logging.CompSup)

// maxTotalRestartFailures is the cumulative failure ceiling past which a
// proxy is permanently disabled, so a broken child (a removed npm
// package, a missing binary) can't loop forever burning restarts.
const maxTotalRestartFailures = 10

// restartRateLimit caps how often any one proxy may be auto-restarted:
// a burst of 1 at 3-per-minute forces at least 20s between restarts,
// comfortably inside the "minimum 5s, at most 3/min" policy this replaces
// teacher's hand-rolled lastRestart/restartCount bookkeeping with.
const restartRateLimit = rate.Limit(3.0 / 60.0)

const shutdownTimeout = 10 * time.Second

// PoolConfig is the subset of user configuration the supervisor needs.
type PoolConfig struct {
	Enabled       bool
	PoolAll       bool
	ExcludeMCPs   []string
	PoolMCPs      []string
	FallbackStdio bool
	LogDir        string
}

// Pool supervises one SocketProxy per pooled MCP: starting owned ones,
// registering discovered external ones, and restarting failed owned ones
// within a rate limit.
type Pool struct {
	mu       sync.RWMutex
	proxies  map[string]*SocketProxy
	limiters map[string]*rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	config PoolConfig
}

// NewPool builds a supervisor bound to ctx: canceling ctx (or calling
// Shutdown) tears every owned child down.
func NewPool(ctx context.Context, config PoolConfig) *Pool {
	ctx, cancel := context.WithCancel(ctx)
	return &Pool{
		proxies:  make(map[string]*SocketProxy),
		limiters: make(map[string]*rate.Limiter),
		ctx:      ctx,
		cancel:   cancel,
		config:   config,
	}
}

// ShouldPool reports whether an MCP named mcpName is a pooling candidate
// under the current policy (pool-all-except-excluded, or an explicit
// allowlist).
func (p *Pool) ShouldPool(mcpName string) bool {
	if !p.config.Enabled {
		return false
	}
	if p.config.PoolAll {
		for _, excluded := range p.config.ExcludeMCPs {
			if excluded == mcpName {
				return false
			}
		}
		return true
	}
	for _, name := range p.config.PoolMCPs {
		if name == mcpName {
			return true
		}
	}
	return false
}

// Start launches (or idempotently no-ops on) an owned proxy for def.
func (p *Pool) Start(def Definition) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if proxy, exists := p.proxies[def.Name]; exists {
		if proxy.GetStatus() == StatusRunning {
			return nil
		}
		return proxy.Start()
	}

	proxy := NewOwnedProxy(p.ctx, def, p.config.LogDir)
	if err := proxy.Start(); err != nil {
		return err
	}
	p.proxies[def.Name] = proxy
	p.limiters[def.Name] = rate.NewLimiter(restartRateLimit, 1)
	return nil
}

// RegisterExternalSocket adopts a socket bound by some other process,
// without spawning or owning anything.
func (p *Pool) RegisterExternalSocket(name, socketPath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.proxies[name]; exists {
		return nil
	}
	proxy := NewExternalProxy(p.ctx, name, socketPath)
	if err := proxy.Start(); err != nil {
		return err
	}
	p.proxies[name] = proxy
	return nil
}

// IsRunning reports whether name's proxy is both marked running and
// actually reachable, self-healing by restarting it (rate limited) when
// the socket has gone stale out from under a status that still says
// Running.
func (p *Pool) IsRunning(name string) bool {
	p.mu.RLock()
	proxy, exists := p.proxies[name]
	p.mu.RUnlock()
	if !exists {
		return false
	}
	if proxy.GetStatus() != StatusRunning {
		return false
	}
	if transport.SocketAlive(proxy.GetSocketPath()) {
		return true
	}

	poolLog.Warn("socket_dead_restarting", slog.String("mcp", name))
	if err := p.RestartWithRateLimit(name); err != nil {
		poolLog.Error("restart_failed", slog.String("mcp", name), slog.String("error", err.Error()))
		return false
	}
	poolLog.Info("restart_succeeded", slog.String("mcp", name))
	return true
}

// SocketPath returns the registered proxy's socket path, if any.
func (p *Pool) SocketPath(name string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	proxy, exists := p.proxies[name]
	if !exists {
		return "", false
	}
	return proxy.GetSocketPath(), true
}

// WaitForSocket blocks until name's proxy has finished starting (socket
// bound and, for owned proxies, child spawned) or ctx is done.
func (p *Pool) WaitForSocket(ctx context.Context, name string) (string, error) {
	p.mu.RLock()
	proxy, exists := p.proxies[name]
	p.mu.RUnlock()
	if !exists {
		return "", ErrNotFound
	}
	if err := proxy.WaitReady(ctx); err != nil {
		return "", err
	}
	return proxy.GetSocketPath(), nil
}

// FallbackEnabled reports whether a caller unable to reach the pool
// should fall back to spawning the MCP directly over stdio.
func (p *Pool) FallbackEnabled() bool {
	return p.config.FallbackStdio
}

// Restart unconditionally restarts name's owned proxy, bypassing the rate
// limiter. Used for an explicit operator-requested restart.
func (p *Pool) Restart(name string) error {
	p.mu.RLock()
	proxy, exists := p.proxies[name]
	p.mu.RUnlock()
	if !exists {
		return ErrNotFound
	}
	return proxy.Restart()
}

// RestartWithRateLimit restarts an owned proxy, refusing when the proxy
// has exceeded its cumulative failure ceiling (permanently disabling it)
// or is restarting too fast.
func (p *Pool) RestartWithRateLimit(name string) error {
	p.mu.Lock()
	proxy, exists := p.proxies[name]
	limiter := p.limiters[name]
	p.mu.Unlock()
	if !exists {
		return ErrNotFound
	}
	if proxy.GetStatus() == StatusPermanentlyFailed {
		return ErrPermanentlyFailed
	}
	if proxy.TotalFailures() >= maxTotalRestartFailures {
		proxy.setStatus(StatusPermanentlyFailed)
		poolLog.Error("permanently_disabled", slog.String("mcp", name), slog.Int("total_failures", proxy.TotalFailures()))
		return ErrPermanentlyFailed
	}
	if limiter != nil && !limiter.Allow() {
		return ErrRateLimited
	}

	poolLog.Info("auto_restart", slog.String("mcp", name), slog.Int("total_failures", proxy.TotalFailures()))
	if err := proxy.Restart(); err != nil {
		proxy.bumpFailure()
		return err
	}
	return nil
}

// StopServer stops one proxy and removes it from the registry.
func (p *Pool) StopServer(name string) error {
	p.mu.Lock()
	proxy, exists := p.proxies[name]
	if exists {
		delete(p.proxies, name)
		delete(p.limiters, name)
	}
	p.mu.Unlock()
	if !exists {
		return ErrNotFound
	}
	return proxy.Stop()
}

// GetStatus returns one proxy's host-facing status snapshot.
func (p *Pool) GetStatus(name string) (Status, bool) {
	p.mu.RLock()
	proxy, exists := p.proxies[name]
	p.mu.RUnlock()
	if !exists {
		return Status{}, false
	}
	return p.snapshot(proxy), true
}

// ListServers returns a status snapshot across every registered proxy.
func (p *Pool) ListServers() PoolStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	servers := make([]Status, 0, len(p.proxies))
	running := 0
	for _, proxy := range p.proxies {
		if proxy.GetStatus() == StatusRunning {
			running++
		}
		servers = append(servers, p.snapshot(proxy))
	}
	return PoolStatus{Enabled: p.config.Enabled, ServerCount: running, Servers: servers}
}

func (p *Pool) snapshot(proxy *SocketProxy) Status {
	return Status{
		Name:            proxy.name,
		ServerStatus:    proxy.GetStatus(),
		SocketPath:      proxy.GetSocketPath(),
		UptimeSeconds:   proxy.Uptime(),
		ConnectionCount: proxy.GetClientCount(),
		Owned:           proxy.Owned(),
	}
}

// GetRunningCount returns the number of proxies currently Running.
func (p *Pool) GetRunningCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, proxy := range p.proxies {
		if proxy.GetStatus() == StatusRunning {
			n++
		}
	}
	return n
}

// Shutdown stops every registered proxy in parallel, bounded by
// shutdownTimeout.
func (p *Pool) Shutdown() error {
	p.cancel()

	p.mu.Lock()
	proxies := make([]*SocketProxy, 0, len(p.proxies))
	for _, proxy := range p.proxies {
		proxies = append(proxies, proxy)
	}
	p.mu.Unlock()

	var eg errgroup.Group
	for _, proxy := range proxies {
		proxy := proxy
		eg.Go(func() error {
			poolLog.Info("proxy_stopping", slog.String("mcp", proxy.name))
			return proxy.Stop()
		})
	}

	done := make(chan struct{})
	go func() {
		_ = eg.Wait()
		close(done)
	}()
	select {
	case <-done:
		poolLog.Info("all_proxies_stopped")
	case <-time.After(shutdownTimeout):
		poolLog.Warn("shutdown_timeout")
	}
	return nil
}

// StartHealthMonitor launches a background goroutine that restarts failed
// owned proxies (rate limited) and decays failure counters for ones that
// have since proven stable.
func (p *Pool) StartHealthMonitor() {
	go func() {
		ticker := time.NewTicker(3 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				p.tick()
			}
		}
	}()
	poolLog.Info("health_monitor_started")
}

func (p *Pool) tick() {
	p.mu.RLock()
	var failed []string
	for name, proxy := range p.proxies {
		if !proxy.Owned() {
			continue
		}
		switch proxy.GetStatus() {
		case StatusPermanentlyFailed:
			continue
		case StatusRunning:
			if proxy.TotalFailures() > 0 && time.Since(proxy.LastRestart()) > 5*time.Minute {
				proxy.resetFailureCounters()
			}
		case StatusFailed:
			failed = append(failed, name)
		}
	}
	p.mu.RUnlock()

	for _, name := range failed {
		if err := p.RestartWithRateLimit(name); err != nil && err != ErrRateLimited {
			poolLog.Error("auto_restart_failed", slog.String("mcp", name), slog.String("error", err.Error()))
		}
	}
}

// DiscoverExistingSockets scans the run directory for sockets this
// process didn't create (left by another instance, or a prior run) and
// registers the live ones as external proxies. Returns the count
// registered. A no-op on platforms without a socket directory to glob
// (see transport.ExistingSocketPaths).
func (p *Pool) DiscoverExistingSockets() int {
	paths, err := transport.ExistingSocketPaths()
	if err != nil {
		poolLog.Warn("socket_scan_failed", slog.String("error", err.Error()))
		return 0
	}

	discovered := 0
	for _, socketPath := range paths {
		name, ok := transport.NameFromSocketPath(socketPath)
		if !ok {
			continue
		}

		p.mu.RLock()
		_, exists := p.proxies[name]
		p.mu.RUnlock()
		if exists {
			continue
		}

		if !transport.SocketAlive(socketPath) {
			poolLog.Debug("stale_socket_removed", slog.String("mcp", name))
			transport.Remove(socketPath)
			continue
		}

		if err := p.RegisterExternalSocket(name, socketPath); err != nil {
			poolLog.Warn("external_register_failed", slog.String("mcp", name), slog.String("error", err.Error()))
			continue
		}
		poolLog.Info("external_socket_discovered", slog.String("mcp", name), slog.String("path", socketPath))
		discovered++
	}

	if discovered > 0 {
		poolLog.Info("discovery_complete", slog.Int("count", discovered))
	}
	return discovered
}
