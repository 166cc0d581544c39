package mcppool

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tchowdev/mcppool/internal/logging"
	"github.com/tchowdev/mcppool/internal/transport"
)

var proxyLog = logging.ForComponent(logging.CompPool)

const (
	// maxClientsPerProxy caps fan-in on one child; a runaway accept loop
	// is a worse failure mode than refusing a connection.
	maxClientsPerProxy = 100

	// clientOutboundBuffer bounds how far a slow client can lag before its
	// connection is dropped rather than blocking the stdout router.
	clientOutboundBuffer = 64

	// maxLoggedParseErrors caps how many malformed-line warnings a single
	// proxy logs individually; beyond this they're folded into the
	// aggregator so a child spewing garbage doesn't flood the log.
	maxLoggedParseErrors = 5

	scannerInitialBuf = 64 * 1024
	scannerMaxBuf     = 10 * 1024 * 1024

	stopWaitTimeout = 5 * time.Second
)

var newline = []byte("\n")

// pendingRequest is what request_map remembers about an in-flight request:
// which client sent it, and the id it originally carried (so the response
// can be translated back before delivery).
type pendingRequest struct {
	clientID   string
	originalID []byte
}

// client is one accepted connection on a proxy's socket.
type client struct {
	id       string
	conn     net.Conn
	outbound chan []byte
}

// SocketProxy multiplexes many local socket clients onto one child MCP
// server's stdin/stdout, preserving per-request/response correlation.
//
// owned distinguishes two lifecycles: an owned proxy spawned the child
// and is responsible for starting, stopping, and restarting it; a
// non-owned proxy only adopted a socket some other process already
// bound, and must never spawn, signal, or unlink anything belonging to
// it.
type SocketProxy struct {
	name       string
	def        Definition
	owned      bool
	socketPath string
	logDir     string

	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        errgroup.Group

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdinMu sync.Mutex

	listener net.Listener

	clientsMu sync.RWMutex
	clients   map[string]*client
	clientSeq atomic.Int64

	requestMu  sync.Mutex
	requestMap map[requestTag]pendingRequest

	statusMu      sync.RWMutex
	status        ServerStatus
	startedAt     time.Time
	lastRestart   time.Time
	restartCount  int
	totalFailures int

	shutdown atomic.Bool

	ready     chan struct{}
	readyOnce sync.Once

	logWriter io.WriteCloser

	parseErrCount atomic.Int64
}

// NewOwnedProxy builds a proxy that will spawn and supervise def's child
// process. Start must be called to actually launch it.
func NewOwnedProxy(parentCtx context.Context, def Definition, logDir string) *SocketProxy {
	return newSocketProxy(parentCtx, def.Name, def, true, transport.SocketPath(def.Name), logDir)
}

// NewExternalProxy builds a proxy around a socket some other process
// already owns and bound at socketPath. It never spawns or kills anything.
func NewExternalProxy(parentCtx context.Context, name, socketPath string) *SocketProxy {
	return newSocketProxy(parentCtx, name, Definition{Name: name}, false, socketPath, "")
}

func newSocketProxy(parentCtx context.Context, name string, def Definition, owned bool, socketPath, logDir string) *SocketProxy {
	ctx, cancel := context.WithCancel(parentCtx)
	return &SocketProxy{
		name:       name,
		def:        def,
		owned:      owned,
		socketPath: socketPath,
		logDir:     logDir,
		parentCtx:  parentCtx,
		ctx:        ctx,
		cancel:     cancel,
		clients:    make(map[string]*client),
		requestMap: make(map[requestTag]pendingRequest),
		ready:      make(chan struct{}),
		status:     StatusStopped,
	}
}

// Start launches the child (owned proxies) and begins accepting clients.
// Idempotent: a no-op if already running. For a non-owned proxy this only
// marks the wrapper ready; the socket already exists and already accepts.
func (p *SocketProxy) Start() error {
	if p.GetStatus() == StatusRunning {
		return nil
	}

	if !p.owned {
		p.setStatus(StatusRunning)
		p.signalReady()
		return nil
	}

	if err := p.def.Validate(); err != nil {
		p.setStatus(StatusFailed)
		return err
	}
	p.setStatus(StatusStarting)

	cmd := newChildCommand(p.ctx, p.def.Command, p.def.Args)
	cmd.Env = mergeEnv(os.Environ(), p.def.Env)
	cmd.WaitDelay = 3 * time.Second
	cmd.Cancel = func() error { return terminateGracefully(cmd) }

	stdin, err := cmd.StdinPipe()
	if err != nil {
		p.setStatus(StatusFailed)
		return fmt.Errorf("mcppool: %s: stdin pipe: %w", p.name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.setStatus(StatusFailed)
		return fmt.Errorf("mcppool: %s: stdout pipe: %w", p.name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		p.setStatus(StatusFailed)
		return fmt.Errorf("mcppool: %s: stderr pipe: %w", p.name, err)
	}

	if err := cmd.Start(); err != nil {
		p.setStatus(StatusFailed)
		p.bumpFailure()
		return fmt.Errorf("mcppool: %s: spawn: %w", p.name, err)
	}

	listener, err := transport.Bind(p.socketPath)
	if err != nil {
		_ = cmd.Process.Kill()
		p.setStatus(StatusFailed)
		p.bumpFailure()
		return fmt.Errorf("mcppool: %s: bind socket: %w", p.name, err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.listener = listener
	p.logWriter = p.openStderrLog()

	p.wg.Go(func() error { p.teeStderr(stderr); return nil })
	p.wg.Go(func() error { p.routeStdout(stdout); return nil })
	p.wg.Go(func() error { p.acceptLoop(); return nil })
	p.wg.Go(func() error { p.monitorChild(); return nil })

	p.statusMu.Lock()
	p.startedAt = time.Now()
	p.statusMu.Unlock()
	p.setStatus(StatusRunning)
	p.signalReady()

	proxyLog.Info("proxy_started", slog.String("mcp", p.name), slog.String("socket", p.socketPath))
	return nil
}

func mergeEnv(base []string, overrides map[string]string) []string {
	env := make([]string, len(base), len(base)+len(overrides))
	copy(env, base)
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

func (p *SocketProxy) openStderrLog() io.WriteCloser {
	if p.logDir == "" {
		return nil
	}
	path := filepath.Join(p.logDir, fmt.Sprintf("%s_socket.log", p.name))
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	}
}

func (p *SocketProxy) teeStderr(stderr io.Reader) {
	if p.logWriter == nil {
		_, _ = io.Copy(io.Discard, stderr)
		return
	}
	_, _ = io.Copy(p.logWriter, stderr)
}

// acceptLoop accepts client connections until the listener closes.
func (p *SocketProxy) acceptLoop() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if !p.shutdown.Load() {
				proxyLog.Warn("accept_error", slog.String("mcp", p.name), slog.String("error", err.Error()))
			}
			return
		}

		p.clientsMu.RLock()
		n := len(p.clients)
		p.clientsMu.RUnlock()
		if n >= maxClientsPerProxy {
			proxyLog.Warn("max_clients_reached", slog.String("mcp", p.name), slog.Int("limit", maxClientsPerProxy))
			conn.Close()
			continue
		}

		id := fmt.Sprintf("%s-client-%d", p.name, p.clientSeq.Add(1))
		c := &client{id: id, conn: conn, outbound: make(chan []byte, clientOutboundBuffer)}
		p.clientsMu.Lock()
		p.clients[id] = c
		p.clientsMu.Unlock()
		logging.Aggregate(logging.CompPool, "client_connect", slog.String("mcp", p.name))

		go p.writeLoop(c)
		go p.readLoop(c)
	}
}

func (p *SocketProxy) writeLoop(c *client) {
	for line := range c.outbound {
		if _, err := c.conn.Write(line); err != nil {
			return
		}
	}
}

// readLoop scans one client's requests, tags and forwards them to the
// child, and cleans the client up on EOF or error. Pending requests this
// client owns are left in request_map — when the child eventually answers
// them, the no-such-client case in sendToClient sends the response to
// broadcast instead of silently dropping it.
func (p *SocketProxy) readLoop(c *client) {
	defer func() {
		p.clientsMu.Lock()
		delete(p.clients, c.id)
		p.clientsMu.Unlock()
		close(c.outbound)
		c.conn.Close()
		logging.Aggregate(logging.CompPool, "client_disconnect", slog.String("mcp", p.name))
	}()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, scannerInitialBuf), scannerMaxBuf)
	for scanner.Scan() {
		if p.shutdown.Load() {
			return
		}
		line := append([]byte(nil), scanner.Bytes()...)
		p.handleClientLine(c, line)
	}
}

func (p *SocketProxy) handleClientLine(c *client, line []byte) {
	env, err := parseEnvelope(line)
	if err != nil {
		p.logParseError("client", err)
		p.writeToChild(line)
		return
	}
	if env.isNotification() {
		p.writeToChild(line)
		return
	}

	tag := newRequestTag()
	rewritten, err := rewriteRequestID(line, tag)
	if err != nil {
		p.logParseError("client-rewrite", err)
		p.writeToChild(line)
		return
	}

	p.requestMu.Lock()
	p.requestMap[tag] = pendingRequest{clientID: c.id, originalID: append([]byte(nil), *env.ID...)}
	p.requestMu.Unlock()

	p.writeToChild(rewritten)
}

func (p *SocketProxy) writeToChild(line []byte) {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if p.stdin == nil {
		return
	}
	if _, err := p.stdin.Write(line); err != nil {
		return
	}
	_, _ = p.stdin.Write(newline)
}

// routeStdout reads the child's output line by line, restoring each
// response's original client id and routing it back to whichever client
// sent the matching request. Notifications and anything whose id isn't
// one of ours go to broadcast.
func (p *SocketProxy) routeStdout(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, scannerInitialBuf), scannerMaxBuf)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		env, err := parseEnvelope(line)
		if err != nil {
			p.logParseError("child", err)
			p.broadcast(line)
			continue
		}
		if env.isNotification() {
			p.broadcast(line)
			continue
		}
		tag, ok := tagFromEnvelope(env)
		if !ok {
			p.broadcast(line)
			continue
		}

		p.requestMu.Lock()
		pr, found := p.requestMap[tag]
		if found {
			delete(p.requestMap, tag)
		}
		p.requestMu.Unlock()
		if !found {
			p.broadcast(line)
			continue
		}

		restored, err := restoreResponseID(line, pr.originalID)
		if err != nil {
			p.broadcast(line)
			continue
		}
		p.sendToClient(pr.clientID, restored)
	}
}

func (p *SocketProxy) sendToClient(clientID string, line []byte) {
	p.clientsMu.RLock()
	c, ok := p.clients[clientID]
	p.clientsMu.RUnlock()
	if !ok {
		// Owning client disconnected while the request was in flight.
		p.broadcast(line)
		return
	}
	p.enqueue(c, line)
}

func (p *SocketProxy) broadcast(line []byte) {
	p.clientsMu.RLock()
	cs := make([]*client, 0, len(p.clients))
	for _, c := range p.clients {
		cs = append(cs, c)
	}
	p.clientsMu.RUnlock()
	for _, c := range cs {
		p.enqueue(c, line)
	}
}

// enqueue is non-blocking: a client whose outbound queue is already full
// is dropped rather than letting one slow reader stall the stdout router
// for everyone else. line is framed with a trailing newline here, once,
// since every caller hands it a bare JSON line.
func (p *SocketProxy) enqueue(c *client, line []byte) {
	framed := append(append([]byte(nil), line...), newline...)
	select {
	case c.outbound <- framed:
	default:
		proxyLog.Warn("client_queue_overflow", slog.String("mcp", p.name), slog.String("client", c.id))
		c.conn.Close()
	}
}

func (p *SocketProxy) logParseError(source string, err error) {
	n := p.parseErrCount.Add(1)
	if n <= maxLoggedParseErrors {
		proxyLog.Warn("unparseable_line", slog.String("mcp", p.name), slog.String("source", source), slog.String("error", err.Error()))
		return
	}
	logging.Aggregate(logging.CompPool, "unparseable_line", slog.String("mcp", p.name), slog.String("source", source))
}

// monitorChild waits for the child process to exit and updates status
// accordingly. A blocking Wait is used in place of polling: it reports the
// exit the instant it happens, at zero idle cost.
func (p *SocketProxy) monitorChild() {
	err := p.cmd.Wait()
	if err != nil && !p.shutdown.Load() {
		proxyLog.Warn("child_exited", slog.String("mcp", p.name), slog.String("error", err.Error()))
	} else {
		proxyLog.Info("child_exited", slog.String("mcp", p.name))
	}
	if !p.shutdown.Load() {
		p.setStatus(StatusFailed)
		p.bumpFailure()
		p.closeListener()
		p.closeAllClients()
	}
}

func (p *SocketProxy) closeListener() {
	if p.listener != nil {
		_ = p.listener.Close()
	}
}

func (p *SocketProxy) closeAllClients() {
	p.clientsMu.Lock()
	cs := p.clients
	p.clients = make(map[string]*client)
	p.clientsMu.Unlock()
	for _, c := range cs {
		c.conn.Close()
	}
}

func (p *SocketProxy) clearRequestMap() {
	p.requestMu.Lock()
	p.requestMap = make(map[requestTag]pendingRequest)
	p.requestMu.Unlock()
}

// Stop halts the proxy. Idempotent. For an owned proxy this gracefully
// terminates the child (escalating to a group kill if it ignores the
// signal), then removes the socket file. For a non-owned proxy it only
// stops accepting and never touches the child process or the file it
// didn't create.
func (p *SocketProxy) Stop() error {
	if !p.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	p.cancel()
	p.closeListener()
	p.closeAllClients()
	p.clearRequestMap()

	if p.owned && p.cmd != nil {
		if p.stdin != nil {
			_ = p.stdin.Close()
		}
		done := make(chan struct{})
		go func() {
			_ = p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(stopWaitTimeout):
			proxyLog.Warn("stop_wait_timeout_killing", slog.String("mcp", p.name))
			killGroup(p.cmd)
			<-done
		}
		transport.Remove(p.socketPath)
		if p.logWriter != nil {
			_ = p.logWriter.Close()
		}
		proxyLog.Info("proxy_stopped", slog.String("mcp", p.name))
	} else {
		proxyLog.Info("external_proxy_disconnected", slog.String("mcp", p.name))
	}

	p.setStatus(StatusStopped)
	return nil
}

// Restart stops and relaunches an owned child with the same definition.
// Only valid for owned proxies; an external socket has no process to
// relaunch. Stop already waits (bounded) for the old process to actually
// exit before returning, so there's no separate exit race to guard here.
func (p *SocketProxy) Restart() error {
	if !p.owned {
		return ErrNotOwned
	}
	if err := p.Stop(); err != nil {
		return err
	}
	p.reinit()
	return p.Start()
}

func (p *SocketProxy) reinit() {
	ctx, cancel := context.WithCancel(p.parentCtx)
	p.ctx, p.cancel = ctx, cancel
	p.shutdown.Store(false)
	p.clients = make(map[string]*client)
	p.requestMap = make(map[requestTag]pendingRequest)
	p.ready = make(chan struct{})
	p.readyOnce = sync.Once{}
	p.wg = errgroup.Group{}
	p.cmd = nil
	p.stdin = nil
	p.listener = nil
	p.logWriter = nil
	p.parseErrCount.Store(0)

	p.statusMu.Lock()
	p.restartCount++
	p.lastRestart = time.Now()
	p.statusMu.Unlock()
}

func (p *SocketProxy) signalReady() {
	p.readyOnce.Do(func() { close(p.ready) })
}

// WaitReady blocks until Start has finished launching the child and
// binding the socket, or ctx is done.
func (p *SocketProxy) WaitReady(ctx context.Context) error {
	select {
	case <-p.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *SocketProxy) setStatus(s ServerStatus) {
	p.statusMu.Lock()
	p.status = s
	p.statusMu.Unlock()
}

func (p *SocketProxy) GetStatus() ServerStatus {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	return p.status
}

func (p *SocketProxy) bumpFailure() {
	p.statusMu.Lock()
	p.totalFailures++
	p.statusMu.Unlock()
}

// resetFailureCounters clears accumulated failure/restart history once a
// proxy has proven stable for a while, so a flaky child doesn't carry a
// grudge against it forever and risk permanent disablement for transient
// trouble it has since recovered from.
func (p *SocketProxy) resetFailureCounters() {
	p.statusMu.Lock()
	p.totalFailures = 0
	p.restartCount = 0
	p.statusMu.Unlock()
}

func (p *SocketProxy) TotalFailures() int {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	return p.totalFailures
}

func (p *SocketProxy) RestartCount() int {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	return p.restartCount
}

func (p *SocketProxy) LastRestart() time.Time {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	return p.lastRestart
}

func (p *SocketProxy) GetSocketPath() string { return p.socketPath }

func (p *SocketProxy) GetClientCount() int {
	p.clientsMu.RLock()
	defer p.clientsMu.RUnlock()
	return len(p.clients)
}

func (p *SocketProxy) Owned() bool { return p.owned }

// Uptime reports how long the current child has been running, or nil if
// it isn't (StatusRunning is the only state with a meaningful value).
func (p *SocketProxy) Uptime() *int64 {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	if p.status != StatusRunning || p.startedAt.IsZero() {
		return nil
	}
	secs := int64(time.Since(p.startedAt).Seconds())
	return &secs
}

// HealthCheck reports whether the proxy is actually reachable right now.
// For an owned proxy, Running status already reflects monitorChild having
// not yet observed the child exit. For a non-owned proxy
// the backing socket might have vanished out from under us, so this
// dials it directly.
func (p *SocketProxy) HealthCheck() bool {
	if p.GetStatus() != StatusRunning {
		return false
	}
	if p.owned {
		return true
	}
	return transport.SocketAlive(p.socketPath)
}
