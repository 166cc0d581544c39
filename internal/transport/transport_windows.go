//go:build windows

package transport

import (
	"net"
	"time"

	"github.com/Microsoft/go-winio"
)

// pipeConfig leaves ACLs at their Windows default (creator-owner access),
// mirroring the POSIX side's 0700 runtime directory: only the local user
// who started the pool can connect.
var pipeConfig = &winio.PipeConfig{}

// Bind creates a named-pipe listener at path.
func Bind(path string) (net.Listener, error) {
	return winio.ListenPipe(path, pipeConfig)
}

// Connect dials an existing named pipe at path.
func Connect(path string, timeout time.Duration) (net.Conn, error) {
	return winio.DialPipe(path, &timeout)
}

// SocketAlive reports whether a named pipe at path accepts connections.
// There's no filesystem entry to stat first on Windows: the only way to
// know is to try to connect.
func SocketAlive(path string) bool {
	conn, err := winio.DialPipe(path, durationPtr(500*time.Millisecond))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Remove is a no-op on Windows: the pipe namespace entry disappears on its
// own when the last handle (listener or connection) closes.
func Remove(path string) {}

func durationPtr(d time.Duration) *time.Duration { return &d }
