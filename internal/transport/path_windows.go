//go:build windows

package transport

import "fmt"

// SocketPath derives the named-pipe address for an MCP name. Windows has
// no filesystem directory to create or glob: the pipe namespace is
// entirely virtual, so there is no RunDir() equivalent and discovery is a
// no-op on this platform (see pool.DiscoverExistingSockets).
func SocketPath(name string) string {
	return fmt.Sprintf(`\\.\pipe\agentterm-mcp-%s`, Sanitize(name))
}

// ExistingSocketPaths always returns nothing on Windows: the named-pipe
// namespace has no directory to enumerate, so a pool on this platform can
// only know about MCPs it started itself.
func ExistingSocketPaths() ([]string, error) {
	return nil, nil
}

// NameFromSocketPath has no POSIX-style naming convention to parse against
// on Windows; discovery never calls this here.
func NameFromSocketPath(path string) (string, bool) {
	return "", false
}
