package transport

import (
	"os"
	"path/filepath"
)

// homeRoot returns the directory that owns agentterm's runtime state,
// honoring AGENT_TERM_HOME for tests and falling back to the OS user home.
// Shared by both platforms: socket addressing differs by OS, but log and
// run directories hang off the same root either way.
func homeRoot() string {
	if dir := os.Getenv("AGENT_TERM_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), ".agent-term")
	}
	return filepath.Join(home, ".agent-term")
}

// LogDir returns the directory mcppool writes its debug.log and per-MCP
// stderr tees to, creating it if needed. The diagnostics dump is written
// one level up, at DiagnosticsLogPath.
func LogDir() string {
	dir := filepath.Join(homeRoot(), "logs", "mcppool")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		fallback := filepath.Join(os.TempDir(), "agentterm-mcp-logs")
		_ = os.MkdirAll(fallback, 0o700)
		return fallback
	}
	return dir
}

// DiagnosticsLogPath returns the fixed location AGENT_TERM_DIAG dumps the
// in-memory log ring buffer to on shutdown: <home>/.agent-term/logs/
// diagnostics.log, matching the on-disk contract every cooperating
// process (this pool, the proxy binary) agrees on without negotiation.
func DiagnosticsLogPath() string {
	return filepath.Join(homeRoot(), "logs", "diagnostics.log")
}
