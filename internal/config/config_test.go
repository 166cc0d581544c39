package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("AGENT_TERM_HOME", dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), []byte(body), 0o644))
	return dir
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	t.Setenv("AGENT_TERM_HOME", t.TempDir())
	resetCache(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.MCPPool.Enabled)
	assert.True(t, cfg.MCPPool.FallbackStdio)
	assert.NotNil(t, cfg.MCPs)
}

func TestLoadParsesMCPsAndPoolSettings(t *testing.T) {
	writeConfig(t, `
[mcps.context7]
command = "npx"
args = ["-y", "@upstash/context7-mcp"]

[mcps.remote-search]
url = "https://example.com/mcp"

[mcp_pool]
enabled = true
pool_all = true
exclude_mcps = ["remote-search"]
fallback_stdio = false
`)
	resetCache(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Contains(t, cfg.MCPs, "context7")
	assert.Equal(t, "npx", cfg.MCPs["context7"].Command)
	assert.True(t, cfg.MCPs["remote-search"].IsRemote())
	assert.True(t, cfg.MCPPool.PoolAll)
	assert.False(t, cfg.MCPPool.FallbackStdio)

	defs := cfg.StdioDefinitions()
	require.Len(t, defs, 1)
	assert.Equal(t, "context7", defs[0].Name)
}

func TestLoadParseErrorFallsBackToDefault(t *testing.T) {
	writeConfig(t, `not valid toml {{{`)
	resetCache(t)

	cfg, err := Load()
	require.Error(t, err)
	assert.True(t, cfg.MCPPool.Enabled, "a parse error should still hand back a usable default config")
}

func TestPoolConfigCarriesLogDir(t *testing.T) {
	cfg := Default()
	pc := cfg.PoolConfig("/tmp/logs")
	assert.Equal(t, "/tmp/logs", pc.LogDir)
	assert.Equal(t, cfg.MCPPool.Enabled, pc.Enabled)
}

func resetCache(t *testing.T) {
	t.Helper()
	cacheMu.Lock()
	cache = nil
	cacheMu.Unlock()
}
