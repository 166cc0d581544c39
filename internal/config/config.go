// Package config loads the TOML configuration that drives the MCP pool:
// which MCPs are defined, which are pooled, and how the supervisor and
// logger are tuned.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/tchowdev/mcppool/internal/logging"
	"github.com/tchowdev/mcppool/internal/mcppool"
)

const configFileName = "config.toml"

// Config is the on-disk configuration root.
type Config struct {
	MCPs    map[string]MCPDef `toml:"mcps"`
	MCPPool MCPPoolSettings   `toml:"mcp_pool"`
	Logging LogSettings       `toml:"logging"`
}

// MCPDef is the launch recipe for one MCP server as the user wrote it.
// A URL marks it remote (HTTP/SSE); remote MCPs bypass the pool entirely.
type MCPDef struct {
	Command     string            `toml:"command"`
	Args        []string          `toml:"args"`
	Env         map[string]string `toml:"env"`
	Description string            `toml:"description"`
	URL         string            `toml:"url"`
	Transport   string            `toml:"transport"`
}

// IsRemote reports whether this MCP uses HTTP/SSE transport instead of
// stdio, and so is never a pooling candidate.
func (d MCPDef) IsRemote() bool {
	return d.URL != ""
}

// MCPPoolSettings configures the stdio MCP pool supervisor.
type MCPPoolSettings struct {
	Enabled       bool     `toml:"enabled"`
	AutoStart     bool     `toml:"auto_start"`
	StartOnDemand bool     `toml:"start_on_demand"`
	PoolAll       bool     `toml:"pool_all"`
	PoolMCPs      []string `toml:"pool_mcps"`
	ExcludeMCPs   []string `toml:"exclude_mcps"`
	FallbackStdio bool     `toml:"fallback_stdio"`
	// ShutdownOnExit tears the pool (and every child it owns) down when
	// the process holding it exits. False leaves children running so a
	// later process can adopt their sockets via ResolveExternalAttach.
	ShutdownOnExit bool `toml:"shutdown_on_exit"`
}

// LogSettings configures the structured logger.
type LogSettings struct {
	Level                 string `toml:"level"`
	Format                string `toml:"format"`
	MaxSizeMB             int    `toml:"max_size_mb"`
	MaxBackups            int    `toml:"max_backups"`
	MaxAgeDays            int    `toml:"max_age_days"`
	Compress              bool   `toml:"compress"`
	RingBufferSize        int    `toml:"ring_buffer_size"`
	AggregateIntervalSecs int    `toml:"aggregate_interval_secs"`
	PprofEnabled          bool   `toml:"pprof_enabled"`
	Debug                 bool   `toml:"debug"`
}

// Default returns the configuration used when no config.toml exists yet.
func Default() *Config {
	return &Config{
		MCPs: make(map[string]MCPDef),
		MCPPool: MCPPoolSettings{
			Enabled:        true,
			AutoStart:      true,
			StartOnDemand:  false,
			FallbackStdio:  true,
			ShutdownOnExit: true,
		},
		Logging: LogSettings{Level: "info", Format: "json"},
	}
}

var (
	cacheMu sync.RWMutex
	cache   *Config
)

// Dir returns the directory holding agentterm's config.toml, honoring
// AGENT_TERM_HOME for tests.
func Dir() (string, error) {
	if dir := os.Getenv("AGENT_TERM_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".agent-term"), nil
}

// Path returns the full path to config.toml.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}

// Load reads config.toml, caching the result after the first successful
// load. A missing file is not an error: it returns Default().
func Load() (*Config, error) {
	cacheMu.RLock()
	if cache != nil {
		defer cacheMu.RUnlock()
		return cache, nil
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cache != nil {
		return cache, nil
	}

	path, err := Path()
	if err != nil {
		cache = Default()
		return cache, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cache = Default()
		return cache, nil
	}

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		cache = Default()
		return cache, fmt.Errorf("config.toml parse error: %w", err)
	}
	if cfg.MCPs == nil {
		cfg.MCPs = make(map[string]MCPDef)
	}
	cache = &cfg
	return cache, nil
}

// StdioDefinitions returns the pool's launch recipe for every configured
// MCP that isn't remote (HTTP/SSE MCPs bypass the pool and are excluded).
func (c *Config) StdioDefinitions() []mcppool.Definition {
	defs := make([]mcppool.Definition, 0, len(c.MCPs))
	for name, def := range c.MCPs {
		if def.IsRemote() {
			continue
		}
		defs = append(defs, mcppool.Definition{
			Name:    name,
			Command: def.Command,
			Args:    def.Args,
			Env:     def.Env,
		})
	}
	return defs
}

// PoolConfig builds the mcppool supervisor configuration from settings.
func (c *Config) PoolConfig(logDir string) mcppool.PoolConfig {
	return mcppool.PoolConfig{
		Enabled:       c.MCPPool.Enabled,
		PoolAll:       c.MCPPool.PoolAll,
		ExcludeMCPs:   c.MCPPool.ExcludeMCPs,
		PoolMCPs:      c.MCPPool.PoolMCPs,
		FallbackStdio: c.MCPPool.FallbackStdio,
		LogDir:        logDir,
	}
}

// LoggingConfig builds the structured-logger configuration from settings.
func (c *Config) LoggingConfig(logDir string) logging.Config {
	return logging.Config{
		LogDir:                logDir,
		Level:                 c.Logging.Level,
		Format:                c.Logging.Format,
		MaxSizeMB:             c.Logging.MaxSizeMB,
		MaxBackups:            c.Logging.MaxBackups,
		MaxAgeDays:            c.Logging.MaxAgeDays,
		Compress:              c.Logging.Compress,
		RingBufferSize:        c.Logging.RingBufferSize,
		AggregateIntervalSecs: c.Logging.AggregateIntervalSecs,
		PprofEnabled:          c.Logging.PprofEnabled,
		Debug:                 c.Logging.Debug,
	}
}

// Reload discards the cache and re-reads config.toml.
func Reload() (*Config, error) {
	cacheMu.Lock()
	cache = nil
	cacheMu.Unlock()
	return Load()
}
