package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultClientID is the public OneDrive application registration.
	DefaultClientID = "df3a0308-c302-4962-b115-08bd59526bc5"

	DefaultSyncInterval = 300
	MinSyncInterval     = 60
	MaxSyncInterval     = 86400

	BackendJSON = "json"
	BackendBolt = "bolt"

	configFileName = "config.yaml"
	jsonStateFile  = "sync_state.json"
	boltStateFile  = "sync_state.db"
	tokenFile      = "token.json"
	forceSyncFile  = ".force_sync"
	lockFile       = "odsc.lock"

	configDirPerm = fs.FileMode(0o700)
)

var validLogLevels = map[string]bool{
	"DEBUG":    true,
	"INFO":     true,
	"WARNING":  true,
	"ERROR":    true,
	"CRITICAL": true,
}

// Config holds all configuration for onedrive-sync. Values come from
// code defaults, then the optional config.yaml in the config directory,
// then environment variables (highest precedence). Fields that can be
// set from YAML carry no envDefault so an unset variable does not
// clobber the file value.
type Config struct {
	// Directory holding config.yaml, state, token and the force-sync marker.
	ConfigDir string `env:"ODSC_CONFIG_DIR" yaml:"-"`

	// Local directory mirrored against the OneDrive root.
	SyncDir string `env:"SYNC_DIR" yaml:"sync_directory"`

	// Seconds between full sync cycles.
	SyncInterval int `env:"SYNC_INTERVAL" yaml:"sync_interval"`

	LogLevel string `env:"LOG_LEVEL" yaml:"log_level"`

	// Azure application (client) ID used for the OAuth flow.
	ClientID string `env:"CLIENT_ID" yaml:"client_id"`

	// State persistence backend: "json" or "bolt".
	StateBackend string `env:"STATE_BACKEND" yaml:"state_backend"`

	// Extra gitignore-style patterns excluded from sync.
	IgnorePatterns []string `env:"IGNORE_PATTERNS" envSeparator:"," yaml:"ignore_patterns"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development" yaml:"-"`

	// Maximum time to wait for the scheduler to finish on shutdown.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s" yaml:"-"`

	// MCP status/control server.
	EnableMCP        bool     `env:"ENABLE_MCP" yaml:"enable_mcp"`
	MCPListenAddr    string   `env:"MCP_LISTEN_ADDR" yaml:"mcp_listen_addr"`
	MCPAPIKeyHashes  []string `env:"MCP_API_KEY_HASHES" envSeparator:"," yaml:"mcp_api_key_hashes"`
	MCPAllowNonLocal bool     `env:"MCP_ALLOW_NON_LOCAL" envDefault:"false" yaml:"-"`
}

func defaults() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}

	return &Config{
		ConfigDir:     filepath.Join(home, ".config", "odsc"),
		SyncDir:       filepath.Join(home, "OneDrive"),
		SyncInterval:  DefaultSyncInterval,
		ClientID:      DefaultClientID,
		StateBackend:  BackendBolt,
		MCPListenAddr: "127.0.0.1:8091",
	}, nil
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from defaults, config.yaml and environment
// variables, in increasing order of precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg, err := defaults()
	if err != nil {
		return nil, err
	}

	// The config dir has to be known before the file can be read.
	if dir := os.Getenv("ODSC_CONFIG_DIR"); dir != "" {
		cfg.ConfigDir = dir
	}

	if err := cfg.loadFile(filepath.Join(expandHome(cfg.ConfigDir), configFileName)); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile overlays values from a YAML config file. A missing file is
// not an error.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return nil
}

func (c *Config) validate() error {
	if c.SyncDir == "" {
		return fmt.Errorf("SYNC_DIR must not be empty")
	}

	if c.SyncInterval < MinSyncInterval {
		return fmt.Errorf("sync interval must be at least %d seconds", MinSyncInterval)
	}

	if c.SyncInterval > MaxSyncInterval {
		return fmt.Errorf("sync interval must be at most %d seconds (24 hours)", MaxSyncInterval)
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToUpper(c.LogLevel)] {
		return fmt.Errorf("invalid log level %q: must be one of CRITICAL, DEBUG, ERROR, INFO, WARNING", c.LogLevel)
	}

	if _, err := uuid.Parse(c.ClientID); err != nil {
		return fmt.Errorf("CLIENT_ID must be a UUID: %w", err)
	}

	if c.StateBackend != BackendJSON && c.StateBackend != BackendBolt {
		return fmt.Errorf("STATE_BACKEND must be %q or %q, got %q", BackendJSON, BackendBolt, c.StateBackend)
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive")
	}

	if c.EnableMCP {
		if len(c.MCPAPIKeyHashes) == 0 {
			return fmt.Errorf("MCP_API_KEY_HASHES is required when MCP is enabled")
		}

		host, _, err := net.SplitHostPort(c.MCPListenAddr)
		if err != nil {
			return fmt.Errorf("invalid MCP_LISTEN_ADDR: %w", err)
		}

		if !c.MCPAllowNonLocal && !isLoopback(host) {
			return fmt.Errorf("MCP_LISTEN_ADDR %q is not a loopback address; set MCP_ALLOW_NON_LOCAL=true to override", c.MCPListenAddr)
		}
	}

	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}

	ip := net.ParseIP(host)

	return ip != nil && ip.IsLoopback()
}

// resolvePaths makes the sync and config directories absolute. The path
// validator compares canonical absolute paths, so relative values would
// depend on the working directory.
func (c *Config) resolvePaths() error {
	syncDir, err := filepath.Abs(expandHome(c.SyncDir))
	if err != nil {
		return fmt.Errorf("resolving sync dir to absolute path: %w", err)
	}

	c.SyncDir = syncDir

	configDir, err := filepath.Abs(expandHome(c.ConfigDir))
	if err != nil {
		return fmt.Errorf("resolving config dir to absolute path: %w", err)
	}

	c.ConfigDir = configDir

	return nil
}

// EnsureConfigDir creates the config directory with owner-only access.
func (c *Config) EnsureConfigDir() error {
	if err := os.MkdirAll(c.ConfigDir, configDirPerm); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	return nil
}

// Interval returns the sync interval as a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.SyncInterval) * time.Second
}

// StatePath returns the state file for the configured backend.
func (c *Config) StatePath() string {
	if c.StateBackend == BackendJSON {
		return c.JSONStatePath()
	}

	return c.BoltStatePath()
}

// JSONStatePath is the whole-document state file.
func (c *Config) JSONStatePath() string {
	return filepath.Join(c.ConfigDir, jsonStateFile)
}

// BoltStatePath is the indexed state database.
func (c *Config) BoltStatePath() string {
	return filepath.Join(c.ConfigDir, boltStateFile)
}

// TokenPath is where OAuth tokens are persisted.
func (c *Config) TokenPath() string {
	return filepath.Join(c.ConfigDir, tokenFile)
}

// ForceSyncPath is the marker file that triggers an immediate full sync.
func (c *Config) ForceSyncPath() string {
	return filepath.Join(c.ConfigDir, forceSyncFile)
}

// LockPath is the single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.ConfigDir, lockFile)
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}

	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
