// Package config loads the TOML configuration file and supplies defaults
// so the SDK and CLI work with no config file at all.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Default values.
const (
	DefaultBaseURL   = "https://graph.microsoft.com/v1.0"
	defaultChunkSize = "10MiB"
	defaultTimeout   = "2m"
	defaultWorkers   = 4
	defaultLogLevel  = "info"
)

// chunkAlignment is the upload fragment alignment the service requires.
const chunkAlignment = 320 * 1024

// Config is the decoded configuration file. String sizes and durations are
// kept raw; Validate parses them into the typed fields.
type Config struct {
	BaseURL           string `toml:"base_url"`
	TokenPath         string `toml:"token_path"`
	SessionDB         string `toml:"session_db"`
	ChunkSize         string `toml:"chunk_size"`
	HTTPTimeout       string `toml:"http_timeout"`
	ParallelTransfers int    `toml:"parallel_transfers"`
	BandwidthLimit    string `toml:"bandwidth_limit"`
	LogLevel          string `toml:"log_level"`

	// Parsed by Validate.
	ChunkSizeBytes      int64         `toml:"-"`
	BandwidthLimitBytes int64         `toml:"-"`
	Timeout             time.Duration `toml:"-"`
}

// knownKeys are the valid top-level keys. Unknown keys are fatal: silently
// ignoring a typo in a config file leads to hard-to-debug behavior.
var knownKeys = map[string]bool{
	"base_url": true, "token_path": true, "session_db": true,
	"chunk_size": true, "http_timeout": true, "parallel_transfers": true,
	"bandwidth_limit": true, "log_level": true,
}

// DefaultConfig returns a Config populated with every default.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:           DefaultBaseURL,
		TokenPath:         filepath.Join(DefaultDataDir(), "token.json"),
		SessionDB:         filepath.Join(DefaultDataDir(), "sessions.db"),
		ChunkSize:         defaultChunkSize,
		HTTPTimeout:       defaultTimeout,
		ParallelTransfers: defaultWorkers,
		LogLevel:          defaultLogLevel,
	}
}

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return cfg, nil
}

// LoadOrDefault reads the config file if it exists, otherwise returns the
// defaults. This supports the zero-config first run.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}

		return cfg, nil
	}

	return Load(path)
}

// Validate checks the configuration and resolves the raw size and duration
// strings into the typed fields.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("config: base_url must not be empty")
	}

	if c.ParallelTransfers <= 0 {
		return fmt.Errorf("config: parallel_transfers must be positive, got %d", c.ParallelTransfers)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}

	chunk, err := parseSize(c.ChunkSize)
	if err != nil {
		return fmt.Errorf("config: chunk_size: %w", err)
	}

	if chunk <= 0 || chunk%chunkAlignment != 0 {
		return fmt.Errorf("config: chunk_size %s is not a positive multiple of 320KiB", c.ChunkSize)
	}

	c.ChunkSizeBytes = chunk

	if c.BandwidthLimitBytes, err = parseSize(c.BandwidthLimit); err != nil {
		return fmt.Errorf("config: bandwidth_limit: %w", err)
	}

	if c.Timeout, err = time.ParseDuration(c.HTTPTimeout); err != nil {
		return fmt.Errorf("config: http_timeout: %w", err)
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("config: http_timeout must be positive, got %s", c.HTTPTimeout)
	}

	return nil
}

// checkUnknownKeys inspects TOML metadata for undecoded keys.
func checkUnknownKeys(md *toml.MetaData) error {
	var unknown []string

	for _, key := range md.Undecoded() {
		name := key.String()
		if !knownKeys[name] {
			unknown = append(unknown, name)
		}
	}

	if len(unknown) > 0 {
		return fmt.Errorf("config: unknown keys: %s", strings.Join(unknown, ", "))
	}

	return nil
}
