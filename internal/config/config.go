// Package config handles configuration loading and defaults for fileshare.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for a fileshare index or peer process.
type Config struct {
	Index    IndexConfig    `toml:"index"`
	Peer     PeerConfig     `toml:"peer"`
	Download DownloadConfig `toml:"download"`
	Logging  LoggingConfig  `toml:"logging"`
}

// IndexConfig holds the metadata index's host and port. They are loaded
// and validated, but the index and peer commands take the index address
// from their own flags and arguments, not from here.
type IndexConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Addr returns "host:port" for dialing the index.
func (c *IndexConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PeerConfig holds settings for a peer process: where its persistent
// state lives and its default username. WebPort is loaded and
// validated, but the peer command binds its serving port from --listen
// or its web_port argument, not from here.
type PeerConfig struct {
	DataDir  string `toml:"data_dir"`
	Username string `toml:"username"`
	WebPort  int    `toml:"web_port"` // 0 ⇒ OS-assigned
}

// DownloadConfig holds the download engine's tunables. The compiled-in
// defaults are the values the rest of the system assumes; override
// them only when you know what you are trading away. The chunk size is
// a fixed wire-protocol constant shared with every serving peer and is
// deliberately not configurable.
type DownloadConfig struct {
	MaxChunkDownloaders  int    `toml:"max_chunk_downloaders"`
	MaxOriginDownloaders int    `toml:"max_origin_downloaders"`
	MaxOriginFails       int    `toml:"max_origin_fails"`
	MinOriginsForUpdate  int    `toml:"min_origins_for_update"`
	ChunkTimeout         string `toml:"chunk_timeout"`
	RTTTimeout           string `toml:"rtt_timeout"`
	RTTTolerance         string `toml:"rtt_tolerance"`
}

// ChunkTimeoutDuration parses ChunkTimeout, defaulting to 5s.
func (c *DownloadConfig) ChunkTimeoutDuration() time.Duration {
	return parseDurationOr(c.ChunkTimeout, 5*time.Second)
}

// RTTTimeoutDuration parses RTTTimeout, defaulting to 2s.
func (c *DownloadConfig) RTTTimeoutDuration() time.Duration {
	return parseDurationOr(c.RTTTimeout, 2*time.Second)
}

// RTTToleranceDuration parses RTTTolerance, defaulting to 500ms.
func (c *DownloadConfig) RTTToleranceDuration() time.Duration {
	return parseDurationOr(c.RTTTolerance, 500*time.Millisecond)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// LoggingConfig holds logger settings, mirroring the
// --log-level/--log-file flag pair.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// DefaultConfig returns the compiled-in defaults: an index on
// localhost:1337 and the stock download tunables.
func DefaultConfig() *Config {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "/tmp"
	}

	return &Config{
		Index: IndexConfig{
			Host: "localhost",
			Port: 1337,
		},
		Peer: PeerConfig{
			DataDir:  filepath.Join(homeDir, ".local", "share", "fileshare"),
			Username: "default",
			WebPort:  0,
		},
		Download: DownloadConfig{
			MaxChunkDownloaders:  2,
			MaxOriginDownloaders: 2,
			MaxOriginFails:       5,
			MinOriginsForUpdate:  10,
			ChunkTimeout:         "5s",
			RTTTimeout:           "2s",
			RTTTolerance:         "500ms",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// Load reads configuration from a file, merging with defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes configuration to a file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// SecurityWarning represents a security concern with the configuration.
type SecurityWarning struct {
	Message string
	File    string
}

// LoadWithWarnings reads configuration and returns security warnings
// for a world-writable config file.
func LoadWithWarnings(path string) (*Config, []SecurityWarning, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, nil, err
	}

	var warnings []SecurityWarning
	if warn := checkFilePermissions(path); warn != nil {
		warnings = append(warnings, *warn)
	}
	return cfg, warnings, nil
}

func checkFilePermissions(path string) *SecurityWarning {
	if runtime.GOOS == "windows" {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil
	}

	mode := info.Mode().Perm()
	if mode&0o002 != 0 {
		return &SecurityWarning{
			Message: fmt.Sprintf("config file is world-writable (mode %04o); this is a security risk", mode),
			File:    path,
		}
	}
	return nil
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: %s: %s", e.Field, e.Message)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, fmt.Sprintf("  - %s: %s", err.Field, err.Message))
	}
	return fmt.Sprintf("config validation failed with %d errors:\n%s", len(e), strings.Join(msgs, "\n"))
}

// Validate checks configuration for errors and returns all validation
// failures. Called at startup to fail fast on invalid configuration.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if c.Index.Port < 1 || c.Index.Port > 65535 {
		errs = append(errs, ValidationError{Field: "index.port", Message: "must be between 1 and 65535"})
	}
	if c.Peer.WebPort < 0 || c.Peer.WebPort > 65535 {
		errs = append(errs, ValidationError{Field: "peer.web_port", Message: "must be between 0 and 65535"})
	}
	if c.Download.MaxChunkDownloaders < 1 {
		errs = append(errs, ValidationError{Field: "download.max_chunk_downloaders", Message: "must be at least 1"})
	}
	if c.Download.MaxOriginDownloaders < 1 {
		errs = append(errs, ValidationError{Field: "download.max_origin_downloaders", Message: "must be at least 1"})
	}
	if c.Download.MaxOriginFails < 1 {
		errs = append(errs, ValidationError{Field: "download.max_origin_fails", Message: "must be at least 1"})
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}
