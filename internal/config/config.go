// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jeranaias/openyap/internal/model"
	"github.com/jeranaias/openyap/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete openyap server configuration.
type Config struct {
	// General settings
	Version      string `toml:"version" json:"version"`
	DefaultModel string `toml:"default_model" json:"default_model"`

	Server    ServerConfig    `toml:"server" json:"server"`
	Storage   StorageConfig   `toml:"storage" json:"storage"`
	Providers ProvidersConfig `toml:"providers" json:"providers"`
	Stream    StreamConfig    `toml:"stream" json:"stream"`
	Models    ModelsConfig    `toml:"models" json:"models"`
	Logging   LoggingConfig   `toml:"logging" json:"logging"`
}

// ServerConfig contains HTTP listener configuration.
type ServerConfig struct {
	// Listen is the address the HTTP server binds to
	Listen string `toml:"listen" json:"listen"`
	// CORSOrigins lists allowed browser origins; empty disables CORS headers
	CORSOrigins []string `toml:"cors_origins" json:"cors_origins"`
	// TrustedProxies lists proxy IPs/CIDRs whose X-Forwarded-For is honoured
	TrustedProxies []string `toml:"trusted_proxies" json:"trusted_proxies"`
	// MaxBodyBytes limits JSON request bodies
	MaxBodyBytes int64 `toml:"max_body_bytes" json:"max_body_bytes"`
	// MaxMessageChars limits the length of a single user message
	MaxMessageChars int `toml:"max_message_chars" json:"max_message_chars"`
	// RateLimitPerMinute is the per-token request budget (0 = unlimited)
	RateLimitPerMinute int `toml:"rate_limit_per_minute" json:"rate_limit_per_minute"`
	// RateLimitBurst is the burst allowance on top of the per-minute rate
	RateLimitBurst int `toml:"rate_limit_burst" json:"rate_limit_burst"`
	// ShutdownTimeoutSecs bounds graceful shutdown
	ShutdownTimeoutSecs int `toml:"shutdown_timeout_secs" json:"shutdown_timeout_secs"`
	// KeepAliveSecs is the interval between SSE keep-alive comments
	KeepAliveSecs int `toml:"keepalive_secs" json:"keepalive_secs"`
}

// StorageConfig contains persistence configuration.
type StorageConfig struct {
	// Driver selects the store: "sqlite" or "mongo"
	Driver string `toml:"driver" json:"driver"`
	// SQLitePath is the SQLite database file
	SQLitePath string `toml:"sqlite_path" json:"sqlite_path"`
	// MongoURI is the MongoDB connection string
	MongoURI string `toml:"mongo_uri" json:"mongo_uri"`
	// MongoDatabase is the MongoDB database name
	MongoDatabase string `toml:"mongo_database" json:"mongo_database"`
	// AttachmentDir is where attachment blobs are written
	AttachmentDir string `toml:"attachment_dir" json:"attachment_dir"`
	// MaxAttachmentBytes limits a single upload
	MaxAttachmentBytes int64 `toml:"max_attachment_bytes" json:"max_attachment_bytes"`
}

// ProvidersConfig contains LLM provider credentials and endpoints.
type ProvidersConfig struct {
	OpenRouter OpenRouterConfig `toml:"openrouter" json:"openrouter"`
	Ollama     OllamaConfig     `toml:"ollama" json:"ollama"`
	Gemini     GeminiConfig     `toml:"gemini" json:"gemini"`
}

// OpenRouterConfig configures the OpenRouter provider.
type OpenRouterConfig struct {
	APIKey  string `toml:"api_key" json:"api_key"`
	BaseURL string `toml:"base_url" json:"base_url"`
	// SiteURL and SiteName are sent as HTTP-Referer and X-Title
	SiteURL  string `toml:"site_url" json:"site_url"`
	SiteName string `toml:"site_name" json:"site_name"`
}

// OllamaConfig configures the local Ollama provider.
type OllamaConfig struct {
	URL string `toml:"url" json:"url"`
	// Enabled registers the provider even when no catalog model uses it
	Enabled bool `toml:"enabled" json:"enabled"`
}

// GeminiConfig configures the Google Gemini provider.
type GeminiConfig struct {
	APIKey string `toml:"api_key" json:"api_key"`
}

// StreamConfig tunes the streaming pipeline.
type StreamConfig struct {
	// FlushIntervalMs is the minimum time between partial writes of a stream
	FlushIntervalMs int `toml:"flush_interval_ms" json:"flush_interval_ms"`
	// FlushThresholdBytes forces a write once this much unsaved output exists
	FlushThresholdBytes int `toml:"flush_threshold_bytes" json:"flush_threshold_bytes"`
	// TimeoutSecs bounds a single generation
	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs"`
	// HistoryMessages is the maximum number of prior messages sent as context
	HistoryMessages int `toml:"history_messages" json:"history_messages"`
	// HistoryChars bounds the characters of prior messages sent as context
	HistoryChars int `toml:"history_chars" json:"history_chars"`
	// TitleModel generates thread titles; empty uses the thread's model
	TitleModel string `toml:"title_model" json:"title_model"`
	// SystemPrompt is prepended to every conversation
	SystemPrompt string `toml:"system_prompt" json:"system_prompt"`
}

// ModelsConfig contains the model catalog.
type ModelsConfig struct {
	// File points at a YAML catalog; it is watched and reloaded on change
	File string `toml:"file" json:"file"`
	// Catalog is an inline list used when File is empty
	Catalog []model.ModelInfo `toml:"catalog" json:"catalog"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `toml:"level" json:"level"`
	// Format is "json" or "console"
	Format string `toml:"format" json:"format"`
	// File is an optional log file in addition to stderr
	File string `toml:"file" json:"file"`
}

// =============================================================================
// DURATION HELPERS
// =============================================================================

// FlushInterval returns the stream flush interval.
func (s StreamConfig) FlushInterval() time.Duration {
	return time.Duration(s.FlushIntervalMs) * time.Millisecond
}

// Timeout returns the per-generation timeout.
func (s StreamConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSecs) * time.Second
}

// ShutdownTimeout returns the graceful shutdown bound.
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSecs) * time.Second
}

// KeepAlive returns the SSE keep-alive interval.
func (s ServerConfig) KeepAlive() time.Duration {
	return time.Duration(s.KeepAliveSecs) * time.Second
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	dir, err := ConfigDir()
	if err != nil {
		dir = ".openyap"
	}

	return &Config{
		Version:      "1.0.0",
		DefaultModel: "openai/gpt-4o-mini",

		Server: ServerConfig{
			Listen:              "127.0.0.1:8787",
			MaxBodyBytes:        1 << 20,
			MaxMessageChars:     32000,
			RateLimitPerMinute:  60,
			RateLimitBurst:      10,
			ShutdownTimeoutSecs: 30,
			KeepAliveSecs:       15,
		},

		Storage: StorageConfig{
			Driver:             "sqlite",
			SQLitePath:         filepath.Join(dir, "openyap.db"),
			MongoDatabase:      "openyap",
			AttachmentDir:      filepath.Join(dir, "attachments"),
			MaxAttachmentBytes: 10 << 20,
		},

		Providers: ProvidersConfig{
			OpenRouter: OpenRouterConfig{
				BaseURL:  "https://openrouter.ai/api/v1",
				SiteURL:  "https://github.com/jeranaias/openyap",
				SiteName: "OpenYap",
			},
			Ollama: OllamaConfig{
				URL: "http://127.0.0.1:11434",
			},
		},

		Stream: StreamConfig{
			FlushIntervalMs:     250,
			FlushThresholdBytes: 2048,
			TimeoutSecs:         600,
			HistoryMessages:     50,
			HistoryChars:        200000,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the openyap configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".openyap"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// ensureSecurePermissions checks and fixes permissions on config files.
// Config files hold API keys and should be 0600.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the default config file(s).
// Tries TOML first, then JSON, and falls back to defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	if tomlPath, err := ConfigPathTOML(); err == nil {
		if _, statErr := os.Stat(tomlPath); statErr == nil {
			return LoadFromPath(tomlPath)
		}
	}
	if jsonPath, err := ConfigPathJSON(); err == nil {
		if _, statErr := os.Stat(jsonPath); statErr == nil {
			return LoadFromPath(jsonPath)
		}
	}

	cfg := Default()
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path with full validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if strings.HasSuffix(path, ".json") {
		if err := LoadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// finish applies env overrides, migration, defaults and validation.
func (c *Config) finish() error {
	c.ApplyEnvOverrides()
	if err := c.Migrate(); err != nil {
		return fmt.Errorf("config migration failed: %w", err)
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LoadTOML decodes a TOML file into cfg.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// LoadJSON decodes a JSON file into cfg.
func LoadJSON(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// SaveTOML writes the configuration as TOML with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	var b strings.Builder
	b.WriteString("# openyap configuration file\n")
	b.WriteString("# Generated by openyap config init - edit with care\n\n")

	if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveJSON writes the configuration as indented JSON with 0600 permissions.
func SaveJSON(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns ValidateErrors if any
// field is invalid.
func (c *Config) Validate() error {
	var errs ValidateErrors

	// ==========================================================================
	// Server
	// ==========================================================================

	if c.Server.Listen == "" {
		errs = append(errs, ValidationError{Field: "server.listen", Message: "must not be empty"})
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, ValidationError{Field: "server.max_body_bytes", Message: "must be positive"})
	}
	if c.Server.MaxMessageChars <= 0 {
		errs = append(errs, ValidationError{Field: "server.max_message_chars", Message: "must be positive"})
	}
	if c.Server.RateLimitPerMinute < 0 {
		errs = append(errs, ValidationError{Field: "server.rate_limit_per_minute", Message: "must not be negative"})
	}
	for _, origin := range c.Server.CORSOrigins {
		if origin == "*" {
			continue
		}
		if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, ValidationError{
				Field:   "server.cors_origins",
				Message: fmt.Sprintf("invalid origin '%s'", origin),
			})
		}
	}

	// ==========================================================================
	// Storage
	// ==========================================================================

	switch strings.ToLower(c.Storage.Driver) {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			errs = append(errs, ValidationError{Field: "storage.sqlite_path", Message: "required for sqlite driver"})
		}
	case "mongo":
		if c.Storage.MongoURI == "" {
			errs = append(errs, ValidationError{Field: "storage.mongo_uri", Message: "required for mongo driver"})
		}
		if c.Storage.MongoDatabase == "" {
			errs = append(errs, ValidationError{Field: "storage.mongo_database", Message: "required for mongo driver"})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.driver",
			Message: fmt.Sprintf("invalid driver '%s', must be one of: sqlite, mongo", c.Storage.Driver),
		})
	}
	if c.Storage.MaxAttachmentBytes <= 0 {
		errs = append(errs, ValidationError{Field: "storage.max_attachment_bytes", Message: "must be positive"})
	}

	// ==========================================================================
	// Providers
	// ==========================================================================

	if err := validateURL(c.Providers.OpenRouter.BaseURL); err != nil {
		errs = append(errs, ValidationError{Field: "providers.openrouter.base_url", Message: err.Error()})
	}
	if err := validateURL(c.Providers.Ollama.URL); err != nil {
		errs = append(errs, ValidationError{Field: "providers.ollama.url", Message: err.Error()})
	}

	// ==========================================================================
	// Stream
	// ==========================================================================

	if c.Stream.FlushIntervalMs < 10 {
		errs = append(errs, ValidationError{Field: "stream.flush_interval_ms", Message: "must be at least 10"})
	}
	if c.Stream.FlushThresholdBytes <= 0 {
		errs = append(errs, ValidationError{Field: "stream.flush_threshold_bytes", Message: "must be positive"})
	}
	if c.Stream.TimeoutSecs <= 0 {
		errs = append(errs, ValidationError{Field: "stream.timeout_secs", Message: "must be positive"})
	}
	if c.Stream.HistoryMessages <= 0 {
		errs = append(errs, ValidationError{Field: "stream.history_messages", Message: "must be positive"})
	}

	// ==========================================================================
	// Models
	// ==========================================================================

	errs = append(errs, validateCatalog(c.Models.Catalog)...)

	// ==========================================================================
	// Logging
	// ==========================================================================

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid format '%s', must be one of: json, console", c.Logging.Format),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got '%s'", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL has no host")
	}
	return nil
}

// SetDefaults fills zero values with defaults.
func (c *Config) SetDefaults() {
	d := Default()

	if c.Version == "" {
		c.Version = d.Version
	}
	if c.DefaultModel == "" {
		c.DefaultModel = d.DefaultModel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = d.Server.Listen
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = d.Server.MaxBodyBytes
	}
	if c.Server.MaxMessageChars == 0 {
		c.Server.MaxMessageChars = d.Server.MaxMessageChars
	}
	if c.Server.RateLimitBurst <= 0 {
		c.Server.RateLimitBurst = d.Server.RateLimitBurst
	}
	if c.Server.ShutdownTimeoutSecs <= 0 {
		c.Server.ShutdownTimeoutSecs = d.Server.ShutdownTimeoutSecs
	}
	if c.Server.KeepAliveSecs <= 0 {
		c.Server.KeepAliveSecs = d.Server.KeepAliveSecs
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = d.Storage.Driver
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = d.Storage.SQLitePath
	}
	if c.Storage.MongoDatabase == "" {
		c.Storage.MongoDatabase = d.Storage.MongoDatabase
	}
	if c.Storage.AttachmentDir == "" {
		c.Storage.AttachmentDir = d.Storage.AttachmentDir
	}
	if c.Storage.MaxAttachmentBytes == 0 {
		c.Storage.MaxAttachmentBytes = d.Storage.MaxAttachmentBytes
	}

	if c.Providers.OpenRouter.BaseURL == "" {
		c.Providers.OpenRouter.BaseURL = d.Providers.OpenRouter.BaseURL
	}
	if c.Providers.OpenRouter.SiteName == "" {
		c.Providers.OpenRouter.SiteName = d.Providers.OpenRouter.SiteName
	}
	if c.Providers.Ollama.URL == "" {
		c.Providers.Ollama.URL = d.Providers.Ollama.URL
	}

	if c.Stream.FlushIntervalMs == 0 {
		c.Stream.FlushIntervalMs = d.Stream.FlushIntervalMs
	}
	if c.Stream.FlushThresholdBytes == 0 {
		c.Stream.FlushThresholdBytes = d.Stream.FlushThresholdBytes
	}
	if c.Stream.TimeoutSecs == 0 {
		c.Stream.TimeoutSecs = d.Stream.TimeoutSecs
	}
	if c.Stream.HistoryMessages == 0 {
		c.Stream.HistoryMessages = d.Stream.HistoryMessages
	}
	if c.Stream.HistoryChars == 0 {
		c.Stream.HistoryChars = d.Stream.HistoryChars
	}

	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
}

// Migrate normalises older or alternative spellings of config values.
func (c *Config) Migrate() error {
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch c.Storage.Driver {
	case "sqlite3":
		c.Storage.Driver = "sqlite"
	case "mongodb":
		c.Storage.Driver = "mongo"
	}

	c.Logging.Level = strings.ToLower(c.Logging.Level)
	if c.Logging.Level == "warning" {
		c.Logging.Level = "warn"
	}
	c.Logging.Format = strings.ToLower(c.Logging.Format)
	if c.Logging.Format == "text" {
		c.Logging.Format = "console"
	}

	c.Providers.OpenRouter.BaseURL = strings.TrimRight(c.Providers.OpenRouter.BaseURL, "/")
	c.Providers.Ollama.URL = strings.TrimRight(c.Providers.Ollama.URL, "/")

	if strings.HasPrefix(c.Models.File, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			c.Models.File = filepath.Join(home, c.Models.File[2:])
		}
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - OPENYAP_LISTEN: overrides server.listen
//   - OPENYAP_MODEL: overrides default_model
//   - OPENYAP_STORAGE_DRIVER: overrides storage.driver
//   - OPENYAP_SQLITE_PATH: overrides storage.sqlite_path
//   - OPENYAP_MONGO_URI: overrides storage.mongo_uri
//   - OPENYAP_MONGO_DATABASE: overrides storage.mongo_database
//   - OPENYAP_ATTACHMENT_DIR: overrides storage.attachment_dir
//   - OPENYAP_OPENROUTER_KEY (or OPENROUTER_API_KEY): overrides providers.openrouter.api_key
//   - OPENYAP_OLLAMA_URL: overrides providers.ollama.url
//   - OPENYAP_GEMINI_KEY (or GEMINI_API_KEY): overrides providers.gemini.api_key
//   - OPENYAP_MODELS_FILE: overrides models.file
//   - OPENYAP_LOG_LEVEL: overrides logging.level
//   - OPENYAP_LOG_FORMAT: overrides logging.format
//   - OPENYAP_RATE_LIMIT: overrides server.rate_limit_per_minute
func (c *Config) ApplyEnvOverrides() {
	setString := func(dst *string, keys ...string) {
		for _, key := range keys {
			if v := os.Getenv(key); v != "" {
				*dst = v
				return
			}
		}
	}

	setString(&c.Server.Listen, "OPENYAP_LISTEN")
	setString(&c.DefaultModel, "OPENYAP_MODEL")
	setString(&c.Storage.Driver, "OPENYAP_STORAGE_DRIVER")
	setString(&c.Storage.SQLitePath, "OPENYAP_SQLITE_PATH")
	setString(&c.Storage.MongoURI, "OPENYAP_MONGO_URI")
	setString(&c.Storage.MongoDatabase, "OPENYAP_MONGO_DATABASE")
	setString(&c.Storage.AttachmentDir, "OPENYAP_ATTACHMENT_DIR")
	setString(&c.Providers.OpenRouter.APIKey, "OPENYAP_OPENROUTER_KEY", "OPENROUTER_API_KEY")
	setString(&c.Providers.Ollama.URL, "OPENYAP_OLLAMA_URL")
	setString(&c.Providers.Gemini.APIKey, "OPENYAP_GEMINI_KEY", "GEMINI_API_KEY")
	setString(&c.Models.File, "OPENYAP_MODELS_FILE")
	setString(&c.Logging.Level, "OPENYAP_LOG_LEVEL")
	setString(&c.Logging.Format, "OPENYAP_LOG_FORMAT")

	if v := os.Getenv("OPENYAP_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.RateLimitPerMinute = n
		}
	}
}

// =============================================================================
// CLONE / STRING
// =============================================================================

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Server.CORSOrigins = append([]string(nil), c.Server.CORSOrigins...)
	clone.Server.TrustedProxies = append([]string(nil), c.Server.TrustedProxies...)
	clone.Models.Catalog = append([]model.ModelInfo(nil), c.Models.Catalog...)
	return &clone
}

// Redacted returns a copy with secrets replaced.
func (c *Config) Redacted() *Config {
	safe := c.Clone()
	redact := func(s *string) {
		if *s != "" {
			*s = "[REDACTED]"
		}
	}
	redact(&safe.Providers.OpenRouter.APIKey)
	redact(&safe.Providers.Gemini.APIKey)
	if safe.Storage.MongoURI != "" {
		if u, err := url.Parse(safe.Storage.MongoURI); err == nil && u.User != nil {
			u.User = url.UserPassword("[REDACTED]", "[REDACTED]")
			safe.Storage.MongoURI = u.String()
		}
	}
	return safe
}

// String returns a JSON representation of the config with secrets redacted.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return string(data)
}
