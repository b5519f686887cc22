// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"golang.org/x/net/http/httpguts"

	"monitor-proxy-go/internal/settings"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/monitor-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config             string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host               string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port               int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel           string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	TrustStore         string `kong:"help='Trust store path, PEM or PKCS#12 (overrides settings).',env='TRUSTSTORE_PATH'"`
	TrustStorePassword string `kong:"help='Trust store password (overrides settings).',env='TRUSTSTORE_PASSWORD'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Pool     PoolConfig     `toml:"pool"`
	SSL      SSLConfig      `toml:"ssl"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
	cli      CLI
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig controls how inbound requests are forwarded.
type UpstreamConfig struct {
	// BaseURL turns the monitor into a reverse proxy for one target. When
	// empty, the target comes from the request URI or Host header.
	BaseURL             string `toml:"base_url"`
	UserAgent           string `toml:"user_agent"`
	Via                 string `toml:"via"`
	ContentType         string `toml:"content_type"`
	PreserveContentType bool   `toml:"preserve_content_type"`
}

// PoolConfig holds the outbound connection pool limits.
type PoolConfig struct {
	MaxConnectionsPerHost int  `toml:"max_connections_per_host"`
	MaxTotalConnections   int  `toml:"max_total_connections"`
	SocketTimeoutSeconds  int  `toml:"socket_timeout_seconds"`
	AcquireTimeoutSeconds int  `toml:"acquire_timeout_seconds"` // 0 waits until a slot frees
	ReusePersistentState  bool `toml:"reuse_persistent_state"`
	IdleConnections       int  `toml:"idle_connections"`
}

// SSLConfig locates the trust store for outbound https.
type SSLConfig struct {
	TrustStorePath     string `toml:"truststore_path"`
	TrustStorePassword string `toml:"truststore_password"`
}

// MonitorConfig controls how captured exchanges are kept.
type MonitorConfig struct {
	HistorySize int    `toml:"history_size"`
	DumpDir     string `toml:"dump_dir"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/monitor-proxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.cli = *cli
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags. The trust store
// flags are kept apart as the override tier; see TrustOverride.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Upstream URL is optional; when set it must be absolute http(s).
	if c.Upstream.BaseURL != "" {
		u, err := url.Parse(c.Upstream.BaseURL)
		if err != nil {
			return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("upstream.base_url must use http or https; got %q", c.Upstream.BaseURL)
		}
		if u.Host == "" {
			return fmt.Errorf("upstream.base_url must include a host; got %q", c.Upstream.BaseURL)
		}
	}
	for name, v := range map[string]string{
		"upstream.user_agent":   c.Upstream.UserAgent,
		"upstream.via":          c.Upstream.Via,
		"upstream.content_type": c.Upstream.ContentType,
	} {
		if !httpguts.ValidHeaderFieldValue(v) {
			return fmt.Errorf("%s is not a valid header value; got %q", name, v)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	for name, v := range map[string]int{
		"pool.max_connections_per_host": c.Pool.MaxConnectionsPerHost,
		"pool.max_total_connections":    c.Pool.MaxTotalConnections,
		"pool.socket_timeout_seconds":   c.Pool.SocketTimeoutSeconds,
		"pool.acquire_timeout_seconds":  c.Pool.AcquireTimeoutSeconds,
		"pool.idle_connections":         c.Pool.IdleConnections,
		"monitor.history_size":          c.Monitor.HistorySize,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be non-negative; got %d", name, v)
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "auto", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text, auto; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/proxy"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. The exception is
// pool.acquire_timeout_seconds, where 0 is the default (wait indefinitely).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.Via == "" {
		c.Upstream.Via = "1.1 monitor-proxy"
	}
	if c.Upstream.ContentType == "" {
		c.Upstream.ContentType = "text/xml; charset=utf-8"
	}
	if c.Pool.MaxConnectionsPerHost == 0 {
		c.Pool.MaxConnectionsPerHost = 500
	}
	if c.Pool.MaxTotalConnections == 0 {
		c.Pool.MaxTotalConnections = 2000
	}
	if c.Pool.SocketTimeoutSeconds == 0 {
		c.Pool.SocketTimeoutSeconds = 60
	}
	if c.Pool.IdleConnections == 0 {
		c.Pool.IdleConnections = 100
	}
	if c.Monitor.HistorySize == 0 {
		c.Monitor.HistorySize = 1000
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Settings returns the runtime-adjustable values as settings store entries.
func (c *Config) Settings() map[string]string {
	return map[string]string{
		settings.KeyTrustStorePath:        c.SSL.TrustStorePath,
		settings.KeyTrustStorePassword:    c.SSL.TrustStorePassword,
		settings.KeyMaxConnectionsPerHost: strconv.Itoa(c.Pool.MaxConnectionsPerHost),
		settings.KeyMaxTotalConnections:   strconv.Itoa(c.Pool.MaxTotalConnections),
		settings.KeySocketTimeout:         strconv.Itoa(c.Pool.SocketTimeoutSeconds),
		settings.KeyAcquireTimeout:        strconv.Itoa(c.Pool.AcquireTimeoutSeconds),
		settings.KeyReusePersistentState:  strconv.FormatBool(c.Pool.ReusePersistentState),
		settings.KeyUserAgent:             c.Upstream.UserAgent,
	}
}

// ReadSettings re-reads the config file this Config was loaded from, with the
// same CLI overrides, and returns its settings. It serves as the settings
// store's reload source.
func (c *Config) ReadSettings() (map[string]string, error) {
	cli := c.cli
	cli.Config = c.filePath
	fresh, err := Load(&cli)
	if err != nil {
		return nil, err
	}
	return fresh.Settings(), nil
}

// TrustOverride returns the trust store location given on the command line
// or in the environment. Empty fields defer to the settings store.
func (c *Config) TrustOverride() (path, password string) {
	return c.cli.TrustStore, c.cli.TrustStorePassword
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or
// others. The file may carry the trust store password.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
