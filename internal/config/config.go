// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// DefaultUpstreamURL is the upstream used when neither the config file nor the
// CLI names one.
const DefaultUpstreamURL = "https://httpbin.org"

// InternalPrefix is the path prefix reserved for the gateway's own routes.
// Every other path is forwarded upstream.
const InternalPrefix = "/_gateway"

// Reserved internal routes.
const (
	HealthzPath = InternalPrefix + "/healthz"
	StatusPath  = InternalPrefix + "/status"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/relay-gateway/config.toml",
	"configs/config.toml",
}

func init() {
	// Report validation errors with the config file key names.
	validation.ErrorTag = "toml"
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML or YAML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Upstream string `kong:"help='Upstream base URL (overrides config).',env='UPSTREAM_URL'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Upstream UpstreamConfig `toml:"upstream" yaml:"upstream"`
	Log      LogConfig      `toml:"log" yaml:"log"`
	Metrics  MetricsConfig  `toml:"metrics" yaml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string          `toml:"host" yaml:"host"`
	Port           int             `toml:"port" yaml:"port"` // 0 means "use default" (8000)
	BodyMaxBytes   int64           `toml:"body_max_bytes" yaml:"body_max_bytes"`
	MaxConnections int             `toml:"max_connections" yaml:"max_connections"` // 0 means unlimited
	ProxyProtocol  bool            `toml:"proxy_protocol" yaml:"proxy_protocol"`
	CORS           CORSConfig      `toml:"cors" yaml:"cors"`
	RateLimit      RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
}

// CORSConfig controls the cross-origin policy applied before forwarding.
type CORSConfig struct {
	AllowOrigins []string `toml:"allow_origins" yaml:"allow_origins"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second" yaml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL             string `toml:"base_url" yaml:"base_url"`
	ReadTimeoutSeconds  int    `toml:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `toml:"write_timeout_seconds" yaml:"write_timeout_seconds"`
	IdleConnections     int    `toml:"idle_connections" yaml:"idle_connections"`
	// AllowBinaryBody relays upstream bodies that are not valid UTF-8 as opaque
	// bytes instead of answering 502.
	AllowBinaryBody bool `toml:"allow_binary_body" yaml:"allow_binary_body"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Path    string `toml:"path" yaml:"path"`
}

// Load reads the config file, applies CLI overrides and validates the result.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/relay-gateway/config.toml then configs/config.toml. Without any file the
// built-in defaults are used.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

// decodeFile picks the decoder from the file extension; anything that is not
// YAML is treated as TOML.
func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = toml.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Upstream != "" {
		c.Upstream.BaseURL = cli.Upstream
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	s := &c.Server
	if err := validation.ValidateStruct(s,
		validation.Field(&s.Host, validation.Required, is.Host),
		validation.Field(&s.Port, validation.Min(0), validation.Max(65535)),
		validation.Field(&s.BodyMaxBytes, validation.Min(int64(0))),
		validation.Field(&s.MaxConnections, validation.Min(0)),
	); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	rl := &c.Server.RateLimit
	if err := validation.ValidateStruct(rl,
		validation.Field(&rl.RequestsPerSecond,
			validation.When(rl.Enabled, validation.Required, validation.Min(0.0).Exclusive()),
		),
	); err != nil {
		return fmt.Errorf("server.rate_limit: %w", err)
	}

	u := &c.Upstream
	if err := validation.ValidateStruct(u,
		validation.Field(&u.BaseURL, validation.Required, validation.By(validateUpstreamURL)),
		validation.Field(&u.ReadTimeoutSeconds, validation.Min(0)),
		validation.Field(&u.WriteTimeoutSeconds, validation.Min(0)),
		validation.Field(&u.IdleConnections, validation.Min(0)),
	); err != nil {
		return fmt.Errorf("upstream: %w", err)
	}

	l := &c.Log
	if err := validation.ValidateStruct(l,
		validation.Field(&l.Level, validation.In("debug", "info", "warn", "error")),
		validation.Field(&l.Format, validation.In("json", "text")),
	); err != nil {
		return fmt.Errorf("log: %w", err)
	}

	m := &c.Metrics
	if err := validation.ValidateStruct(m,
		validation.Field(&m.Path, validation.When(m.Enabled, validation.By(validateMetricsPath))),
	); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	return nil
}

// validateUpstreamURL requires an absolute http(s) URL. The inbound path is
// appended verbatim, so the base may not carry a query or fragment.
func validateUpstreamURL(value interface{}) error {
	raw, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "must use http or https scheme")
	}
	if u.Host == "" {
		return validation.NewError("validation_missing_host", "must have a host")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return validation.NewError("validation_unexpected_query", "must not contain a query or fragment")
	}
	return nil
}

func validateMetricsPath(value interface{}) error {
	p, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if p == "" || p[0] != '/' {
		return errors.New("must start with '/'")
	}
	if p == "/" {
		return errors.New("conflicts with the forwarded root")
	}
	for _, reserved := range []string{HealthzPath, StatusPath} {
		if p == reserved || strings.HasPrefix(p, reserved+"/") {
			return fmt.Errorf("conflicts with reserved route %q", reserved)
		}
	}
	return nil
}

// setDefaults fills zero-valued fields with defaults and normalizes enums.
// For integer fields zero means "unset" because neither TOML nor YAML decoding
// distinguishes an explicit 0 from an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MiB
	}
	if len(c.Server.CORS.AllowOrigins) == 0 {
		c.Server.CORS.AllowOrigins = []string{"*"}
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultUpstreamURL
	}
	c.Upstream.BaseURL = strings.TrimRight(c.Upstream.BaseURL, "/")
	if c.Upstream.ReadTimeoutSeconds == 0 {
		c.Upstream.ReadTimeoutSeconds = 5
	}
	if c.Upstream.WriteTimeoutSeconds == 0 {
		c.Upstream.WriteTimeoutSeconds = 5
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	c.Log.Level = strings.ToLower(c.Log.Level)
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.Log.Format = strings.ToLower(c.Log.Format)
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = InternalPrefix + "/metrics"
	}
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

// Addr returns the server listen address as host:port. IPv6 hosts are
// bracketed.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ReadTimeout is the longest the upstream client waits for response bytes.
func (c *UpstreamConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout is the longest the upstream client spends writing the request.
func (c *UpstreamConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// FilePath returns the config file that was loaded, or "" when defaults were used.
func (c *Config) FilePath() string {
	return c.filePath
}

// WarnPermissions logs a warning if the config file is readable by group or others.
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
