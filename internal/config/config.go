package config

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	chanhttp "github.com/Mishiranu/Dashchan-sub007/internal/http"
	"github.com/Mishiranu/Dashchan-sub007/internal/progress"
)

// Config defines configuration for the dashchan client and CLI.
type Config struct {
	UserAgent             string
	MaxAttempts           int
	WebSocketAttempts     int
	ConnectTimeout        time.Duration
	ReadTimeout           time.Duration
	Delay                 time.Duration
	KeepAlive             bool
	VerifyCertificate     bool
	TLSProtocols          []string
	Proxy                 ProxyConfig
	SingleConnectionSites []string
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	LogLevel              string
	Mirror                MirrorConfig
}

// ProxyConfig selects the proxy used for every site. An empty Host disables
// it.
type ProxyConfig struct {
	Type string
	Host string
	Port int
}

// MirrorConfig tunes the parallel mirror command.
type MirrorConfig struct {
	Workers     int
	ChunkSize   int64
	MaxFailures int
}

// Default returns a Config with sensible defaults.
func Default() Config {
	opts := chanhttp.DefaultOptions()
	return Config{
		UserAgent:           opts.UserAgent,
		MaxAttempts:         opts.MaxAttempts,
		WebSocketAttempts:   opts.WebSocketAttempts,
		ConnectTimeout:      opts.ConnectTimeout,
		ReadTimeout:         opts.ReadTimeout,
		KeepAlive:           true,
		VerifyCertificate:   opts.VerifyCertificate,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		IdleConnTimeout:     opts.IdleConnTimeout,
		LogLevel:            "warn",
		Mirror: MirrorConfig{
			Workers:     4,
			ChunkSize:   16 * 1024 * 1024, // 16MiB
			MaxFailures: 10,
		},
	}
}

// fileConfig is the on-disk form. Durations and sizes are strings and the
// booleans defaulting to true are pointers so that absence is visible.
type fileConfig struct {
	UserAgent             string           `yaml:"user_agent" json:"user_agent"`
	MaxAttempts           int              `yaml:"max_attempts" json:"max_attempts"`
	WebSocketAttempts     int              `yaml:"websocket_attempts" json:"websocket_attempts"`
	ConnectTimeout        string           `yaml:"connect_timeout" json:"connect_timeout"`
	ReadTimeout           string           `yaml:"read_timeout" json:"read_timeout"`
	Delay                 string           `yaml:"delay" json:"delay"`
	KeepAlive             *bool            `yaml:"keep_alive" json:"keep_alive"`
	VerifyCertificate     *bool            `yaml:"verify_certificate" json:"verify_certificate"`
	TLSProtocols          []string         `yaml:"tls_protocols" json:"tls_protocols"`
	Proxy                 fileProxyConfig  `yaml:"proxy" json:"proxy"`
	SingleConnectionSites []string         `yaml:"single_connection_sites" json:"single_connection_sites"`
	MaxIdleConnsPerHost   int              `yaml:"max_idle_conns_per_host" json:"max_idle_conns_per_host"`
	IdleConnTimeout       string           `yaml:"idle_conn_timeout" json:"idle_conn_timeout"`
	LogLevel              string           `yaml:"log_level" json:"log_level"`
	Mirror                fileMirrorConfig `yaml:"mirror" json:"mirror"`
}

type fileProxyConfig struct {
	Type string `yaml:"type" json:"type"`
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

type fileMirrorConfig struct {
	Workers     int    `yaml:"workers" json:"workers"`
	ChunkSize   string `yaml:"chunk_size" json:"chunk_size"`
	MaxFailures int    `yaml:"max_failures" json:"max_failures"`
}

// LoadFromFile loads configuration from a YAML file, or from JSON with
// comments when the extension is .json or .jsonc. Unset fields keep their
// defaults.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), &fc); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg := Default()
	if fc.UserAgent != "" {
		cfg.UserAgent = fc.UserAgent
	}
	if fc.MaxAttempts != 0 {
		cfg.MaxAttempts = fc.MaxAttempts
	}
	if fc.WebSocketAttempts != 0 {
		cfg.WebSocketAttempts = fc.WebSocketAttempts
	}
	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"connect_timeout", fc.ConnectTimeout, &cfg.ConnectTimeout},
		{"read_timeout", fc.ReadTimeout, &cfg.ReadTimeout},
		{"delay", fc.Delay, &cfg.Delay},
		{"idle_conn_timeout", fc.IdleConnTimeout, &cfg.IdleConnTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dst = v
	}
	if fc.KeepAlive != nil {
		cfg.KeepAlive = *fc.KeepAlive
	}
	if fc.VerifyCertificate != nil {
		cfg.VerifyCertificate = *fc.VerifyCertificate
	}
	if len(fc.TLSProtocols) > 0 {
		cfg.TLSProtocols = fc.TLSProtocols
	}
	if fc.Proxy.Host != "" {
		cfg.Proxy = ProxyConfig(fc.Proxy)
	}
	if len(fc.SingleConnectionSites) > 0 {
		cfg.SingleConnectionSites = fc.SingleConnectionSites
	}
	if fc.MaxIdleConnsPerHost != 0 {
		cfg.MaxIdleConnsPerHost = fc.MaxIdleConnsPerHost
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.Mirror.Workers != 0 {
		cfg.Mirror.Workers = fc.Mirror.Workers
	}
	if fc.Mirror.ChunkSize != "" {
		size, err := progress.ParseBytes(fc.Mirror.ChunkSize)
		if err != nil {
			return Config{}, fmt.Errorf("parse mirror.chunk_size: %w", err)
		}
		cfg.Mirror.ChunkSize = size
	}
	if fc.Mirror.MaxFailures != 0 {
		cfg.Mirror.MaxFailures = fc.Mirror.MaxFailures
	}

	return cfg, nil
}

// MarshalYAML renders c in the on-disk form LoadFromFile reads.
func (c Config) MarshalYAML() (any, error) {
	keepAlive, verify := c.KeepAlive, c.VerifyCertificate
	fc := fileConfig{
		UserAgent:             c.UserAgent,
		MaxAttempts:           c.MaxAttempts,
		WebSocketAttempts:     c.WebSocketAttempts,
		ConnectTimeout:        c.ConnectTimeout.String(),
		ReadTimeout:           c.ReadTimeout.String(),
		Delay:                 c.Delay.String(),
		KeepAlive:             &keepAlive,
		VerifyCertificate:     &verify,
		TLSProtocols:          c.TLSProtocols,
		Proxy:                 fileProxyConfig(c.Proxy),
		SingleConnectionSites: c.SingleConnectionSites,
		MaxIdleConnsPerHost:   c.MaxIdleConnsPerHost,
		IdleConnTimeout:       c.IdleConnTimeout.String(),
		LogLevel:              c.LogLevel,
		Mirror: fileMirrorConfig{
			Workers:     c.Mirror.Workers,
			ChunkSize:   strconv.FormatInt(c.Mirror.ChunkSize, 10),
			MaxFailures: c.Mirror.MaxFailures,
		},
	}
	return fc, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the DASHCHAN_ prefix.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("DASHCHAN_USER_AGENT"); v != "" {
		c.UserAgent = v
	}
	ints := []struct {
		name string
		dst  *int
	}{
		{"DASHCHAN_MAX_ATTEMPTS", &c.MaxAttempts},
		{"DASHCHAN_WEBSOCKET_ATTEMPTS", &c.WebSocketAttempts},
		{"DASHCHAN_PROXY_PORT", &c.Proxy.Port},
		{"DASHCHAN_MIRROR_WORKERS", &c.Mirror.Workers},
		{"DASHCHAN_MIRROR_MAX_FAILURES", &c.Mirror.MaxFailures},
	}
	for _, e := range ints {
		if v := os.Getenv(e.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", e.name, err)
			}
			*e.dst = n
		}
	}
	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"DASHCHAN_CONNECT_TIMEOUT", &c.ConnectTimeout},
		{"DASHCHAN_READ_TIMEOUT", &c.ReadTimeout},
		{"DASHCHAN_DELAY", &c.Delay},
	}
	for _, e := range durations {
		if v := os.Getenv(e.name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", e.name, err)
			}
			*e.dst = d
		}
	}
	if v := os.Getenv("DASHCHAN_VERIFY_CERTIFICATE"); v != "" {
		c.VerifyCertificate = v == "true" || v == "1"
	}
	if v := os.Getenv("DASHCHAN_PROXY_TYPE"); v != "" {
		c.Proxy.Type = v
	}
	if v := os.Getenv("DASHCHAN_PROXY_HOST"); v != "" {
		c.Proxy.Host = v
	}
	if v := os.Getenv("DASHCHAN_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("DASHCHAN_MIRROR_CHUNK_SIZE"); v != "" {
		size, err := progress.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse DASHCHAN_MIRROR_CHUNK_SIZE: %w", err)
		}
		c.Mirror.ChunkSize = size
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.MaxAttempts <= 0 {
		return errors.New("config: max_attempts must be positive")
	}
	if c.WebSocketAttempts <= 0 {
		return errors.New("config: websocket_attempts must be positive")
	}
	if c.ConnectTimeout < 0 || c.ReadTimeout < 0 || c.Delay < 0 {
		return errors.New("config: timeouts and delay must not be negative")
	}
	if c.Proxy.Host != "" {
		if _, err := proxyType(c.Proxy.Type); err != nil {
			return err
		}
		if c.Proxy.Port <= 0 || c.Proxy.Port > 65535 {
			return errors.New("config: proxy port must be in 1..65535")
		}
	}
	if _, err := tlsVersions(c.TLSProtocols); err != nil {
		return err
	}
	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	if c.Mirror.Workers <= 0 {
		return errors.New("config: mirror.workers must be positive")
	}
	if c.Mirror.ChunkSize <= 0 {
		return errors.New("config: mirror.chunk_size must be positive")
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored, so it cannot turn booleans off.
func (c Config) Merge(override Config) Config {
	if override.UserAgent != "" {
		c.UserAgent = override.UserAgent
	}
	if override.MaxAttempts != 0 {
		c.MaxAttempts = override.MaxAttempts
	}
	if override.WebSocketAttempts != 0 {
		c.WebSocketAttempts = override.WebSocketAttempts
	}
	if override.ConnectTimeout != 0 {
		c.ConnectTimeout = override.ConnectTimeout
	}
	if override.ReadTimeout != 0 {
		c.ReadTimeout = override.ReadTimeout
	}
	if override.Delay != 0 {
		c.Delay = override.Delay
	}
	if len(override.TLSProtocols) > 0 {
		c.TLSProtocols = override.TLSProtocols
	}
	if override.Proxy.Host != "" {
		c.Proxy = override.Proxy
	}
	if len(override.SingleConnectionSites) > 0 {
		c.SingleConnectionSites = override.SingleConnectionSites
	}
	if override.MaxIdleConnsPerHost != 0 {
		c.MaxIdleConnsPerHost = override.MaxIdleConnsPerHost
	}
	if override.IdleConnTimeout != 0 {
		c.IdleConnTimeout = override.IdleConnTimeout
	}
	if override.LogLevel != "" {
		c.LogLevel = override.LogLevel
	}
	if override.Mirror.Workers != 0 {
		c.Mirror.Workers = override.Mirror.Workers
	}
	if override.Mirror.ChunkSize != 0 {
		c.Mirror.ChunkSize = override.Mirror.ChunkSize
	}
	if override.Mirror.MaxFailures != 0 {
		c.Mirror.MaxFailures = override.Mirror.MaxFailures
	}
	return c
}

// HTTPOptions converts the configuration into client options. The logger
// may be nil.
func (c *Config) HTTPOptions(logger hclog.Logger) (chanhttp.Options, error) {
	opts := chanhttp.DefaultOptions()
	opts.UserAgent = c.UserAgent
	opts.MaxAttempts = c.MaxAttempts
	opts.WebSocketAttempts = c.WebSocketAttempts
	opts.ConnectTimeout = c.ConnectTimeout
	opts.ReadTimeout = c.ReadTimeout
	opts.VerifyCertificate = c.VerifyCertificate
	opts.SingleConnectionSites = c.SingleConnectionSites
	opts.MaxIdleConnsPerHost = c.MaxIdleConnsPerHost
	opts.IdleConnTimeout = c.IdleConnTimeout
	opts.Logger = logger

	protocols, err := tlsVersions(c.TLSProtocols)
	if err != nil {
		return chanhttp.Options{}, err
	}
	opts.TLSProtocols = protocols

	if c.Proxy.Host != "" {
		t, err := proxyType(c.Proxy.Type)
		if err != nil {
			return chanhttp.Options{}, err
		}
		opts.Proxies = map[string]chanhttp.Proxy{
			"": {Type: t, Host: c.Proxy.Host, Port: c.Proxy.Port},
		}
	}
	return opts, nil
}

func proxyType(name string) (chanhttp.ProxyType, error) {
	switch strings.ToLower(name) {
	case "", "http":
		return chanhttp.ProxyHTTP, nil
	case "socks", "socks5":
		return chanhttp.ProxySOCKS, nil
	}
	return 0, fmt.Errorf("config: unknown proxy type %q", name)
}

var tlsNames = map[string]uint16{
	"SSLv3":   tls.VersionSSL30,
	"TLSv1":   tls.VersionTLS10,
	"TLSv1.1": tls.VersionTLS11,
	"TLSv1.2": tls.VersionTLS12,
	"TLSv1.3": tls.VersionTLS13,
}

func tlsVersions(names []string) ([]uint16, error) {
	var versions []uint16
	for _, name := range names {
		v, ok := tlsNames[name]
		if !ok {
			return nil, fmt.Errorf("config: unknown TLS protocol %q", name)
		}
		versions = append(versions, v)
	}
	return versions, nil
}
