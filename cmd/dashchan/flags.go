package main

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/Mishiranu/Dashchan-sub007/internal/config"
	chanhttp "github.com/Mishiranu/Dashchan-sub007/internal/http"
)

// clientFlags are the options shared by every command that talks to a
// server. They override the configuration file and the environment.
type clientFlags struct {
	configPath     string
	logLevel       string
	userAgent      string
	proxy          string
	attempts       int
	connectTimeout time.Duration
	readTimeout    time.Duration
	delay          time.Duration
	insecure       bool
	noKeepAlive    bool
}

func addClientFlags(fs *pflag.FlagSet) *clientFlags {
	f := &clientFlags{}
	fs.StringVarP(&f.configPath, "config", "c", "", "Configuration file (YAML, JSON or JSONC)")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	fs.StringVarP(&f.userAgent, "user-agent", "A", "", "User-Agent header")
	fs.StringVar(&f.proxy, "proxy", "", "Proxy as http://host:port or socks://host:port")
	fs.IntVar(&f.attempts, "attempts", 0, "Attempt budget shared by retries and redirects")
	fs.DurationVar(&f.connectTimeout, "connect-timeout", 0, "Connect timeout (e.g., 10s)")
	fs.DurationVar(&f.readTimeout, "read-timeout", 0, "Read timeout (e.g., 30s)")
	fs.DurationVar(&f.delay, "delay", 0, "Minimum delay between requests to one host")
	fs.BoolVarP(&f.insecure, "insecure", "k", false, "Do not verify TLS certificates")
	fs.BoolVar(&f.noKeepAlive, "no-keep-alive", false, "Close connections after each request")
	return f
}

// load builds the effective configuration: defaults, then the file, then the
// environment, then the flags.
func (f *clientFlags) load() (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		cfg, err = config.LoadFromFile(f.configPath)
		if err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}

	override := config.Config{
		UserAgent:      f.userAgent,
		MaxAttempts:    f.attempts,
		ConnectTimeout: f.connectTimeout,
		ReadTimeout:    f.readTimeout,
		Delay:          f.delay,
		LogLevel:       f.logLevel,
	}
	if f.proxy != "" {
		p, err := parseProxy(f.proxy)
		if err != nil {
			return config.Config{}, err
		}
		override.Proxy = p
	}
	cfg = cfg.Merge(override)
	if f.insecure {
		cfg.VerifyCertificate = false
	}
	if f.noKeepAlive {
		cfg.KeepAlive = false
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// client builds the HTTP client and its logger for cfg.
func (f *clientFlags) client(cfg config.Config) (*chanhttp.Client, hclog.Logger, error) {
	logger := newLogger(cfg.LogLevel)
	opts, err := cfg.HTTPOptions(logger)
	if err != nil {
		return nil, nil, err
	}
	return chanhttp.NewClient(opts), logger, nil
}

func newLogger(level string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "dashchan",
		Level:  hclog.LevelFromString(level),
		Output: stderr,
		Color:  hclog.AutoColor,
	})
}

func parseProxy(raw string) (config.ProxyConfig, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return config.ProxyConfig{}, fmt.Errorf("invalid proxy %q: %w", raw, err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return config.ProxyConfig{}, fmt.Errorf("invalid proxy %q: %w", raw, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return config.ProxyConfig{}, fmt.Errorf("invalid proxy port %q", portStr)
	}
	return config.ProxyConfig{Type: u.Scheme, Host: host, Port: port}, nil
}

// parseHeader splits a "Name: value" argument.
func parseHeader(raw string) (string, string, error) {
	name, value, ok := strings.Cut(raw, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", "", fmt.Errorf("invalid header %q, expected 'Name: value'", raw)
	}
	return name, strings.TrimSpace(value), nil
}

// parseField splits a "name=value" argument.
func parseField(raw string) (string, string, error) {
	name, value, ok := strings.Cut(raw, "=")
	if !ok || name == "" {
		return "", "", fmt.Errorf("invalid field %q, expected 'name=value'", raw)
	}
	return name, value, nil
}

// showProgress reports whether progress lines should be drawn. They are
// only useful when stderr is a terminal.
func showProgress(requested bool) bool {
	if requested {
		return true
	}
	f, ok := stderr.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
