// Package config collects the client settings from flags and CAPTURE_*
// environment variables.
package config

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	flag "github.com/jnovack/flag"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable, e.g. CAPTURE_WS_URL.
const EnvPrefix = "CAPTURE"

// Config is the effective client configuration.
type Config struct {
	WSURL          string        `json:"wsUrl" yaml:"wsUrl"`
	APIURL         string        `json:"apiUrl" yaml:"apiUrl"`
	APIKey         string        `json:"apiKey" yaml:"apiKey"`
	DB             string        `json:"db" yaml:"db"`
	LogLevel       string        `json:"logLevel" yaml:"logLevel"`
	LogFormat      string        `json:"logFormat" yaml:"logFormat"`
	AdminAddr      string        `json:"adminAddr" yaml:"adminAddr"` // empty disables the admin endpoints
	TUI            bool          `json:"tui" yaml:"tui"`
	RetryBase      time.Duration `json:"retryBase" yaml:"retryBase"`
	MaxRetries     int           `json:"maxRetries" yaml:"maxRetries"`
	DedupWindow    time.Duration `json:"dedupWindow" yaml:"dedupWindow"`
	Autoplay       time.Duration `json:"autoplay" yaml:"autoplay"`
	RequestTimeout time.Duration `json:"requestTimeout" yaml:"requestTimeout"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		WSURL:          "ws://localhost:3103",
		APIURL:         "http://localhost:3103",
		DB:             "./capture.db",
		LogLevel:       "info",
		LogFormat:      "console",
		RetryBase:      time.Second,
		MaxRetries:     5,
		DedupWindow:    2 * time.Second,
		Autoplay:       200 * time.Millisecond,
		RequestTimeout: 30 * time.Second,
	}
}

// Load parses args (without the program name) over the defaults. Variables
// named CAPTURE_<FLAG> fill in flags absent from args. A YAML file named by
// -settings (or CAPTURE_SETTINGS) sits between the defaults and the
// environment. The flag package reserves "config" for its own file format.
func Load(name string, args []string, output io.Writer) (Config, error) {
	cfg := Default()
	path := settingsPath(args)
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
	}

	fs := flag.NewFlagSetWithEnvPrefix(name, EnvPrefix, flag.ContinueOnError)
	if output != nil {
		fs.SetOutput(output)
	}
	fs.String("settings", path, "YAML settings file")
	fs.StringVar(&cfg.WSURL, "ws-url", cfg.WSURL, "realtime channel URL (ws:// or wss://)")
	fs.StringVar(&cfg.APIURL, "api-url", cfg.APIURL, "REST base URL")
	fs.StringVar(&cfg.APIKey, "api-key", cfg.APIKey, "api key (24-256 letters or digits)")
	fs.StringVar(&cfg.DB, "db", cfg.DB, "capture record database")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: console|json")
	fs.StringVar(&cfg.AdminAddr, "admin-addr", cfg.AdminAddr, "admin HTTP listen address (empty disables)")
	fs.BoolVar(&cfg.TUI, "tui", cfg.TUI, "run the terminal viewer")
	fs.DurationVar(&cfg.RetryBase, "retry-base", cfg.RetryBase, "first reconnect delay, doubled per attempt")
	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "reconnect attempts before giving up")
	fs.DurationVar(&cfg.DedupWindow, "dedup-window", cfg.DedupWindow, "suppression window for repeated serial data")
	fs.DurationVar(&cfg.Autoplay, "autoplay", cfg.Autoplay, "autoplay frame interval")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "REST request timeout")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects unusable values.
func (c Config) Validate() error {
	if err := checkURL("ws-url", c.WSURL, "ws", "wss"); err != nil {
		return err
	}
	if err := checkURL("api-url", c.APIURL, "http", "https"); err != nil {
		return err
	}
	if strings.TrimSpace(c.DB) == "" {
		return fmt.Errorf("config: db must not be empty")
	}
	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log-level %q", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		return fmt.Errorf("config: unknown log-format %q", c.LogFormat)
	}
	for name, d := range map[string]time.Duration{
		"retry-base":      c.RetryBase,
		"dedup-window":    c.DedupWindow,
		"autoplay":        c.Autoplay,
		"request-timeout": c.RequestTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", name)
		}
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("config: max-retries must be at least 1")
	}
	return nil
}

// Redacted returns a copy safe to expose on /varz.
func (c Config) Redacted() Config {
	if c.APIKey != "" {
		c.APIKey = "<redacted>"
	}
	return c
}

func (c *Config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	return nil
}

// settingsPath finds -settings ahead of flag parsing so the file can supply
// flag defaults.
func settingsPath(args []string) string {
	for i, a := range args {
		if a == "--" {
			break
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if !strings.HasPrefix(a, "-") || name != "settings" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv(EnvPrefix + "_SETTINGS")
}

func checkURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("config: %s: %w", name, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("config: %s %q must be a %s URL", name, raw, strings.Join(schemes, " or "))
}
