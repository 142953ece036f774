package app

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment overrides: DASH_API_BASE_URL -> api.base_url.
const EnvPrefix = "DASH_"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the dashctl configuration, corresponding to ~/.dashctl/config.yml.
type Config struct {
	API       APIConfig       `yaml:"api" koanf:"api"`
	Realtime  RealtimeConfig  `yaml:"realtime" koanf:"realtime"`
	Store     StoreConfig     `yaml:"store" koanf:"store"`
	Log       LogConfig       `yaml:"log" koanf:"log"`
	Metrics   MetricsConfig   `yaml:"metrics" koanf:"metrics"`
	Devserver DevserverConfig `yaml:"devserver" koanf:"devserver"`
}

// APIConfig locates the REST backend.
type APIConfig struct {
	BaseURL string        `yaml:"base_url" koanf:"base_url"`
	Timeout time.Duration `yaml:"timeout" koanf:"timeout"`
}

// RealtimeConfig configures the notification channel. An empty URL is
// derived from api.base_url.
type RealtimeConfig struct {
	URL               string        `yaml:"url" koanf:"url"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" koanf:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout" koanf:"heartbeat_timeout"`
	DialTimeout       time.Duration `yaml:"dial_timeout" koanf:"dial_timeout"`
}

// StoreConfig selects where tokens are persisted.
type StoreConfig struct {
	Driver      string `yaml:"driver" koanf:"driver"`
	Path        string `yaml:"path" koanf:"path"`
	DatabaseURL string `yaml:"database_url,omitempty" koanf:"database_url"`
	Schema      string `yaml:"schema,omitempty" koanf:"schema"`
	Profile     string `yaml:"profile" koanf:"profile"`
	MaxConns    int32  `yaml:"max_conns,omitempty" koanf:"max_conns"`
	// Passphrase enables encryption at rest. Prefer DASH_STORE_PASSPHRASE over the file.
	Passphrase string `yaml:"passphrase,omitempty" koanf:"passphrase"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level  string `yaml:"level" koanf:"level"`
	Format string `yaml:"format" koanf:"format"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr,omitempty" koanf:"addr"`
}

// DevserverConfig configures the in-memory development backend.
type DevserverConfig struct {
	Addr           string        `yaml:"addr" koanf:"addr"`
	AllowedOrigins []string      `yaml:"allowed_origins" koanf:"allowed_origins"`
	AccessTTL      time.Duration `yaml:"access_ttl" koanf:"access_ttl"`
	RefreshTTL     time.Duration `yaml:"refresh_ttl" koanf:"refresh_ttl"`
	SigningKey     string        `yaml:"signing_key,omitempty" koanf:"signing_key"`
	RefreshHMACKey string        `yaml:"refresh_hmac_key,omitempty" koanf:"refresh_hmac_key"`
	SeedDemo       bool          `yaml:"seed_demo" koanf:"seed_demo"`
}

// DefaultDir is ~/.dashctl, or ./.dashctl when the home directory is unknown.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".dashctl"
	}
	return filepath.Join(home, ".dashctl")
}

// DefaultConfigPath is DefaultDir()/config.yml.
func DefaultConfigPath() string { return filepath.Join(DefaultDir(), "config.yml") }

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: "http://localhost:8080/api/v1",
			Timeout: 10 * time.Second,
		},
		Realtime: RealtimeConfig{
			HeartbeatInterval: 25 * time.Second,
			HeartbeatTimeout:  5 * time.Second,
			DialTimeout:       10 * time.Second,
		},
		Store: StoreConfig{
			Driver:  DriverSQLite,
			Path:    filepath.Join(DefaultDir(), "session.db"),
			Schema:  "dash",
			Profile: "default",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Devserver: DevserverConfig{
			Addr:           "127.0.0.1:8080",
			AllowedOrigins: []string{"http://localhost:4200", "http://127.0.0.1:4200"},
			AccessTTL:      15 * time.Minute,
			RefreshTTL:     7 * 24 * time.Hour,
			SeedDemo:       true,
		},
	}
}

// envSections maps the first underscore-separated word of an env key to
// its section; DASH_STORE_DATABASE_URL -> store.database_url.
var envSections = map[string]bool{
	"api": true, "realtime": true, "store": true, "log": true, "metrics": true, "devserver": true,
}

func envKey(s string) string {
	k := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, rest, ok := strings.Cut(k, "_")
	if !ok || !envSections[section] {
		return k
	}
	return section + "." + rest
}

// Load reads defaults, then the YAML file at path (when it exists), then
// DASH_* environment overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("accessing config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	// Lists replace the defaults instead of being merged index by index.
	if k.Exists("devserver.allowed_origins") {
		cfg.Devserver.AllowedOrigins = nil
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	// A comma-separated env override may arrive as one string.
	cfg.Devserver.AllowedOrigins = splitCSV(strings.Join(cfg.Devserver.AllowedOrigins, ","))
	return cfg, nil
}

// Save writes the configuration to path, creating its directory. The file is
// private because it may hold a passphrase.
func (c *Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

var (
	validDrivers    = map[string]bool{DriverMemory: true, DriverSQLite: true, DriverPostgres: true}
	validLogFormats = map[string]bool{"json": true, "pretty": true, "text": true}
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
)

// Validate checks that the configuration contains usable values.
func (c *Config) Validate() error {
	var errs []error

	if err := checkURL("api.base_url", c.API.BaseURL, "http", "https"); err != nil {
		errs = append(errs, err)
	}
	if c.API.Timeout <= 0 {
		errs = append(errs, errors.New("api.timeout must be positive"))
	}
	if c.Realtime.URL != "" {
		if err := checkURL("realtime.url", c.Realtime.URL, "ws", "wss", "http", "https"); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Realtime.HeartbeatInterval <= 0 || c.Realtime.HeartbeatTimeout <= 0 || c.Realtime.DialTimeout <= 0 {
		errs = append(errs, errors.New("realtime timeouts must be positive"))
	}

	switch {
	case !validDrivers[c.Store.Driver]:
		errs = append(errs, fmt.Errorf("invalid store.driver %q: must be one of memory, sqlite, postgres", c.Store.Driver))
	case c.Store.Driver == DriverSQLite && strings.TrimSpace(c.Store.Path) == "":
		errs = append(errs, errors.New("store.path is required for the sqlite driver"))
	case c.Store.Driver == DriverPostgres && strings.TrimSpace(c.Store.DatabaseURL) == "":
		errs = append(errs, errors.New("store.database_url is required for the postgres driver"))
	}
	if strings.TrimSpace(c.Store.Profile) == "" {
		errs = append(errs, errors.New("store.profile is required"))
	}

	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Errorf("invalid log.level %q", c.Log.Level))
	}
	if !validLogFormats[strings.ToLower(c.Log.Format)] {
		errs = append(errs, fmt.Errorf("invalid log.format %q: must be one of json, pretty, text", c.Log.Format))
	}

	return errors.Join(errs...)
}

// RealtimeURL returns realtime.url, or the /ws endpoint on the API host.
func (c *Config) RealtimeURL() string {
	if c.Realtime.URL != "" {
		return c.Realtime.URL
	}
	return wsURLFromBase(c.API.BaseURL)
}

func wsURLFromBase(base string) string {
	base = strings.TrimSpace(base)
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String()
}

func checkURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s: invalid URL %q", key, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s: unsupported scheme %q", key, u.Scheme)
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
