package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.BaseURL != "http://localhost:8080/api/v1" || cfg.Store.Driver != DriverSQLite {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	yml := `
api:
  base_url: https://dash.example.com/api/v1
  timeout: 3s
store:
  driver: memory
log:
  level: debug
devserver:
  allowed_origins: [https://app.example.com]
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	t.Setenv("DASH_LOG_FORMAT", "pretty")
	t.Setenv("DASH_REALTIME_HEARTBEAT_INTERVAL", "7s")
	t.Setenv("DASH_STORE_PROFILE", "ops")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.BaseURL != "https://dash.example.com/api/v1" || cfg.API.Timeout != 3*time.Second {
		t.Fatalf("api=%+v", cfg.API)
	}
	if cfg.Store.Driver != DriverMemory || cfg.Store.Profile != "ops" {
		t.Fatalf("store=%+v", cfg.Store)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "pretty" {
		t.Fatalf("log=%+v", cfg.Log)
	}
	if cfg.Realtime.HeartbeatInterval != 7*time.Second || cfg.Realtime.DialTimeout != 10*time.Second {
		t.Fatalf("realtime=%+v", cfg.Realtime)
	}
	if len(cfg.Devserver.AllowedOrigins) != 1 || cfg.Devserver.AllowedOrigins[0] != "https://app.example.com" {
		t.Fatalf("origins=%v", cfg.Devserver.AllowedOrigins)
	}
	if got := cfg.RealtimeURL(); got != "wss://dash.example.com/ws" {
		t.Fatalf("RealtimeURL()=%q", got)
	}
}

func TestLoad_EnvOriginsCSV(t *testing.T) {
	t.Setenv("DASH_DEVSERVER_ALLOWED_ORIGINS", "http://a.test, http://b.test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := strings.Join(cfg.Devserver.AllowedOrigins, "|"); got != "http://a.test|http://b.test" {
		t.Fatalf("origins=%q", got)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yml")

	cfg := DefaultConfig()
	cfg.Store.Driver = DriverMemory
	cfg.Realtime.URL = "ws://127.0.0.1:9000/ws"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%v", fi.Mode().Perm())
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Store.Driver != DriverMemory || got.RealtimeURL() != "ws://127.0.0.1:9000/ws" || got.API.Timeout != cfg.API.Timeout {
		t.Fatalf("round trip: %+v", got)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad base url", func(c *Config) { c.API.BaseURL = "localhost" }, "api.base_url"},
		{"bad scheme", func(c *Config) { c.API.BaseURL = "ftp://x" }, "unsupported scheme"},
		{"zero timeout", func(c *Config) { c.API.Timeout = 0 }, "api.timeout"},
		{"bad driver", func(c *Config) { c.Store.Driver = "redis" }, "store.driver"},
		{"postgres without url", func(c *Config) { c.Store.Driver = DriverPostgres }, "database_url"},
		{"sqlite without path", func(c *Config) { c.Store.Path = " " }, "store.path"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad realtime url", func(c *Config) { c.Realtime.URL = "tcp://x:1" }, "realtime.url"},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: err=%v want mention of %q", tc.name, err, tc.want)
		}
	}
}

func TestWSURLFromBase(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080/api/v1", want: "ws://127.0.0.1:8080/ws"},
		{in: "https://dash.example.com/api/v1", want: "wss://dash.example.com/ws"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080/ws"},
	}
	for _, tc := range cases {
		if got := wsURLFromBase(tc.in); got != tc.want {
			t.Fatalf("wsURLFromBase(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}
