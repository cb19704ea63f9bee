package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	data := `{
		"general": {"listen": ":9999", "jwt_secret": "s3cret"},
		"llm": {
			"providers": {"openai": {"type": "openai", "api_key": "k", "models": {"m": {"name": "m", "max_tokens": 1000}}}},
			"routing": {"fallback": "m"}
		},
		"engine": {"gateway_backoff": "250ms"},
		"storage": {"postgres": {"host": "db", "dbname": "researchd"}},
		"retention": {"enabled": true, "cron": "0 * * * *", "max_age": "24h"}
	}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := LoadConfig(path)
	if cfg.General.Listen != ":9999" {
		t.Fatalf("listen = %q", cfg.General.Listen)
	}
	if cfg.Engine.GatewayBackoff != 250*time.Millisecond {
		t.Fatalf("backoff = %v", cfg.Engine.GatewayBackoff)
	}
	// Unset engine values fall back to defaults.
	if cfg.Engine.MaxContinuations != 3 || cfg.Engine.DefaultTemplate != "standard" {
		t.Fatalf("defaults not applied: %+v", cfg.Engine)
	}
	if cfg.Retention.MaxAge != 24*time.Hour {
		t.Fatalf("max_age = %v", cfg.Retention.MaxAge)
	}
	if cfg.LLM.Providers["openai"].Models["m"].MaxTokens != 1000 {
		t.Fatalf("model config not loaded")
	}
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{User: "u", Password: "p", Host: "h", Port: "5433", DBName: "d"}
	want := "postgres://u:p@h:5433/d?sslmode=disable"
	if got := p.DSN(); got != want {
		t.Fatalf("dsn = %q, want %q", got, want)
	}
	p = PostgresConfig{URL: "postgres://explicit"}
	if got := p.DSN(); got != "postgres://explicit" {
		t.Fatalf("url override ignored: %q", got)
	}
}

func TestRedisAddrEmptyWhenUnconfigured(t *testing.T) {
	var r RedisConfig
	if r.Addr() != "" {
		t.Fatalf("expected empty addr")
	}
	r = RedisConfig{Host: "localhost", Port: "6379"}
	if r.Addr() != "localhost:6379" {
		t.Fatalf("addr = %q", r.Addr())
	}
}
