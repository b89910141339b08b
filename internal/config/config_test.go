package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// chdir moves into dir so the ./config.yaml lookup finds nothing.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := load(viper.New(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %q", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout != 5*time.Second {
		t.Errorf("expected 5s shutdown timeout, got %s", cfg.Server.ShutdownTimeout)
	}
	if !cfg.Database.Migrate {
		t.Error("expected migrations enabled by default")
	}
	cash, _ := cfg.StartingCash()
	if !cash.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected starting cash 100, got %s", cash)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	content := `
server:
  port: "9090"
ledger:
  starting_cash: 250
  fee_bps: 30
log:
  format: text
seed:
  pools:
    - id: pepe
      symbol: PEPE
      quote_reserve: "10"
      base_reserve: "1000"
      total_supply: "5000"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := load(viper.New(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %q", cfg.Server.Port)
	}
	if cfg.Ledger.FeeBps != 30 {
		t.Errorf("expected fee 30 bps, got %d", cfg.Ledger.FeeBps)
	}
	cash, _ := cfg.StartingCash()
	if !cash.Equal(decimal.NewFromInt(250)) {
		t.Errorf("expected starting cash 250, got %s", cash)
	}
	if len(cfg.Seed.Pools) != 1 {
		t.Fatalf("expected 1 seed pool, got %d", len(cfg.Seed.Pools))
	}
	l, err := cfg.Seed.Pools[0].Listing()
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if !l.BaseReserve.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("expected base reserve 1000, got %s", l.BaseReserve)
	}
	if !l.TotalSupply.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("expected total supply 5000, got %s", l.TotalSupply)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("PORT", "7070")
	t.Setenv("LEDGER_DATABASE_URL", "postgres://ledger@localhost/ledger")
	t.Setenv("LEDGER_ORACLE_QUOTE_TO_USD", "2.5")

	cfg, err := load(viper.New(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("expected PORT override, got %q", cfg.Server.Port)
	}
	if cfg.Database.URL != "postgres://ledger@localhost/ledger" {
		t.Errorf("unexpected database url %q", cfg.Database.URL)
	}
	rate, _ := cfg.QuoteToUSD()
	if !rate.Equal(decimal.NewFromFloat(2.5)) {
		t.Errorf("expected rate 2.5, got %s", rate)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := load(viper.New(), filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Server: Server{Port: "8080"},
			Log:    Log{Level: "info", Format: "json"},
			Ledger: Ledger{StartingCash: "100"},
			Oracle: Oracle{QuoteToUSD: "150"},
		}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no port", func(c *Config) { c.Server.Port = "" }},
		{"bad cash", func(c *Config) { c.Ledger.StartingCash = "lots" }},
		{"negative cash", func(c *Config) { c.Ledger.StartingCash = "-1" }},
		{"zero rate", func(c *Config) { c.Oracle.QuoteToUSD = "0" }},
		{"fee too high", func(c *Config) { c.Ledger.FeeBps = 10000 }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
		{"bad seed", func(c *Config) { c.Seed.Pools = []SeedPool{{ID: "x", QuoteReserve: "ten"}} }},
	}

	base := valid()
	if err := base.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestNewLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{Log: Log{Level: "info", Format: "json"}}
	cfg.NewLogger(&buf).Info("hello", "k", "v")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("expected JSON output, got %q", buf.String())
	}

	buf.Reset()
	cfg.Log.Level = "warn"
	cfg.NewLogger(&buf).Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected info to be filtered at warn level, got %q", buf.String())
	}
}
