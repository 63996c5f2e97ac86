package config

import (
	"os"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T) string {
	t.Helper()
	content := `tickflow:
  name: "TestApp"
  version: "1.0"
providers:
  binance:
    enabled: true
    rest_url: "https://fapi.binance.com"
    symbols: ["RELIANCEEQ"]
    rate_limit:
      requests_per_second: 5
      burst_size: 1
polling:
  interval: 2s
staleness:
  window: 20s
  check_every: 4s
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Tickflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Tickflow.Name)
	}
	if cfg.Polling.Interval.Std() != 2*time.Second {
		t.Errorf("unexpected polling interval: %s", cfg.Polling.Interval)
	}
	if cfg.Staleness.Window.Std() != 20*time.Second {
		t.Errorf("unexpected staleness window: %s", cfg.Staleness.Window)
	}
	if got := cfg.EnabledProviders(); len(got) != 1 || got[0] != "binance" {
		t.Errorf("unexpected enabled providers: %v", got)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	content := `tickflow:
  name: "TestApp"
  version: "1.0"
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	defer os.Remove(f.Name())

	cfg, err := LoadConfig(f.Name())
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Polling.Interval.Std() != 5*time.Second {
		t.Errorf("unexpected default polling interval: %s", cfg.Polling.Interval)
	}
	if cfg.Staleness.Window.Std() != 30*time.Second {
		t.Errorf("unexpected default staleness window: %s", cfg.Staleness.Window)
	}
}

func TestLoadConfigRejectsSubSecondPolling(t *testing.T) {
	content := `tickflow:
  name: "TestApp"
  version: "1.0"
polling:
  interval: 200ms
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	defer os.Remove(f.Name())

	if _, err := LoadConfig(f.Name()); err == nil {
		t.Fatal("expected sub-second polling interval to be rejected")
	}
}

func TestLoadWatchlist(t *testing.T) {
	content := `watchlist:
- symbol: "RELIANCE"
  providers: ["binance", "bybit"]
- symbol: "TCS"
  providers: ["binance", "kucoin"]
`
	f, err := os.CreateTemp("", "watch-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	defer os.Remove(f.Name())

	wl, err := LoadWatchlist(f.Name())
	if err != nil {
		t.Fatalf("LoadWatchlist failed: %v", err)
	}
	if len(wl.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(wl.Entries))
	}
	if wl.Entries[0].Symbol != "RELIANCE" || len(wl.Entries[0].Providers) != 2 {
		t.Errorf("unexpected first entry: %+v", wl.Entries[0])
	}
}
