package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
server:
  addr: ":8080"
db:
  dsn: "postgres://localhost/pay"
wallet:
  xprv: "xprv-test"
chain:
  indexer_endpoints: ["https://api.hiro.so"]
  signer_url: "http://signer:9000"
  asset_contract: "SP3Y2ZSH8P7D50B0VBTSX11S7XSG24M1VB9YFQA4K.token-aeusdc"
  asset_name: "aeUSDC"
worker:
  poll_interval: 45s
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Worker.PollInterval != 45*time.Second {
		t.Fatalf("poll interval = %v", cfg.Worker.PollInterval)
	}
	checks := []struct {
		name string
		got  any
		want any
	}{
		{"driver", cfg.DB.Driver, "postgres"},
		{"network", cfg.Wallet.Network, "mainnet"},
		{"recovery", cfg.Worker.RecoveryInterval, 30 * time.Minute},
		{"pending timeout", cfg.Worker.PendingTimeout, 10 * time.Minute},
		{"stale after", cfg.Worker.StaleAfter, 5 * time.Minute},
		{"give up", cfg.Worker.GiveUpAfter, 2 * time.Hour},
		{"batch", cfg.Worker.BatchSize, 10},
		{"item delay", cfg.Worker.ItemDelay, 150 * time.Millisecond},
		{"grace", cfg.Worker.ShutdownGrace, 30 * time.Second},
		{"webhook attempts", cfg.Webhook.Attempts, 3},
		{"webhook step", cfg.Webhook.Step, 2 * time.Second},
		{"ttl", cfg.ChargeTTL(), 15 * time.Minute},
		{"asset", cfg.Asset(), "SP3Y2ZSH8P7D50B0VBTSX11S7XSG24M1VB9YFQA4K.token-aeusdc::aeUSDC"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DB_DSN", "file:dev.db")
	t.Setenv("DB_DRIVER", "SQLite")
	t.Setenv("WORKER_POLL_INTERVAL", "5000")
	t.Setenv("WORKER_RECOVERY_INTERVAL", "10m")
	t.Setenv("INDEXER_ENDPOINTS", " https://a , ,https://b ")
	t.Setenv("LOG_PRETTY", "true")

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DB.DSN != "file:dev.db" || cfg.DB.Driver != "sqlite" {
		t.Fatalf("db = %+v", cfg.DB)
	}
	if cfg.Worker.PollInterval != 5*time.Second {
		t.Fatalf("poll interval = %v", cfg.Worker.PollInterval)
	}
	if cfg.Worker.RecoveryInterval != 10*time.Minute {
		t.Fatalf("recovery interval = %v", cfg.Worker.RecoveryInterval)
	}
	if got := cfg.Chain.IndexerEndpoints; len(got) != 2 || got[0] != "https://a" || got[1] != "https://b" {
		t.Fatalf("endpoints = %v", got)
	}
	if !cfg.Log.Pretty {
		t.Fatal("LOG_PRETTY not applied")
	}
}

func TestLoadConfigPathEnv(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, minimalYAML))
	if _, err := Load(""); err != nil {
		t.Fatalf("Load via CONFIG_PATH: %v", err)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"missing addr", strings.Replace(minimalYAML, `addr: ":8080"`, `addr: ""`, 1), "server.addr"},
		{"bad driver", strings.Replace(minimalYAML, `dsn: "postgres://localhost/pay"`, "driver: mysql\n  dsn: x", 1), "db.driver"},
		{"bad network", strings.Replace(minimalYAML, `xprv: "xprv-test"`, "xprv: k\n  network: devnet", 1), "wallet.network"},
		{"half asset", strings.Replace(minimalYAML, `asset_name: "aeUSDC"`, ``, 1), "asset_contract"},
		{"no signer", strings.Replace(minimalYAML, `signer_url: "http://signer:9000"`, ``, 1), "signer_url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestDurationOr(t *testing.T) {
	cases := map[string]time.Duration{
		"30s":  30 * time.Second,
		"1500": 1500 * time.Millisecond,
		"junk": time.Minute,
	}
	for in, want := range cases {
		if got := durationOr(time.Minute, in); got != want {
			t.Errorf("durationOr(%q) = %v, want %v", in, got, want)
		}
	}
}
