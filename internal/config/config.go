package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr      string  `yaml:"addr"`
		RateRPS   float64 `yaml:"rate_rps"`
		RateBurst int     `yaml:"rate_burst"`
	} `yaml:"server"`
	DB struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"db"`
	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
	Wallet struct {
		XPrv             string `yaml:"xprv"`
		Network          string `yaml:"network"`
		FeeTreasuryKey   string `yaml:"fee_treasury_key"`
		FeeTopupMicroSTX int64  `yaml:"fee_topup_micro_stx"`
	} `yaml:"wallet"`
	Chain struct {
		IndexerEndpoints  []string      `yaml:"indexer_endpoints"`
		WSEndpoints       []string      `yaml:"ws_endpoints"`
		SignerURL         string        `yaml:"signer_url"`
		AssetContract     string        `yaml:"asset_contract"`
		AssetName         string        `yaml:"asset_name"`
		RequestTimeout    time.Duration `yaml:"request_timeout"`
		FailoverThreshold int           `yaml:"failover_threshold"`
	} `yaml:"chain"`
	Charges struct {
		TTLMinutes int   `yaml:"ttl_minutes"`
		MinAmount  int64 `yaml:"min_amount"`
	} `yaml:"charges"`
	Pricing struct {
		FixedUSDRate string `yaml:"fixed_usd_rate"`
	} `yaml:"pricing"`
	Worker struct {
		PollInterval           time.Duration `yaml:"poll_interval"`
		RecoveryInterval       time.Duration `yaml:"recovery_interval"`
		WebhookRetryInterval   time.Duration `yaml:"webhook_retry_interval"`
		BatchSize              int           `yaml:"batch_size"`
		ItemDelay              time.Duration `yaml:"item_delay"`
		PendingTimeout         time.Duration `yaml:"pending_timeout"`
		StaleAfter             time.Duration `yaml:"stale_after"`
		GiveUpAfter            time.Duration `yaml:"give_up_after"`
		WebhookMaxAttempts     int           `yaml:"webhook_max_attempts"`
		BackoffMultiplier      float64       `yaml:"backoff_multiplier"`
		BackoffCap             int           `yaml:"backoff_cap"`
		BackoffCeiling         time.Duration `yaml:"backoff_ceiling"`
		MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
		ShutdownGrace          time.Duration `yaml:"shutdown_grace"`
		MetricsAddr            string        `yaml:"metrics_addr"`
	} `yaml:"worker"`
	Webhook struct {
		Attempts int           `yaml:"attempts"`
		Step     time.Duration `yaml:"step"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"webhook"`
}

// Asset is the fungible token identifier as the indexer reports it
// ("<contract>::<name>"), or "" when charges are paid in STX.
func (c *Config) Asset() string {
	if c.Chain.AssetContract == "" {
		return ""
	}
	return c.Chain.AssetContract + "::" + c.Chain.AssetName
}

func (c *Config) ChargeTTL() time.Duration {
	return time.Duration(c.Charges.TTLMinutes) * time.Minute
}

// Load reads the YAML file, overlays environment variables (a .env file in
// the working directory is honoured) and fills defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.RateRPS == 0 {
		cfg.Server.RateRPS = 20
	}
	if cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = 40
	}
	if cfg.DB.Driver == "" {
		cfg.DB.Driver = "postgres"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Wallet.Network == "" {
		cfg.Wallet.Network = "mainnet"
	}
	if cfg.Chain.RequestTimeout == 0 {
		cfg.Chain.RequestTimeout = 10 * time.Second
	}
	if cfg.Chain.FailoverThreshold == 0 {
		cfg.Chain.FailoverThreshold = 3
	}
	if cfg.Charges.TTLMinutes == 0 {
		cfg.Charges.TTLMinutes = 15
	}
	if cfg.Charges.MinAmount == 0 {
		cfg.Charges.MinAmount = 1
	}
	w := &cfg.Worker
	if w.PollInterval == 0 {
		w.PollInterval = 30 * time.Second
	}
	if w.RecoveryInterval == 0 {
		w.RecoveryInterval = 30 * time.Minute
	}
	if w.WebhookRetryInterval == 0 {
		w.WebhookRetryInterval = time.Minute
	}
	if w.BatchSize == 0 {
		w.BatchSize = 10
	}
	if w.ItemDelay == 0 {
		w.ItemDelay = 150 * time.Millisecond
	}
	if w.PendingTimeout == 0 {
		w.PendingTimeout = 10 * time.Minute
	}
	if w.StaleAfter == 0 {
		w.StaleAfter = 5 * time.Minute
	}
	if w.GiveUpAfter == 0 {
		w.GiveUpAfter = 2 * time.Hour
	}
	if w.WebhookMaxAttempts == 0 {
		w.WebhookMaxAttempts = 8
	}
	if w.BackoffMultiplier == 0 {
		w.BackoffMultiplier = 2
	}
	if w.BackoffCap == 0 {
		w.BackoffCap = 5
	}
	if w.BackoffCeiling == 0 {
		w.BackoffCeiling = 10 * time.Minute
	}
	if w.MaxConsecutiveFailures == 0 {
		w.MaxConsecutiveFailures = 10
	}
	if w.ShutdownGrace == 0 {
		w.ShutdownGrace = 30 * time.Second
	}
	if cfg.Webhook.Attempts == 0 {
		cfg.Webhook.Attempts = 3
	}
	if cfg.Webhook.Step == 0 {
		cfg.Webhook.Step = 2 * time.Second
	}
	if cfg.Webhook.Timeout == 0 {
		cfg.Webhook.Timeout = 10 * time.Second
	}
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	switch c.DB.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("db.driver must be postgres or sqlite, got %q", c.DB.Driver)
	}
	if c.DB.DSN == "" {
		return errors.New("db.dsn is required")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	switch c.Wallet.Network {
	case "mainnet", "testnet":
	default:
		return fmt.Errorf("wallet.network must be mainnet or testnet, got %q", c.Wallet.Network)
	}
	if c.Wallet.XPrv == "" {
		return errors.New("wallet.xprv is required")
	}
	if len(c.Chain.IndexerEndpoints) == 0 {
		return errors.New("chain.indexer_endpoints is required")
	}
	if c.Chain.SignerURL == "" {
		return errors.New("chain.signer_url is required")
	}
	if (c.Chain.AssetContract == "") != (c.Chain.AssetName == "") {
		return errors.New("chain.asset_contract and chain.asset_name must be set together")
	}
	if c.Charges.TTLMinutes < 0 || c.Charges.MinAmount < 0 {
		return errors.New("charges.ttl_minutes and charges.min_amount must not be negative")
	}
	if c.Server.RateRPS < 0 || c.Server.RateBurst < 1 {
		return errors.New("server.rate_rps must be >= 0 and server.rate_burst >= 1")
	}
	w := c.Worker
	if w.PollInterval < 0 || w.RecoveryInterval < 0 || w.WebhookRetryInterval < 0 {
		return errors.New("worker intervals must be positive")
	}
	if w.BatchSize < 1 {
		return errors.New("worker.batch_size must be >= 1")
	}
	if w.BackoffMultiplier < 1 {
		return errors.New("worker.backoff_multiplier must be >= 1")
	}
	if w.MaxConsecutiveFailures < 1 {
		return errors.New("worker.max_consecutive_failures must be >= 1")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("RATE_RPS"); v != "" {
		cfg.Server.RateRPS = atofOr(cfg.Server.RateRPS, v)
	}
	if v := os.Getenv("RATE_BURST"); v != "" {
		cfg.Server.RateBurst = atoiOr(cfg.Server.RateBurst, v)
	}
	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.DB.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_PRETTY"); v != "" {
		cfg.Log.Pretty = boolOr(cfg.Log.Pretty, v)
	}
	if v := os.Getenv("WALLET_XPRV"); v != "" {
		cfg.Wallet.XPrv = v
	}
	if v := os.Getenv("STACKS_NETWORK"); v != "" {
		cfg.Wallet.Network = strings.ToLower(v)
	}
	if v := os.Getenv("FEE_TREASURY_KEY"); v != "" {
		cfg.Wallet.FeeTreasuryKey = v
	}
	if v := os.Getenv("FEE_TOPUP_MICRO_STX"); v != "" {
		cfg.Wallet.FeeTopupMicroSTX = atoi64Or(cfg.Wallet.FeeTopupMicroSTX, v)
	}
	if v := os.Getenv("INDEXER_ENDPOINTS"); v != "" {
		cfg.Chain.IndexerEndpoints = splitCommaList(v)
	}
	if v := os.Getenv("WS_ENDPOINTS"); v != "" {
		cfg.Chain.WSEndpoints = splitCommaList(v)
	}
	if v := os.Getenv("SIGNER_URL"); v != "" {
		cfg.Chain.SignerURL = v
	}
	if v := os.Getenv("ASSET_CONTRACT"); v != "" {
		cfg.Chain.AssetContract = v
	}
	if v := os.Getenv("ASSET_NAME"); v != "" {
		cfg.Chain.AssetName = v
	}
	if v := os.Getenv("CHAIN_REQUEST_TIMEOUT"); v != "" {
		cfg.Chain.RequestTimeout = durationOr(cfg.Chain.RequestTimeout, v)
	}
	if v := os.Getenv("CHAIN_FAILOVER_THRESHOLD"); v != "" {
		cfg.Chain.FailoverThreshold = atoiOr(cfg.Chain.FailoverThreshold, v)
	}
	if v := os.Getenv("CHARGE_TTL_MINUTES"); v != "" {
		cfg.Charges.TTLMinutes = atoiOr(cfg.Charges.TTLMinutes, v)
	}
	if v := os.Getenv("MIN_AMOUNT"); v != "" {
		cfg.Charges.MinAmount = atoi64Or(cfg.Charges.MinAmount, v)
	}
	if v := os.Getenv("FIXED_USD_RATE"); v != "" {
		cfg.Pricing.FixedUSDRate = v
	}
	if v := os.Getenv("WORKER_POLL_INTERVAL"); v != "" {
		cfg.Worker.PollInterval = durationOr(cfg.Worker.PollInterval, v)
	}
	if v := os.Getenv("WORKER_RECOVERY_INTERVAL"); v != "" {
		cfg.Worker.RecoveryInterval = durationOr(cfg.Worker.RecoveryInterval, v)
	}
	if v := os.Getenv("WORKER_WEBHOOK_RETRY_INTERVAL"); v != "" {
		cfg.Worker.WebhookRetryInterval = durationOr(cfg.Worker.WebhookRetryInterval, v)
	}
	if v := os.Getenv("WORKER_BATCH_SIZE"); v != "" {
		cfg.Worker.BatchSize = atoiOr(cfg.Worker.BatchSize, v)
	}
	if v := os.Getenv("WORKER_MAX_CONSECUTIVE_FAILURES"); v != "" {
		cfg.Worker.MaxConsecutiveFailures = atoiOr(cfg.Worker.MaxConsecutiveFailures, v)
	}
	if v := os.Getenv("WORKER_SHUTDOWN_GRACE"); v != "" {
		cfg.Worker.ShutdownGrace = durationOr(cfg.Worker.ShutdownGrace, v)
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.Worker.MetricsAddr = v
	}
	if v := os.Getenv("WEBHOOK_ATTEMPTS"); v != "" {
		cfg.Webhook.Attempts = atoiOr(cfg.Webhook.Attempts, v)
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func atofOr(fallback float64, v string) float64 {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func boolOr(fallback bool, v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return b
}

// durationOr accepts Go durations ("45s") or bare milliseconds ("45000").
func durationOr(fallback time.Duration, v string) time.Duration {
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
