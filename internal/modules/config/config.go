package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configFilePathENV = "CONFIG_FILE"
	tokenTelegramENV  = "TELEGRAM_TOKEN"
	databaseDSN       = "DATABASE_DSN"
	okxAPIKeyENV      = "OKX_API_KEY"
	okxAPISecretENV   = "OKX_API_SECRET"
	okxPassphraseENV  = "OKX_PASSPHRASE"
)

// Config ...
type Config struct {
	Telegram struct {
		Token  string `yaml:"token"`
		ChatID int64  `yaml:"chat_id"`
	} `yaml:"telegram"`
	DB      string `yaml:"db_dsn"`
	Service struct {
		Host       string `yaml:"host"`
		PublicPort int    `yaml:"public_port"`
		AdminPort  int    `yaml:"admin_port"`
	} `yaml:"service"`
	Jaeger struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"jaeger"`

	Okx struct {
		APIKey     string `yaml:"api_key"`
		APISecret  string `yaml:"api_secret"`
		Passphrase string `yaml:"passphrase"`
		BaseURL    string `yaml:"base_url"`
		PublicWS   string `yaml:"public_ws"`
		PrivateWS  string `yaml:"private_ws"`
	} `yaml:"okx"`

	// live — real orders, ghost — full pipeline against the virtual book.
	Mode    string   `yaml:"mode"`
	Symbols []string `yaml:"symbols"`

	// Риск
	Leverage         float64 `yaml:"leverage"`
	MaxOpenPositions int     `yaml:"max_open_positions"`
	MaxPositionPct   float64 `yaml:"max_position_pct"`
	MinNotional      float64 `yaml:"min_notional"`
	TakeProfitPct    float64 `yaml:"take_profit_pct"` // например 1.0 => 1%
	StopLossPct      float64 `yaml:"stop_loss_pct"`

	// Bracket mechanics
	FillTimeout    time.Duration `yaml:"fill_timeout"`
	BracketRetries int           `yaml:"bracket_retries"`

	// Resilience
	BreakerFailureThreshold int           `yaml:"breaker_failure_threshold"`
	BreakerRecoveryTimeout  time.Duration `yaml:"breaker_recovery_timeout"`
	BreakerHalfOpenCalls    int           `yaml:"breaker_half_open_calls"`
	RetryMax                int           `yaml:"retry_max"`
	RetryBackoffBase        time.Duration `yaml:"retry_backoff_base"`
	RateBuffer              float64       `yaml:"rate_buffer"`

	// Очередь решений
	InboxCapacity int    `yaml:"inbox_capacity"`
	InboxPolicy   string `yaml:"inbox_policy"` // drop_oldest | block

	// Background loops
	ReconInterval    time.Duration `yaml:"recon_interval"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	SnapshotPath     string        `yaml:"snapshot_path"`
	SnapshotBackups  int           `yaml:"snapshot_backups"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	SweepTimeout     time.Duration `yaml:"sweep_timeout"`
	// CloseOnExit market-flattens every position during the shutdown sweep.
	// Off, the sweep only cancels resting orders and positions stay open.
	CloseOnExit bool `yaml:"close_on_exit"`

	// Reconciliation policy for unknown remote positions: protect | flatten
	OrphanPolicy string `yaml:"orphan_policy"`

	VirtualBalance float64 `yaml:"virtual_balance"`
}

func NewConfig() (*Config, error) {

	configFileName := os.Getenv(configFilePathENV)
	if configFileName == "" {
		configFileName = "values_local.yaml"
	}
	file, err := os.Open("configs/" + configFileName)
	if err != nil {
		log.Fatalf("Failed to open config file: %v", err)
	}

	defer func() {
		_ = file.Close()
	}()

	decoder := yaml.NewDecoder(file)
	config := Config{
		Mode:             getenvDefault("MODE", "ghost"),
		Leverage:         floatFromEnv("LEVERAGE", 3),
		MaxOpenPositions: intFromEnv("MAX_OPEN_POSITIONS", 5),
		MaxPositionPct:   floatFromEnv("MAX_POSITION_PCT", 0.2),
		MinNotional:      floatFromEnv("MIN_NOTIONAL", 5),
		TakeProfitPct:    floatFromEnv("TAKE_PROFIT_PCT", 1.0),
		StopLossPct:      floatFromEnv("STOP_LOSS_PCT", 0.5),

		FillTimeout:    durationFromEnv("FILL_TIMEOUT", "45s"),
		BracketRetries: intFromEnv("BRACKET_RETRIES", 3),

		BreakerFailureThreshold: intFromEnv("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerRecoveryTimeout:  durationFromEnv("BREAKER_RECOVERY_TIMEOUT", "60s"),
		BreakerHalfOpenCalls:    intFromEnv("BREAKER_HALF_OPEN_CALLS", 3),
		RetryMax:                intFromEnv("RETRY_MAX", 3),
		RetryBackoffBase:        durationFromEnv("RETRY_BACKOFF_BASE", "500ms"),
		RateBuffer:              floatFromEnv("RATE_BUFFER", 0.8),

		InboxCapacity: intFromEnv("INBOX_CAPACITY", 64),
		InboxPolicy:   getenvDefault("INBOX_POLICY", "drop_oldest"),

		ReconInterval:    durationFromEnv("RECON_INTERVAL", "30s"),
		SnapshotInterval: durationFromEnv("SNAPSHOT_INTERVAL", "5s"),
		SnapshotPath:     getenvDefault("SNAPSHOT_PATH", "data/state.json"),
		SnapshotBackups:  intFromEnv("SNAPSHOT_BACKUPS", 3),
		WatchdogInterval: durationFromEnv("WATCHDOG_INTERVAL", "10s"),
		SweepTimeout:     durationFromEnv("SWEEP_TIMEOUT", "30s"),
		CloseOnExit:      boolFromEnv("CLOSE_ON_EXIT", true),

		OrphanPolicy: getenvDefault("ORPHAN_POLICY", "protect"),

		VirtualBalance: floatFromEnv("VIRTUAL_BALANCE", 10000),
	}
	err = decoder.Decode(&config)
	if err != nil {
		log.Fatalf("Failed to decode config file: %v", err)
	}

	if token := os.Getenv(tokenTelegramENV); token != "" {
		config.Telegram.Token = token
	}
	if dsn := os.Getenv(databaseDSN); dsn != "" {
		config.DB = dsn
	}
	if v := os.Getenv(okxAPIKeyENV); v != "" {
		config.Okx.APIKey = v
	}
	if v := os.Getenv(okxAPISecretENV); v != "" {
		config.Okx.APISecret = v
	}
	if v := os.Getenv(okxPassphraseENV); v != "" {
		config.Okx.Passphrase = v
	}

	if config.Okx.BaseURL == "" {
		config.Okx.BaseURL = "https://www.okx.com"
	}
	if config.Okx.PublicWS == "" {
		config.Okx.PublicWS = "wss://ws.okx.com:8443/ws/v5/public"
	}
	if config.Okx.PrivateWS == "" {
		config.Okx.PrivateWS = "wss://ws.okx.com:8443/ws/v5/private"
	}

	if config.Mode == "live" && (config.Okx.APIKey == "" || config.Okx.APISecret == "") {
		return nil, fmt.Errorf("live mode requires OKX credentials")
	}
	if config.StopLossPct <= 0 || config.TakeProfitPct <= 0 {
		return nil, fmt.Errorf("take_profit_pct and stop_loss_pct must be positive")
	}

	return &config, nil
}

func intFromEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func boolFromEnv(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func floatFromEnv(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationFromEnv(key, def string) time.Duration {
	val := getenvDefault(key, def)
	d, err := time.ParseDuration(val)
	if err != nil {
		d, _ = time.ParseDuration(def)
	}
	return d
}
