package config

import (
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Bank      BankConfig      `yaml:"bank"`
	Vault     VaultConfig     `yaml:"vault"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

type BankConfig struct {
	// WithdrawalFeePercent is a decimal string, e.g. "0.10" for 10%.
	WithdrawalFeePercent string `yaml:"withdrawal_fee_percent"`
	MaxWithdrawalFee     int64  `yaml:"max_withdrawal_fee"`
	MaxTransactionAmount int64  `yaml:"max_transaction_amount"`
}

type VaultConfig struct {
	// FlushIntervalMs drives the periodic batched flush of non-valuable
	// slot changes.
	FlushIntervalMs int `yaml:"flush_interval_ms"`
	// FlushMaxPendingSlots forces an early flush once this many slot
	// changes are buffered.
	FlushMaxPendingSlots int `yaml:"flush_max_pending_slots"`
	// ValuableMaterials extends the built-in allow-list of materials whose
	// movement forces an immediate flush.
	ValuableMaterials []string `yaml:"valuable_materials"`
	// LogRetentionDays bounds the transaction log; the poller sweeps
	// older entries.
	LogRetentionDays int `yaml:"log_retention_days"`
	// IdleSessionTimeoutMs closes viewer sessions with no interaction.
	IdleSessionTimeoutMs int64 `yaml:"idle_session_timeout_ms"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	// .env is optional; ignore absence
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Bank.WithdrawalFeePercent == "" {
		cfg.Bank.WithdrawalFeePercent = "0"
	}
	if cfg.Bank.MaxTransactionAmount == 0 {
		cfg.Bank.MaxTransactionAmount = 1_000_000_000
	}
	if cfg.Vault.FlushIntervalMs == 0 {
		cfg.Vault.FlushIntervalMs = 1000
	}
	if cfg.Vault.FlushMaxPendingSlots == 0 {
		cfg.Vault.FlushMaxPendingSlots = 5
	}
	if cfg.Vault.LogRetentionDays == 0 {
		cfg.Vault.LogRetentionDays = 90
	}
	if cfg.Vault.IdleSessionTimeoutMs == 0 {
		cfg.Vault.IdleSessionTimeoutMs = 300_000
	}
}
