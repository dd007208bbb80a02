package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	Server     ServerConfig     `yaml:"server"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	Broker     BrokerConfig     `yaml:"broker"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	NATS       NATSConfig       `yaml:"nats"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit"`
	Auth       AuthConfig       `yaml:"auth"`
	Security   SecurityConfig   `yaml:"security"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Chain      ChainConfig      `yaml:"chain"`
	Settlement SettlementConfig `yaml:"settlement"`
	Metrics    MetricsConfig    `yaml:"metrics"`
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

// BrokerConfig selects where outbox events go: "kafka" or "nats".
type BrokerConfig struct {
	Type string `yaml:"type"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	Issuer    string        `yaml:"issuer"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type SecurityConfig struct {
	// EncryptionKey seals deposit-wallet private keys; 32 bytes, raw or base64.
	EncryptionKey string `yaml:"encryption_key"`
}

// LedgerConfig holds the service-wide concurrency limits. Accounts may only
// lower them.
type LedgerConfig struct {
	MaxConcurrentWithdrawals int `yaml:"max_concurrent_withdrawals"`
	MaxConcurrentDebits      int `yaml:"max_concurrent_debits"`
	MaxSocketBackpressure    int `yaml:"max_socket_backpressure"`
	MaxLockRetries           int `yaml:"max_lock_retries"`
}

type ChainConfig struct {
	Network           string `yaml:"network"` // ethereum | simulated
	RPCURL            string `yaml:"rpc_url"`
	MainWalletAddress string `yaml:"main_wallet_address"`
	MainWalletSecret  string `yaml:"main_wallet_secret"`
	SimulatedFee      int64  `yaml:"simulated_fee"`
}

type SettlementConfig struct {
	WorkerID              string        `yaml:"worker_id"`
	PollInterval          time.Duration `yaml:"poll_interval"`
	BroadcastInterval     time.Duration `yaml:"broadcast_interval"`
	SettleInterval        time.Duration `yaml:"settle_interval"`
	OutboxInterval        time.Duration `yaml:"outbox_interval"`
	RPCTimeout            time.Duration `yaml:"rpc_timeout"`
	BlockFetchLimit       int           `yaml:"block_fetch_limit"`
	RequiredConfirmations int64         `yaml:"required_confirmations"`
	MaxWithdrawalAttempts int           `yaml:"max_withdrawal_attempts"`
	BatchSize             int           `yaml:"batch_size"`
	StartHeight           int64         `yaml:"start_height"`
	QueueSize             int           `yaml:"queue_size"`
	CheckpointStore       string        `yaml:"checkpoint_store"` // file | db
	CheckpointPath        string        `yaml:"checkpoint_path"`
	Membership            string        `yaml:"membership"` // static | redis
	MembershipKey         string        `yaml:"membership_key"`
	MembershipTTL         time.Duration `yaml:"membership_ttl"`
	ShardIndex            int           `yaml:"shard_index"`
	ShardCount            int           `yaml:"shard_count"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads yaml file, applies env overrides and defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		c.Postgres.DSN = c.Postgres.DSN + " password=" + pw
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("WALLET_ENCRYPTION_KEY"); v != "" {
		c.Security.EncryptionKey = v
	}
	if v := os.Getenv("MAIN_WALLET_SECRET"); v != "" {
		c.Chain.MainWalletSecret = v
	}
	if v := os.Getenv("WORKER_ID"); v != "" {
		c.Settlement.WorkerID = v
	}
	for name, dst := range map[string]*int{
		"SHARD_INDEX": &c.Settlement.ShardIndex,
		"SHARD_COUNT": &c.Settlement.ShardCount,
	} {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("env %s: %w", name, err)
			}
			*dst = n
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Broker.Type == "" {
		c.Broker.Type = "kafka"
	}
	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS, c.RateLimit.Burst = 50, 100
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "custody-ledger"
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
	l := &c.Ledger
	if l.MaxConcurrentWithdrawals == 0 {
		l.MaxConcurrentWithdrawals = 10
	}
	if l.MaxConcurrentDebits == 0 {
		l.MaxConcurrentDebits = 50
	}
	if l.MaxSocketBackpressure == 0 {
		l.MaxSocketBackpressure = 1000
	}
	if l.MaxLockRetries == 0 {
		l.MaxLockRetries = 3
	}
	if c.Chain.Network == "" {
		c.Chain.Network = "simulated"
	}
	s := &c.Settlement
	if s.WorkerID == "" {
		s.WorkerID, _ = os.Hostname()
	}
	if s.PollInterval == 0 {
		s.PollInterval = 5 * time.Second
	}
	if s.BroadcastInterval == 0 {
		s.BroadcastInterval = 10 * time.Second
	}
	if s.SettleInterval == 0 {
		s.SettleInterval = 5 * time.Second
	}
	if s.OutboxInterval == 0 {
		s.OutboxInterval = time.Second
	}
	if s.RPCTimeout == 0 {
		s.RPCTimeout = 20 * time.Second
	}
	if s.BlockFetchLimit == 0 {
		s.BlockFetchLimit = 100
	}
	if s.RequiredConfirmations == 0 {
		s.RequiredConfirmations = 12
	}
	if s.MaxWithdrawalAttempts == 0 {
		s.MaxWithdrawalAttempts = 20
	}
	if s.BatchSize == 0 {
		s.BatchSize = 100
	}
	if s.QueueSize == 0 {
		s.QueueSize = 1
	}
	if s.CheckpointStore == "" {
		s.CheckpointStore = "file"
	}
	if s.CheckpointPath == "" {
		s.CheckpointPath = "data/sync-" + s.WorkerID + ".json"
	}
	if s.Membership == "" {
		s.Membership = "static"
	}
	if s.MembershipKey == "" {
		s.MembershipKey = "ledger:settlement:workers"
	}
	if s.MembershipTTL == 0 {
		s.MembershipTTL = 30 * time.Second
	}
	if s.ShardCount == 0 {
		s.ShardCount = 1
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
}

// Validate rejects values the ledger cannot run with.
func (c *Config) Validate() error {
	s := c.Settlement
	switch {
	case s.ShardCount <= 0 || s.ShardIndex < 0 || s.ShardIndex >= s.ShardCount:
		return fmt.Errorf("settlement: shard %d/%d out of range", s.ShardIndex, s.ShardCount)
	case s.RequiredConfirmations < 0:
		return errors.New("settlement: required_confirmations must not be negative")
	case s.CheckpointStore != "file" && s.CheckpointStore != "db":
		return fmt.Errorf("settlement: unknown checkpoint_store %q", s.CheckpointStore)
	case s.Membership != "static" && s.Membership != "redis":
		return fmt.Errorf("settlement: unknown membership %q", s.Membership)
	case c.Broker.Type != "kafka" && c.Broker.Type != "nats":
		return fmt.Errorf("broker: unknown type %q", c.Broker.Type)
	}
	return nil
}
