package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App     AppConfig     `mapstructure:"app"`
	DB      DBConfig      `mapstructure:"db"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Wallet  WalletConfig  `mapstructure:"wallet"`
	Credits CreditsConfig `mapstructure:"credits"`
	TxQueue TxQueueConfig `mapstructure:"tx_queue"`
}

type AppConfig struct {
	Env      string `mapstructure:"env"`
	HttpPort string `mapstructure:"http_port"`

	// SubmitAllowlist restricts POST /api/tx-queue to ERC-8128 signed requests
	// from these addresses. Empty disables the check.
	SubmitAllowlist []string `mapstructure:"submit_allowlist"`
	// SubmitOpen accepts unsigned submissions when SubmitAllowlist is empty.
	// Off by default: an empty allow-list then disables submissions.
	SubmitOpen bool `mapstructure:"submit_open"`
}

type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
}

// DSN renders the gorm/pgx connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		c.Host, c.User, c.Password, c.Name, c.Port)
}

// URL renders the postgres:// form used by golang-migrate.
func (c DBConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	MQType   string `mapstructure:"mq_type"` // "redis", "kafka" or "none"
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
}

type WalletConfig struct {
	Mode           string        `mapstructure:"mode"` // "local" or "remote"
	PrivateKey     string        `mapstructure:"private_key"`
	Mnemonic       string        `mapstructure:"mnemonic"`
	DerivationPath string        `mapstructure:"derivation_path"`
	KeystorePath   string        `mapstructure:"keystore_path"`
	Password       string        `mapstructure:"password"` // usually WALLET_PASSWORD
	RemoteURL      string        `mapstructure:"remote_url"`
	RemoteAPIKey   string        `mapstructure:"remote_api_key"`
	RemoteAddress  string        `mapstructure:"remote_address"`
	RemoteTimeout  time.Duration `mapstructure:"remote_timeout"`
	RpcUrl         string        `mapstructure:"rpc_url"`
	ChainID        int64         `mapstructure:"chain_id"`
}

type CreditsConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	ChainID        int64         `mapstructure:"chain_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SignatureTTL   time.Duration `mapstructure:"signature_ttl"`
	SessionStore   string        `mapstructure:"session_store"` // "none", "memory" or "redis"
	PaymentMode    string        `mapstructure:"payment_mode"`  // "credits" or "custom"
}

type TxQueueConfig struct {
	Store         string        `mapstructure:"store"` // "memory" or "postgres"
	MaxPending    int           `mapstructure:"max_pending"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BaseBackoff   time.Duration `mapstructure:"base_backoff"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff"`
	TTL           time.Duration `mapstructure:"ttl"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	Confirmations uint64        `mapstructure:"confirmations"`
	Workers       int           `mapstructure:"workers"`
	SubmitTopic   string        `mapstructure:"submit_topic"`
	StatusTopic   string        `mapstructure:"status_topic"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
}

var Global Config

// Init loads the configuration into Global and aborts the process on a
// malformed config file.
func Init() {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("Fatal error config file: %s \n", err)
	}
	Global = *cfg
	log.Printf("Configuration loaded successfully. Env: %s", Global.App.Env)
}

// Load reads config.yaml from the given directories (default "." and
// "./config"), overlays environment variables and applies defaults. A missing
// file is not an error.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./config"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Printf("Warning: Config file not found, using defaults and environment variables")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.http_port", "8080")
	v.SetDefault("app.submit_allowlist", []string{})
	v.SetDefault("app.submit_open", false)

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.user", "wallet_user")
	v.SetDefault("db.password", "wallet_password")
	v.SetDefault("db.name", "wallet_db")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.mq_type", "none")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})

	v.SetDefault("wallet.mode", "local")
	// empty defaults register the keys so WALLET_* env vars are picked up by Unmarshal
	v.SetDefault("wallet.private_key", "")
	v.SetDefault("wallet.mnemonic", "")
	v.SetDefault("wallet.password", "")
	v.SetDefault("wallet.remote_url", "")
	v.SetDefault("wallet.remote_api_key", "")
	v.SetDefault("wallet.remote_address", "")
	v.SetDefault("wallet.derivation_path", "m/44'/60'/0'/0/0")
	v.SetDefault("wallet.keystore_path", "wallet.json")
	v.SetDefault("wallet.remote_timeout", 15*time.Second)
	v.SetDefault("wallet.rpc_url", "https://mainnet.base.org")
	v.SetDefault("wallet.chain_id", 8453)

	v.SetDefault("credits.base_url", "https://inference.defirelay.com")
	v.SetDefault("credits.chain_id", 8453)
	v.SetDefault("credits.request_timeout", 30*time.Second)
	v.SetDefault("credits.signature_ttl", 60*time.Second)
	v.SetDefault("credits.session_store", "memory")
	v.SetDefault("credits.payment_mode", "credits")

	v.SetDefault("tx_queue.store", "memory")
	v.SetDefault("tx_queue.max_pending", 256)
	v.SetDefault("tx_queue.max_attempts", 5)
	v.SetDefault("tx_queue.base_backoff", 2*time.Second)
	v.SetDefault("tx_queue.max_backoff", time.Minute)
	v.SetDefault("tx_queue.ttl", 30*time.Minute)
	v.SetDefault("tx_queue.poll_interval", 5*time.Second)
	v.SetDefault("tx_queue.confirmations", 2)
	v.SetDefault("tx_queue.workers", 4)
	v.SetDefault("tx_queue.submit_topic", "wallet_events_tx_submit")
	v.SetDefault("tx_queue.status_topic", "wallet_events_tx_status")
	v.SetDefault("tx_queue.lock_ttl", 30*time.Second)
}
