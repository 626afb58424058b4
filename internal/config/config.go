package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// BaseConfig holds base configuration
type BaseConfig struct {
	Debug     bool   `mapstructure:"debug"`
	SentryDSN string `mapstructure:"sentry_dsn"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// NATSConfig holds NATS JetStream configuration
type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	StreamName     string        `mapstructure:"stream_name"`
	ConsumerName   string        `mapstructure:"consumer_name"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectionName string        `mapstructure:"connection_name"`
	AckWait        time.Duration `mapstructure:"ack_wait"`
	MaxDeliver     int           `mapstructure:"max_deliver"`
	Concurrency    int           `mapstructure:"concurrency"`
}

// WebhookConfig holds payment webhook verification configuration
type WebhookConfig struct {
	// Secret is the shared HMAC secret issued by the payment processor
	Secret string `mapstructure:"secret"`
	// IdempotencyRetention bounds how long processed event keys stay in the
	// in-memory tier of the ledger
	IdempotencyRetention time.Duration `mapstructure:"idempotency_retention"`
	// IdempotencySweepInterval is how often stale cache entries are removed
	IdempotencySweepInterval time.Duration `mapstructure:"idempotency_sweep_interval"`
}

// EmailConfig holds the delivery email provider configuration
type EmailConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	APIKey          string `mapstructure:"api_key"`
	From            string `mapstructure:"from"`
	DownloadBaseURL string `mapstructure:"download_base_url"`
}

// EthereumConfig holds mint chain configuration
type EthereumConfig struct {
	RPCURL           string `mapstructure:"rpc_url"`
	ChainID          int64  `mapstructure:"chain_id"`
	ContractAddress  string `mapstructure:"contract_address"`
	MinterPrivateKey string `mapstructure:"minter_private_key"`
	// FeeCapCeilingGwei bounds the per-gas fee cap; 0 disables the ceiling
	FeeCapCeilingGwei int64 `mapstructure:"fee_cap_ceiling_gwei"`
	// FallbackGasLimit is the fixed gas budget used when estimation fails
	FallbackGasLimit    uint64        `mapstructure:"fallback_gas_limit"`
	CreateConfirmations uint64        `mapstructure:"create_confirmations"`
	MintConfirmations   uint64        `mapstructure:"mint_confirmations"`
	EstimateTimeout     time.Duration `mapstructure:"estimate_timeout"`
	ConfirmTimeout      time.Duration `mapstructure:"confirm_timeout"`
	ReceiptPollInterval time.Duration `mapstructure:"receipt_poll_interval"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // in seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // in seconds
	IdleTimeout  int    `mapstructure:"idle_timeout"`  // in seconds
}

// AuthConfig holds operator endpoint authentication configuration
type AuthConfig struct {
	JWTPublicKey string   `mapstructure:"jwt_public_key"`
	APIKeys      []string `mapstructure:"api_keys"`
}

// WebhookServerConfig holds configuration for webhook-server
type WebhookServerConfig struct {
	BaseConfig `mapstructure:",squash"`
	Server     ServerConfig   `mapstructure:"server"`
	Auth       AuthConfig     `mapstructure:"auth"`
	Database   DatabaseConfig `mapstructure:"database"`
	NATS       NATSConfig     `mapstructure:"nats"`
	Webhook    WebhookConfig  `mapstructure:"webhook"`
	Email      EmailConfig    `mapstructure:"email"`
}

// MintWorkerConfig holds configuration for mint-worker
type MintWorkerConfig struct {
	BaseConfig `mapstructure:",squash"`
	Database   DatabaseConfig `mapstructure:"database"`
	NATS       NATSConfig     `mapstructure:"nats"`
	Ethereum   EthereumConfig `mapstructure:"ethereum"`
}

// LoadWebhookServerConfig loads configuration for webhook-server
func LoadWebhookServerConfig(configFile string, envPath string) (*WebhookServerConfig, error) {
	v := configureViper("webhook-server", configFile, envPath)

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15)
	v.SetDefault("server.write_timeout", 15)
	v.SetDefault("server.idle_timeout", 60)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.stream_name", "MINT_JOBS")
	v.SetDefault("webhook.idempotency_retention", "24h")
	v.SetDefault("webhook.idempotency_sweep_interval", "1h")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config WebhookServerConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Webhook.Secret == "" {
		return nil, errors.New("webhook.secret is required")
	}

	return &config, nil
}

// LoadMintWorkerConfig loads configuration for mint-worker
func LoadMintWorkerConfig(configFile string, envPath string) (*MintWorkerConfig, error) {
	v := configureViper("mint-worker", configFile, envPath)

	// Set defaults
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.stream_name", "MINT_JOBS")
	v.SetDefault("nats.consumer_name", "mint-worker")
	v.SetDefault("nats.ack_wait", "5m")
	v.SetDefault("nats.max_deliver", 3)
	v.SetDefault("nats.concurrency", 4)
	v.SetDefault("ethereum.fallback_gas_limit", 500000)
	v.SetDefault("ethereum.create_confirmations", 2)
	v.SetDefault("ethereum.mint_confirmations", 1)
	v.SetDefault("ethereum.estimate_timeout", "10s")
	v.SetDefault("ethereum.confirm_timeout", "60s")
	v.SetDefault("ethereum.receipt_poll_interval", "5s")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config MintWorkerConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Ethereum.RPCURL == "" {
		return nil, errors.New("ethereum.rpc_url is required")
	}
	if config.Ethereum.ContractAddress == "" {
		return nil, errors.New("ethereum.contract_address is required")
	}
	if config.Ethereum.MinterPrivateKey == "" {
		return nil, errors.New("ethereum.minter_private_key is required")
	}

	return &config, nil
}

// configureViper returns a viper instance with the config file and environment variables set
func configureViper(service string, configFile string, envPath string) *viper.Viper {
	v := viper.New()

	// Load environment variables
	loadEnv(envPath, service)

	// Set config file
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		// Search for config.yaml in multiple locations:
		// 1. Current directory
		v.AddConfigPath(".")
		// 2. Service-specific directory (e.g., cmd/webhook-server/)
		v.AddConfigPath(fmt.Sprintf("cmd/%s/", service))
		// 3. Config directory
		v.AddConfigPath("config/")
	}

	// Set environment variables
	v.SetEnvPrefix("FULFILLMENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicitly bind all environment variables
	bindAllEnvVars(v)
	return v
}

// bindAllEnvVars explicitly binds all possible environment variables.
// This is required for viper to map env vars to config struct fields when no
// config file exists.
func bindAllEnvVars(v *viper.Viper) {
	keys := []string{
		"debug",
		"sentry_dsn",
		// Database
		"database.host",
		"database.port",
		"database.user",
		"database.password",
		"database.dbname",
		"database.sslmode",
		"database.max_open_conns",
		"database.max_idle_conns",
		"database.conn_max_lifetime",
		"database.conn_max_idle_time",
		// NATS
		"nats.url",
		"nats.stream_name",
		"nats.consumer_name",
		"nats.max_reconnects",
		"nats.reconnect_wait",
		"nats.connection_name",
		"nats.ack_wait",
		"nats.max_deliver",
		"nats.concurrency",
		// Webhook
		"webhook.secret",
		"webhook.idempotency_retention",
		"webhook.idempotency_sweep_interval",
		// Email
		"email.endpoint",
		"email.api_key",
		"email.from",
		"email.download_base_url",
		// Ethereum
		"ethereum.rpc_url",
		"ethereum.chain_id",
		"ethereum.contract_address",
		"ethereum.minter_private_key",
		"ethereum.fee_cap_ceiling_gwei",
		"ethereum.fallback_gas_limit",
		"ethereum.create_confirmations",
		"ethereum.mint_confirmations",
		"ethereum.estimate_timeout",
		"ethereum.confirm_timeout",
		"ethereum.receipt_poll_interval",
		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.idle_timeout",
		// Auth
		"auth.jwt_public_key",
		"auth.api_keys",
	}

	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

// loadEnv loads environment variables from the config directory
func loadEnv(envPath string, service string) {
	// Shared base first, then local, then optional per-service local.
	envFiles := []string{".env", ".env.local"}
	if service != "" {
		envFiles = append(envFiles, ".env."+service+".local")
	}

	if envPath == "" {
		envPath = "config/"
	}

	for _, envFile := range envFiles {
		candidate := filepath.Join(envPath, envFile)
		_ = godotenv.Overload(candidate) // Overload lets later files override earlier ones
	}
}

// ChdirRepoRoot changes the current working directory to the repository root
func ChdirRepoRoot() {
	cwd, _ := os.Getwd()
	for range 5 {
		if _, err := os.Stat(filepath.Join(cwd, "config")); err == nil {
			_ = os.Chdir(cwd)
			return
		}
		cwd = filepath.Dir(cwd)
	}
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}
