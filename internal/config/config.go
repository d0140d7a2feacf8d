package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gregtusar/brokerd/pkg/models"
	"github.com/gregtusar/brokerd/pkg/secrets"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Broker        BrokerConfig        `mapstructure:"broker"`
	Accounts      []AccountConfig     `mapstructure:"accounts"`
	Pool          PoolConfig          `mapstructure:"pool"`
	Subscriptions SubscriptionsConfig `mapstructure:"subscriptions"`
	Ticks         TicksConfig         `mapstructure:"ticks"`
	Orders        OrdersConfig        `mapstructure:"orders"`
	Bus           BusConfig           `mapstructure:"bus"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	GCP           GCPConfig           `mapstructure:"gcp"`

	v *viper.Viper
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type BrokerConfig struct {
	WSURL           string        `mapstructure:"ws_url"`
	RESTURL         string        `mapstructure:"rest_url"`
	InstrumentsFile string        `mapstructure:"instruments_file"`
	Mode            string        `mapstructure:"mode"` // ltp, quote or full
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	StaleTimeout    time.Duration `mapstructure:"stale_timeout"`
}

type AccountConfig struct {
	Name           string `mapstructure:"name"`
	APIKey         string `mapstructure:"api_key"`
	APISecret      string `mapstructure:"api_secret"`
	AccessToken    string `mapstructure:"access_token"`
	AuthType       string `mapstructure:"auth_type"` // legacy (HMAC headers) or jwt
	PrivateKeyPEM  string `mapstructure:"private_key_pem"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxInstruments int    `mapstructure:"max_instruments"`
}

type PoolConfig struct {
	InstrumentsPerConnection int           `mapstructure:"instruments_per_connection"`
	DialTimeout              time.Duration `mapstructure:"dial_timeout"`
	ReconnectMin             time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax             time.Duration `mapstructure:"reconnect_max"`
	MaxReconnectAttempts     int           `mapstructure:"max_reconnect_attempts"`
	DispatchQueueSize        int           `mapstructure:"dispatch_queue_size"`
}

type SubscriptionsConfig struct {
	Symbols  []string      `mapstructure:"symbols"` // EXCHANGE:TRADINGSYMBOL
	Debounce time.Duration `mapstructure:"debounce"`
}

type TicksConfig struct {
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

type OrdersConfig struct {
	Workers           int           `mapstructure:"workers"`
	QueueSize         int           `mapstructure:"queue_size"`
	RegistrySize      int           `mapstructure:"registry_size"`
	RatePerSecond     float64       `mapstructure:"rate_per_second"`
	Burst             int           `mapstructure:"burst"`
	IdempotencyWindow time.Duration `mapstructure:"idempotency_window"`
	IdempotencyBucket time.Duration `mapstructure:"idempotency_bucket"`
	BreakerThreshold  int           `mapstructure:"breaker_threshold"`
	BreakerRecovery   time.Duration `mapstructure:"breaker_recovery"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
}

type BusConfig struct {
	Backend        string        `mapstructure:"backend"` // none, redis or kafka
	RedisAddr      string        `mapstructure:"redis_addr"`
	RedisDB        int           `mapstructure:"redis_db"`
	KafkaBrokers   []string      `mapstructure:"kafka_brokers"`
	KafkaTopic     string        `mapstructure:"kafka_topic"`
	Buffer         int           `mapstructure:"buffer"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/brokerd")
	}

	v.SetEnvPrefix("BROKERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment
	}

	config, err := decode(v)
	if err != nil {
		return nil, err
	}

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		if err := loadSecretsFromGCP(ctx, config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	config.v = v
	overrideFromEnv(&config)
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)

	v.SetDefault("broker.ws_url", "wss://ws.kite.trade")
	v.SetDefault("broker.rest_url", "https://api.kite.trade")
	v.SetDefault("broker.instruments_file", "./data/instruments.csv")
	v.SetDefault("broker.mode", "full")
	v.SetDefault("broker.request_timeout", "10s")
	v.SetDefault("broker.ping_interval", "15s")
	v.SetDefault("broker.stale_timeout", "45s")

	v.SetDefault("pool.instruments_per_connection", 3000)
	v.SetDefault("pool.dial_timeout", "10s")
	v.SetDefault("pool.reconnect_min", "500ms")
	v.SetDefault("pool.reconnect_max", "30s")
	v.SetDefault("pool.max_reconnect_attempts", 10)
	v.SetDefault("pool.dispatch_queue_size", 4096)

	v.SetDefault("subscriptions.debounce", "250ms")

	v.SetDefault("ticks.subscriber_buffer", 1024)

	v.SetDefault("orders.workers", 4)
	v.SetDefault("orders.queue_size", 256)
	v.SetDefault("orders.registry_size", 10000)
	v.SetDefault("orders.rate_per_second", 10)
	v.SetDefault("orders.burst", 10)
	v.SetDefault("orders.idempotency_window", "5m")
	v.SetDefault("orders.idempotency_bucket", "1s")
	v.SetDefault("orders.breaker_threshold", 5)
	v.SetDefault("orders.breaker_recovery", "30s")
	v.SetDefault("orders.call_timeout", "10s")

	v.SetDefault("bus.backend", "none")
	v.SetDefault("bus.redis_addr", "localhost:6379")
	v.SetDefault("bus.kafka_topic", "ticks")
	v.SetDefault("bus.buffer", 4096)
	v.SetDefault("bus.publish_timeout", "2s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.prefix", secretNames.Prefix)
	v.SetDefault("gcp.secret_names.api_key", secretNames.APIKey)
	v.SetDefault("gcp.secret_names.api_secret", secretNames.APISecret)
	v.SetDefault("gcp.secret_names.access_token", secretNames.AccessToken)
	v.SetDefault("gcp.secret_names.private_key", secretNames.PrivateKey)
}

// overrideFromEnv applies per-account credentials such as
// BROKERD_ACCOUNT_PRIMARY_API_KEY, which viper cannot bind into a list.
func overrideFromEnv(config *Config) {
	for i := range config.Accounts {
		a := &config.Accounts[i]
		prefix := "BROKERD_ACCOUNT_" + strings.ToUpper(strings.ReplaceAll(a.Name, "-", "_")) + "_"
		if v := os.Getenv(prefix + "API_KEY"); v != "" {
			a.APIKey = v
		}
		if v := os.Getenv(prefix + "API_SECRET"); v != "" {
			a.APISecret = v
		}
		if v := os.Getenv(prefix + "ACCESS_TOKEN"); v != "" {
			a.AccessToken = v
		}
		if v := os.Getenv(prefix + "PRIVATE_KEY"); v != "" {
			a.PrivateKeyPEM = v
		}
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	for i := range config.Accounts {
		acct := config.Accounts[i].model()
		secretManager.FillAccount(ctx, config.GCP.SecretNames, &acct)
		config.Accounts[i].APIKey = acct.APIKey
		config.Accounts[i].APISecret = acct.APISecret
		config.Accounts[i].AccessToken = acct.AccessToken
		config.Accounts[i].PrivateKeyPEM = acct.PrivateKeyPEM
	}

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}

// Validate returns the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: %d out of range", c.Server.Port)
	}
	if c.Broker.WSURL == "" {
		return errors.New("broker.ws_url is required")
	}
	switch c.Broker.Mode {
	case "ltp", "quote", "full":
	default:
		return fmt.Errorf("broker.mode: unknown mode %q", c.Broker.Mode)
	}
	if len(c.Accounts) == 0 {
		return errors.New("accounts: at least one account is required")
	}
	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.Name == "" {
			return fmt.Errorf("accounts[%d].name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("accounts[%d].name: duplicate account %q", i, a.Name)
		}
		seen[a.Name] = true
		if a.MaxConnections <= 0 {
			return fmt.Errorf("accounts[%d].max_connections must be positive", i)
		}
		if a.MaxInstruments < 0 {
			return fmt.Errorf("accounts[%d].max_instruments must not be negative", i)
		}
		switch a.AuthType {
		case "", "legacy", "jwt":
		default:
			return fmt.Errorf("accounts[%d].auth_type: unknown type %q", i, a.AuthType)
		}
	}
	if c.Pool.InstrumentsPerConnection <= 0 {
		return errors.New("pool.instruments_per_connection must be positive")
	}
	if c.Pool.ReconnectMin <= 0 || c.Pool.ReconnectMax < c.Pool.ReconnectMin {
		return errors.New("pool.reconnect_min/reconnect_max: need 0 < min <= max")
	}
	if c.Pool.DispatchQueueSize <= 0 {
		return errors.New("pool.dispatch_queue_size must be positive")
	}
	for i, s := range c.Subscriptions.Symbols {
		if exch, sym, ok := strings.Cut(s, ":"); !ok || exch == "" || sym == "" {
			return fmt.Errorf("subscriptions.symbols[%d]: %q is not EXCHANGE:SYMBOL", i, s)
		}
	}
	if c.Ticks.SubscriberBuffer <= 0 {
		return errors.New("ticks.subscriber_buffer must be positive")
	}
	if c.Orders.Workers <= 0 {
		return errors.New("orders.workers must be positive")
	}
	if c.Orders.QueueSize <= 0 {
		return errors.New("orders.queue_size must be positive")
	}
	if c.Orders.RegistrySize <= 0 {
		return errors.New("orders.registry_size must be positive")
	}
	if c.Orders.BreakerThreshold <= 0 {
		return errors.New("orders.breaker_threshold must be positive")
	}
	switch c.Bus.Backend {
	case "", "none":
	case "redis":
		if c.Bus.RedisAddr == "" {
			return errors.New("bus.redis_addr is required for the redis backend")
		}
	case "kafka":
		if len(c.Bus.KafkaBrokers) == 0 || c.Bus.KafkaTopic == "" {
			return errors.New("bus.kafka_brokers and bus.kafka_topic are required for the kafka backend")
		}
	default:
		return fmt.Errorf("bus.backend: unknown backend %q", c.Bus.Backend)
	}
	return nil
}

func (a AccountConfig) model() models.Account {
	return models.Account{
		Name:           a.Name,
		APIKey:         a.APIKey,
		APISecret:      a.APISecret,
		AccessToken:    a.AccessToken,
		AuthType:       a.AuthType,
		PrivateKeyPEM:  a.PrivateKeyPEM,
		MaxConnections: a.MaxConnections,
		MaxInstruments: a.MaxInstruments,
	}
}

// AccountModels returns the accounts in configured order.
func (c *Config) AccountModels() []models.Account {
	out := make([]models.Account, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		out = append(out, a.model())
	}
	return out
}

// Watch re-reads the config file on change and hands every valid result to
// fn. Invalid edits are logged and ignored.
func (c *Config) Watch(logger *logrus.Logger, fn func(*Config)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		next, err := decode(c.v)
		if err == nil {
			err = next.Validate()
		}
		if err != nil {
			logger.WithError(err).WithField("file", e.Name).Warn("Ignoring invalid config change")
			return
		}
		logger.WithField("file", e.Name).Info("Config file changed")
		fn(next)
	})
	c.v.WatchConfig()
}
