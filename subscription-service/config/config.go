package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"

	PaymentsSimulated = "simulated"
	PaymentsStripe    = "stripe"

	NotificationsLog = "log"
	NotificationsSQS = "sqs"

	IdempotencyMemory = "memory"
	IdempotencyRedis  = "redis"
)

type Config struct {
	ServiceName   string        `mapstructure:"service_name"`
	Env           string        `mapstructure:"env"`
	Port          string        `mapstructure:"port"`
	LogLevel      string        `mapstructure:"log_level"`
	Store         Store         `mapstructure:"store"`
	Database      Database      `mapstructure:"database"`
	AWS           AWS           `mapstructure:"aws"`
	Kafka         Kafka         `mapstructure:"kafka"`
	Redis         Redis         `mapstructure:"redis"`
	Payments      Payments      `mapstructure:"payments"`
	Notifications Notifications `mapstructure:"notifications"`
	Idempotency   Idempotency   `mapstructure:"idempotency"`
	Outbox        Outbox        `mapstructure:"outbox"`
	Saga          Saga          `mapstructure:"saga"`
	Telemetry     Telemetry     `mapstructure:"telemetry"`
}

// Store selects where subscriptions, sagas and outbox events live.
type Store struct {
	Driver string `mapstructure:"driver"`
}

type Database struct {
	URL            string `mapstructure:"url"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	Database       string `mapstructure:"database"`
	SSLMode        string `mapstructure:"ssl_mode"`
	ConnectRetries uint64 `mapstructure:"connect_retries"`
	Migrate        bool   `mapstructure:"migrate"`
}

type AWS struct {
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Region          string `mapstructure:"region"`
	EndpointSNS     string `mapstructure:"endpoint_sns"`
	EndpointSQS     string `mapstructure:"endpoint_sqs"`
	SNSTopicArn     string `mapstructure:"sns_topic_arn"`
	SQSQueueURL     string `mapstructure:"sqs_queue_url"`
	// SNSRelay forwards every processed outbox event to SNSTopicArn
	SNSRelay bool `mapstructure:"sns_relay"`
}

type Kafka struct {
	Enabled     bool     `mapstructure:"enabled"`
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type Payments struct {
	Provider             string   `mapstructure:"provider"`
	StripeSecretKey      string   `mapstructure:"stripe_secret_key"`
	DefaultPaymentMethod string   `mapstructure:"default_payment_method"`
	DeclinedPlans        []string `mapstructure:"declined_plans"`
}

type Notifications struct {
	Driver string `mapstructure:"driver"`
}

type Idempotency struct {
	Driver string        `mapstructure:"driver"`
	Prefix string        `mapstructure:"prefix"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type Outbox struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	BatchSize   int           `mapstructure:"batch_size"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type Saga struct {
	RecoverOnStart bool `mapstructure:"recover_on_start"`
}

type Telemetry struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func ReadConfig() (*Config, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return nil, errors.New("unable to get current file")
	}

	configDir := filepath.Dir(filename)
	viper.SetConfigName(getConfigName())
	viper.SetConfigType("json")
	viper.AddConfigPath(configDir)

	// SUBSCRIPTION_OUTBOX_BATCH_SIZE overrides outbox.batch_size
	viper.SetEnvPrefix("SUBSCRIPTION")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaultsFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "error reading config file")
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "error unmarshaling config")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects unknown driver names.
func (c *Config) Validate() error {
	checks := []struct {
		key, value string
		allowed    []string
	}{
		{"store.driver", c.Store.Driver, []string{DriverMemory, DriverPostgres}},
		{"payments.provider", c.Payments.Provider, []string{PaymentsSimulated, PaymentsStripe}},
		{"notifications.driver", c.Notifications.Driver, []string{NotificationsLog, NotificationsSQS}},
		{"idempotency.driver", c.Idempotency.Driver, []string{IdempotencyMemory, IdempotencyRedis}},
	}
	for _, check := range checks {
		if !contains(check.allowed, check.value) {
			return errors.Errorf("invalid %s %q, expected one of %v", check.key, check.value, check.allowed)
		}
	}
	if c.Payments.Provider == PaymentsStripe && c.Payments.StripeSecretKey == "" {
		return errors.New("payments.stripe_secret_key is required for the stripe provider")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required when kafka is enabled")
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func getConfigName() string {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		return "local"
	}
	return env
}

// setDefaultsFromEnv sets defaults from environment variables for backward compatibility
func setDefaultsFromEnv() {
	// Service defaults
	viper.SetDefault("service_name", "subscription-service")
	viper.SetDefault("env", getEnv("ENV", "local"))
	viper.SetDefault("port", getEnv("PORT", "8080"))
	viper.SetDefault("log_level", getEnv("LOG_LEVEL", ""))

	viper.SetDefault("store.driver", DriverMemory)

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "password")
	viper.SetDefault("database.database", "subscription_system")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.connect_retries", 5)
	viper.SetDefault("database.migrate", true)

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		viper.Set("database.url", dbURL)
	}

	// AWS defaults
	viper.SetDefault("aws.access_key_id", getEnv("AWS_ACCESS_KEY_ID", "test"))
	viper.SetDefault("aws.secret_access_key", getEnv("AWS_SECRET_ACCESS_KEY", "test"))
	viper.SetDefault("aws.region", getEnv("AWS_DEFAULT_REGION", "us-east-1"))
	viper.SetDefault("aws.endpoint_sns", getEnv("AWS_ENDPOINT_URL_SNS", "http://localhost:4566"))
	viper.SetDefault("aws.endpoint_sqs", getEnv("AWS_ENDPOINT_URL_SQS", "http://localhost:4566"))
	viper.SetDefault("aws.sns_topic_arn", getEnv("SNS_TOPIC_ARN", "arn:aws:sns:us-east-1:000000000000:subscription-events"))
	viper.SetDefault("aws.sqs_queue_url", getEnv("SQS_QUEUE_URL", "http://localhost:4566/000000000000/subscription-notifications"))
	viper.SetDefault("aws.sns_relay", false)

	viper.SetDefault("kafka.enabled", false)
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.topic_prefix", "subscriptions.")

	viper.SetDefault("redis.addr", getEnv("REDIS_ADDR", "localhost:6379"))
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("payments.provider", PaymentsSimulated)
	viper.SetDefault("payments.stripe_secret_key", getEnv("STRIPE_SECRET_KEY", ""))
	viper.SetDefault("payments.default_payment_method", "pm_card_visa")
	viper.SetDefault("payments.declined_plans", []string{})

	viper.SetDefault("notifications.driver", NotificationsLog)

	viper.SetDefault("idempotency.driver", IdempotencyMemory)
	viper.SetDefault("idempotency.prefix", "subscription:idempotency:")
	viper.SetDefault("idempotency.ttl", 24*time.Hour)

	viper.SetDefault("outbox.enabled", true)
	viper.SetDefault("outbox.interval", 10*time.Second)
	viper.SetDefault("outbox.batch_size", 50)
	viper.SetDefault("outbox.max_attempts", 3)

	viper.SetDefault("saga.recover_on_start", true)

	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.otlp_endpoint", getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetDatabaseURL returns database.url when set, otherwise builds it from the parts
func (c *Config) GetDatabaseURL() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		c.Database.SSLMode,
	)
}
