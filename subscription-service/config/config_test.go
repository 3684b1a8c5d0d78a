package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfig_Local(t *testing.T) {
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("SUBSCRIPTION_OUTBOX_BATCH_SIZE", "25")

	cfg, err := ReadConfig()
	require.NoError(t, err)

	assert.Equal(t, "subscription-service", cfg.ServiceName)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, PaymentsSimulated, cfg.Payments.Provider)
	assert.Equal(t, 10*time.Second, cfg.Outbox.Interval)
	assert.Equal(t, 25, cfg.Outbox.BatchSize)
	assert.Equal(t, 3, cfg.Outbox.MaxAttempts)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.TTL)
	assert.True(t, cfg.Saga.RecoverOnStart)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Store:         Store{Driver: DriverMemory},
			Payments:      Payments{Provider: PaymentsSimulated},
			Notifications: Notifications{Driver: NotificationsLog},
			Idempotency:   Idempotency{Driver: IdempotencyMemory},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "unknown store", mutate: func(c *Config) { c.Store.Driver = "mysql" }, wantErr: "store.driver"},
		{name: "unknown notifier", mutate: func(c *Config) { c.Notifications.Driver = "smtp" }, wantErr: "notifications.driver"},
		{name: "stripe without key", mutate: func(c *Config) { c.Payments.Provider = PaymentsStripe }, wantErr: "stripe_secret_key"},
		{name: "kafka without brokers", mutate: func(c *Config) { c.Kafka.Enabled = true }, wantErr: "kafka.brokers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_GetDatabaseURL(t *testing.T) {
	cfg := Config{Database: Database{
		Host: "db", Port: 5432, User: "app", Password: "secret", Database: "subs", SSLMode: "disable",
	}}
	assert.Equal(t, "postgres://app:secret@db:5432/subs?sslmode=disable", cfg.GetDatabaseURL())

	cfg.Database.URL = "postgres://override"
	assert.Equal(t, "postgres://override", cfg.GetDatabaseURL())
}
