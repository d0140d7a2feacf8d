package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
server:
  port: 9090
accounts:
  - name: primary
    api_key: k1
    max_connections: 3
  - name: secondary
    max_connections: 1
    max_instruments: 500
subscriptions:
  symbols: ["NSE:INFY", "NSE:TCS"]
  debounce: 100ms
orders:
  workers: 2
bus:
  backend: redis
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "brokerd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileDefaultsAndEnv(t *testing.T) {
	t.Setenv("BROKERD_ORDERS_QUEUE_SIZE", "64")
	t.Setenv("BROKERD_ACCOUNT_SECONDARY_ACCESS_TOKEN", "tok")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"NSE:INFY", "NSE:TCS"}, cfg.Subscriptions.Symbols)
	assert.Equal(t, 100*time.Millisecond, cfg.Subscriptions.Debounce)
	assert.Equal(t, 2, cfg.Orders.Workers)
	assert.Equal(t, 64, cfg.Orders.QueueSize)
	assert.Equal(t, 3000, cfg.Pool.InstrumentsPerConnection)
	assert.Equal(t, 30*time.Second, cfg.Orders.BreakerRecovery)
	assert.Equal(t, "localhost:6379", cfg.Bus.RedisAddr)

	accounts := cfg.AccountModels()
	require.Len(t, accounts, 2)
	assert.Equal(t, "primary", accounts[0].Name)
	assert.Equal(t, "k1", accounts[0].APIKey)
	assert.Equal(t, "tok", accounts[1].AccessToken)
	assert.Equal(t, 500, accounts[1].Capacity(cfg.Pool.InstrumentsPerConnection))
}

func TestLoad_RejectsInvalidFile(t *testing.T) {
	_, err := Load(writeConfig(t, "accounts: []\n"))
	assert.ErrorContains(t, err, "at least one account")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load(writeConfig(t, sample))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"mode", func(c *Config) { c.Broker.Mode = "depth" }, "broker.mode"},
		{"duplicate account", func(c *Config) { c.Accounts[1].Name = "primary" }, "duplicate account"},
		{"no connections", func(c *Config) { c.Accounts[0].MaxConnections = 0 }, "accounts[0].max_connections"},
		{"auth type", func(c *Config) { c.Accounts[0].AuthType = "oauth" }, "auth_type"},
		{"symbol", func(c *Config) { c.Subscriptions.Symbols = []string{"INFY"} }, "subscriptions.symbols[0]"},
		{"reconnect", func(c *Config) { c.Pool.ReconnectMax = time.Millisecond }, "pool.reconnect_min"},
		{"breaker", func(c *Config) { c.Orders.BreakerThreshold = 0 }, "orders.breaker_threshold"},
		{"kafka", func(c *Config) { c.Bus.Backend = "kafka" }, "bus.kafka_brokers"},
		{"bus", func(c *Config) { c.Bus.Backend = "nats" }, "bus.backend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	assert.NoError(t, valid().Validate())
}
