package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerConfig_Address(t *testing.T) {
	tests := []struct {
		name   string
		server ServerConfig
		want   string
	}{
		{
			name:   "localhost default port",
			server: ServerConfig{Host: "localhost", Port: 8030},
			want:   "localhost:8030",
		},
		{
			name:   "bind all interfaces",
			server: ServerConfig{Host: "0.0.0.0", Port: 8080},
			want:   "0.0.0.0:8080",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.server.Address())
		})
	}
}

func TestPGConfig_BaseURL(t *testing.T) {
	cfg := PGConfig{TestURL: "https://test.example", ProdURL: "https://prod.example"}

	cfg.Env = PGEnvTest
	assert.Equal(t, "https://test.example", cfg.BaseURL())

	cfg.Env = PGEnvProduction
	assert.Equal(t, "https://prod.example", cfg.BaseURL())
}

func TestPGConfig_Validate(t *testing.T) {
	valid := PGConfig{
		Env:       PGEnvTest,
		TestURL:   "https://test.example",
		MallID:    "T0001",
		SecretKey: "secret",
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*PGConfig)
	}{
		{name: "unknown env", mutate: func(c *PGConfig) { c.Env = "staging" }},
		{name: "missing mall id", mutate: func(c *PGConfig) { c.MallID = "" }},
		{name: "missing secret", mutate: func(c *PGConfig) { c.SecretKey = "" }},
		{name: "missing base url", mutate: func(c *PGConfig) { c.TestURL = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrMisconfigured)
		})
	}
}

func TestLoad_ReadsEnvironment(t *testing.T) {
	t.Setenv("PG_MALL_ID", "T0001")
	t.Setenv("PG_SECRET_KEY", "secret")
	t.Setenv("PG_ENV", "PRODUCTION")
	t.Setenv("RECONCILE_INTERVAL", "90s")
	t.Setenv("SHIPPING_FEE", "2500")
	t.Setenv("KAFKA_BOOTSTRAP_SERVERS", "a:9092, b:9092 ,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, PGEnvProduction, cfg.PG.Env)
	assert.Equal(t, 90*time.Second, cfg.Reconcile.Interval)
	assert.Equal(t, int64(2500), cfg.Pricing.ShippingFee)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.NotNil(t, cfg.PG.Location)
}

func TestLoad_MissingSecretFailsFast(t *testing.T) {
	t.Setenv("PG_MALL_ID", "T0001")
	t.Setenv("PG_SECRET_KEY", "")

	_, err := Load()
	assert.ErrorIs(t, err, ErrMisconfigured)
}
