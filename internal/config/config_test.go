package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(EnvMap{})
	require.NoError(t, err)

	assert.Equal(t, uint64(12), cfg.SourceConfirmations)
	assert.Equal(t, uint64(1000), cfg.SourceBatchSize)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, uint(9), cfg.AmountScaleDecimals)
	assert.Equal(t, 2*time.Minute, cfg.ChainCallTimeout)
	assert.Equal(t, LockSourceChain, cfg.LockSource)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.SerializeByAccount)
	assert.True(t, cfg.PublishOutcomes)
	assert.Equal(t, "sqlite", cfg.JournalBackend())
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.NotEmpty(t, cfg.InstanceID)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(EnvMap{
		"SOURCE_CONFIRMATIONS":  "3",
		"AMOUNT_SCALE_DECIMALS": "0",
		"CHAIN_CALL_TIMEOUT":    "45s",
		"LOCK_SOURCE":           "KAFKA",
		"KAFKA_BROKERS":         "k1:9092, k2:9092,",
		"SERIALIZE_BY_ACCOUNT":  "false",
		"JOURNAL_DSN":           "user:pass@tcp(db:3306)/relay",
		"REDIS_ADDR":            " redis:6379 ",
		"RELAYER_INSTANCE_ID":   " relayer-2 ",
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(3), cfg.SourceConfirmations)
	assert.Equal(t, uint(0), cfg.AmountScaleDecimals)
	assert.Equal(t, 45*time.Second, cfg.ChainCallTimeout)
	assert.Equal(t, LockSourceKafka, cfg.LockSource)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.False(t, cfg.SerializeByAccount)
	assert.Equal(t, "mysql", cfg.JournalBackend())
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, "relayer-2", cfg.InstanceID)
	assert.Equal(t, "relayer-2", cfg.Redacted()["instance_id"])
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]EnvMap{
		"scale":    {"AMOUNT_SCALE_DECIMALS": "20"},
		"timeout":  {"CHAIN_CALL_TIMEOUT": "soon"},
		"negative": {"LOCK_TTL": "-1s"},
		"source":   {"LOCK_SOURCE": "mempool"},
		"bool":     {"PUBLISH_OUTCOMES": "maybe"},
		"uint":     {"SOURCE_START_BLOCK": "-4"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(env)
			assert.Error(t, err)
		})
	}

	_, err := Load(nil)
	assert.Error(t, err)
}

func TestRequireRelayerListsMissingSettings(t *testing.T) {
	cfg, err := Load(EnvMap{"SOURCE_RPC_URL": "http://eth"})
	require.NoError(t, err)

	err = cfg.RequireRelayer()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEST_ADMIN_PRIVATE_KEY")
	assert.Contains(t, err.Error(), "SOURCE_BRIDGE_ADDRESS")

	assert.Error(t, Config{}.RequireWatcher())
}

func TestRedactedOmitsKeys(t *testing.T) {
	cfg := Config{SourceAdminPrivateKey: "secret-eth", DestAdminPrivateKey: "secret-sol"}
	for _, value := range cfg.Redacted() {
		assert.NotEqual(t, "secret-eth", value)
		assert.NotEqual(t, "secret-sol", value)
	}
}

func TestSourceEndpointPrefersWebsocket(t *testing.T) {
	assert.Equal(t, "ws://eth", Config{SourceRPCURL: "http://eth", SourceWSURL: "ws://eth"}.SourceEndpoint())
	assert.Equal(t, "http://eth", Config{SourceRPCURL: "http://eth"}.SourceEndpoint())
}

func TestEnvFileOverride(t *testing.T) {
	t.Setenv(EnvFileVar, "")
	assert.Equal(t, ".env", envFile())
	t.Setenv(EnvFileVar, "deploy/relayer.env")
	assert.Equal(t, "deploy/relayer.env", envFile())
}
