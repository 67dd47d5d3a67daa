package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
database:
  host: "localhost"
  port: 5432
  username: "u"
  password: "p"
  name: "db"
kafka:
  host: "localhost"
  port: 9092
  changes_topic_name: "partsync.changes"
  commands_topic_name: "partsync.commands"
  command_consumer_group: "sync-worker"
redis:
  host: "localhost"
  port: 6379
logging:
  level: "debug"
  format: "console"
sync:
  http_addr: ":8082"
  tracking_batch_size: 25
  rate_limit_ups_per_minute: 60
  vendor_base_url: "https://wcproducts.example"
  vendor_qps: 2.5
  fake_carriers: true
`), 0o600))

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, "u", cfg.Database.Username)
	require.Equal(t, "partsync.changes", cfg.Kafka.ChangesTopicName)
	require.Equal(t, "sync-worker", cfg.Kafka.CommandConsumerGroup)
	require.Equal(t, 6379, cfg.Redis.Port)
	require.Equal(t, "console", cfg.Logging.Format)
	require.Equal(t, ":8082", cfg.Sync.HTTPAddr)
	require.Equal(t, 25, cfg.Sync.TrackingBatchSize)
	require.Equal(t, 60, cfg.Sync.RateLimitUPSPerMinute)
	require.InDelta(t, 2.5, cfg.Sync.VendorQPS, 1e-9)
	require.True(t, cfg.Sync.FakeCarriers)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to read config file")
}
