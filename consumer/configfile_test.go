package consumer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "consumer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
bootstrap_servers:
  - broker1:9092
  - broker2:9092
group_id: billing
consume_model: Broadcasting
consume_batch_size: 16
consume_thread_num: 8
buffer_capacity: 500
poll_timeout_ms: 250
commit_interval_ms: 2000
offset_store_dir: /var/lib/offsets
dead_letter_block_on_fail: true
`), 0o644))

	opts, err := LoadConfigFile(path)
	require.NoError(t, err)

	cfg := defaultConsumeConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.BootstrapServers)
	assert.Equal(t, "billing", cfg.GroupID)
	assert.Equal(t, ModelBroadcasting, cfg.Model)
	assert.Equal(t, 16, cfg.ConsumeBatchSize)
	assert.Equal(t, 8, cfg.ConsumeThreadNum)
	assert.Equal(t, 500, cfg.BufferCapacity)
	assert.Equal(t, 250*time.Millisecond, cfg.PollTimeout)
	assert.Equal(t, 2*time.Second, cfg.CommitInterval)
	assert.Equal(t, "/var/lib/offsets", cfg.OffsetStoreDir)
	assert.True(t, cfg.DeadLetterBlockOnFail)
}

func TestLoadConfigFile_InvalidModel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "consumer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("consume_model: Sharded\n"), 0o644))

	_, err := LoadConfigFile(path)
	require.Error(t, err)
}

func TestConfigNormalize(t *testing.T) {
	cfg := defaultConsumeConfig()
	cfg.ConsumeBatchSize = 100
	require.NoError(t, cfg.normalize())
	assert.Equal(t, 32, cfg.ConsumeBatchSize, "batch size is capped")
	assert.NotEmpty(t, cfg.ClientID, "client id defaults to group + uuid")

	cfg = defaultConsumeConfig()
	cfg.GroupID = ""
	require.Error(t, cfg.normalize())

	cfg = defaultConsumeConfig()
	cfg.BufferCapacity = 5
	cfg.ConsumeBatchSize = 10
	require.Error(t, cfg.normalize(), "capacity below batch size is rejected")
}

func TestParseConsumeModel(t *testing.T) {
	m, err := ParseConsumeModel("Clustering")
	require.NoError(t, err)
	assert.Equal(t, ModelClustering, m)

	m, err = ParseConsumeModel("broadcasting")
	require.NoError(t, err)
	assert.Equal(t, ModelBroadcasting, m)

	_, err = ParseConsumeModel("bogus")
	require.Error(t, err)
}
