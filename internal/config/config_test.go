package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sigilant/raftwal/internal/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	require.Equal(t, uint64(config.DefaultSegmentMaxBytes), cfg.SegmentMaxBytes)
	require.Equal(t, config.SyncBatch, cfg.SyncMode)
	require.Equal(t, config.DefaultMetricsNamespace, cfg.MetricsNamespace)
}

func TestFromStringMapOverridesDefaults(t *testing.T) {
	cfg, err := config.FromStringMap(map[string]string{
		"log.segment.max.bytes":      "1024",
		"log.sync.mode":              "always",
		"log.sync.batch.entries":     "50",
		"log.sync.batch.interval_ms": "20",
		"log.metrics.namespace":      "myns",
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1024), cfg.SegmentMaxBytes)
	require.Equal(t, config.SyncAlways, cfg.SyncMode)
	require.Equal(t, 50, cfg.SyncBatchEntries)
	require.Equal(t, 20*time.Millisecond, cfg.SyncBatchInterval)
	require.Equal(t, "myns", cfg.MetricsNamespace)
}

func TestFromStringMapIgnoresUnknownKeys(t *testing.T) {
	cfg, err := config.FromStringMap(map[string]string{"log.storage.dir": "/tmp/foo"})
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)
}

func TestFromStringMapRejectsBadValues(t *testing.T) {
	_, err := config.FromStringMap(map[string]string{"log.segment.max.bytes": "not-a-number"})
	require.Error(t, err)

	_, err = config.FromStringMap(map[string]string{"log.sync.mode": "sometimes"})
	require.Error(t, err)
}
