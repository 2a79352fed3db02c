// Package config defines SegmentedLog's configuration surface: the roll
// threshold, the fsync policy, and the Prometheus metrics namespace. It is
// built both from functional options and from "log.*" string keys, the wire
// format for file- or env-driven configuration.
package config

import (
	"fmt"
	"strconv"
	"time"
)

// SyncMode selects how a SegmentedLog makes appended frames durable.
type SyncMode int

const (
	// SyncAlways fsyncs after every Append; Append only returns once the
	// frame is durable.
	SyncAlways SyncMode = iota
	// SyncBatch fsyncs after BatchEntries frames or BatchInterval elapses,
	// whichever comes first. Flush forces durability in between.
	SyncBatch
)

func (m SyncMode) String() string {
	switch m {
	case SyncAlways:
		return "always"
	case SyncBatch:
		return "batch"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// DefaultSegmentMaxBytes is log.segment.max.bytes's default: 8 MiB.
const DefaultSegmentMaxBytes = 8 * 1024 * 1024

// DefaultMetricsNamespace is the Prometheus metric name prefix used when
// none is configured.
const DefaultMetricsNamespace = "raftwal"

// DefaultSyncBatchEntries and DefaultSyncBatchInterval are log.sync.mode's
// batch parameters when sync mode is batch but no explicit values are given.
const (
	DefaultSyncBatchEntries  = 256
	DefaultSyncBatchInterval = 5 * time.Millisecond
)

// Config is the fully-resolved configuration for a SegmentedLog.
type Config struct {
	SegmentMaxBytes   uint64
	SyncMode          SyncMode
	SyncBatchEntries  int
	SyncBatchInterval time.Duration
	MetricsNamespace  string
}

// Default returns the configuration a SegmentedLog uses when no options are
// given.
func Default() Config {
	return Config{
		SegmentMaxBytes:   DefaultSegmentMaxBytes,
		SyncMode:          SyncBatch,
		SyncBatchEntries:  DefaultSyncBatchEntries,
		SyncBatchInterval: DefaultSyncBatchInterval,
		MetricsNamespace:  DefaultMetricsNamespace,
	}
}

// FromStringMap overlays the recognized "log.*" keys onto Default(),
// returning an error if a recognized key's value cannot be parsed. Unknown
// keys are ignored; log.storage.dir is handled by the caller (it is an
// argument to Open, not a Config field).
func FromStringMap(m map[string]string) (Config, error) {
	cfg := Default()

	if v, ok := m["log.segment.max.bytes"]; ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("log.segment.max.bytes: %w", err)
		}
		cfg.SegmentMaxBytes = n
	}
	if v, ok := m["log.sync.mode"]; ok {
		switch v {
		case "always":
			cfg.SyncMode = SyncAlways
		case "batch":
			cfg.SyncMode = SyncBatch
		default:
			return Config{}, fmt.Errorf("log.sync.mode: unrecognized value %q", v)
		}
	}
	if v, ok := m["log.sync.batch.entries"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("log.sync.batch.entries: %w", err)
		}
		cfg.SyncBatchEntries = n
	}
	if v, ok := m["log.sync.batch.interval_ms"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("log.sync.batch.interval_ms: %w", err)
		}
		cfg.SyncBatchInterval = time.Duration(n) * time.Millisecond
	}
	if v, ok := m["log.metrics.namespace"]; ok {
		cfg.MetricsNamespace = v
	}
	return cfg, nil
}
