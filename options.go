package raftwal

import (
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sigilant/raftwal/internal/config"
)

// Option configures a SegmentedLog at Open time.
type Option func(*options)

type options struct {
	cfg    config.Config
	logger log.Logger
	reg    prometheus.Registerer
}

func defaultOptions() options {
	return options{
		cfg:    config.Default(),
		logger: log.NewNopLogger(),
		reg:    prometheus.NewRegistry(),
	}
}

// WithConfig overrides the full configuration, e.g. one built from
// config.FromStringMap against a deployment's "log.*" settings.
func WithConfig(cfg config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithSegmentMaxBytes sets log.segment.max.bytes, the roll threshold.
func WithSegmentMaxBytes(n uint64) Option {
	return func(o *options) { o.cfg.SegmentMaxBytes = n }
}

// WithSyncAlways selects log.sync.mode=always: fsync after every frame.
func WithSyncAlways() Option {
	return func(o *options) { o.cfg.SyncMode = config.SyncAlways }
}

// WithSyncBatch selects log.sync.mode=batch with the given batch parameters.
func WithSyncBatch(entries int, interval time.Duration) Option {
	return func(o *options) {
		o.cfg.SyncMode = config.SyncBatch
		o.cfg.SyncBatchEntries = entries
		o.cfg.SyncBatchInterval = interval
	}
}

// WithMetricsNamespace sets log.metrics.namespace, the Prometheus metric
// name prefix.
func WithMetricsNamespace(ns string) Option {
	return func(o *options) { o.cfg.MetricsNamespace = ns }
}

// WithLogger installs a structured logger; defaults to a no-op logger.
func WithLogger(l log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer installs the Prometheus registerer metrics are registered
// against; defaults to a private registry so opening multiple WALs in one
// process (e.g. in tests) never panics on duplicate registration.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}
