package raftwal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds one counter or gauge per operation the coordinator performs,
// registered under the configured namespace so multiple SegmentedLogs in one
// process don't collide.
type metrics struct {
	bytesWritten              prometheus.Counter
	entriesWritten            prometheus.Counter
	appends                   prometheus.Counter
	entryBytesRead            prometheus.Counter
	entriesRead               prometheus.Counter
	segmentRotations          prometheus.Counter
	entriesTruncated          *prometheus.CounterVec
	truncations               *prometheus.CounterVec
	framesDiscardedOnRecovery prometheus.Counter
	lastSegmentAgeSeconds     prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, namespace string) *metrics {
	f := promauto.With(reg)
	return &metrics{
		bytesWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entry_bytes_written",
			Help:      "Bytes of log entry payload written, before frame overhead.",
		}),
		entriesWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_written",
			Help:      "Number of log entries appended.",
		}),
		appends: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appends",
			Help:      "Number of AppendBatch calls, i.e. batches of entries appended.",
		}),
		entryBytesRead: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entry_bytes_read",
			Help:      "Bytes of log entry payload returned by Get.",
		}),
		entriesRead: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_read",
			Help:      "Number of calls to Get that found an entry.",
		}),
		segmentRotations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_rotations",
			Help:      "Number of times the open segment was sealed and replaced.",
		}),
		entriesTruncated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_truncated",
			Help:      "Number of log entries removed by Truncate.",
		}, []string{"direction"}),
		truncations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "truncations",
			Help:      "Number of Truncate calls, by success.",
		}, []string{"success"}),
		framesDiscardedOnRecovery: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_discarded_on_recovery",
			Help:      "Number of torn tail frames discarded while recovering the open segment on Open.",
		}),
		lastSegmentAgeSeconds: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_segment_age_seconds",
			Help:      "Seconds between a segment's creation and its seal time, set each time a segment rolls.",
		}),
	}
}
