// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package replcoord

import "github.com/cockroachdb/datamotion/pkg/util/metric"

var (
	metaWriteConcernWaits = metric.Metadata{
		Name:        "repl.write_concern.waits",
		Help:        "Number of waits for writes to replicate",
		Measurement: "Waits",
		Unit:        metric.Unit_COUNT,
	}
	metaWriteConcernTimeouts = metric.Metadata{
		Name:        "repl.write_concern.timeouts",
		Help:        "Number of waits for writes to replicate which timed out",
		Measurement: "Waits",
		Unit:        metric.Unit_COUNT,
	}
	metaWriteConcernWaitLatency = metric.Metadata{
		Name:        "repl.write_concern.latency",
		Help:        "Time spent waiting for writes to replicate",
		Measurement: "Latency",
		Unit:        metric.Unit_NANOSECONDS,
	}
	metaSyncSourceRejections = metric.Metadata{
		Name:        "repl.sync_source.rejections",
		Help:        "Number of times a sync source was found to be no longer valid",
		Measurement: "Rejections",
		Unit:        metric.Unit_COUNT,
	}
)

// Metrics are the metrics of the replication coordinator.
type Metrics struct {
	WriteConcernWaits       *metric.Counter
	WriteConcernTimeouts    *metric.Counter
	WriteConcernWaitLatency *metric.Histogram
	SyncSourceRejections    *metric.Counter
}

// MetricStruct implements metric.Struct.
func (*Metrics) MetricStruct() {}

// MakeMetrics instantiates the metrics of the replication coordinator.
func MakeMetrics() *Metrics {
	return &Metrics{
		WriteConcernWaits:    metric.NewCounter(metaWriteConcernWaits),
		WriteConcernTimeouts: metric.NewCounter(metaWriteConcernTimeouts),
		WriteConcernWaitLatency: metric.NewHistogram(metric.HistogramOptions{
			Metadata: metaWriteConcernWaitLatency,
			Buckets:  metric.IOLatencyBuckets,
		}),
		SyncSourceRejections: metric.NewCounter(metaSyncSourceRejections),
	}
}
