// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package oplogfetcher

import "github.com/cockroachdb/datamotion/pkg/util/metric"

var (
	metaReadersCreated = metric.Metadata{
		Name:        "repl.network.readers_created",
		Help:        "Number of oplog queries scheduled, including restarts",
		Measurement: "Queries",
		Unit:        metric.Unit_COUNT,
	}
	metaGetMoreLatency = metric.Metadata{
		Name:        "repl.network.getmores",
		Help:        "Latency of oplog batches read off the network",
		Measurement: "Latency",
		Unit:        metric.Unit_NANOSECONDS,
	}
	metaGetMoreLatencyEWMA = metric.Metadata{
		Name:        "repl.network.getmores.ewma",
		Help:        "Moving average of the latency of oplog batches read off the network",
		Measurement: "Latency",
		Unit:        metric.Unit_NANOSECONDS,
	}
	metaOpsRead = metric.Metadata{
		Name:        "repl.network.ops",
		Help:        "Number of oplog entries read off the network",
		Measurement: "Entries",
		Unit:        metric.Unit_COUNT,
	}
	metaBytesRead = metric.Metadata{
		Name:        "repl.network.bytes",
		Help:        "Number of oplog bytes read off the network",
		Measurement: "Storage",
		Unit:        metric.Unit_BYTES,
	}
	metaRestarts = metric.Metadata{
		Name:        "repl.network.restarts",
		Help:        "Number of oplog queries restarted after an error",
		Measurement: "Restarts",
		Unit:        metric.Unit_COUNT,
	}
)

// Metrics are the metrics of oplog fetchers. A single instance is shared by
// all fetchers of a node.
type Metrics struct {
	ReadersCreated     *metric.Counter
	GetMoreLatency     *metric.Histogram
	GetMoreLatencyEWMA *metric.MovingAverage
	OpsRead            *metric.Counter
	BytesRead          *metric.Counter
	Restarts           *metric.Counter
}

// MetricStruct implements metric.Struct.
func (*Metrics) MetricStruct() {}

// MakeMetrics instantiates the metrics of oplog fetchers.
func MakeMetrics() *Metrics {
	return &Metrics{
		ReadersCreated: metric.NewCounter(metaReadersCreated),
		GetMoreLatency: metric.NewHistogram(metric.HistogramOptions{
			Metadata: metaGetMoreLatency,
			Buckets:  metric.IOLatencyBuckets,
		}),
		GetMoreLatencyEWMA: metric.NewMovingAverage(metaGetMoreLatencyEWMA, 30),
		OpsRead:            metric.NewCounter(metaOpsRead),
		BytesRead:          metric.NewCounter(metaBytesRead),
		Restarts:           metric.NewCounter(metaRestarts),
	}
}
