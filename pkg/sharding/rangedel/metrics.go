// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package rangedel

import "github.com/cockroachdb/datamotion/pkg/util/metric"

var (
	metaPasses = metric.Metadata{
		Name:        "rangedel.passes",
		Help:        "Number of cleanup passes run by range deleters",
		Measurement: "Passes",
		Unit:        metric.Unit_COUNT,
	}
	metaDocsDeleted = metric.Metadata{
		Name:        "rangedel.docs_deleted",
		Help:        "Number of orphaned documents deleted",
		Measurement: "Documents",
		Unit:        metric.Unit_COUNT,
	}
	metaRangesCleaned = metric.Metadata{
		Name:        "rangedel.ranges_cleaned",
		Help:        "Number of ranges whose orphaned documents were all deleted",
		Measurement: "Ranges",
		Unit:        metric.Unit_COUNT,
	}
	metaRangesAbandoned = metric.Metadata{
		Name:        "rangedel.ranges_abandoned",
		Help:        "Number of ranges given up on for lack of a shard key index",
		Measurement: "Ranges",
		Unit:        metric.Unit_COUNT,
	}
	metaReplicationWaitFailures = metric.Metadata{
		Name:        "rangedel.replication_wait_failures",
		Help:        "Number of waits for deletions to replicate which failed or timed out",
		Measurement: "Waits",
		Unit:        metric.Unit_COUNT,
	}
)

// Metrics are the metrics of range deleters. They are shared by the
// deleters of every collection.
type Metrics struct {
	Passes                  *metric.Counter
	DocsDeleted             *metric.Counter
	RangesCleaned           *metric.Counter
	RangesAbandoned         *metric.Counter
	ReplicationWaitFailures *metric.Counter
}

// MetricStruct implements metric.Struct.
func (*Metrics) MetricStruct() {}

// MakeMetrics instantiates the metrics of range deleters.
func MakeMetrics() *Metrics {
	return &Metrics{
		Passes:                  metric.NewCounter(metaPasses),
		DocsDeleted:             metric.NewCounter(metaDocsDeleted),
		RangesCleaned:           metric.NewCounter(metaRangesCleaned),
		RangesAbandoned:         metric.NewCounter(metaRangesAbandoned),
		ReplicationWaitFailures: metric.NewCounter(metaReplicationWaitFailures),
	}
}
