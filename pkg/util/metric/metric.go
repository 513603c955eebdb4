// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package metric

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/cockroachdb/datamotion/pkg/util/syncutil"
	"github.com/prometheus/client_golang/prometheus"
)

// Unit describes how the value of a metric is measured.
type Unit int

const (
	// Unit_COUNT is a plain count.
	Unit_COUNT Unit = iota
	// Unit_BYTES is a count of bytes.
	Unit_BYTES
	// Unit_NANOSECONDS is a duration in nanoseconds.
	Unit_NANOSECONDS
)

// Metadata holds metadata about a metric.
type Metadata struct {
	Name        string
	Help        string
	Measurement string
	Unit        Unit
}

// GetName returns the metric name.
func (m *Metadata) GetName() string { return m.Name }

// GetHelp returns the help text for the metric.
func (m *Metadata) GetHelp() string { return m.Help }

// promName converts a dotted metric name to a name that prometheus accepts.
func (m *Metadata) promName() string {
	r := strings.NewReplacer(".", "_", "-", "_")
	return r.Replace(m.Name)
}

// Iterable is the interface implemented by every metric that can be added to
// a Registry.
type Iterable interface {
	GetName() string
	GetHelp() string
	// collector returns the prometheus collector that exports the metric.
	collector() prometheus.Collector
}

// Struct can be implemented by the types of members of a metric
// container so that the members get automatically registered.
type Struct interface {
	MetricStruct()
}

// Counter is a monotonically increasing count.
type Counter struct {
	Metadata
	c prometheus.Counter
	v atomic.Int64
}

var _ Iterable = (*Counter)(nil)

// NewCounter creates a counter.
func NewCounter(metadata Metadata) *Counter {
	return &Counter{
		Metadata: metadata,
		c: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metadata.promName(),
			Help: metadata.Help,
		}),
	}
}

// Inc increments the counter by the given amount. Negative values are
// ignored.
func (c *Counter) Inc(v int64) {
	if v < 0 {
		return
	}
	c.v.Add(v)
	c.c.Add(float64(v))
}

// Count returns the current value of the counter.
func (c *Counter) Count() int64 { return c.v.Load() }

func (c *Counter) collector() prometheus.Collector { return c.c }

// Gauge atomically stores a single integer value.
type Gauge struct {
	Metadata
	g prometheus.Gauge
	v atomic.Int64
}

var _ Iterable = (*Gauge)(nil)

// NewGauge creates a Gauge.
func NewGauge(metadata Metadata) *Gauge {
	return &Gauge{
		Metadata: metadata,
		g: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metadata.promName(),
			Help: metadata.Help,
		}),
	}
}

// Update sets the gauge's value.
func (g *Gauge) Update(v int64) {
	g.v.Store(v)
	g.g.Set(float64(v))
}

// Inc increments the gauge's value.
func (g *Gauge) Inc(i int64) {
	g.g.Set(float64(g.v.Add(i)))
}

// Dec decrements the gauge's value.
func (g *Gauge) Dec(i int64) { g.Inc(-i) }

// Value returns the gauge's current value.
func (g *Gauge) Value() int64 { return g.v.Load() }

func (g *Gauge) collector() prometheus.Collector { return g.g }

// IOLatencyBuckets are prometheus histogram buckets suitable for a histogram
// that records a quantity (nanosecond-denominated) in which most measurements
// resemble those of typical network or disk latencies.
var IOLatencyBuckets = prometheus.ExponentialBucketsRange(
	float64(10*time.Microsecond), float64(10*time.Second), 60)

// HistogramOptions configures a Histogram.
type HistogramOptions struct {
	Metadata Metadata
	// Buckets are the bucket boundaries. IOLatencyBuckets is used when unset.
	Buckets []float64
}

// Histogram collects observed values by bucket.
type Histogram struct {
	Metadata
	h prometheus.Histogram

	mu struct {
		syncutil.Mutex
		count int64
		sum   int64
	}
}

var _ Iterable = (*Histogram)(nil)

// NewHistogram creates a histogram.
func NewHistogram(opts HistogramOptions) *Histogram {
	buckets := opts.Buckets
	if buckets == nil {
		buckets = IOLatencyBuckets
	}
	return &Histogram{
		Metadata: opts.Metadata,
		h: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    opts.Metadata.promName(),
			Help:    opts.Metadata.Help,
			Buckets: buckets,
		}),
	}
}

// RecordValue adds the given value to the histogram.
func (h *Histogram) RecordValue(v int64) {
	h.h.Observe(float64(v))
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mu.count++
	h.mu.sum += v
}

// Total returns the number of observations and their sum.
func (h *Histogram) Total() (count int64, sum int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mu.count, h.mu.sum
}

func (h *Histogram) collector() prometheus.Collector { return h.h }

// MovingAverage is an exponentially weighted moving average exported as a
// gauge.
type MovingAverage struct {
	Metadata
	g prometheus.GaugeFunc

	mu struct {
		syncutil.Mutex
		avg ewma.MovingAverage
	}
}

var _ Iterable = (*MovingAverage)(nil)

// NewMovingAverage creates a MovingAverage that decays over roughly the given
// number of samples.
func NewMovingAverage(metadata Metadata, age float64) *MovingAverage {
	m := &MovingAverage{Metadata: metadata}
	m.mu.avg = ewma.NewMovingAverage(age)
	m.g = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: metadata.promName(),
		Help: metadata.Help,
	}, m.Value)
	return m
}

// Add records a new sample.
func (m *MovingAverage) Add(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mu.avg.Add(v)
}

// Value returns the current average.
func (m *MovingAverage) Value() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mu.avg.Value()
}

func (m *MovingAverage) collector() prometheus.Collector { return m.g }
