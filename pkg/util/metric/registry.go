// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package metric

import (
	"reflect"

	"github.com/cockroachdb/datamotion/pkg/util/syncutil"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// A Registry is a list of metrics. It provides a simple way of iterating over
// them and exports them to prometheus.
type Registry struct {
	prom *prometheus.Registry

	mu struct {
		syncutil.Mutex
		tracked map[string]Iterable
	}
}

// NewRegistry creates a new Registry.
func NewRegistry() *Registry {
	r := &Registry{prom: prometheus.NewRegistry()}
	r.mu.tracked = map[string]Iterable{}
	return r
}

// AddMetric adds the passed-in metric to the registry.
func (r *Registry) AddMetric(metric Iterable) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.mu.tracked[metric.GetName()]; ok {
		return errors.Newf("metric %q already registered", metric.GetName())
	}
	if err := r.prom.Register(metric.collector()); err != nil {
		return errors.Wrapf(err, "registering %q", metric.GetName())
	}
	r.mu.tracked[metric.GetName()] = metric
	return nil
}

// AddMetricStruct examines all fields of metricStruct and adds all Iterable
// or metric.Struct objects to the registry.
func (r *Registry) AddMetricStruct(metricStruct interface{}) error {
	v := reflect.ValueOf(metricStruct)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return errors.AssertionFailedf("expected struct, got %T", metricStruct)
	}
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		vfield, tfield := v.Field(i), t.Field(i)
		if !tfield.IsExported() {
			continue
		}
		if vfield.Kind() == reflect.Ptr && vfield.IsNil() {
			continue
		}
		val := vfield.Interface()
		switch typ := val.(type) {
		case Iterable:
			if err := r.AddMetric(typ); err != nil {
				return err
			}
		case Struct:
			if err := r.AddMetricStruct(typ); err != nil {
				return err
			}
		}
	}
	return nil
}

// Contains returns whether a metric with the given name is registered.
func (r *Registry) Contains(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.mu.tracked[name]
	return ok
}

// Gatherer exposes the registry to prometheus handlers.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.prom
}
