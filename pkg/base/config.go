// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package base

import (
	"bytes"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/datamotion/pkg/util/humanizeutil"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// OplogFetcherConfig configures oplog fetchers.
type OplogFetcherConfig struct {
	// Namespace is the namespace of the remote oplog.
	Namespace string `yaml:"namespace"`
	// MaxRestarts is the restart budget of a fetcher. A negative value is
	// rejected; zero disables restarts.
	MaxRestarts int `yaml:"max_restarts"`
	// InitialFindMaxTime is the maxTimeMS of the initial find command.
	InitialFindMaxTime time.Duration `yaml:"initial_find_max_time"`
	// NetworkTimeoutMargin is added to InitialFindMaxTime to form the
	// client-side request timeout.
	NetworkTimeoutMargin time.Duration `yaml:"network_timeout_margin"`
	// ProtocolZeroAwaitDataTimeout is the getMore maxTimeMS under protocol
	// version 0.
	ProtocolZeroAwaitDataTimeout time.Duration `yaml:"protocol_zero_await_data_timeout"`
}

// NetworkTimeout returns the client-side timeout of oplog queries.
func (c OplogFetcherConfig) NetworkTimeout() time.Duration {
	return c.InitialFindMaxTime + c.NetworkTimeoutMargin
}

// RangeDeleterConfig configures orphaned range cleanup.
type RangeDeleterConfig struct {
	MaxDocsPerPass      int           `yaml:"max_docs_per_pass"`
	WriteConcernTimeout time.Duration `yaml:"write_concern_timeout"`
	// DeletesPerSecond limits the deletion rate of each deleter. Zero means
	// unlimited.
	DeletesPerSecond float64 `yaml:"deletes_per_second"`
}

// ReplicationConfig configures the replication coordinator and the loopback
// oplog source.
type ReplicationConfig struct {
	MaxSyncSourceLag time.Duration `yaml:"max_sync_source_lag"`
	// BatchSize is the maximum number of oplog entries per batch.
	BatchSize int `yaml:"batch_size"`
	// BatchBytes is the maximum encoded size of a batch. Zero means unlimited.
	BatchBytes humanizeutil.ByteSize `yaml:"batch_bytes"`
}

// StorageConfig configures the document store.
type StorageConfig struct {
	// Dir is the store directory. An empty Dir selects an in-memory store.
	Dir       string                `yaml:"dir"`
	CacheSize humanizeutil.ByteSize `yaml:"cache_size"`
	// Sync makes every committed unit of work durable before returning.
	Sync bool `yaml:"sync"`
}

// InMemory returns whether the store is ephemeral.
func (c StorageConfig) InMemory() bool {
	return c.Dir == ""
}

// SchedulerConfig configures the shared background worker pool.
type SchedulerConfig struct {
	Workers int `yaml:"workers"`
}

// Config is the top level configuration of a datamotion node.
type Config struct {
	OplogFetcher OplogFetcherConfig `yaml:"oplog_fetcher"`
	RangeDeleter RangeDeleterConfig `yaml:"range_deleter"`
	Replication  ReplicationConfig  `yaml:"replication"`
	Storage      StorageConfig      `yaml:"storage"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
}

// MakeDefaultConfig returns a Config with every field set to its default.
func MakeDefaultConfig() Config {
	var c Config
	c.SetDefaults()
	c.OplogFetcher.MaxRestarts = DefaultMaxFetcherRestarts
	return c
}

// SetDefaults fills in zero-valued fields with their defaults. MaxRestarts
// is left alone because zero is meaningful; MakeDefaultConfig sets it.
func (c *Config) SetDefaults() {
	if c.OplogFetcher.Namespace == "" {
		c.OplogFetcher.Namespace = DefaultOplogNamespace
	}
	if c.OplogFetcher.InitialFindMaxTime == 0 {
		c.OplogFetcher.InitialFindMaxTime = DefaultOplogInitialFindMaxTime
	}
	if c.OplogFetcher.NetworkTimeoutMargin == 0 {
		c.OplogFetcher.NetworkTimeoutMargin = DefaultOplogNetworkTimeoutMargin
	}
	if c.OplogFetcher.ProtocolZeroAwaitDataTimeout == 0 {
		c.OplogFetcher.ProtocolZeroAwaitDataTimeout = DefaultProtocolZeroAwaitDataTimeout
	}
	if c.RangeDeleter.MaxDocsPerPass == 0 {
		c.RangeDeleter.MaxDocsPerPass = DefaultRangeDeleterMaxDocsPerPass
	}
	if c.RangeDeleter.WriteConcernTimeout == 0 {
		c.RangeDeleter.WriteConcernTimeout = DefaultRangeDeleterWriteConcernTimeout
	}
	if c.Replication.MaxSyncSourceLag == 0 {
		c.Replication.MaxSyncSourceLag = DefaultMaxSyncSourceLag
	}
	if c.Replication.BatchSize == 0 {
		c.Replication.BatchSize = DefaultOplogBatchSize
	}
	if c.Storage.CacheSize == 0 {
		c.Storage.CacheSize = DefaultCacheSize
	}
	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = DefaultSchedulerWorkers
	}
}

// Validate returns an error describing every invalid field.
func (c *Config) Validate() error {
	var errs []string
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, errors.Newf(format, args...).Error())
		}
	}
	check(strings.Count(c.OplogFetcher.Namespace, ".") >= 1 &&
		!strings.HasPrefix(c.OplogFetcher.Namespace, "."),
		"oplog_fetcher.namespace %q is not of the form db.collection", c.OplogFetcher.Namespace)
	check(c.OplogFetcher.MaxRestarts >= 0,
		"oplog_fetcher.max_restarts must not be negative, got %d", c.OplogFetcher.MaxRestarts)
	check(c.OplogFetcher.InitialFindMaxTime > 0,
		"oplog_fetcher.initial_find_max_time must be positive")
	check(c.OplogFetcher.NetworkTimeoutMargin >= 0,
		"oplog_fetcher.network_timeout_margin must not be negative")
	check(c.OplogFetcher.ProtocolZeroAwaitDataTimeout > 0,
		"oplog_fetcher.protocol_zero_await_data_timeout must be positive")
	check(c.RangeDeleter.MaxDocsPerPass >= 1,
		"range_deleter.max_docs_per_pass must be at least 1, got %d", c.RangeDeleter.MaxDocsPerPass)
	check(c.RangeDeleter.WriteConcernTimeout > 0,
		"range_deleter.write_concern_timeout must be positive")
	check(c.RangeDeleter.DeletesPerSecond >= 0,
		"range_deleter.deletes_per_second must not be negative")
	check(c.Replication.BatchSize >= 1,
		"replication.batch_size must be at least 1, got %d", c.Replication.BatchSize)
	check(c.Replication.BatchBytes >= 0, "replication.batch_bytes must not be negative")
	check(c.Storage.CacheSize >= 0, "storage.cache_size must not be negative")
	check(c.Scheduler.Workers >= 1,
		"scheduler.workers must be at least 1, got %d", c.Scheduler.Workers)
	if len(errs) > 0 {
		return errors.Newf("invalid configuration:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

// ParseConfig decodes a YAML configuration on top of the defaults. Unknown
// fields are rejected.
func ParseConfig(data []byte) (Config, error) {
	c := MakeDefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(err, "parsing configuration")
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadConfigFile reads and parses the YAML configuration file at path.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading configuration %s", path)
	}
	return ParseConfig(data)
}

// String renders the configuration as YAML.
func (c Config) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return err.Error()
	}
	return string(out)
}
