// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package base

import "time"

const (
	// DefaultOplogInitialFindMaxTime is the server-side time limit placed on
	// the find command which opens a tailable cursor on the remote oplog.
	DefaultOplogInitialFindMaxTime = 60 * time.Second

	// DefaultOplogNetworkTimeoutMargin is added to the find time limit to
	// obtain the client-side network timeout of oplog queries. The margin
	// covers the round trip so that the server gives up first.
	DefaultOplogNetworkTimeoutMargin = 5 * time.Second

	// DefaultProtocolZeroAwaitDataTimeout is the awaitData timeout used for
	// getMore requests under replication protocol version 0. Under protocol
	// version 1 the timeout is half the election timeout.
	DefaultProtocolZeroAwaitDataTimeout = 2 * time.Second

	// DefaultMaxFetcherRestarts is the number of times an oplog fetcher
	// re-issues its query after consecutive failures before giving up.
	DefaultMaxFetcherRestarts = 1

	// DefaultOplogNamespace is the namespace of the replicated oplog.
	DefaultOplogNamespace = "local.oplog.rs"

	// DefaultMaxSyncSourceLag is how far a sync source may trail the most
	// advanced known member before a fetcher abandons it.
	DefaultMaxSyncSourceLag = 30 * time.Second

	// DefaultRangeDeleterMaxDocsPerPass is the number of documents a range
	// deleter removes before waiting for replication.
	DefaultRangeDeleterMaxDocsPerPass = 128

	// DefaultRangeDeleterWriteConcernTimeout bounds the majority replication
	// wait that follows each deletion pass.
	DefaultRangeDeleterWriteConcernTimeout = 60 * time.Second

	// DefaultSchedulerWorkers is the size of the shared worker pool running
	// background range cleanup.
	DefaultSchedulerWorkers = 4

	// DefaultOplogBatchSize is the number of entries a loopback oplog source
	// returns per batch.
	DefaultOplogBatchSize = 100

	// DefaultCacheSize is the block cache size of the document store.
	DefaultCacheSize = 64 << 20 // 64 MiB
)
