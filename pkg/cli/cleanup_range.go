// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/cockroachdb/datamotion/pkg/docpb"
	"github.com/cockroachdb/datamotion/pkg/repl/replcoord"
	"github.com/cockroachdb/datamotion/pkg/repl/replmeta"
	"github.com/cockroachdb/datamotion/pkg/sharding/rangedel"
	"github.com/cockroachdb/datamotion/pkg/sharding/shardkey"
	"github.com/cockroachdb/datamotion/pkg/sharding/shardstate"
	"github.com/cockroachdb/datamotion/pkg/storage/docstore"
	"github.com/cockroachdb/datamotion/pkg/util/log"
	"github.com/cockroachdb/datamotion/pkg/util/scheduler"
	"github.com/cockroachdb/datamotion/pkg/util/stop"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

var cleanupRangeCmd = &cobra.Command{
	Use:   "cleanup-range --store-dir <dir> --ns <db.coll> --key-pattern <json> --min <json> --max <json>",
	Short: "delete the documents of an orphaned range",
	Long: `
Deletes from the document store in --store-dir every document of --ns whose
shard key lies in [--min, --max) under --key-pattern. The collection needs an
index prefixed by the key pattern. Deletion proceeds in passes of at most
--max-docs-per-pass documents, run by the background scheduler, until the
range is empty.
`,
	Args: cobra.NoArgs,
	RunE: runCleanupRange,
}

func parseRange() (shardkey.KeyPattern, shardkey.KeyRange, error) {
	ns, err := docpb.ParseNamespace(cleanupRangeCtx.ns)
	if err != nil {
		return shardkey.KeyPattern{}, shardkey.KeyRange{}, err
	}
	pattern, err := shardkey.ParseKeyPatternJSON(cleanupRangeCtx.keyPattern)
	if err != nil {
		return shardkey.KeyPattern{}, shardkey.KeyRange{}, errors.Wrap(err, "--key-pattern")
	}
	min, err := shardkey.ParseJSON(cleanupRangeCtx.min)
	if err != nil {
		return shardkey.KeyPattern{}, shardkey.KeyRange{}, errors.Wrap(err, "--min")
	}
	max, err := shardkey.ParseJSON(cleanupRangeCtx.max)
	if err != nil {
		return shardkey.KeyPattern{}, shardkey.KeyRange{}, errors.Wrap(err, "--max")
	}
	return pattern, shardkey.MakeKeyRange(ns, min, max), nil
}

func runCleanupRange(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	cfg := cliCtx.cfg

	pattern, rng, err := parseRange()
	if err != nil {
		return err
	}

	storeCfg := cfg.Storage
	storeCfg.Dir = cleanupRangeCtx.storeDir
	if storeCfg.InMemory() {
		return errors.New("--store-dir must not be empty")
	}
	store, err := docstore.Open(ctx, docstore.Config{StorageConfig: storeCfg})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Warningf(ctx, "closing %s: %v", store, closeErr)
		}
	}()

	// The store is the primary of its own single member replica set, so
	// majority replication is satisfied by local writes.
	coord, err := replcoord.New(replcoord.Config{
		ReplSet: replmeta.ReplSetConfig{
			Name:            "datamotion",
			Version:         1,
			ProtocolVersion: 1,
			Members:         []replmeta.Member{{ID: 0, Host: "local", Votes: 1}},
		},
		Self:  "local",
		Local: store,
	})
	if err != nil {
		return err
	}
	coord.StepUp(ctx)

	stopper := stop.NewStopper()
	defer stopper.Stop(context.Background())
	sched := scheduler.New(scheduler.Config{Name: "rangedel", Workers: cfg.Scheduler.Workers})
	if err := sched.Start(ctx, stopper); err != nil {
		return err
	}
	metrics := rangedel.MakeMetrics()
	reg := shardstate.NewRegistry(shardstate.Config{
		RangeDeleterConfig: cfg.RangeDeleter,
		Store:              store,
		Replication:        coord,
		Scheduler:          sched,
		Metrics:            metrics,
	})
	css, err := reg.SetShardKey(rng.NS, pattern)
	if err != nil {
		return err
	}
	if err := reg.CommitDonation(ctx, rng); err != nil {
		return err
	}
	if err := css.WaitForDeleter(ctx); err != nil {
		return err
	}

	switch {
	case metrics.RangesAbandoned.Count() > 0:
		return errors.Newf("abandoned cleanup of %s after removing %d documents",
			rng, metrics.DocsDeleted.Count())
	case css.Tracker().IsInRangesToClean(rng):
		return errors.Newf("could not clean up %s: %s does not exist", rng, rng.NS)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d documents from %s in %d passes\n",
		metrics.DocsDeleted.Count(), rng, metrics.Passes.Count())
	return nil
}
