// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package cli implements the datamotion command line tools.
package cli

import (
	"fmt"
	"os"

	"github.com/cockroachdb/datamotion/pkg/base"
	"github.com/cockroachdb/datamotion/pkg/util/log"
	"github.com/spf13/cobra"
)

// Proxy to allow overrides in tests.
var osStderr = os.Stderr

var datamotionCmd = &cobra.Command{
	Use:   "datamotion [command] (flags)",
	Short: "oplog tailing and orphaned range cleanup tools",
	Long: `
Tools operating on datamotion document stores: tail the oplog of a store
through an oplog fetcher, or delete the documents of a range that migrated
away from a store.
`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	cobra.EnableCommandSorting = false

	datamotionCmd.AddCommand(
		tailOplogCmd,
		cleanupRangeCmd,
	)
}

// Main is the entry point of the datamotion binary.
func Main() {
	if err := Run(os.Args[1:]); err != nil {
		fmt.Fprintf(osStderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

// Run executes the command line with the given arguments.
func Run(args []string) error {
	datamotionCmd.SetArgs(args)
	return datamotionCmd.Execute()
}

// loadConfig builds cliCtx.cfg from the configuration file, if any, and the
// flags overriding it.
func loadConfig(cmd *cobra.Command, _ []string) error {
	log.SetVerbosity(cliCtx.verbosity)
	cfg := base.MakeDefaultConfig()
	if cliCtx.configPath != "" {
		var err error
		if cfg, err = base.LoadConfigFile(cliCtx.configPath); err != nil {
			return err
		}
	}
	flags := cmd.Flags()
	if flags.Changed(cliflagBatchSize) {
		cfg.Replication.BatchSize = cliCtx.batchSize
	}
	if flags.Changed(cliflagBatchBytes) {
		cfg.Replication.BatchBytes = cliCtx.batchBytes
	}
	if flags.Changed(cliflagCacheSize) {
		cfg.Storage.CacheSize = cliCtx.cacheSize
	}
	if flags.Changed(cliflagMaxDocsPerPass) {
		cfg.RangeDeleter.MaxDocsPerPass = cliCtx.maxDocsPerPass
	}
	if flags.Changed(cliflagDeletesPerSecond) {
		cfg.RangeDeleter.DeletesPerSecond = cliCtx.deletesPerSecond
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	cliCtx.cfg = cfg
	return nil
}
