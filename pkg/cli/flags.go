// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package cli

import (
	"github.com/cockroachdb/datamotion/pkg/base"
	"github.com/cockroachdb/datamotion/pkg/util/humanizeutil"
)

const (
	cliflagBatchSize        = "batch-size"
	cliflagBatchBytes       = "batch-bytes"
	cliflagCacheSize        = "cache-size"
	cliflagMaxDocsPerPass   = "max-docs-per-pass"
	cliflagDeletesPerSecond = "deletes-per-second"
)

// cliCtx holds the flags shared by every command, and the configuration
// derived from them.
var cliCtx struct {
	configPath string
	verbosity  int32

	batchSize        int
	batchBytes       humanizeutil.ByteSize
	cacheSize        humanizeutil.ByteSize
	maxDocsPerPass   int
	deletesPerSecond float64

	cfg base.Config
}

var tailOplogCtx struct {
	sourceDir string
	from      string
	limit     int
}

var cleanupRangeCtx struct {
	storeDir   string
	ns         string
	keyPattern string
	min        string
	max        string
}

// setCLIContextDefaults resets the flag values. Tests call it between
// invocations of the same command.
func setCLIContextDefaults() {
	cliCtx.configPath = ""
	cliCtx.verbosity = 0
	cliCtx.batchSize = base.DefaultOplogBatchSize
	cliCtx.batchBytes = 0
	cliCtx.cacheSize = base.DefaultCacheSize
	cliCtx.maxDocsPerPass = base.DefaultRangeDeleterMaxDocsPerPass
	cliCtx.deletesPerSecond = 0
	cliCtx.cfg = base.MakeDefaultConfig()

	tailOplogCtx.sourceDir = ""
	tailOplogCtx.from = ""
	tailOplogCtx.limit = 0

	cleanupRangeCtx.storeDir = ""
	cleanupRangeCtx.ns = ""
	cleanupRangeCtx.keyPattern = ""
	cleanupRangeCtx.min = ""
	cleanupRangeCtx.max = ""
}

func init() {
	setCLIContextDefaults()

	pf := datamotionCmd.PersistentFlags()
	pf.StringVar(&cliCtx.configPath, "config", cliCtx.configPath,
		"path to a YAML configuration file")
	pf.Int32VarP(&cliCtx.verbosity, "verbosity", "v", cliCtx.verbosity,
		"log verbosity level")
	pf.Var(&cliCtx.cacheSize, cliflagCacheSize,
		"size of the block cache of the document store, such as 64MiB")

	f := tailOplogCmd.Flags()
	f.StringVar(&tailOplogCtx.sourceDir, "source-dir", tailOplogCtx.sourceDir,
		"directory of the document store whose oplog is tailed")
	f.StringVar(&tailOplogCtx.from, "from", tailOplogCtx.from,
		"timestamp T:I of an existing oplog entry; entries after it are printed")
	f.IntVar(&tailOplogCtx.limit, "limit", tailOplogCtx.limit,
		"number of entries to print before exiting; 0 tails until interrupted")
	f.IntVar(&cliCtx.batchSize, cliflagBatchSize, cliCtx.batchSize,
		"maximum number of oplog entries per batch")
	f.Var(&cliCtx.batchBytes, cliflagBatchBytes,
		"maximum encoded size of an oplog batch; 0 means unlimited")
	for _, name := range []string{"source-dir", "from"} {
		if err := tailOplogCmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}

	f = cleanupRangeCmd.Flags()
	f.StringVar(&cleanupRangeCtx.storeDir, "store-dir", cleanupRangeCtx.storeDir,
		"directory of the document store holding the orphaned documents")
	f.StringVar(&cleanupRangeCtx.ns, "ns", cleanupRangeCtx.ns,
		"namespace db.collection of the range")
	f.StringVar(&cleanupRangeCtx.keyPattern, "key-pattern", cleanupRangeCtx.keyPattern,
		`shard key pattern as JSON, such as '{"a": 1}'`)
	f.StringVar(&cleanupRangeCtx.min, "min", cleanupRangeCtx.min,
		"inclusive lower bound of the range as JSON")
	f.StringVar(&cleanupRangeCtx.max, "max", cleanupRangeCtx.max,
		"exclusive upper bound of the range as JSON")
	f.IntVar(&cliCtx.maxDocsPerPass, cliflagMaxDocsPerPass, cliCtx.maxDocsPerPass,
		"maximum number of documents deleted per pass")
	f.Float64Var(&cliCtx.deletesPerSecond, cliflagDeletesPerSecond, cliCtx.deletesPerSecond,
		"maximum deletion rate; 0 means unlimited")
	for _, name := range []string{"store-dir", "ns", "key-pattern", "min", "max"} {
		if err := cleanupRangeCmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}
}
