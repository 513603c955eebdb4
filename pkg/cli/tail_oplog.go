// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/cockroachdb/datamotion/pkg/docpb"
	"github.com/cockroachdb/datamotion/pkg/repl/loopback"
	"github.com/cockroachdb/datamotion/pkg/repl/oplog"
	"github.com/cockroachdb/datamotion/pkg/repl/oplogfetcher"
	"github.com/cockroachdb/datamotion/pkg/repl/replcoord"
	"github.com/cockroachdb/datamotion/pkg/repl/replmeta"
	"github.com/cockroachdb/datamotion/pkg/storage/docstore"
	"github.com/cockroachdb/datamotion/pkg/util/log"
	"github.com/cockroachdb/datamotion/pkg/util/stop"
	"github.com/cockroachdb/datamotion/pkg/util/syncutil"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson"
)

var tailOplogCmd = &cobra.Command{
	Use:   "tail-oplog --source-dir <dir> --from <T:I> [--limit <n>]",
	Short: "print the oplog of a document store through an oplog fetcher",
	Long: `
Opens the document store in --source-dir and tails its oplog with an oplog
fetcher, starting after the entry at --from. Entries are printed as relaxed
extended JSON, one per line. The command exits after --limit entries, or on
interrupt if no limit is given.
`,
	Args: cobra.NoArgs,
	RunE: runTailOplog,
}

// Host names of the two members of the replica set formed by the command.
const (
	sourceHost = "source"
	tailHost   = "tail"
)

// tailPosition is the oplog position of the tailing member: the last entry
// it printed.
type tailPosition struct {
	mu struct {
		syncutil.Mutex
		pos docpb.LogPosition
	}
}

var _ replcoord.LocalOplog = (*tailPosition)(nil)

func (p *tailPosition) LastOplogPosition() docpb.LogPosition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mu.pos
}

func (p *tailPosition) set(pos docpb.LogPosition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mu.pos = pos
}

// entryPrinter prints fetched entries until it reaches its limit.
type entryPrinter struct {
	out     io.Writer
	limit   int
	tail    *tailPosition
	printed int
	done    chan struct{}
}

func (p *entryPrinter) enqueue(
	ctx context.Context, entries []oplog.Entry, _ oplogfetcher.DocumentsInfo,
) error {
	for _, e := range entries {
		if p.limit > 0 && p.printed >= p.limit {
			break
		}
		js, err := bson.MarshalExtJSON(e.Raw(), false /* canonical */, false /* escapeHTML */)
		if err != nil {
			return errors.Wrapf(err, "formatting %s", e)
		}
		if _, err := fmt.Fprintln(p.out, string(js)); err != nil {
			return err
		}
		pos, err := e.Position()
		if err != nil {
			return err
		}
		p.tail.set(pos)
		p.printed++
		if p.printed == p.limit {
			close(p.done)
		}
	}
	log.VEventf(ctx, 2, "printed %d entries", p.printed)
	return nil
}

func runTailOplog(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	cfg := cliCtx.cfg

	from, err := docpb.ParseTimestamp(tailOplogCtx.from)
	if err != nil {
		return err
	}
	if tailOplogCtx.limit < 0 {
		return errors.Newf("--limit must not be negative, got %d", tailOplogCtx.limit)
	}
	storeCfg := cfg.Storage
	storeCfg.Dir = tailOplogCtx.sourceDir
	if storeCfg.InMemory() {
		return errors.New("--source-dir must not be empty")
	}
	source, err := docstore.Open(ctx, docstore.Config{StorageConfig: storeCfg})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := source.Close(); closeErr != nil {
			log.Warningf(ctx, "closing %s: %v", source, closeErr)
		}
	}()

	first, err := source.ReadOplog(from, docstore.OplogReadLimits{MaxEntries: 1})
	if err != nil {
		return err
	}
	if len(first) == 0 {
		return errors.Newf("no oplog entry at or after %s", from)
	}
	start, err := first[0].Position()
	if err != nil {
		return err
	}
	if start.OpTime.TS != from {
		return errors.Newf("no oplog entry at %s; the next entry is at %s", from, start.OpTime.TS)
	}

	rs := replmeta.ReplSetConfig{
		Name:            "datamotion",
		Version:         1,
		ProtocolVersion: 1,
		Members: []replmeta.Member{
			{ID: 0, Host: sourceHost, Votes: 1},
			{ID: 1, Host: tailHost, Votes: 1},
		},
	}
	sourceCoord, err := replcoord.New(replcoord.Config{ReplSet: rs, Self: sourceHost, Local: source})
	if err != nil {
		return err
	}
	sourceCoord.StepUp(ctx)
	tail := &tailPosition{}
	tail.set(start)
	tailCoord, err := replcoord.New(replcoord.Config{
		ReplSet:          rs,
		Self:             tailHost,
		Local:            tail,
		MaxSyncSourceLag: cfg.Replication.MaxSyncSourceLag,
	})
	if err != nil {
		return err
	}

	net := loopback.NewNetwork(loopback.NetworkTestingKnobs{})
	srv, err := loopback.NewServer(loopback.ServerConfig{
		ReplicationConfig: cfg.Replication,
		Host:              sourceHost,
		Namespace:         cfg.OplogFetcher.Namespace,
		Oplog:             source,
		Metadata:          sourceCoord,
	})
	if err != nil {
		return err
	}
	net.Register(srv)

	stopper := stop.NewStopper()
	defer stopper.Stop(ctx)

	printer := &entryPrinter{
		out:   cmd.OutOrStdout(),
		limit: tailOplogCtx.limit,
		tail:  tail,
		done:  make(chan struct{}),
	}
	done := make(chan error, 1)
	f := oplogfetcher.New(oplogfetcher.Config{
		OplogFetcherConfig: cfg.OplogFetcher,
		Stopper:            stopper,
		Transport:          net,
		Source:             sourceHost,
		LastFetched:        start,
		ReplSetConfig:      rs,
		ExternalState:      tailCoord,
		Enqueue: func(ctx context.Context, entries []oplog.Entry, info oplogfetcher.DocumentsInfo) error {
			if err := printer.enqueue(ctx, entries, info); err != nil {
				return err
			}
			sourceCoord.SetMemberApplied(tailHost, tail.LastOplogPosition().OpTime)
			return nil
		},
		OnShutdown: func(err error, _ docpb.LogPosition) { done <- err },
	})
	if err := f.Startup(ctx); err != nil {
		return err
	}
	log.Infof(ctx, "tailing the oplog of %s after %s", source, from)

	select {
	case err := <-done:
		// The fetcher stopped on its own.
		f.Join()
		return err
	case <-printer.done:
	case <-ctx.Done():
	}
	f.Shutdown(ctx)
	f.Join()
	if err := <-done; err != nil && !errors.Is(err, oplogfetcher.ErrCallbackCanceled) {
		return err
	}
	return nil
}
