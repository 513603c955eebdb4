// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package oplogfetcher

import (
	"time"

	"github.com/cockroachdb/datamotion/pkg/docpb"
	"github.com/cockroachdb/datamotion/pkg/repl/replmeta"
	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// awaitDataTimeout returns the maxTimeMS of getMore commands. Under protocol
// version 1 it is tied to the election timeout so that the sync source
// communicates the liveness of the primary.
func awaitDataTimeout(cfg *replmeta.ReplSetConfig, protocolZero time.Duration) time.Duration {
	if cfg.ProtocolVersion == 1 {
		return cfg.ElectionTimeoutPeriod() / 2
	}
	return protocolZero
}

// makeFindCommand returns the find command tailing the remote oplog from
// lastFetched.
func makeFindCommand(
	es ExternalState, ns docpb.Namespace, lastFetched docpb.OpTime, maxTime time.Duration,
) bson.Raw {
	cmd := bson.D{
		{Key: "find", Value: ns.Coll},
		{Key: "filter", Value: bson.D{
			{Key: "ts", Value: bson.D{{Key: "$gte", Value: lastFetched.TS.BSON()}}},
		}},
		{Key: "tailable", Value: true},
		{Key: "oplogReplay", Value: true},
		{Key: "awaitData", Value: true},
		{Key: "maxTimeMS", Value: maxTime.Milliseconds()},
	}
	if term, _ := es.CurrentTermAndLastCommittedOpTime(); term != docpb.UninitializedTerm {
		cmd = append(cmd, bson.E{Key: "term", Value: term})
	}
	return mustMarshal(cmd)
}

// makeGetMoreCommand returns the getMore command continuing cursorID.
func makeGetMoreCommand(
	es ExternalState, ns string, cursorID int64, maxTime time.Duration,
) bson.Raw {
	coll := ns
	if parsed, err := docpb.ParseNamespace(ns); err == nil {
		coll = parsed.Coll
	}
	cmd := bson.D{
		{Key: "getMore", Value: cursorID},
		{Key: "collection", Value: coll},
		{Key: "maxTimeMS", Value: maxTime.Milliseconds()},
	}
	if term, committed := es.CurrentTermAndLastCommittedOpTime(); term != docpb.UninitializedTerm {
		cmd = append(cmd,
			bson.E{Key: "term", Value: term},
			bson.E{Key: "lastKnownCommittedOpTime", Value: replmeta.OpTimeToBSON(committed)},
		)
	}
	return mustMarshal(cmd)
}

func mustMarshal(d bson.D) bson.Raw {
	raw, err := bson.Marshal(d)
	if err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "encoding command"))
	}
	return raw
}
