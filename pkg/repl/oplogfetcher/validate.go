// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package oplogfetcher

import (
	"github.com/cockroachdb/datamotion/pkg/docpb"
	"github.com/cockroachdb/datamotion/pkg/repl/oplog"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// DocumentsInfo describes a validated batch.
type DocumentsInfo struct {
	// NetworkDocumentCount and NetworkDocumentBytes count every document
	// read off the network.
	NetworkDocumentCount int
	NetworkDocumentBytes int
	// ToApplyDocumentCount and ToApplyDocumentBytes exclude the first
	// document of the first batch, which was already applied.
	ToApplyDocumentCount int
	ToApplyDocumentBytes int
	// LastDocument is the position of the last document of the batch. It is
	// unset if the batch has no documents to apply.
	LastDocument docpb.LogPosition
}

// SafeFormat implements redact.SafeFormatter.
func (i DocumentsInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("network: %d docs (%d bytes), to apply: %d docs (%d bytes), last: %s",
		redact.SafeInt(i.NetworkDocumentCount), redact.SafeInt(i.NetworkDocumentBytes),
		redact.SafeInt(i.ToApplyDocumentCount), redact.SafeInt(i.ToApplyDocumentBytes),
		i.LastDocument)
}

func (i DocumentsInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

// checkRemoteOplogStart verifies that the first batch of a query starts at
// the last fetched position. The query selects entries at or after
// lastFetched, so a source still holding our position returns it first.
func checkRemoteOplogStart(docs []oplog.Entry, lastFetched docpb.LogPosition) error {
	if len(docs) == 0 {
		// Nothing at or after our position: we are ahead of the source.
		return errors.Mark(
			errors.Mark(
				errors.Newf("we are ahead of the sync source. our last op time fetched: %s",
					lastFetched.OpTime),
				ErrRemoteOplogStale),
			ErrOplogStartMissing)
	}
	pos, err := docs[0].Position()
	if err != nil {
		return errors.Mark(
			errors.Wrapf(err, "our last op time fetched: %s. failed to parse optime from first oplog entry on source",
				lastFetched),
			ErrOplogStartMissing)
	}
	if !pos.Equal(lastFetched) {
		return errors.Mark(
			errors.Newf("our last op time fetched: %s. source's GTE: %s hashes: (%d/%d)",
				lastFetched.OpTime, pos.OpTime, lastFetched.Hash, pos.Hash),
			ErrOplogStartMissing)
	}
	return nil
}

// ValidateDocuments checks that the timestamps of docs are strictly
// increasing and greater than lastTS, and accumulates the batch statistics.
// When first is set the first document is the already-applied document at
// lastTS and is excluded from the ordering check and the to-apply counts.
func ValidateDocuments(
	docs []oplog.Entry, first bool, lastTS docpb.Timestamp,
) (DocumentsInfo, error) {
	if first && len(docs) == 0 {
		return DocumentsInfo{}, errors.Mark(
			errors.Newf("the first batch of oplog entries is empty, but expected at least 1 document matching ts: %s",
				lastTS),
			ErrOplogStartMissing)
	}

	var info DocumentsInfo
	for _, doc := range docs {
		info.NetworkDocumentBytes += doc.Size()
		info.NetworkDocumentCount++

		if first && info.NetworkDocumentCount == 1 {
			continue
		}

		pos, err := doc.Position()
		if err != nil {
			return DocumentsInfo{}, err
		}
		info.LastDocument = pos
		if pos.TS.Compare(lastTS) <= 0 {
			return DocumentsInfo{}, errors.Mark(
				errors.Newf("out of order entries in oplog. lastTS: %s outOfOrderTS: %s in batch with %d docs; first-batch: %t, doc: %s",
					lastTS, pos.TS, info.NetworkDocumentCount, first, doc),
				ErrOplogOutOfOrder)
		}
		lastTS = pos.TS
	}

	info.ToApplyDocumentCount = len(docs)
	info.ToApplyDocumentBytes = info.NetworkDocumentBytes
	if first {
		info.ToApplyDocumentCount--
		info.ToApplyDocumentBytes -= docs[0].Size()
	}
	return info, nil
}
