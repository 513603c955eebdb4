// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package docstore

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/datamotion/pkg/docpb"
	"github.com/cockroachdb/datamotion/pkg/sharding/shardkey"
	"github.com/cockroachdb/datamotion/pkg/util/encoding"
	"github.com/cockroachdb/datamotion/pkg/util/log"
	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// IDIndexName is the name of the index on _id every collection has.
const IDIndexName = "_id_"

var idKeyPattern = shardkey.MustParseKeyPatternJSON(`{"_id": 1}`)

// IndexDescriptor describes a secondary index.
type IndexDescriptor struct {
	Name       string
	KeyPattern shardkey.KeyPattern
}

// Collection is a set of documents with indexes. Documents are addressed
// by record id. Catalog changes require the collection to be locked in
// ModeX; reads and writes of documents require at least ModeIS and ModeIX
// respectively.
type Collection struct {
	store *Store
	ns    docpb.Namespace
	// indexes is replaced, never mutated.
	indexes atomic.Pointer[[]IndexDescriptor]
	// nextID is the last allocated record id.
	nextID atomic.Uint64
}

type catalogEntry struct {
	NS      string              `bson:"ns"`
	Indexes []catalogIndexEntry `bson:"indexes"`
}

type catalogIndexEntry struct {
	Name string   `bson:"name"`
	Key  bson.Raw `bson:"key"`
}

func newCollection(s *Store, ns docpb.Namespace, indexes []IndexDescriptor) *Collection {
	c := &Collection{store: s, ns: ns}
	c.indexes.Store(&indexes)
	return c
}

func decodeCatalogEntry(s *Store, data []byte) (*Collection, error) {
	var e catalogEntry
	if err := bson.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	ns, err := docpb.ParseNamespace(e.NS)
	if err != nil {
		return nil, err
	}
	indexes := make([]IndexDescriptor, 0, len(e.Indexes))
	for _, ie := range e.Indexes {
		pattern, err := shardkey.ParseKeyPattern(ie.Key)
		if err != nil {
			return nil, errors.Wrapf(err, "index %s of %s", ie.Name, ns)
		}
		indexes = append(indexes, IndexDescriptor{Name: ie.Name, KeyPattern: pattern})
	}
	return newCollection(s, ns, indexes), nil
}

func encodeCatalogEntry(ns docpb.Namespace, indexes []IndexDescriptor) ([]byte, error) {
	e := catalogEntry{NS: ns.String()}
	for _, idx := range indexes {
		e.Indexes = append(e.Indexes, catalogIndexEntry{Name: idx.Name, Key: idx.KeyPattern.BSON()})
	}
	return bson.Marshal(e)
}

// loadNextRecordID recovers the record id allocator from the largest
// record id in use.
func (c *Collection) loadNextRecordID() error {
	iter, err := c.store.db.NewIter(spanBounds(recordSpanPrefix(c.ns)))
	if err != nil {
		return err
	}
	defer func() { _ = iter.Close() }()
	if iter.Last() {
		id, err := decodeRecordKey(c.ns, iter.Key())
		if err != nil {
			return err
		}
		c.nextID.Store(uint64(id))
	}
	return iter.Error()
}

// NS returns the namespace of the collection.
func (c *Collection) NS() docpb.Namespace {
	return c.ns
}

// Indexes returns the indexes of the collection, the _id index first.
func (c *Collection) Indexes() []IndexDescriptor {
	return *c.indexes.Load()
}

// Index returns the index with the given name.
func (c *Collection) Index(name string) (IndexDescriptor, bool) {
	for _, idx := range c.Indexes() {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexDescriptor{}, false
}

// FindShardKeyPrefixedIndex returns an index whose key pattern starts with
// the fields of pattern, in the same directions.
func (c *Collection) FindShardKeyPrefixedIndex(pattern shardkey.KeyPattern) (IndexDescriptor, bool) {
	for _, idx := range c.Indexes() {
		if pattern.IsPrefixOf(idx.KeyPattern) {
			return idx, true
		}
	}
	return IndexDescriptor{}, false
}

// Get returns the document stored under id.
func (c *Collection) Get(id RecordID) (bson.Raw, error) {
	v, err := c.store.get(recordKey(c.ns, id))
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, errors.Wrapf(ErrRecordNotFound, "record %d of %s", id, c.ns)
	}
	return v, nil
}

// Count returns the number of documents in the collection.
func (c *Collection) Count() (int, error) {
	iter, err := c.store.db.NewIter(spanBounds(recordSpanPrefix(c.ns)))
	if err != nil {
		return 0, err
	}
	n := 0
	for valid := iter.First(); valid; valid = iter.Next() {
		n++
	}
	return n, errors.CombineErrors(iter.Error(), iter.Close())
}

// Scan calls f with every document in record id order until f returns
// false.
func (c *Collection) Scan(f func(id RecordID, doc bson.Raw) bool) error {
	iter, err := c.store.db.NewIter(spanBounds(recordSpanPrefix(c.ns)))
	if err != nil {
		return err
	}
	for valid := iter.First(); valid; valid = iter.Next() {
		id, err := decodeRecordKey(c.ns, iter.Key())
		if err != nil {
			return errors.CombineErrors(err, iter.Close())
		}
		if !f(id, append(bson.Raw(nil), iter.Value()...)) {
			break
		}
	}
	return errors.CombineErrors(iter.Error(), iter.Close())
}

func (c *Collection) allocRecordID() RecordID {
	return RecordID(c.nextID.Add(1))
}

// indexKey returns the encoded key of doc in idx.
func indexKey(idx IndexDescriptor, doc bson.Raw) ([]byte, error) {
	key, err := idx.KeyPattern.ExtractKey(doc)
	if err != nil {
		return nil, err
	}
	enc, err := idx.KeyPattern.Encode(key)
	if err != nil {
		return nil, errors.Wrapf(err, "index %s", idx.Name)
	}
	return enc, nil
}

// CreateCollection creates the collection ns with an _id index.
func (s *Store) CreateCollection(ctx context.Context, ns docpb.Namespace) error {
	if ns.IsEmpty() || ns.DB == "" || ns.Coll == "" {
		return errors.Newf("invalid namespace %q", ns)
	}
	l, err := s.LockCollection(ctx, ns, ModeX)
	if err != nil {
		return err
	}
	defer l.Release()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if l.Collection() != nil {
		return errors.Wrapf(ErrCollectionExists, "%s", ns)
	}
	indexes := []IndexDescriptor{{Name: IDIndexName, KeyPattern: idKeyPattern}}
	if err := s.writeCatalog(ns, indexes); err != nil {
		return err
	}
	s.mu.Lock()
	s.mu.colls[ns] = newCollection(s, ns, indexes)
	s.mu.Unlock()
	log.VEventf(ctx, 1, "created collection %s", ns)
	return nil
}

func (s *Store) writeCatalog(ns docpb.Namespace, indexes []IndexDescriptor) error {
	data, err := encodeCatalogEntry(ns, indexes)
	if err != nil {
		return err
	}
	return s.db.Set(catalogKey(ns), data, s.writeOptions())
}

// DropCollection removes the collection ns with its documents and indexes.
func (s *Store) DropCollection(ctx context.Context, ns docpb.Namespace) error {
	l, err := s.LockCollection(ctx, ns, ModeX)
	if err != nil {
		return err
	}
	defer l.Release()
	if err := s.checkOpen(); err != nil {
		return err
	}
	c := l.Collection()
	if c == nil {
		return errors.Wrapf(ErrCollectionNotFound, "%s", ns)
	}
	b := s.db.NewBatch()
	defer func() { _ = b.Close() }()
	if err := b.Delete(catalogKey(ns), nil); err != nil {
		return err
	}
	for _, prefix := range [][]byte{recordSpanPrefix(ns), indexCollectionPrefix(ns)} {
		if err := b.DeleteRange(prefix, encoding.PrefixEnd(prefix), nil); err != nil {
			return err
		}
	}
	if err := b.Commit(s.writeOptions()); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.mu.colls, ns)
	s.mu.Unlock()
	log.Infof(ctx, "dropped collection %s", ns)
	return nil
}

// CreateIndex adds an index named name on pattern to the collection ns and
// builds it from the existing documents.
func (s *Store) CreateIndex(
	ctx context.Context, ns docpb.Namespace, name string, pattern shardkey.KeyPattern,
) error {
	if name == "" || pattern.IsEmpty() {
		return errors.New("an index requires a name and a key pattern")
	}
	l, err := s.LockCollection(ctx, ns, ModeX)
	if err != nil {
		return err
	}
	defer l.Release()
	if err := s.checkOpen(); err != nil {
		return err
	}
	c := l.Collection()
	if c == nil {
		return errors.Wrapf(ErrCollectionNotFound, "%s", ns)
	}
	if _, ok := c.Index(name); ok {
		return errors.Wrapf(ErrIndexExists, "index %s on %s", name, ns)
	}
	idx := IndexDescriptor{Name: name, KeyPattern: pattern}
	b := s.db.NewBatch()
	defer func() { _ = b.Close() }()
	var buildErr error
	if err := c.Scan(func(id RecordID, doc bson.Raw) bool {
		var key []byte
		if key, buildErr = indexKey(idx, doc); buildErr != nil {
			buildErr = errors.Wrapf(buildErr, "building index %s on record %d", name, id)
			return false
		}
		buildErr = b.Set(indexEntryKey(ns, name, key, id), nil, nil)
		return buildErr == nil
	}); err != nil {
		return err
	}
	if buildErr != nil {
		return buildErr
	}
	indexes := append(append([]IndexDescriptor(nil), c.Indexes()...), idx)
	data, err := encodeCatalogEntry(ns, indexes)
	if err != nil {
		return err
	}
	if err := b.Set(catalogKey(ns), data, nil); err != nil {
		return err
	}
	if err := b.Commit(s.writeOptions()); err != nil {
		return err
	}
	c.indexes.Store(&indexes)
	log.VEventf(ctx, 1, "created index %s %s on %s", name, pattern, ns)
	return nil
}

