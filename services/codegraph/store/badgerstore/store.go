// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badgerstore is a persistent GraphStore backed by BadgerDB.
//
// Each flush writes a complete new generation of keys, then flips the
// snapshot record to it in one transaction and drops the previous
// generation. Transitive queries are evaluated semi-naively: every round
// joins the newly derived nodes against the stored edge relation with one
// key-prefix scan per node.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/AleutianAI/impactgraph/services/codegraph/graph"
	"github.com/AleutianAI/impactgraph/services/codegraph/store"
)

const backendName = "badgerstore"

// snapshotRecord is the value stored under snap:<name>.
type snapshotRecord struct {
	Generation uint64    `json:"generation"`
	NodeCount  int       `json:"node_count"`
	EdgeCount  int       `json:"edge_count"`
	FlushedAt  time.Time `json:"flushed_at"`
}

type nodeCacheKey struct {
	snapshot   string
	generation uint64
	id         graph.NodeID
}

// Store is a BadgerDB GraphStore.
//
// # Thread Safety
//
// Safe for concurrent use. Flushes are serialized. Readers hold viewMu for
// the lifetime of their transaction, and the flip plus the drop of the old
// generation happen under the write side, so a reader never sees a
// generation disappear underneath it.
type Store struct {
	db     *db
	seq    *dgbadger.Sequence
	cache  *lru.Cache[nodeCacheKey, *graph.Node]
	logger *slog.Logger
	now    func() time.Time

	flushMu sync.Mutex
	viewMu  sync.RWMutex

	closeMu sync.Mutex
	closed  bool
}

var _ store.GraphStore = (*Store)(nil)

// Open opens or creates a store.
//
// # Description
//
// Opens BadgerDB with cfg, acquires the generation sequence and removes
// generations that no snapshot references (left behind by a flush that
// crashed before its flip).
//
// # Outputs
//
//   - *Store: Ready store. Call Close when done.
//   - error: Non-nil if the database cannot be opened.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With(slog.String("component", backendName))

	d, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	seq, err := d.GetSequence([]byte(seqKey), 16)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("acquire generation sequence: %w", err)
	}

	s := &Store{db: d, seq: seq, logger: logger, now: time.Now}
	if cfg.NodeCacheSize > 0 {
		cache, err := lru.New[nodeCacheKey, *graph.Node](cfg.NodeCacheSize)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("create node cache: %w", err)
		}
		s.cache = cache
	}

	if err := s.sweepOrphans(context.Background()); err != nil {
		s.Close()
		return nil, fmt.Errorf("sweep orphaned generations: %w", err)
	}

	logger.Info("graph store opened",
		slog.String("path", d.path),
		slog.Bool("in_memory", d.inMemory),
		slog.Bool("sync_writes", cfg.SyncWrites),
	)
	return s, nil
}

// OpenInMemory opens a store with InMemoryConfig.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

func (s *Store) checkOpen() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return store.ErrStoreClosed
	}
	return nil
}

// Close releases the sequence and closes the database. Later calls are
// no-ops.
func (s *Store) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	s.viewMu.Lock()
	defer s.viewMu.Unlock()

	var errs []error
	if s.seq != nil {
		errs = append(errs, s.seq.Release())
	}
	errs = append(errs, s.db.Close())
	return errors.Join(errs...)
}

// =============================================================================
// Writes
// =============================================================================

// Flush writes g as a new generation and points snapshot at it.
//
// # Description
//
// 1. Allocates a generation from the Badger sequence.
// 2. Writes nodes, both edge directions and the file and kind indexes with
// a WriteBatch. Nothing references the generation yet.
// 3. Under the write side of viewMu, flips snap:<name> in one transaction
// and drops the previous generation.
//
// A failure before step 3 drops the partial generation; the snapshot keeps
// its previous contents.
func (s *Store) Flush(ctx context.Context, g *graph.CodeGraph, name string) (err error) {
	ctx, span := store.StartOp(ctx, backendName, "Flush", name)
	defer span.End()
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		store.RecordOp(ctx, backendName, "flush", time.Since(start), err)
	}()

	if err := store.ValidateSnapshotName(name); err != nil {
		return err
	}

	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	gen, err := s.seq.Next()
	if err != nil {
		return store.Wrap("flush", name, fmt.Errorf("next generation: %w", err))
	}
	gen++ // generation 0 is never used

	if err := s.writeGeneration(ctx, g, gen); err != nil {
		if dropErr := s.db.DropPrefix([]byte(generationPrefix(gen))); dropErr != nil {
			s.logger.Warn("drop partial generation",
				slog.Uint64("generation", gen),
				slog.String("error", dropErr.Error()))
		}
		return store.Wrap("flush", name, err)
	}

	rec := snapshotRecord{
		Generation: gen,
		NodeCount:  g.NodeCount(),
		EdgeCount:  g.EdgeCount(),
		FlushedAt:  s.now().UTC(),
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return store.Wrap("flush", name, err)
	}

	s.viewMu.Lock()
	defer s.viewMu.Unlock()

	var previous *snapshotRecord
	err = s.db.withTxn(ctx, func(txn *dgbadger.Txn) error {
		old, err := readRecord(txn, name)
		if err != nil && !errors.Is(err, store.ErrSnapshotNotFound) {
			return err
		}
		previous = old
		return txn.Set(snapKey(name), value)
	})
	if err != nil {
		return store.Wrap("flush", name, err)
	}

	if previous != nil {
		s.dropGeneration(previous.Generation)
	}
	s.logger.Debug("snapshot flushed",
		slog.String("snapshot", name),
		slog.Uint64("generation", gen),
		slog.Int("nodes", rec.NodeCount),
		slog.Int("edges", rec.EdgeCount),
	)
	return nil
}

func (s *Store) writeGeneration(ctx context.Context, g *graph.CodeGraph, gen uint64) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	nodeCount := g.NodeCount()
	for id, n := range g.Nodes() {
		if err := ctx.Err(); err != nil {
			return err
		}
		value, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("encode node %d: %w", id, err)
		}
		if err := wb.Set(nodeKey(gen, id), value); err != nil {
			return err
		}
		if err := wb.Set(fileKey(gen, n.FilePath, n.Name, id), nil); err != nil {
			return err
		}
		if err := wb.Set(kindKey(gen, n.Kind(), id), nil); err != nil {
			return err
		}

		for seq, ref := range g.EdgesFrom(id) {
			value, err := json.Marshal(ref)
			if err != nil {
				return fmt.Errorf("encode edge %d->%d: %w", ref.From, ref.To, err)
			}
			if err := wb.Set(outKey(gen, id, seq), value); err != nil {
				return err
			}
			if int(ref.To) < nodeCount {
				if err := wb.Set(inKey(gen, ref.To, id, seq), value); err != nil {
					return err
				}
			}
		}
	}
	return wb.Flush()
}

func (s *Store) dropGeneration(gen uint64) {
	if err := s.db.DropPrefix([]byte(generationPrefix(gen))); err != nil {
		// The generation is unreferenced; the next Open sweeps it.
		s.logger.Warn("drop old generation",
			slog.Uint64("generation", gen),
			slog.String("error", err.Error()))
	}
}

// DeleteSnapshot removes the snapshot record and its generation.
func (s *Store) DeleteSnapshot(ctx context.Context, name string) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	var rec *snapshotRecord
	err := s.db.withTxn(ctx, func(txn *dgbadger.Txn) error {
		var err error
		rec, err = readRecord(txn, name)
		if err != nil {
			return err
		}
		return txn.Delete(snapKey(name))
	})
	if err != nil {
		return store.Wrap("delete", name, err)
	}
	s.dropGeneration(rec.Generation)
	return nil
}

// sweepOrphans drops every generation that no snapshot record references.
func (s *Store) sweepOrphans(ctx context.Context) error {
	live := map[uint64]bool{}
	var orphans []uint64

	err := s.db.withReadTxn(ctx, func(txn *dgbadger.Txn) error {
		for _, rec := range scanRecords(txn) {
			live[rec.rec.Generation] = true
		}

		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(genPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); {
			gen, ok := keyGeneration(it.Item().Key())
			if !ok {
				it.Next()
				continue
			}
			if !live[gen] {
				orphans = append(orphans, gen)
			}
			it.Seek(generationEnd(gen))
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, gen := range orphans {
		s.logger.Info("dropping orphaned generation", slog.Uint64("generation", gen))
		if err := s.db.DropPrefix([]byte(generationPrefix(gen))); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Reads
// =============================================================================

// view runs fn against the generation snapshot currently points at.
func (s *Store) view(ctx context.Context, name string, fn func(txn *dgbadger.Txn, rec *snapshotRecord) error) error {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	return s.db.withReadTxn(ctx, func(txn *dgbadger.Txn) error {
		rec, err := readRecord(txn, name)
		if err != nil {
			return err
		}
		return fn(txn, rec)
	})
}

func readRecord(txn *dgbadger.Txn, name string) (*snapshotRecord, error) {
	item, err := txn.Get(snapKey(name))
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return nil, store.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec snapshotRecord
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("decode snapshot record %q: %w", name, err)
	}
	return &rec, nil
}

type namedRecord struct {
	name string
	rec  snapshotRecord
}

// scanRecords returns every snapshot record in key (name) order.
// Records that fail to decode are skipped.
func scanRecords(txn *dgbadger.Txn) []namedRecord {
	it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
	defer it.Close()

	var out []namedRecord
	prefix := []byte(snapPrefix)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		var rec snapshotRecord
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
			continue
		}
		out = append(out, namedRecord{name: string(item.Key()[len(prefix):]), rec: rec})
	}
	return out
}

// Snapshots lists snapshots in name order.
func (s *Store) Snapshots(ctx context.Context) ([]store.SnapshotInfo, error) {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var infos []store.SnapshotInfo
	err := s.db.withReadTxn(ctx, func(txn *dgbadger.Txn) error {
		for _, nr := range scanRecords(txn) {
			infos = append(infos, store.SnapshotInfo{
				Name:      nr.name,
				NodeCount: nr.rec.NodeCount,
				EdgeCount: nr.rec.EdgeCount,
				FlushedAt: nr.rec.FlushedAt,
			})
		}
		return nil
	})
	return infos, store.Wrap("snapshots", "", err)
}

func (s *Store) NodeCount(ctx context.Context, name string) (int, error) {
	var count int
	err := s.view(ctx, name, func(_ *dgbadger.Txn, rec *snapshotRecord) error {
		count = rec.NodeCount
		return nil
	})
	return count, store.Wrap("node_count", name, err)
}

// Node returns a copy of the node; decoded nodes are cached per generation.
func (s *Store) Node(ctx context.Context, name string, id graph.NodeID) (*graph.Node, error) {
	var n *graph.Node
	err := s.view(ctx, name, func(txn *dgbadger.Txn, rec *snapshotRecord) error {
		var err error
		n, err = s.loadNode(txn, name, rec.Generation, id)
		return err
	})
	if err != nil {
		return nil, store.Wrap("node", name, err)
	}
	return n.Clone(), nil
}

func (s *Store) loadNode(txn *dgbadger.Txn, name string, gen uint64, id graph.NodeID) (*graph.Node, error) {
	key := nodeCacheKey{snapshot: name, generation: gen, id: id}
	if s.cache != nil {
		if n, ok := s.cache.Get(key); ok {
			return n, nil
		}
	}

	item, err := txn.Get(nodeKey(gen, id))
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return nil, store.ErrNodeNotFound
	}
	if err != nil {
		return nil, err
	}
	n := new(graph.Node)
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, n) }); err != nil {
		return nil, fmt.Errorf("decode node %d: %w", id, err)
	}
	if s.cache != nil {
		s.cache.Add(key, n)
	}
	return n, nil
}

func (s *Store) Nodes(ctx context.Context, name string) ([]graph.IdentifiedNode, error) {
	var out []graph.IdentifiedNode
	err := s.view(ctx, name, func(txn *dgbadger.Txn, rec *snapshotRecord) error {
		var iterErr error
		for in := range scanNodes(txn, rec.Generation, &iterErr) {
			out = append(out, in)
		}
		return iterErr
	})
	if err != nil {
		return nil, store.Wrap("nodes", name, err)
	}
	return out, nil
}

// scanNodes yields the nodes of gen in id order. A decode failure stops the
// sequence and is reported through errp.
func scanNodes(txn *dgbadger.Txn, gen uint64, errp *error) iter.Seq[graph.IdentifiedNode] {
	return func(yield func(graph.IdentifiedNode) bool) {
		it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
		defer it.Close()

		prefix := nodesPrefix(gen)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			id, err := trailingID(item.Key())
			if err != nil {
				*errp = err
				return
			}
			n := new(graph.Node)
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, n) }); err != nil {
				*errp = fmt.Errorf("decode node %d: %w", id, err)
				return
			}
			if !yield(graph.IdentifiedNode{ID: id, Node: n}) {
				return
			}
		}
	}
}

// scanIDs collects trailing ids of keys under prefix.
func scanIDs(txn *dgbadger.Txn, prefix []byte) ([]graph.NodeID, error) {
	opts := dgbadger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []graph.NodeID
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		id, err := trailingID(it.Item().Key())
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// scanEdges decodes every EdgeRef stored under prefix in key order.
func scanEdges(txn *dgbadger.Txn, prefix []byte) ([]graph.EdgeRef, error) {
	it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
	defer it.Close()

	var refs []graph.EdgeRef
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var ref graph.EdgeRef
		if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &ref) }); err != nil {
			return nil, fmt.Errorf("decode edge %q: %w", it.Item().Key(), err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (s *Store) FindNodes(ctx context.Context, name, filePath, nodeName string) ([]graph.NodeID, error) {
	var ids []graph.NodeID
	err := s.view(ctx, name, func(txn *dgbadger.Txn, rec *snapshotRecord) error {
		var err error
		ids, err = scanIDs(txn, filePrefix(rec.Generation, filePath, nodeName))
		return err
	})
	if err != nil {
		return nil, store.Wrap("find_nodes", name, err)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *Store) FindNodesByKind(ctx context.Context, name string, kind graph.NodeKind) ([]graph.NodeID, error) {
	var ids []graph.NodeID
	err := s.view(ctx, name, func(txn *dgbadger.Txn, rec *snapshotRecord) error {
		var err error
		ids, err = scanIDs(txn, kindPrefix(rec.Generation, kind))
		return err
	})
	return ids, store.Wrap("find_nodes_by_kind", name, err)
}

func (s *Store) EdgesFrom(ctx context.Context, name string, id graph.NodeID) ([]graph.EdgeRef, error) {
	var refs []graph.EdgeRef
	err := s.view(ctx, name, func(txn *dgbadger.Txn, rec *snapshotRecord) error {
		var err error
		refs, err = scanEdges(txn, outPrefix(rec.Generation, id))
		return err
	})
	return refs, store.Wrap("edges_from", name, err)
}

func (s *Store) EdgesTo(ctx context.Context, name string, id graph.NodeID) ([]graph.EdgeRef, error) {
	var refs []graph.EdgeRef
	err := s.view(ctx, name, func(txn *dgbadger.Txn, rec *snapshotRecord) error {
		var err error
		refs, err = scanEdges(txn, inPrefix(rec.Generation, id))
		return err
	})
	return refs, store.Wrap("edges_to", name, err)
}

func (s *Store) DirectDependents(ctx context.Context, name string, id graph.NodeID) ([]graph.NodeID, error) {
	return s.TransitiveDependents(ctx, name, id, 1)
}

func (s *Store) Dependencies(ctx context.Context, name string, id graph.NodeID) ([]graph.NodeID, error) {
	return s.TransitiveDependencies(ctx, name, id, 1)
}

// TransitiveDependents evaluates dep(x) :- edge(x, id); dep(x) :- dep(y), edge(x, y)
// against the incoming-edge index.
func (s *Store) TransitiveDependents(ctx context.Context, name string, id graph.NodeID, maxDepth int) ([]graph.NodeID, error) {
	return s.closure(ctx, name, id, maxDepth, "TransitiveDependents", inPrefix, func(ref graph.EdgeRef) graph.NodeID {
		return ref.From
	})
}

// TransitiveDependencies is the mirror query over the outgoing-edge index.
func (s *Store) TransitiveDependencies(ctx context.Context, name string, id graph.NodeID, maxDepth int) ([]graph.NodeID, error) {
	return s.closure(ctx, name, id, maxDepth, "TransitiveDependencies", outPrefix, func(ref graph.EdgeRef) graph.NodeID {
		return ref.To
	})
}

func (s *Store) closure(
	ctx context.Context,
	name string,
	id graph.NodeID,
	maxDepth int,
	op string,
	prefix func(uint64, graph.NodeID) []byte,
	endpoint func(graph.EdgeRef) graph.NodeID,
) (ids []graph.NodeID, err error) {
	ctx, span := store.StartOp(ctx, backendName, op, name)
	defer span.End()
	start := time.Now()
	defer func() { store.RecordOp(ctx, backendName, op, time.Since(start), err) }()

	err = s.view(ctx, name, func(txn *dgbadger.Txn, rec *snapshotRecord) error {
		expand := func(ctx context.Context, frontier []graph.NodeID) ([]graph.NodeID, error) {
			var next []graph.NodeID
			for _, f := range frontier {
				refs, err := scanEdges(txn, prefix(rec.Generation, f))
				if err != nil {
					return nil, err
				}
				for _, ref := range refs {
					next = append(next, endpoint(ref))
				}
			}
			return next, nil
		}
		var err error
		ids, err = graph.FixedPoint(ctx, id, expand, maxDepth)
		return err
	})
	if err != nil {
		return nil, store.Wrap(op, name, err)
	}
	return ids, nil
}

func (s *Store) FindByEdgeKind(ctx context.Context, name string, id graph.NodeID, kind graph.EdgeKind) ([]graph.NodeID, error) {
	refs, err := s.EdgesFrom(ctx, name, id)
	if err != nil {
		return nil, err
	}
	var out []graph.NodeID
	for _, ref := range refs {
		if ref.Edge.Kind == kind {
			out = append(out, ref.To)
		}
	}
	return graph.Dedup(out), nil
}

// FindChangedNodes streams both generations' nodes through graph.MatchNodes
// inside a single read transaction.
func (s *Store) FindChangedNodes(ctx context.Context, oldName, newName string) ([]graph.ChangedNode, error) {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var changed []graph.ChangedNode
	err := s.db.withReadTxn(ctx, func(txn *dgbadger.Txn) error {
		oldRec, err := readRecord(txn, oldName)
		if err != nil {
			return err
		}
		newRec, err := readRecord(txn, newName)
		if err != nil {
			return err
		}
		var oldErr, newErr error
		changed = graph.MatchNodes(
			scanNodes(txn, oldRec.Generation, &oldErr),
			scanNodes(txn, newRec.Generation, &newErr),
		)
		return errors.Join(oldErr, newErr)
	})
	if err != nil {
		return nil, store.Wrap("find_changed_nodes", oldName+".."+newName, err)
	}
	return changed, nil
}
