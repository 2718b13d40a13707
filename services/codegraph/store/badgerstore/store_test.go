// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badgerstore

import (
	"context"
	"testing"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/impactgraph/services/codegraph/graph"
	"github.com/AleutianAI/impactgraph/services/codegraph/store"
	"github.com/AleutianAI/impactgraph/services/codegraph/store/storetest"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func persistentConfig(dir string) Config {
	cfg := DefaultConfig(dir)
	cfg.SyncWrites = false
	cfg.GCInterval = 0
	return cfg
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.GraphStore {
		return openTest(t)
	})
}

func TestConformance_NoNodeCache(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.GraphStore {
		cfg := InMemoryConfig()
		cfg.NodeCacheSize = 0
		s, err := Open(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestFlush_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	g := storetest.Sample()

	s, err := Open(persistentConfig(dir))
	require.NoError(t, err)
	require.NoError(t, s.Flush(ctx, g, "current"))
	require.NoError(t, s.Close())

	s, err = Open(persistentConfig(dir))
	require.NoError(t, err)
	defer s.Close()

	n, err := s.NodeCount(ctx, "current")
	require.NoError(t, err)
	assert.Equal(t, g.NodeCount(), n)

	rebuilt, err := store.Reconstruct(ctx, s, "current", g.Root())
	require.NoError(t, err)
	assert.Empty(t, graph.ChangedNodes(g, rebuilt))
	assert.Equal(t, g.EdgeCount(), rebuilt.EdgeCount())
}

func TestFlush_GenerationsAdvanceAndOldOneIsDropped(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	require.NoError(t, s.Flush(ctx, storetest.Sample(), "current"))
	first := generationOf(t, s, "current")
	require.NoError(t, s.Flush(ctx, storetest.Evolved(), "current"))
	second := generationOf(t, s, "current")

	assert.Greater(t, second, first)
	assert.Zero(t, countPrefix(t, s, []byte(generationPrefix(first))))
	assert.NotZero(t, countPrefix(t, s, []byte(generationPrefix(second))))
}

func TestDeleteSnapshot_DropsGeneration(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	require.NoError(t, s.Flush(ctx, storetest.Sample(), "current"))
	gen := generationOf(t, s, "current")

	require.NoError(t, s.DeleteSnapshot(ctx, "current"))
	assert.Zero(t, countPrefix(t, s, []byte(generationPrefix(gen))))
}

func TestOpen_SweepsOrphanedGeneration(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(persistentConfig(dir))
	require.NoError(t, err)
	require.NoError(t, s.Flush(ctx, storetest.Sample(), "current"))
	live := generationOf(t, s, "current")

	// A generation written without a flip, as after a crash mid-flush.
	const orphan = 9999
	require.NoError(t, s.writeGeneration(ctx, storetest.Evolved(), orphan))
	require.NotZero(t, countPrefix(t, s, []byte(generationPrefix(orphan))))
	require.NoError(t, s.Close())

	s, err = Open(persistentConfig(dir))
	require.NoError(t, err)
	defer s.Close()

	assert.Zero(t, countPrefix(t, s, []byte(generationPrefix(orphan))))
	assert.NotZero(t, countPrefix(t, s, []byte(generationPrefix(live))))
}

func TestNode_CacheReturnsIndependentCopies(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	require.NoError(t, s.Flush(ctx, storetest.Sample(), "current"))

	first, err := s.Node(ctx, "current", 3)
	require.NoError(t, err)
	first.Name = "mutated"

	second, err := s.Node(ctx, "current", 3)
	require.NoError(t, err)
	assert.Equal(t, "foo", second.Name)
	assert.Equal(t, 1, s.cache.Len())
}

func TestNode_CacheDoesNotLeakAcrossFlushes(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	g1 := graph.New("/r")
	g1.AddNode(graph.NewNode(&graph.FunctionData{}, "old", "a.go", 1))
	g2 := graph.New("/r")
	g2.AddNode(graph.NewNode(&graph.FunctionData{}, "new", "a.go", 1))

	require.NoError(t, s.Flush(ctx, g1, "current"))
	n, err := s.Node(ctx, "current", 0)
	require.NoError(t, err)
	require.Equal(t, "old", n.Name)

	require.NoError(t, s.Flush(ctx, g2, "current"))
	n, err = s.Node(ctx, "current", 0)
	require.NoError(t, err)
	assert.Equal(t, "new", n.Name)
}

func TestFlush_CancelledContextKeepsPreviousSnapshot(t *testing.T) {
	s := openTest(t)
	require.NoError(t, s.Flush(context.Background(), storetest.Sample(), "current"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Flush(ctx, storetest.Evolved(), "current")
	require.Error(t, err)

	n, err := s.NodeCount(context.Background(), "current")
	require.NoError(t, err)
	assert.Equal(t, storetest.Sample().NodeCount(), n)
}

func TestGCRunner_StopIsIdempotent(t *testing.T) {
	s := openTest(t)
	r, err := newGCRunner(s.db.DB, 10*time.Millisecond, 0.5, nil)
	require.NoError(t, err)
	r.start()
	r.stop()
	r.stop()

	_, err = newGCRunner(s.db.DB, 0, 0.5, nil)
	assert.Error(t, err)
	_, err = newGCRunner(s.db.DB, time.Second, 2, nil)
	assert.Error(t, err)
}

func TestKeys_OrderMatchesIDs(t *testing.T) {
	assert.Less(t, string(nodeKey(1, 9)), string(nodeKey(1, 10)))
	assert.Less(t, string(generationPrefix(2)+"zzz"), string(generationEnd(2)))
	assert.Less(t, string(generationEnd(2)), generationPrefix(3))

	id, err := trailingID(fileKey(4, "dir/a.go", "Foo.Bar", 42))
	require.NoError(t, err)
	assert.Equal(t, graph.NodeID(42), id)

	gen, ok := keyGeneration(kindKey(77, graph.NodeKindClass, 1))
	require.True(t, ok)
	assert.Equal(t, uint64(77), gen)
}

func generationOf(t *testing.T, s *Store, name string) uint64 {
	t.Helper()
	var gen uint64
	err := s.view(context.Background(), name, func(_ *dgbadger.Txn, rec *snapshotRecord) error {
		gen = rec.Generation
		return nil
	})
	require.NoError(t, err)
	return gen
}

func countPrefix(t *testing.T, s *Store, prefix []byte) int {
	t.Helper()
	count := 0
	err := s.db.withReadTxn(context.Background(), func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	require.NoError(t, err)
	return count
}
