// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sqlstore is a persistent GraphStore backed by SQLite.
//
// Closure queries are evaluated by the database as recursive common table
// expressions, so the fixed point is computed by the engine rather than
// in application code. The driver is modernc.org/sqlite (pure Go).
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/AleutianAI/impactgraph/services/codegraph/graph"
	"github.com/AleutianAI/impactgraph/services/codegraph/store"
)

const backendName = "sqlstore"

//go:embed schema.sql
var schema string

// Store is a SQLite GraphStore.
//
// # Thread Safety
//
// Safe for concurrent use. Flushes are serialized in process; each one is
// a single transaction, and reads run inside their own transaction, so
// under WAL a reader sees either the old or the new snapshot.
type Store struct {
	conn   *sql.DB
	path   string
	logger *slog.Logger
	now    func() time.Time

	flushMu sync.Mutex

	mu     sync.RWMutex
	closed bool
}

var _ store.GraphStore = (*Store)(nil)

// Open opens or creates the database at path and applies the schema.
//
// # Description
//
// The connection runs in WAL mode with a 5 s busy timeout. The pragmas are
// passed through the DSN so that every pooled connection gets them.
//
// # Inputs
//
//   - path: Database file. Parent directories are created.
//   - logger: Optional; nil discards.
//
// # Outputs
//
//   - *Store: Ready store. Call Close when done.
//   - error: Non-nil if the database cannot be opened or migrated.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("path is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "synchronous(NORMAL)")
	dsn := "file:" + path + "?" + q.Encode()

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	logger = logger.With(slog.String("component", backendName))
	logger.Info("graph store opened", slog.String("path", path))
	return &Store{conn: conn, path: path, logger: logger, now: time.Now}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database. Later calls are no-ops.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// acquire holds the read side of mu for the duration of one operation.
func (s *Store) acquire() (func(), error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, store.ErrStoreClosed
	}
	return s.mu.RUnlock, nil
}

// =============================================================================
// Writes
// =============================================================================

// Flush deletes every row of snapshot and bulk-inserts g in one transaction.
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
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return store.Wrap("flush", name, err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM nodes WHERE snapshot = ?`,
		`DELETE FROM edges WHERE snapshot = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, name); err != nil {
			return store.Wrap("flush", name, err)
		}
	}

	if err := insertGraph(ctx, tx, g, name); err != nil {
		return store.Wrap("flush", name, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots (name, node_count, edge_count, flushed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			node_count = excluded.node_count,
			edge_count = excluded.edge_count,
			flushed_at = excluded.flushed_at
	`, name, g.NodeCount(), g.EdgeCount(), s.now().UTC().UnixNano())
	if err != nil {
		return store.Wrap("flush", name, err)
	}

	if err := tx.Commit(); err != nil {
		return store.Wrap("flush", name, err)
	}
	s.logger.Debug("snapshot flushed",
		slog.String("snapshot", name),
		slog.Int("nodes", g.NodeCount()),
		slog.Int("edges", g.EdgeCount()),
	)
	return nil
}

func insertGraph(ctx context.Context, tx *sql.Tx, g *graph.CodeGraph, name string) error {
	nodeStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO nodes (snapshot, id, kind, name, file_path, line, payload, node_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer nodeStmt.Close()

	edgeStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO edges (snapshot, src, seq, dst, kind, edge_json)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer edgeStmt.Close()

	for id, n := range g.Nodes() {
		nodeJSON, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("encode node %d: %w", id, err)
		}
		_, err = nodeStmt.ExecContext(ctx,
			name, int64(id), n.Kind().String(), n.Name, n.FilePath, n.Line,
			graph.EncodePayload(n.Data), string(nodeJSON))
		if err != nil {
			return fmt.Errorf("insert node %d: %w", id, err)
		}

		for seq, ref := range g.EdgesFrom(id) {
			edgeJSON, err := json.Marshal(ref.Edge)
			if err != nil {
				return fmt.Errorf("encode edge %d->%d: %w", ref.From, ref.To, err)
			}
			_, err = edgeStmt.ExecContext(ctx,
				name, int64(ref.From), seq, int64(ref.To), ref.Edge.Kind.String(), string(edgeJSON))
			if err != nil {
				return fmt.Errorf("insert edge %d->%d: %w", ref.From, ref.To, err)
			}
		}
	}
	return nil
}

// DeleteSnapshot removes every row of snapshot.
func (s *Store) DeleteSnapshot(ctx context.Context, name string) error {
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return store.Wrap("delete", name, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE name = ?`, name)
	if err != nil {
		return store.Wrap("delete", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrSnapshotNotFound
	}
	for _, stmt := range []string{
		`DELETE FROM nodes WHERE snapshot = ?`,
		`DELETE FROM edges WHERE snapshot = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, name); err != nil {
			return store.Wrap("delete", name, err)
		}
	}
	return store.Wrap("delete", name, tx.Commit())
}

// =============================================================================
// Reads
// =============================================================================

// read runs fn in a transaction after checking that every named snapshot
// exists. Running the check and the query in one transaction pins them to
// the same database snapshot.
func (s *Store) read(ctx context.Context, op string, fn func(tx *sql.Tx) error, snapshots ...string) error {
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return store.Wrap(op, snapshots[0], err)
	}
	defer tx.Rollback()

	for _, name := range snapshots {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM snapshots WHERE name = ?`, name).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return store.Wrap(op, name, store.ErrSnapshotNotFound)
		}
		if err != nil {
			return store.Wrap(op, name, err)
		}
	}
	return store.Wrap(op, snapshots[0], fn(tx))
}

// Snapshots lists snapshots in name order.
func (s *Store) Snapshots(ctx context.Context) ([]store.SnapshotInfo, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := s.conn.QueryContext(ctx,
		`SELECT name, node_count, edge_count, flushed_at FROM snapshots ORDER BY name`)
	if err != nil {
		return nil, store.Wrap("snapshots", "", err)
	}
	defer rows.Close()

	var infos []store.SnapshotInfo
	for rows.Next() {
		var info store.SnapshotInfo
		var flushed int64
		if err := rows.Scan(&info.Name, &info.NodeCount, &info.EdgeCount, &flushed); err != nil {
			return nil, store.Wrap("snapshots", "", err)
		}
		info.FlushedAt = time.Unix(0, flushed).UTC()
		infos = append(infos, info)
	}
	return infos, store.Wrap("snapshots", "", rows.Err())
}

func (s *Store) NodeCount(ctx context.Context, name string) (int, error) {
	var count int
	err := s.read(ctx, "node_count", func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx,
			`SELECT node_count FROM snapshots WHERE name = ?`, name).Scan(&count)
	}, name)
	return count, err
}

func (s *Store) Node(ctx context.Context, name string, id graph.NodeID) (*graph.Node, error) {
	var n *graph.Node
	err := s.read(ctx, "node", func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx,
			`SELECT node_json FROM nodes WHERE snapshot = ? AND id = ?`, name, int64(id)).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNodeNotFound
		}
		if err != nil {
			return err
		}
		n = new(graph.Node)
		return json.Unmarshal([]byte(raw), n)
	}, name)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (s *Store) Nodes(ctx context.Context, name string) ([]graph.IdentifiedNode, error) {
	var out []graph.IdentifiedNode
	err := s.read(ctx, "nodes", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, node_json FROM nodes WHERE snapshot = ? ORDER BY id`, name)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			var raw string
			if err := rows.Scan(&id, &raw); err != nil {
				return err
			}
			n := new(graph.Node)
			if err := json.Unmarshal([]byte(raw), n); err != nil {
				return fmt.Errorf("decode node %d: %w", id, err)
			}
			out = append(out, graph.IdentifiedNode{ID: graph.NodeID(id), Node: n})
		}
		return rows.Err()
	}, name)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) FindNodes(ctx context.Context, name, filePath, nodeName string) ([]graph.NodeID, error) {
	query := `SELECT id FROM nodes WHERE snapshot = ? AND file_path = ? ORDER BY id`
	args := []any{name, filePath}
	if nodeName != "" {
		query = `SELECT id FROM nodes WHERE snapshot = ? AND file_path = ? AND name = ? ORDER BY id`
		args = append(args, nodeName)
	}
	return s.queryIDs(ctx, "find_nodes", name, query, args...)
}

func (s *Store) FindNodesByKind(ctx context.Context, name string, kind graph.NodeKind) ([]graph.NodeID, error) {
	return s.queryIDs(ctx, "find_nodes_by_kind", name,
		`SELECT id FROM nodes WHERE snapshot = ? AND kind = ? ORDER BY id`, name, kind.String())
}

func (s *Store) EdgesFrom(ctx context.Context, name string, id graph.NodeID) ([]graph.EdgeRef, error) {
	return s.queryEdges(ctx, "edges_from", name, edgesFrom, name, int64(id))
}

func (s *Store) EdgesTo(ctx context.Context, name string, id graph.NodeID) ([]graph.EdgeRef, error) {
	return s.queryEdges(ctx, "edges_to", name, edgesTo, name, int64(id))
}

func (s *Store) DirectDependents(ctx context.Context, name string, id graph.NodeID) ([]graph.NodeID, error) {
	return s.TransitiveDependents(ctx, name, id, 1)
}

func (s *Store) Dependencies(ctx context.Context, name string, id graph.NodeID) ([]graph.NodeID, error) {
	return s.TransitiveDependencies(ctx, name, id, 1)
}

// TransitiveDependents evaluates the dependents closure with a recursive CTE.
func (s *Store) TransitiveDependents(ctx context.Context, name string, id graph.NodeID, maxDepth int) ([]graph.NodeID, error) {
	return s.closure(ctx, name, "TransitiveDependents", dependentsUnbounded, dependentsBounded, id, maxDepth)
}

// TransitiveDependencies evaluates the mirror closure over outgoing edges.
func (s *Store) TransitiveDependencies(ctx context.Context, name string, id graph.NodeID, maxDepth int) ([]graph.NodeID, error) {
	return s.closure(ctx, name, "TransitiveDependencies", dependenciesUnbounded, dependenciesBounded, id, maxDepth)
}

func (s *Store) closure(
	ctx context.Context,
	name, op, unbounded, bounded string,
	id graph.NodeID,
	maxDepth int,
) (ids []graph.NodeID, err error) {
	ctx, span := store.StartOp(ctx, backendName, op, name)
	defer span.End()
	start := time.Now()
	defer func() { store.RecordOp(ctx, backendName, op, time.Since(start), err) }()

	if maxDepth <= 0 {
		return s.queryIDs(ctx, op, name, unbounded, name, int64(id), name)
	}
	return s.queryIDs(ctx, op, name, bounded, name, int64(id), name, maxDepth)
}

func (s *Store) FindByEdgeKind(ctx context.Context, name string, id graph.NodeID, kind graph.EdgeKind) ([]graph.NodeID, error) {
	return s.queryIDs(ctx, "find_by_edge_kind", name, edgeTargetsByKind, name, int64(id), kind.String())
}

// FindChangedNodes runs the identity join in SQL and compares each matched
// row with graph.Fingerprint.
func (s *Store) FindChangedNodes(ctx context.Context, oldName, newName string) ([]graph.ChangedNode, error) {
	var changed []graph.ChangedNode
	err := s.read(ctx, "find_changed_nodes", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, changedNodes, oldName, oldName, newName)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				newID      int64
				newFP      graph.Fingerprint
				oldID      sql.NullInt64
				oldLine    sql.NullInt64
				oldPayload sql.NullString
			)
			if err := rows.Scan(&newID, &newFP.Line, &newFP.Payload, &oldID, &oldLine, &oldPayload); err != nil {
				return err
			}
			if !oldID.Valid {
				changed = append(changed, graph.ChangedNode{NewID: graph.NodeID(newID)})
				continue
			}
			oldFP := graph.Fingerprint{Line: int(oldLine.Int64), Payload: oldPayload.String}
			if oldFP != newFP {
				changed = append(changed, graph.ChangedNode{
					NewID:    graph.NodeID(newID),
					OldID:    graph.NodeID(oldID.Int64),
					Modified: true,
				})
			}
		}
		return rows.Err()
	}, oldName, newName)
	if err != nil {
		return nil, err
	}
	return changed, nil
}

func (s *Store) queryIDs(ctx context.Context, op, name, query string, args ...any) ([]graph.NodeID, error) {
	var ids []graph.NodeID
	err := s.read(ctx, op, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, graph.NodeID(id))
		}
		return rows.Err()
	}, name)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) queryEdges(ctx context.Context, op, name, query string, args ...any) ([]graph.EdgeRef, error) {
	var refs []graph.EdgeRef
	err := s.read(ctx, op, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var src, dst int64
			var raw string
			if err := rows.Scan(&src, &dst, &raw); err != nil {
				return err
			}
			ref := graph.EdgeRef{From: graph.NodeID(src), To: graph.NodeID(dst)}
			if err := json.Unmarshal([]byte(raw), &ref.Edge); err != nil {
				return fmt.Errorf("decode edge %d->%d: %w", src, dst, err)
			}
			refs = append(refs, ref)
		}
		return rows.Err()
	}, name)
	if err != nil {
		return nil, err
	}
	return refs, nil
}
