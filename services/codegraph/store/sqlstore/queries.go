// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sqlstore

// Closure queries are the two rules
//
//	dep(x) :- edge(x, start).
//	dep(x) :- dep(y), edge(x, y).
//
// written as recursive common table expressions. The unbounded form uses
// UNION, so a row already derived is never queued again and evaluation
// reaches a fixed point on cyclic graphs. The bounded form carries a depth
// column and stops extending facts at depth = max.
//
// Incoming edges are only followed into nodes that exist in the snapshot,
// matching the in-memory graph, which never indexes an edge under a
// target it does not hold.
const (
	dependentsUnbounded = `
WITH RECURSIVE dep(id) AS (
    SELECT e.src FROM edges e
     WHERE e.snapshot = ? AND e.dst = ?
       AND EXISTS (SELECT 1 FROM nodes n WHERE n.snapshot = e.snapshot AND n.id = e.dst)
    UNION
    SELECT e.src FROM edges e JOIN dep d ON e.dst = d.id
     WHERE e.snapshot = ?
)
SELECT id FROM dep ORDER BY id`

	dependentsBounded = `
WITH RECURSIVE dep(id, depth) AS (
    SELECT e.src, 1 FROM edges e
     WHERE e.snapshot = ? AND e.dst = ?
       AND EXISTS (SELECT 1 FROM nodes n WHERE n.snapshot = e.snapshot AND n.id = e.dst)
    UNION
    SELECT e.src, d.depth + 1 FROM edges e JOIN dep d ON e.dst = d.id
     WHERE e.snapshot = ? AND d.depth < ?
)
SELECT DISTINCT id FROM dep ORDER BY id`

	dependenciesUnbounded = `
WITH RECURSIVE dep(id) AS (
    SELECT e.dst FROM edges e
     WHERE e.snapshot = ? AND e.src = ?
    UNION
    SELECT e.dst FROM edges e JOIN dep d ON e.src = d.id
     WHERE e.snapshot = ?
)
SELECT id FROM dep ORDER BY id`

	dependenciesBounded = `
WITH RECURSIVE dep(id, depth) AS (
    SELECT e.dst, 1 FROM edges e
     WHERE e.snapshot = ? AND e.src = ?
    UNION
    SELECT e.dst, d.depth + 1 FROM edges e JOIN dep d ON e.src = d.id
     WHERE e.snapshot = ? AND d.depth < ?
)
SELECT DISTINCT id FROM dep ORDER BY id`

	// changedNodes joins every node of the new snapshot to the lowest-id
	// node of the old snapshot with the same identity.
	changedNodes = `
WITH old_keys AS (
    SELECT kind, name, file_path, MIN(id) AS id
      FROM nodes WHERE snapshot = ?
     GROUP BY kind, name, file_path
)
SELECT n.id, n.line, n.payload, o.id, om.line, om.payload
  FROM nodes n
  LEFT JOIN old_keys o
         ON o.kind = n.kind AND o.name = n.name AND o.file_path = n.file_path
  LEFT JOIN nodes om
         ON om.snapshot = ? AND om.id = o.id
 WHERE n.snapshot = ?
 ORDER BY n.id`

	edgesFrom = `
SELECT src, dst, edge_json FROM edges
 WHERE snapshot = ? AND src = ?
 ORDER BY seq`

	edgesTo = `
SELECT e.src, e.dst, e.edge_json FROM edges e
 WHERE e.snapshot = ? AND e.dst = ?
   AND EXISTS (SELECT 1 FROM nodes n WHERE n.snapshot = e.snapshot AND n.id = e.dst)
 ORDER BY e.src, e.seq`

	edgeTargetsByKind = `
SELECT DISTINCT dst FROM edges
 WHERE snapshot = ? AND src = ? AND kind = ?
 ORDER BY dst`
)
