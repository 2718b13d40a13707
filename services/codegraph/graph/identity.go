// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"encoding/json"
	"fmt"
	"iter"
)

// EntityKey is the structural identity of a node across graphs.
//
// Two nodes of independently built graphs are the same entity iff their
// keys are equal. NodeIDs must never be compared across graphs.
type EntityKey struct {
	Kind     NodeKind `json:"kind"`
	Name     string   `json:"name"`
	FilePath string   `json:"file_path"`
}

// String renders the key as "kind file:name".
func (k EntityKey) String() string {
	return fmt.Sprintf("%s %s:%s", k.Kind, k.FilePath, k.Name)
}

// Fingerprint is the part of a node compared when its identity matches:
// the start line and the encoded payload.
type Fingerprint struct {
	Line    int
	Payload string
}

// Fingerprint returns the comparable shape of n.
func (n *Node) Fingerprint() Fingerprint {
	return Fingerprint{Line: n.Line, Payload: EncodePayload(n.Data)}
}

// EncodePayload returns the canonical serialized form of a payload.
//
// Every store backend persists this exact string so that "payload differs"
// means the same thing in memory and on disk.
func EncodePayload(d NodeData) string {
	if d == nil {
		return "null"
	}
	data, err := json.Marshal(d)
	if err != nil {
		// Payload structs contain only strings, bools, ints and slices.
		return "null"
	}
	return string(data)
}

// DecodePayload is the inverse of EncodePayload.
func DecodePayload(kind NodeKind, payload string) (NodeData, error) {
	d, err := newNodeData(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), d); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return d, nil
}

// ChangedNode is one result of a cross-graph comparison.
type ChangedNode struct {
	// NewID is the node's id in the newer graph.
	NewID NodeID `json:"new_id"`

	// OldID is the matching id in the older graph. Valid only if Modified.
	OldID NodeID `json:"old_id"`

	// Modified is true when the identity exists in both graphs; false
	// means the node was added.
	Modified bool `json:"modified"`
}

// IdentifiedNode pairs a node with its id in some graph or snapshot.
type IdentifiedNode struct {
	ID   NodeID
	Node *Node
}

// MatchNodes applies the identity rule to two node sequences.
//
// # Description
//
// Nodes are matched on EntityKey. When a key occurs more than once in
// the old sequence the lowest id wins. A new node whose key is unmatched
// is reported as added; a matched node is reported as modified when its
// Fingerprint differs. Old-only keys are not reported: run the query with
// the arguments swapped to find removals (see RemovedNodes).
//
// # Inputs
//
//   - oldNodes: Nodes of the older graph, in any order.
//   - newNodes: Nodes of the newer graph, in ascending id order.
//
// # Outputs
//
//   - []ChangedNode: In the order of newNodes.
func MatchNodes(oldNodes, newNodes iter.Seq[IdentifiedNode]) []ChangedNode {
	type oldEntry struct {
		id NodeID
		fp Fingerprint
	}
	index := make(map[EntityKey]oldEntry)
	for in := range oldNodes {
		key := in.Node.Key()
		if prev, ok := index[key]; ok && prev.id < in.ID {
			continue
		}
		index[key] = oldEntry{id: in.ID, fp: in.Node.Fingerprint()}
	}

	var changed []ChangedNode
	for in := range newNodes {
		prev, ok := index[in.Node.Key()]
		if !ok {
			changed = append(changed, ChangedNode{NewID: in.ID})
			continue
		}
		if prev.fp != in.Node.Fingerprint() {
			changed = append(changed, ChangedNode{NewID: in.ID, OldID: prev.id, Modified: true})
		}
	}
	return changed
}

// ChangedNodes compares two graphs by structural identity.
//
// Returns added and modified nodes of newer; see MatchNodes.
func ChangedNodes(older, newer *CodeGraph) []ChangedNode {
	return MatchNodes(identified(older), identified(newer))
}

// RemovedNodes returns ids in older whose identity has no counterpart in
// newer. It is ChangedNodes with the arguments swapped, keeping only the
// unmatched results.
func RemovedNodes(older, newer *CodeGraph) []NodeID {
	var removed []NodeID
	for _, c := range ChangedNodes(newer, older) {
		if !c.Modified {
			removed = append(removed, c.NewID)
		}
	}
	return removed
}

func identified(g *CodeGraph) iter.Seq[IdentifiedNode] {
	return func(yield func(IdentifiedNode) bool) {
		for id, n := range g.Nodes() {
			if !yield(IdentifiedNode{ID: id, Node: n}) {
				return
			}
		}
	}
}
