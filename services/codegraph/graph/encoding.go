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
)

// nodeJSON is the wire form of a Node. The payload is tagged by kind.
type nodeJSON struct {
	Kind       NodeKind        `json:"kind"`
	Name       string          `json:"name"`
	FilePath   string          `json:"file_path"`
	Line       int             `json:"line"`
	EndLine    int             `json:"end_line,omitempty"`
	Data       json.RawMessage `json:"data"`
	Decorators []string        `json:"decorators,omitempty"`
	TypeParams []string        `json:"type_params,omitempty"`
}

// MarshalJSON encodes the node with its payload tagged by kind.
func (n *Node) MarshalJSON() ([]byte, error) {
	if n.Data == nil {
		return nil, fmt.Errorf("%w: node %q has no payload", ErrUnknownKind, n.Name)
	}
	return json.Marshal(nodeJSON{
		Kind:       n.Kind(),
		Name:       n.Name,
		FilePath:   n.FilePath,
		Line:       n.Line,
		EndLine:    n.EndLine,
		Data:       json.RawMessage(EncodePayload(n.Data)),
		Decorators: n.Decorators,
		TypeParams: n.TypeParams,
	})
}

// UnmarshalJSON decodes a node written by MarshalJSON.
func (n *Node) UnmarshalJSON(data []byte) error {
	var raw nodeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := DecodePayload(raw.Kind, string(raw.Data))
	if err != nil {
		return err
	}
	*n = Node{
		Name:       raw.Name,
		FilePath:   raw.FilePath,
		Line:       raw.Line,
		EndLine:    raw.EndLine,
		Data:       payload,
		Decorators: raw.Decorators,
		TypeParams: raw.TypeParams,
	}
	return nil
}

// graphJSON is the wire form of a CodeGraph. Node ids are positions in Nodes.
type graphJSON struct {
	Root  string    `json:"root"`
	Nodes []*Node   `json:"nodes"`
	Edges []EdgeRef `json:"edges"`
}

// MarshalJSON encodes the whole graph. Ids are preserved.
func (g *CodeGraph) MarshalJSON() ([]byte, error) {
	edges := make([]EdgeRef, 0, g.edgeCount)
	for ref := range g.Edges() {
		edges = append(edges, ref)
	}
	return json.Marshal(graphJSON{Root: g.root, Nodes: g.nodes, Edges: edges})
}

// UnmarshalJSON decodes a graph written by MarshalJSON.
//
// Edges whose endpoints fall outside the node list are rejected with
// ErrInvalidGraph rather than silently dropped.
func (g *CodeGraph) UnmarshalJSON(data []byte) error {
	var raw graphJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	decoded := New(raw.Root)
	for _, n := range raw.Nodes {
		if n == nil {
			return fmt.Errorf("%w: null node", ErrInvalidGraph)
		}
		decoded.AddNode(n)
	}
	for _, ref := range raw.Edges {
		if int(ref.From) >= len(raw.Nodes) || int(ref.To) >= len(raw.Nodes) {
			return fmt.Errorf("%w: edge %d->%d out of range", ErrInvalidGraph, ref.From, ref.To)
		}
		decoded.AddEdge(ref.From, ref.To, ref.Edge)
	}
	*g = *decoded
	return nil
}
