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
	"fmt"
)

// NodeID identifies a node within one CodeGraph.
//
// IDs are dense and assigned sequentially from 0. They carry no meaning
// outside the graph that assigned them; use EntityKey to relate nodes of
// two independently built graphs.
type NodeID uint32

// NodeKind classifies a node.
type NodeKind int

const (
	// NodeKindUnknown is the zero value and never produced by the parsers.
	NodeKindUnknown NodeKind = iota

	// NodeKindFile is a source file.
	NodeKindFile

	// NodeKindFunction is a function or method.
	NodeKindFunction

	// NodeKindClass is a class or struct.
	NodeKindClass

	// NodeKindInterface is an interface, trait or protocol.
	NodeKindInterface

	// NodeKindImport is a single import statement.
	NodeKindImport

	// NodeKindVariable is a variable or constant.
	NodeKindVariable

	// NodeKindType is a type alias or named type definition.
	NodeKindType

	// NodeKindModule is a module or package.
	NodeKindModule
)

var nodeKindNames = map[NodeKind]string{
	NodeKindUnknown:   "unknown",
	NodeKindFile:      "file",
	NodeKindFunction:  "function",
	NodeKindClass:     "class",
	NodeKindInterface: "interface",
	NodeKindImport:    "import",
	NodeKindVariable:  "variable",
	NodeKindType:      "type",
	NodeKindModule:    "module",
}

// String returns the lowercase name of the kind.
func (k NodeKind) String() string {
	if name, ok := nodeKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("NodeKind(%d)", int(k))
}

// ParseNodeKind is the inverse of NodeKind.String.
func ParseNodeKind(s string) (NodeKind, error) {
	for k, name := range nodeKindNames {
		if name == s && k != NodeKindUnknown {
			return k, nil
		}
	}
	return NodeKindUnknown, fmt.Errorf("%w: node kind %q", ErrUnknownKind, s)
}

// MarshalText implements encoding.TextMarshaler.
func (k NodeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *NodeKind) UnmarshalText(text []byte) error {
	parsed, err := ParseNodeKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// EdgeKind classifies the relationship an edge represents.
type EdgeKind int

const (
	// EdgeContains links a container (file, class) to a member.
	EdgeContains EdgeKind = iota + 1

	// EdgeImports links an importer to what it imports.
	EdgeImports

	// EdgeCalls links a caller to a callee.
	EdgeCalls

	// EdgeImplements links an implementation to an interface.
	EdgeImplements
)

var edgeKindNames = map[EdgeKind]string{
	EdgeContains:   "contains",
	EdgeImports:    "imports",
	EdgeCalls:      "calls",
	EdgeImplements: "implements",
}

// String returns the lowercase name of the edge kind.
func (k EdgeKind) String() string {
	if name, ok := edgeKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EdgeKind(%d)", int(k))
}

// ParseEdgeKind is the inverse of EdgeKind.String.
func ParseEdgeKind(s string) (EdgeKind, error) {
	for k, name := range edgeKindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: edge kind %q", ErrUnknownKind, s)
}

// MarshalText implements encoding.TextMarshaler.
func (k EdgeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *EdgeKind) UnmarshalText(text []byte) error {
	parsed, err := ParseEdgeKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Parameter is one declared function parameter.
type Parameter struct {
	Name    string `json:"name"`
	Type    string `json:"type,omitempty"`
	Default string `json:"default,omitempty"`
}

// HasDefault reports whether the parameter declares a default value.
func (p Parameter) HasDefault() bool {
	return p.Default != ""
}

// NodeData is the kind-specific payload of a node.
//
// The set of implementations is closed: one variant per NodeKind. The
// variant determines the node's kind, so a Function node always carries
// FunctionData and a Class node always carries ClassData.
type NodeData interface {
	Kind() NodeKind
	isNodeData()
}

// FileData is the payload of a File node.
type FileData struct {
	Language string `json:"language,omitempty"`
}

// FunctionData is the payload of a Function node.
type FunctionData struct {
	Parameters []Parameter `json:"parameters,omitempty"`
	ReturnType string      `json:"return_type,omitempty"`
}

// ClassData is the payload of a Class node.
type ClassData struct {
	BaseTypes []string `json:"base_types,omitempty"`
	Methods   []string `json:"methods,omitempty"`
	Fields    []string `json:"fields,omitempty"`
}

// InterfaceData is the payload of an Interface node.
type InterfaceData struct {
	Methods []string `json:"methods,omitempty"`
}

// ImportData is the payload of an Import node.
type ImportData struct {
	ModulePath    string   `json:"module_path"`
	ImportedNames []string `json:"imported_names,omitempty"`
}

// VariableData is the payload of a Variable node.
type VariableData struct {
	DeclaredType string `json:"declared_type,omitempty"`
	IsConstant   bool   `json:"is_constant,omitempty"`
}

// TypeData is the payload of a Type node.
type TypeData struct {
	Target string `json:"target,omitempty"`
}

// ModuleData is the payload of a Module node.
type ModuleData struct {
	Exports []string `json:"exports,omitempty"`
}

func (*FileData) Kind() NodeKind      { return NodeKindFile }
func (*FunctionData) Kind() NodeKind  { return NodeKindFunction }
func (*ClassData) Kind() NodeKind     { return NodeKindClass }
func (*InterfaceData) Kind() NodeKind { return NodeKindInterface }
func (*ImportData) Kind() NodeKind    { return NodeKindImport }
func (*VariableData) Kind() NodeKind  { return NodeKindVariable }
func (*TypeData) Kind() NodeKind      { return NodeKindType }
func (*ModuleData) Kind() NodeKind    { return NodeKindModule }

func (*FileData) isNodeData()      {}
func (*FunctionData) isNodeData()  {}
func (*ClassData) isNodeData()     {}
func (*InterfaceData) isNodeData() {}
func (*ImportData) isNodeData()    {}
func (*VariableData) isNodeData()  {}
func (*TypeData) isNodeData()      {}
func (*ModuleData) isNodeData()    {}

// newNodeData returns an empty payload for kind, used when decoding.
func newNodeData(kind NodeKind) (NodeData, error) {
	switch kind {
	case NodeKindFile:
		return &FileData{}, nil
	case NodeKindFunction:
		return &FunctionData{}, nil
	case NodeKindClass:
		return &ClassData{}, nil
	case NodeKindInterface:
		return &InterfaceData{}, nil
	case NodeKindImport:
		return &ImportData{}, nil
	case NodeKindVariable:
		return &VariableData{}, nil
	case NodeKindType:
		return &TypeData{}, nil
	case NodeKindModule:
		return &ModuleData{}, nil
	default:
		return nil, fmt.Errorf("%w: no payload for %s", ErrUnknownKind, kind)
	}
}

// Node is one vertex of the code graph.
type Node struct {
	// Name is the display name, dotted for nested entities ("Server.Start").
	Name string

	// FilePath is relative to the graph root, slash separated.
	FilePath string

	// Line is the 1-based start line.
	Line int

	// EndLine is the 1-based end line, or 0 when unknown.
	EndLine int

	// Data is the kind-specific payload. Never nil for a valid node.
	Data NodeData

	// Decorators lists decorator/annotation names in source order.
	Decorators []string

	// TypeParams lists generic type parameters in source order.
	TypeParams []string
}

// NewNode creates a node whose kind is determined by data.
func NewNode(data NodeData, name, filePath string, line int) *Node {
	return &Node{
		Name:     name,
		FilePath: filePath,
		Line:     line,
		Data:     data,
	}
}

// Kind returns the node kind implied by its payload.
func (n *Node) Kind() NodeKind {
	if n == nil || n.Data == nil {
		return NodeKindUnknown
	}
	return n.Data.Kind()
}

// Key returns the structural identity of the node.
func (n *Node) Key() EntityKey {
	return EntityKey{Kind: n.Kind(), Name: n.Name, FilePath: n.FilePath}
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	c := *n
	c.Decorators = cloneStrings(n.Decorators)
	c.TypeParams = cloneStrings(n.TypeParams)
	c.Data = cloneData(n.Data)
	return &c
}

func cloneData(d NodeData) NodeData {
	switch v := d.(type) {
	case *FileData:
		c := *v
		return &c
	case *FunctionData:
		c := *v
		c.Parameters = append([]Parameter(nil), v.Parameters...)
		return &c
	case *ClassData:
		return &ClassData{
			BaseTypes: cloneStrings(v.BaseTypes),
			Methods:   cloneStrings(v.Methods),
			Fields:    cloneStrings(v.Fields),
		}
	case *InterfaceData:
		return &InterfaceData{Methods: cloneStrings(v.Methods)}
	case *ImportData:
		return &ImportData{ModulePath: v.ModulePath, ImportedNames: cloneStrings(v.ImportedNames)}
	case *VariableData:
		c := *v
		return &c
	case *TypeData:
		c := *v
		return &c
	case *ModuleData:
		return &ModuleData{Exports: cloneStrings(v.Exports)}
	default:
		return d
	}
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

// CallInfo is metadata carried by Calls edges.
type CallInfo struct {
	// Line is the 1-based line of the call site.
	Line int `json:"line"`

	// IsDirect is false when the target was found by name-suffix matching.
	IsDirect bool `json:"is_direct"`
}

// ImportInfo is metadata carried by Imports edges.
type ImportInfo struct {
	Alias    string `json:"alias,omitempty"`
	Wildcard bool   `json:"wildcard,omitempty"`
}

// Edge is a directed relation between two nodes of the same graph.
type Edge struct {
	Kind   EdgeKind    `json:"kind"`
	Call   *CallInfo   `json:"call,omitempty"`
	Import *ImportInfo `json:"import,omitempty"`
}

// NewEdge returns an edge of kind without metadata.
func NewEdge(kind EdgeKind) Edge {
	return Edge{Kind: kind}
}

// CallEdge returns a Calls edge with call-site metadata.
func CallEdge(line int, direct bool) Edge {
	return Edge{Kind: EdgeCalls, Call: &CallInfo{Line: line, IsDirect: direct}}
}

// EdgeRef is an edge together with its endpoints.
type EdgeRef struct {
	From NodeID `json:"from"`
	To   NodeID `json:"to"`
	Edge Edge   `json:"edge"`
}
