// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package goextract extracts Go source files into a code graph using
// tree-sitter.
package goextract

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"

	"github.com/AleutianAI/impactgraph/services/codegraph/graph"
	"github.com/AleutianAI/impactgraph/services/codegraph/parse"
)

const (
	// DefaultMaxFileSize is the largest file accepted (10MB).
	DefaultMaxFileSize = 10 * 1024 * 1024

	// WarnFileSize is the size above which a warning is logged (1MB).
	WarnFileSize = 1 * 1024 * 1024

	// MaxCallDepth bounds the syntax-tree depth searched for call sites.
	MaxCallDepth = 256
)

// Option configures a Parser.
type Option func(*Parser)

// WithMaxFileSize sets the maximum file size in bytes. Non-positive values
// are ignored.
func WithMaxFileSize(bytes int64) Option {
	return func(p *Parser) {
		if bytes > 0 {
			p.maxFileSize = bytes
		}
	}
}

// Parser implements parse.Parser for Go.
//
// # Thread Safety
//
// Safe for concurrent use. Every ParseFile call creates its own tree-sitter
// parser.
type Parser struct {
	maxFileSize int64
}

// New creates a Go parser.
func New(opts ...Option) *Parser {
	p := &Parser{maxFileSize: DefaultMaxFileSize}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Language returns "go".
func (p *Parser) Language() string {
	return "go"
}

// Extensions returns ".go".
func (p *Parser) Extensions() []string {
	return []string{".go"}
}

// ParseFile adds the entities of one Go file to g.
//
// # Description
//
// Adds a File node, then one node per top-level declaration:
//
//   - functions as Function nodes, methods as Function nodes named
//     "Receiver.Method" with the receiver omitted from the parameters;
//   - structs as Class nodes with their fields, embedded types as base
//     types;
//   - interfaces as Interface nodes with their method names;
//   - other named types and aliases as Type nodes;
//   - each import spec as an Import node named by its alias or the last
//     path segment;
//   - package-level vars and consts as Variable nodes.
//
// The file contains every declaration and has an Imports edge to each of
// its Import nodes. Call sites inside function bodies are returned
// unresolved.
//
// # Outputs
//
//   - *parse.FileResult: Nodes added and unresolved references. Returned
//     together with parse.ErrSyntax when the source has syntax errors.
//   - error: Size, encoding or tree-sitter failures, or ctx cancellation.
func (p *Parser) ParseFile(ctx context.Context, filePath string, src []byte, g *graph.CodeGraph) (*parse.FileResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if int64(len(src)) > p.maxFileSize {
		return nil, fmt.Errorf("%w: size %d exceeds limit %d", parse.ErrFileTooLarge, len(src), p.maxFileSize)
	}
	if len(src) > WarnFileSize {
		slog.Warn("parsing large file",
			slog.String("file", filePath),
			slog.Int("size_bytes", len(src)))
	}
	if !utf8.Valid(src) {
		return nil, fmt.Errorf("%w: content is not valid UTF-8", parse.ErrInvalidContent)
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(golang.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return nil, fmt.Errorf("%w: no syntax tree", parse.ErrSyntax)
	}

	e := &extractor{ctx: ctx, src: src, path: filePath, g: g, res: &parse.FileResult{}}
	file := graph.NewNode(&graph.FileData{Language: "go"}, path.Base(filePath), filePath, 1)
	file.EndLine = int(root.EndPoint().Row) + 1
	e.res.File = g.AddNode(file)

	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		switch child.Type() {
		case "import_declaration":
			e.importDecl(child)
		case "function_declaration":
			e.function(child)
		case "method_declaration":
			e.method(child)
		case "type_declaration":
			e.typeDecl(child)
		case "var_declaration":
			e.varDecl(child, false)
		case "const_declaration":
			e.varDecl(child, true)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if root.HasError() {
		return e.res, parse.ErrSyntax
	}
	return e.res, nil
}

type extractor struct {
	ctx  context.Context
	src  []byte
	path string
	g    *graph.CodeGraph
	res  *parse.FileResult
}

func (e *extractor) text(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	return n.Content(e.src)
}

// add inserts a declaration spanning n and links it from the file with
// link.
func (e *extractor) add(data graph.NodeData, name string, n *sitter.Node, link graph.Edge) graph.NodeID {
	node := graph.NewNode(data, name, e.path, int(n.StartPoint().Row)+1)
	node.EndLine = int(n.EndPoint().Row) + 1
	id := e.g.AddNode(node)
	e.g.AddEdge(e.res.File, id, link)
	e.res.Nodes = append(e.res.Nodes, id)
	return id
}

func (e *extractor) contained(data graph.NodeData, name string, n *sitter.Node) graph.NodeID {
	return e.add(data, name, n, graph.NewEdge(graph.EdgeContains))
}

func (e *extractor) importDecl(n *sitter.Node) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		switch child.Type() {
		case "import_spec":
			e.importSpec(child)
		case "import_spec_list":
			for j := 0; j < int(child.NamedChildCount()); j++ {
				if spec := child.NamedChild(j); spec.Type() == "import_spec" {
					e.importSpec(spec)
				}
			}
		}
	}
}

func (e *extractor) importSpec(n *sitter.Node) {
	modPath := strings.Trim(e.text(n.ChildByFieldName("path")), "\"`")
	if modPath == "" {
		return
	}
	alias := e.text(n.ChildByFieldName("name"))
	display := alias
	if display == "" {
		display = path.Base(modPath)
	}

	id := e.add(&graph.ImportData{ModulePath: modPath, ImportedNames: []string{display}}, display, n, graph.Edge{
		Kind:   graph.EdgeImports,
		Import: &graph.ImportInfo{Alias: alias, Wildcard: alias == "."},
	})
	e.res.Imports = append(e.res.Imports, parse.UnresolvedImport{
		Import:     id,
		FileNode:   e.res.File,
		ModulePath: modPath,
		Alias:      alias,
		File:       e.path,
	})
}

func (e *extractor) function(n *sitter.Node) {
	name := e.text(n.ChildByFieldName("name"))
	if name == "" {
		return
	}
	id := e.contained(e.signature(n), name, n)
	e.typeParams(id, n.ChildByFieldName("type_parameters"))
	e.calls(id, n.ChildByFieldName("body"))
}

func (e *extractor) method(n *sitter.Node) {
	name := e.text(n.ChildByFieldName("name"))
	recv := receiverType(e.text(n.ChildByFieldName("receiver")))
	if name == "" || recv == "" {
		return
	}
	id := e.contained(e.signature(n), recv+"."+name, n)
	e.calls(id, n.ChildByFieldName("body"))
}

func (e *extractor) signature(n *sitter.Node) *graph.FunctionData {
	return &graph.FunctionData{
		Parameters: e.parameters(n.ChildByFieldName("parameters")),
		ReturnType: e.text(n.ChildByFieldName("result")),
	}
}

// parameters flattens a parameter_list. "a, b int" yields two parameters
// of type int; unnamed parameters get an empty name.
func (e *extractor) parameters(list *sitter.Node) []graph.Parameter {
	if list == nil {
		return nil
	}
	var params []graph.Parameter
	for i := 0; i < int(list.NamedChildCount()); i++ {
		decl := list.NamedChild(i)
		switch decl.Type() {
		case "parameter_declaration", "variadic_parameter_declaration":
		default:
			continue
		}
		typ := e.text(decl.ChildByFieldName("type"))
		if decl.Type() == "variadic_parameter_declaration" {
			typ = "..." + typ
		}
		var names []string
		for j := 0; j < int(decl.NamedChildCount()); j++ {
			if c := decl.NamedChild(j); c.Type() == "identifier" {
				names = append(names, e.text(c))
			}
		}
		if len(names) == 0 {
			names = []string{""}
		}
		for _, name := range names {
			params = append(params, graph.Parameter{Name: name, Type: typ})
		}
	}
	return params
}

func (e *extractor) typeParams(id graph.NodeID, list *sitter.Node) {
	if list == nil {
		return
	}
	var names []string
	for i := 0; i < int(list.NamedChildCount()); i++ {
		decl := list.NamedChild(i)
		if decl.Type() != "type_parameter_declaration" {
			continue
		}
		for j := 0; j < int(decl.NamedChildCount()); j++ {
			if c := decl.NamedChild(j); c.Type() == "identifier" {
				names = append(names, e.text(c))
			}
		}
	}
	if node, ok := e.g.NodeMut(id); ok {
		node.TypeParams = names
	}
}

// receiverType reduces "(s *Server[T])" to "Server".
func receiverType(recv string) string {
	recv = strings.TrimSpace(strings.Trim(recv, "()"))
	if i := strings.IndexByte(recv, '['); i >= 0 {
		recv = recv[:i]
	}
	if i := strings.LastIndexAny(recv, " \t"); i >= 0 {
		recv = recv[i+1:]
	}
	return strings.TrimLeft(recv, "*")
}

func (e *extractor) typeDecl(n *sitter.Node) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		spec := n.NamedChild(i)
		switch spec.Type() {
		case "type_spec":
			e.typeSpec(spec)
		case "type_alias":
			name := e.text(spec.ChildByFieldName("name"))
			if name != "" {
				e.contained(&graph.TypeData{Target: e.text(spec.ChildByFieldName("type"))}, name, spec)
			}
		}
	}
}

func (e *extractor) typeSpec(n *sitter.Node) {
	name := e.text(n.ChildByFieldName("name"))
	typ := n.ChildByFieldName("type")
	if name == "" || typ == nil {
		return
	}

	var data graph.NodeData
	switch typ.Type() {
	case "struct_type":
		data = e.structData(typ)
	case "interface_type":
		data = e.interfaceData(typ)
	default:
		data = &graph.TypeData{Target: e.text(typ)}
	}
	id := e.contained(data, name, n)
	e.typeParams(id, n.ChildByFieldName("type_parameters"))
}

func (e *extractor) structData(n *sitter.Node) *graph.ClassData {
	data := &graph.ClassData{}
	var fields *sitter.Node
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if c := n.NamedChild(i); c.Type() == "field_declaration_list" {
			fields = c
		}
	}
	if fields == nil {
		return data
	}
	for i := 0; i < int(fields.NamedChildCount()); i++ {
		decl := fields.NamedChild(i)
		if decl.Type() != "field_declaration" {
			continue
		}
		named := false
		for j := 0; j < int(decl.NamedChildCount()); j++ {
			if c := decl.NamedChild(j); c.Type() == "field_identifier" {
				data.Fields = append(data.Fields, e.text(c))
				named = true
			}
		}
		if !named {
			embedded := strings.TrimLeft(e.text(decl.ChildByFieldName("type")), "*")
			if embedded != "" {
				data.BaseTypes = append(data.BaseTypes, embedded)
			}
		}
	}
	return data
}

func (e *extractor) interfaceData(n *sitter.Node) *graph.InterfaceData {
	data := &graph.InterfaceData{}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		switch c.Type() {
		case "method_elem", "method_spec":
			if name := e.text(c.ChildByFieldName("name")); name != "" {
				data.Methods = append(data.Methods, name)
			}
		}
	}
	return data
}

// varDecl handles both the flat and the parenthesised forms of var and
// const declarations.
func (e *extractor) varDecl(n *sitter.Node, constant bool) {
	stack := []*sitter.Node{n}
	for len(stack) > 0 {
		cur := stack[0]
		stack = stack[1:]
		for i := 0; i < int(cur.NamedChildCount()); i++ {
			c := cur.NamedChild(i)
			switch c.Type() {
			case "var_spec", "const_spec":
				e.varSpec(c, constant)
			case "var_spec_list", "const_spec_list":
				stack = append(stack, c)
			}
		}
	}
}

func (e *extractor) varSpec(n *sitter.Node, constant bool) {
	typ := e.text(n.ChildByFieldName("type"))
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c.Type() != "identifier" {
			continue
		}
		name := e.text(c)
		if name == "_" {
			continue
		}
		e.contained(&graph.VariableData{DeclaredType: typ, IsConstant: constant}, name, n)
	}
}

// calls records every call_expression under body as made by caller.
func (e *extractor) calls(caller graph.NodeID, body *sitter.Node) {
	if body == nil {
		return
	}
	type entry struct {
		node  *sitter.Node
		depth int
	}
	stack := []entry{{node: body}}
	visited := 0
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur.depth > MaxCallDepth {
			continue
		}
		visited++
		if visited%100 == 0 && e.ctx.Err() != nil {
			return
		}

		if cur.node.Type() == "call_expression" {
			e.callSite(caller, cur.node)
		}
		for i := int(cur.node.NamedChildCount()) - 1; i >= 0; i-- {
			if child := cur.node.NamedChild(i); child != nil {
				stack = append(stack, entry{node: child, depth: cur.depth + 1})
			}
		}
	}
}

func (e *extractor) callSite(caller graph.NodeID, n *sitter.Node) {
	fn := n.ChildByFieldName("function")
	if fn == nil {
		return
	}
	call := parse.UnresolvedCall{
		Caller: caller,
		Line:   int(n.StartPoint().Row) + 1,
		File:   e.path,
	}
	// Explicit instantiation: F[int](x).
	if fn.Type() == "index_expression" {
		if operand := fn.ChildByFieldName("operand"); operand != nil {
			fn = operand
		}
	}
	switch fn.Type() {
	case "identifier":
		call.Callee = e.text(fn)
	case "selector_expression":
		call.Callee = e.text(fn.ChildByFieldName("field"))
		call.Qualifier = e.text(fn.ChildByFieldName("operand"))
	default:
		return
	}
	if call.Callee == "" {
		return
	}
	e.res.Calls = append(e.res.Calls, call)
}
