// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package goextract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/impactgraph/services/codegraph/graph"
	"github.com/AleutianAI/impactgraph/services/codegraph/parse"
)

const shapesSrc = `package shapes

import (
	"fmt"
	str "strings"
)

const Pi = 3.14

var (
	count int
	_     = 1
)

type Shape interface {
	Area() float64
	Name() string
}

type Base struct{ id int }

type Circle struct {
	*Base
	R, Z float64
}

type ID = string

type Pair[K comparable, V any] struct {
	Key K
	Val V
}

func (c *Circle) Area() float64 {
	return Pi * c.R * c.R
}

func (c Circle) Name() string {
	return fmt.Sprintf("circle %s", str.ToUpper("x"))
}

func Map[T any, U any](in []T, f func(T) U) []U {
	return nil
}

func Describe(s Shape, prefix string, extra ...int) string {
	helper()
	return s.Name()
}

func helper() {}
`

const shapesPath = "geo/shapes.go"

func parseShapes(t *testing.T) (*graph.CodeGraph, *parse.FileResult) {
	t.Helper()
	g := graph.New("/repo")
	res, err := New().ParseFile(context.Background(), shapesPath, []byte(shapesSrc), g)
	require.NoError(t, err)
	require.NotNil(t, res)
	return g, res
}

func mustNode(t *testing.T, g *graph.CodeGraph, name string) (graph.NodeID, *graph.Node) {
	t.Helper()
	ids := g.FindNodes(shapesPath, name)
	require.Len(t, ids, 1, "node %q", name)
	n, ok := g.Node(ids[0])
	require.True(t, ok)
	return ids[0], n
}

func TestParseFile_Declarations(t *testing.T) {
	g, res := parseShapes(t)

	var names []string
	for _, id := range res.Nodes {
		n, _ := g.Node(id)
		names = append(names, n.Name)
	}
	assert.Equal(t, []string{
		"fmt", "str", "Pi", "count", "Shape", "Base", "Circle", "ID", "Pair",
		"Circle.Area", "Circle.Name", "Map", "Describe", "helper",
	}, names)
	assert.Equal(t, len(names)+1, g.NodeCount())

	file, _ := g.Node(res.File)
	assert.Equal(t, graph.NodeKindFile, file.Kind())
	assert.Equal(t, "shapes.go", file.Name)
	assert.Equal(t, shapesPath, file.FilePath)
}

func TestParseFile_Payloads(t *testing.T) {
	g, _ := parseShapes(t)

	_, circle := mustNode(t, g, "Circle")
	require.Equal(t, graph.NodeKindClass, circle.Kind())
	assert.Equal(t, []string{"R", "Z"}, circle.Data.(*graph.ClassData).Fields)
	assert.Equal(t, []string{"Base"}, circle.Data.(*graph.ClassData).BaseTypes)
	assert.Equal(t, 22, circle.Line)
	assert.Equal(t, 25, circle.EndLine)

	_, shape := mustNode(t, g, "Shape")
	assert.Equal(t, []string{"Area", "Name"}, shape.Data.(*graph.InterfaceData).Methods)

	_, id := mustNode(t, g, "ID")
	assert.Equal(t, &graph.TypeData{Target: "string"}, id.Data)

	_, pair := mustNode(t, g, "Pair")
	assert.Equal(t, []string{"K", "V"}, pair.TypeParams)
	assert.Equal(t, []string{"Key", "Val"}, pair.Data.(*graph.ClassData).Fields)

	_, pi := mustNode(t, g, "Pi")
	assert.True(t, pi.Data.(*graph.VariableData).IsConstant)
	_, count := mustNode(t, g, "count")
	assert.Equal(t, "int", count.Data.(*graph.VariableData).DeclaredType)
	assert.Empty(t, g.FindNodes(shapesPath, "_"))

	_, imp := mustNode(t, g, "str")
	assert.Equal(t, "strings", imp.Data.(*graph.ImportData).ModulePath)
}

func TestParseFile_Functions(t *testing.T) {
	g, _ := parseShapes(t)

	_, describe := mustNode(t, g, "Describe")
	fn := describe.Data.(*graph.FunctionData)
	assert.Equal(t, []graph.Parameter{
		{Name: "s", Type: "Shape"},
		{Name: "prefix", Type: "string"},
		{Name: "extra", Type: "...int"},
	}, fn.Parameters)
	assert.Equal(t, "string", fn.ReturnType)
	assert.Equal(t, 46, describe.Line)

	_, area := mustNode(t, g, "Circle.Area")
	assert.Empty(t, area.Data.(*graph.FunctionData).Parameters, "receiver is not a parameter")
	assert.Equal(t, "float64", area.Data.(*graph.FunctionData).ReturnType)

	_, m := mustNode(t, g, "Map")
	assert.Equal(t, []string{"T", "U"}, m.TypeParams)
	assert.Len(t, m.Data.(*graph.FunctionData).Parameters, 2)
}

func TestParseFile_Edges(t *testing.T) {
	g, res := parseShapes(t)

	kinds := map[graph.EdgeKind]int{}
	for _, ref := range g.EdgesFrom(res.File) {
		kinds[ref.Edge.Kind]++
	}
	assert.Equal(t, 2, kinds[graph.EdgeImports])
	assert.Equal(t, 12, kinds[graph.EdgeContains])

	strID, _ := mustNode(t, g, "str")
	for _, ref := range g.EdgesTo(strID) {
		require.NotNil(t, ref.Edge.Import)
		assert.Equal(t, "str", ref.Edge.Import.Alias)
	}
}

func TestParseFile_Calls(t *testing.T) {
	g, res := parseShapes(t)
	nameID, _ := mustNode(t, g, "Circle.Name")
	describeID, _ := mustNode(t, g, "Describe")

	type site struct {
		caller    graph.NodeID
		qualifier string
		callee    string
	}
	var got []site
	for _, c := range res.Calls {
		assert.Equal(t, shapesPath, c.File)
		assert.Positive(t, c.Line)
		got = append(got, site{c.Caller, c.Qualifier, c.Callee})
	}
	assert.Equal(t, []site{
		{nameID, "fmt", "Sprintf"},
		{nameID, "str", "ToUpper"},
		{describeID, "", "helper"},
		{describeID, "s", "Name"},
	}, got)

	require.Len(t, res.Imports, 2)
	assert.Equal(t, parse.UnresolvedImport{
		Import:     res.Imports[1].Import,
		FileNode:   res.File,
		ModulePath: "strings",
		Alias:      "str",
		File:       shapesPath,
	}, res.Imports[1])
}

func TestParseFile_SyntaxErrorKeepsPartialResult(t *testing.T) {
	g := graph.New("/repo")
	src := "package x\n\nfunc Good() {}\n\nfunc Broken( {\n"
	res, err := New().ParseFile(context.Background(), "x.go", []byte(src), g)
	assert.ErrorIs(t, err, parse.ErrSyntax)
	require.NotNil(t, res)
	assert.NotEmpty(t, g.FindNodes("x.go", "Good"))
}

func TestParseFile_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		parser *Parser
		src    []byte
		want   error
	}{
		{name: "too large", parser: New(WithMaxFileSize(8)), src: []byte("package main\n"), want: parse.ErrFileTooLarge},
		{name: "invalid utf8", parser: New(), src: []byte{'p', 0xff, 0xfe}, want: parse.ErrInvalidContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := graph.New("/repo")
			res, err := tt.parser.ParseFile(context.Background(), "a.go", tt.src, g)
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, res)
			assert.Zero(t, g.NodeCount())
		})
	}
}

func TestParseFile_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().ParseFile(ctx, "a.go", []byte("package a\n"), graph.New("/repo"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReceiverType(t *testing.T) {
	tests := map[string]string{
		"(c *Circle)":     "Circle",
		"(c Circle)":      "Circle",
		"(*Circle)":       "Circle",
		"(p *Pair[K, V])": "Pair",
		"(p Pair[K])":     "Pair",
		"( s  *Server )":  "Server",
	}
	for in, want := range tests {
		assert.Equal(t, want, receiverType(in), in)
	}
}
