// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package impact

import (
	"fmt"
	"slices"
	"strings"

	"github.com/AleutianAI/impactgraph/services/codegraph/graph"
)

// ChangeContext is what a Policy sees of one change.
type ChangeContext struct {
	Kind ChangeKind

	// Old is nil for added entities; New is nil for removed ones.
	Old *graph.Node
	New *graph.Node

	// Dependents is the number of direct dependents: in the new graph for
	// added and modified entities, in the old graph for removed ones.
	Dependents int
}

// Policy decides the classification of a change and explains it.
type Policy interface {
	Classify(ChangeContext) (Classification, string)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ChangeContext) (Classification, string)

func (f PolicyFunc) Classify(cc ChangeContext) (Classification, string) {
	return f(cc)
}

// ParsePolicy returns the policy registered under name: "contract" or
// "signature".
func ParsePolicy(name string) (Policy, error) {
	switch strings.ToLower(name) {
	case "", "contract":
		return ContractPolicy{}, nil
	case "signature":
		return SignaturePolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown classification policy %q", name)
	}
}

// ContractPolicy is the default four-bucket policy.
//
//   - Added: Safe.
//   - Removed with dependents in the old graph: Breaking.
//   - Function parameters or return type changed, with dependents: Breaking.
//   - Class base types or member set, or interface method set, changed
//     with dependents: PotentiallyBreaking.
//   - Anything else, and anything without dependents: Safe.
type ContractPolicy struct{}

func (ContractPolicy) Classify(cc ChangeContext) (Classification, string) {
	switch cc.Kind {
	case ChangeAdded:
		return Safe, "new entity"
	case ChangeRemoved:
		return classifyRemoval(cc)
	}

	switch {
	case signatureChanged(cc.Old, cc.New):
		if cc.Dependents == 0 {
			return Safe, "signature changed, no dependents"
		}
		return Breaking, fmt.Sprintf("signature changed with %d dependent(s)", cc.Dependents)
	case structureChanged(cc.Old, cc.New):
		if cc.Dependents == 0 {
			return Safe, "structure changed, no dependents"
		}
		return PotentiallyBreaking, fmt.Sprintf("structure changed with %d dependent(s)", cc.Dependents)
	default:
		return Safe, "no signature change"
	}
}

// SignaturePolicy inspects what changed in a signature.
//
// With at least one dependent: a new parameter without a default, a
// removed or retyped parameter, or a changed return type is Breaking; a
// new parameter with a default is PotentiallyBreaking. A class that lost a
// member or changed its base types is Breaking; additions alone are Safe.
// An interface whose method set changed is Breaking. Removals follow
// ContractPolicy.
type SignaturePolicy struct{}

func (SignaturePolicy) Classify(cc ChangeContext) (Classification, string) {
	switch cc.Kind {
	case ChangeAdded:
		return Safe, "new entity"
	case ChangeRemoved:
		return classifyRemoval(cc)
	}
	if cc.Dependents == 0 {
		return Safe, "no dependents"
	}

	switch oldData := cc.Old.Data.(type) {
	case *graph.FunctionData:
		newData, ok := cc.New.Data.(*graph.FunctionData)
		if !ok {
			return Safe, "no signature change"
		}
		return compareFunctions(oldData, newData)
	case *graph.ClassData:
		newData, ok := cc.New.Data.(*graph.ClassData)
		if !ok {
			return Safe, "no signature change"
		}
		return compareClasses(oldData, newData)
	case *graph.InterfaceData:
		newData, ok := cc.New.Data.(*graph.InterfaceData)
		if ok && !sameSet(oldData.Methods, newData.Methods) {
			return Breaking, "interface method set changed"
		}
	}
	return Safe, "no signature change"
}

func classifyRemoval(cc ChangeContext) (Classification, string) {
	if cc.Dependents == 0 {
		return Safe, "removed, no dependents"
	}
	return Breaking, fmt.Sprintf("removed with %d dependent(s)", cc.Dependents)
}

func compareFunctions(oldFn, newFn *graph.FunctionData) (Classification, string) {
	if oldFn.ReturnType != newFn.ReturnType {
		return Breaking, fmt.Sprintf("return type changed from %q to %q", oldFn.ReturnType, newFn.ReturnType)
	}

	oldParams, newParams := oldFn.Parameters, newFn.Parameters
	for i := range min(len(oldParams), len(newParams)) {
		o, n := oldParams[i], newParams[i]
		if o.Name != n.Name || o.Type != n.Type {
			return Breaking, fmt.Sprintf("parameter %d changed from %s to %s", i+1, describeParam(o), describeParam(n))
		}
	}
	if len(newParams) < len(oldParams) {
		return Breaking, fmt.Sprintf("parameter %s removed", describeParam(oldParams[len(newParams)]))
	}

	result, reason := Safe, "no signature change"
	for _, p := range newParams[len(oldParams):] {
		if !p.HasDefault() {
			return Breaking, fmt.Sprintf("required parameter %s added", describeParam(p))
		}
		result, reason = PotentiallyBreaking, fmt.Sprintf("parameter %s added with default", describeParam(p))
	}
	return result, reason
}

func compareClasses(oldCls, newCls *graph.ClassData) (Classification, string) {
	if !sameSet(oldCls.BaseTypes, newCls.BaseTypes) {
		return Breaking, "base types changed"
	}
	if lost := missing(oldCls.Methods, newCls.Methods); len(lost) > 0 {
		return Breaking, "method(s) removed: " + strings.Join(lost, ", ")
	}
	if lost := missing(oldCls.Fields, newCls.Fields); len(lost) > 0 {
		return Breaking, "field(s) removed: " + strings.Join(lost, ", ")
	}
	if len(newCls.Methods) > len(oldCls.Methods) || len(newCls.Fields) > len(oldCls.Fields) {
		return Safe, "members added"
	}
	return Safe, "no signature change"
}

func describeParam(p graph.Parameter) string {
	if p.Type == "" {
		return p.Name
	}
	return p.Name + " " + p.Type
}

func signatureChanged(oldNode, newNode *graph.Node) bool {
	o, ok1 := oldNode.Data.(*graph.FunctionData)
	n, ok2 := newNode.Data.(*graph.FunctionData)
	if !ok1 || !ok2 {
		return false
	}
	return o.ReturnType != n.ReturnType || !slices.Equal(o.Parameters, n.Parameters)
}

func structureChanged(oldNode, newNode *graph.Node) bool {
	switch o := oldNode.Data.(type) {
	case *graph.ClassData:
		n, ok := newNode.Data.(*graph.ClassData)
		return ok && (!sameSet(o.BaseTypes, n.BaseTypes) ||
			!sameSet(o.Methods, n.Methods) ||
			!sameSet(o.Fields, n.Fields))
	case *graph.InterfaceData:
		n, ok := newNode.Data.(*graph.InterfaceData)
		return ok && !sameSet(o.Methods, n.Methods)
	}
	return false
}

// sameSet compares two string lists ignoring order and duplicates.
func sameSet(a, b []string) bool {
	return len(missing(a, b)) == 0 && len(missing(b, a)) == 0
}

// missing returns the elements of want absent from have, in want order.
func missing(want, have []string) []string {
	present := make(map[string]struct{}, len(have))
	for _, s := range have {
		present[s] = struct{}{}
	}
	var out []string
	for _, s := range want {
		if _, ok := present[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}
