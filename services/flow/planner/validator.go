// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package planner

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianFlow/services/flow/workflow"
)

// ToolChecker answers whether a tool exists in the catalog.
type ToolChecker interface {
	Has(name string) bool
}

// ValidationResult accumulates validator findings. Warnings never fail
// validation on their own.
type ValidationResult struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Valid reports whether no errors were found.
func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Err returns a ValidationError when the result is invalid, else nil.
func (r *ValidationResult) Err() error {
	if r.Valid() {
		return nil
	}
	return &ValidationError{Errors: r.Errors, Warnings: r.Warnings}
}

// Validate checks the IR against the structural invariants: node and
// edge existence, id uniqueness, executor kinds, tool availability,
// acyclicity (errors name the cycle path), reachability, data-flow
// references, hint consistency, and guard-only tool consumption.
func Validate(ir *workflow.WorkflowIR, tools ToolChecker) *ValidationResult {
	res := &ValidationResult{}

	if len(ir.Nodes) == 0 {
		res.errorf("workflow has no nodes")
		return res
	}

	byID := make(map[string]*workflow.Subtask, len(ir.Nodes))
	for i := range ir.Nodes {
		n := &ir.Nodes[i]
		if n.ID == "" {
			res.errorf("node at position %d has an empty id", i)
			continue
		}
		if _, dup := byID[n.ID]; dup {
			res.errorf("duplicate node id %s", n.ID)
			continue
		}
		byID[n.ID] = n

		if !workflow.IsSTID(n.ID) && !workflow.IsGuardID(n.ID) {
			res.errorf("node id %s does not follow the ST<n>/GUARD<n> format", n.ID)
		}
		switch n.Executor {
		case workflow.ExecutorLLM, workflow.ExecutorParamGuard:
		case workflow.ExecutorTool:
			if n.ToolName == "" {
				res.errorf("tool node %s has no tool_name", n.ID)
			} else if tools != nil && !tools.Has(n.ToolName) {
				res.errorf("tool node %s references unavailable tool %q", n.ID, n.ToolName)
			}
		default:
			res.errorf("node %s has unknown executor %q", n.ID, n.Executor)
		}
	}

	adj := make(map[string][]string)
	for _, e := range ir.Edges {
		if _, ok := byID[e.Source]; !ok {
			res.errorf("edge %s->%s references unknown source node", e.Source, e.Target)
			continue
		}
		if _, ok := byID[e.Target]; !ok {
			res.errorf("edge %s->%s references unknown target node", e.Source, e.Target)
			continue
		}
		if e.Source == e.Target {
			res.errorf("node %s has a self-edge", e.Source)
			continue
		}
		adj[e.Source] = append(adj[e.Source], e.Target)
	}

	checkIDDensity(ir, res)

	if cycle := findCycle(byID, adj); len(cycle) > 0 {
		res.errorf("workflow contains a cycle: %s", strings.Join(cycle, " -> "))
	}

	checkReachability(byID, adj, res)
	checkDataFlow(ir, byID, res)
	checkHintConsistency(ir, byID, res)

	return res
}

// findCycle runs a DFS and returns the first cycle found as a node-id
// path ending where it started, or nil.
func findCycle(byID map[string]*workflow.Subtask, adj map[string][]string) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(byID))
	var stack []string
	var cycle []string

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				// close the loop from the stack position of next
				for i, sid := range stack {
					if sid == next {
						cycle = append(append([]string{}, stack[i:]...), next)
						return true
					}
				}
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// checkIDDensity requires each id family to number densely from 1:
// n ST nodes use exactly ST1..STn, m GUARD nodes exactly GUARD1..GUARDm.
func checkIDDensity(ir *workflow.WorkflowIR, res *ValidationResult) {
	var stNums, guardNums []int
	for i := range ir.Nodes {
		id := ir.Nodes[i].ID
		switch {
		case workflow.IsSTID(id):
			stNums = append(stNums, workflow.STIndex(id))
		case workflow.IsGuardID(id):
			guardNums = append(guardNums, workflow.GuardIndex(id))
		}
	}
	checkFamilyDensity("ST", stNums, res)
	checkFamilyDensity("GUARD", guardNums, res)
}

func checkFamilyDensity(prefix string, nums []int, res *ValidationResult) {
	if len(nums) == 0 {
		return
	}
	actual := make(map[int]bool, len(nums))
	for _, n := range nums {
		actual[n] = true
	}
	var missing, extra []int
	for n := 1; n <= len(nums); n++ {
		if !actual[n] {
			missing = append(missing, n)
		}
	}
	for n := range actual {
		if n < 1 || n > len(nums) {
			extra = append(extra, n)
		}
	}
	sort.Ints(missing)
	sort.Ints(extra)
	if len(missing) > 0 {
		res.errorf("%s node numbering is not dense, missing: %v", prefix, missing)
	}
	if len(extra) > 0 {
		res.errorf("%s node numbering exceeds range: %v", prefix, extra)
	}
}

// checkReachability requires start and end nodes (empty source/target
// hints) and errors on nodes unreachable from any start node. Trivial
// single-node workflows are exempt.
func checkReachability(byID map[string]*workflow.Subtask, adj map[string][]string, res *ValidationResult) {
	if len(byID) <= 1 {
		return
	}
	var starts, ends []string
	for id, n := range byID {
		if len(n.Source) == 0 {
			starts = append(starts, id)
		}
		if len(n.Target) == 0 {
			ends = append(ends, id)
		}
	}
	if len(starts) == 0 {
		res.errorf("workflow has no start node (a node with null source)")
	}
	if len(ends) == 0 {
		res.errorf("workflow has no end node (a node with null target)")
	}
	if len(starts) == 0 {
		return
	}
	sort.Strings(starts)

	queue := starts
	reached := make(map[string]bool, len(byID))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reached[id] {
			continue
		}
		reached[id] = true
		queue = append(queue, adj[id]...)
	}

	var unreachable []string
	for id := range byID {
		if !reached[id] {
			unreachable = append(unreachable, id)
		}
	}
	sort.Strings(unreachable)
	for _, id := range unreachable {
		res.errorf("node %s is unreachable from any start node", id)
	}
}

// checkDataFlow verifies that every {STx.output} reference names an
// existing node, and that the referencing node depends on it.
func checkDataFlow(ir *workflow.WorkflowIR, byID map[string]*workflow.Subtask, res *ValidationResult) {
	preds := ir.Predecessors()
	ancestors := func(id string) map[string]bool {
		seen := make(map[string]bool)
		queue := append([]string{}, preds[id]...)
		for len(queue) > 0 {
			p := queue[0]
			queue = queue[1:]
			if seen[p] {
				continue
			}
			seen[p] = true
			queue = append(queue, preds[p]...)
		}
		return seen
	}

	for i := range ir.Nodes {
		n := &ir.Nodes[i]
		refs := referencedNodes(n)
		if len(refs) == 0 {
			continue
		}
		anc := ancestors(n.ID)
		for _, ref := range refs {
			if _, ok := byID[ref]; !ok {
				res.errorf("node %s references output of unknown node %s", n.ID, ref)
				continue
			}
			if ref == n.ID {
				res.errorf("node %s references its own output", n.ID)
				continue
			}
			if !anc[ref] {
				res.warnf("node %s references output of %s without depending on it", n.ID, ref)
			}
			if n.Executor == workflow.ExecutorTool {
				res.warnf("tool node %s consumes %s.output directly; expected a param guard in between", n.ID, ref)
			}
		}
	}
}

// referencedNodes extracts node ids referenced by a node's input. For
// guard nodes the references live inside the template, placed there by
// the injector, so the template is excluded.
func referencedNodes(n *workflow.Subtask) []string {
	input := n.Input
	if n.Executor == workflow.ExecutorParamGuard {
		input = map[string]any{}
		for k, v := range n.Input {
			if k != workflow.KeyInputTemplate {
				input[k] = v
			}
		}
	}
	data, err := json.Marshal(input)
	if err != nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, m := range outputRefPattern.FindAllStringSubmatch(string(data), -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// checkHintConsistency warns when source/target hints disagree with the
// edge set.
func checkHintConsistency(ir *workflow.WorkflowIR, byID map[string]*workflow.Subtask, res *ValidationResult) {
	edgeSet := make(map[string]bool, len(ir.Edges))
	for _, e := range ir.Edges {
		edgeSet[e.Source+"->"+e.Target] = true
	}
	for i := range ir.Nodes {
		n := &ir.Nodes[i]
		for _, src := range n.Source {
			if _, ok := byID[src]; !ok {
				continue
			}
			if !edgeSet[src+"->"+n.ID] {
				res.warnf("node %s lists source %s but no edge %s->%s exists", n.ID, src, src, n.ID)
			}
		}
		for _, tgt := range n.Target {
			if _, ok := byID[tgt]; !ok {
				continue
			}
			if !edgeSet[n.ID+"->"+tgt] {
				res.warnf("node %s lists target %s but no edge %s->%s exists", n.ID, tgt, n.ID, tgt)
			}
		}
	}
}
