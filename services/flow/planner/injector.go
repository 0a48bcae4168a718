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
	"regexp"
	"sort"

	"github.com/AleutianAI/AleutianFlow/services/flow/registry"
	"github.com/AleutianAI/AleutianFlow/services/flow/workflow"
)

var outputRefPattern = regexp.MustCompile(`\{(ST\d+)\.output`)

// SchemaSource resolves tool input schemas for injected guards.
type SchemaSource interface {
	Schema(name string) (registry.Tool, bool)
}

// InjectGuards inserts a param_guard node in front of every tool node
// whose input references upstream ST outputs, so raw text never flows
// into a tool call unshaped.
//
// For a triggering tool node T fed by nodes S1..Sn:
//   - a GUARD node G is created carrying the sources, the target, the
//     target tool and its schema, and T's original input as the
//     template;
//   - edges Si→T become Si→G, plus G→T;
//   - T's input becomes {"__from_guard__": G} and its source hint [G].
//
// Injection is idempotent: nodes already fed by a guard are skipped.
// Output node ordering is ST nodes by numeric index, then GUARD nodes
// by numeric index.
func InjectGuards(ir *workflow.WorkflowIR, schemas SchemaSource) *workflow.WorkflowIR {
	nextGuard := 1
	for _, n := range ir.Nodes {
		if idx := workflow.GuardIndex(n.ID); idx >= nextGuard {
			nextGuard = idx + 1
		}
	}

	nodes := make([]workflow.Subtask, len(ir.Nodes))
	copy(nodes, ir.Nodes)
	edges := make([]workflow.Edge, len(ir.Edges))
	copy(edges, ir.Edges)

	byID := make(map[string]*workflow.Subtask, len(nodes))
	for i := range nodes {
		byID[nodes[i].ID] = &nodes[i]
	}

	var guards []workflow.Subtask
	for i := range nodes {
		target := &nodes[i]
		if target.Executor != workflow.ExecutorTool {
			continue
		}
		if _, fed := target.Input[workflow.KeyFromGuard]; fed {
			continue
		}
		if _, fed := target.Input[workflow.KeyFromGuards]; fed {
			continue
		}
		sources := referencedSources(target.Input)
		if len(sources) == 0 {
			continue
		}

		guardID := fmt.Sprintf("GUARD%d", nextGuard)
		nextGuard++

		var schema map[string]any
		if tool, ok := schemas.Schema(target.ToolName); ok {
			schema = schemaToMap(tool.InputSchema)
		}

		guard := workflow.Subtask{
			ID:          guardID,
			Name:        fmt.Sprintf("Param guard for %s", target.ID),
			Description: fmt.Sprintf("Shapes upstream outputs into valid arguments for tool %q on %s", target.ToolName, target.ID),
			Executor:    workflow.ExecutorParamGuard,
			Source:      workflow.IDList(sources),
			Target:      workflow.IDList{target.ID},
			Input: map[string]any{
				workflow.KeySourceNodes:   toAnySlice(sources),
				workflow.KeyTargetNode:    target.ID,
				workflow.KeyTargetTool:    target.ToolName,
				workflow.KeyInputTemplate: target.CloneInput(),
				workflow.KeySchema:        schema,
			},
		}

		sourceSet := make(map[string]bool, len(sources))
		for _, s := range sources {
			sourceSet[s] = true
		}
		// Si→T becomes Si→G; other edges into T are left alone.
		for j := range edges {
			if edges[j].Target == target.ID && sourceSet[edges[j].Source] {
				edges[j].Target = guardID
			}
		}
		edges = append(edges, workflow.Edge{Source: guardID, Target: target.ID})

		for _, src := range sources {
			if sn := byID[src]; sn != nil {
				sn.Target = sn.Target.Replace(target.ID, guardID)
			}
		}

		target.Input = map[string]any{workflow.KeyFromGuard: guardID}
		target.Source = workflow.IDList{guardID}

		guards = append(guards, guard)
	}

	nodes = append(nodes, guards...)
	sortNodes(nodes)
	return &workflow.WorkflowIR{Nodes: nodes, Edges: edges}
}

// referencedSources returns the ST ids whose outputs the input map
// references, ordered by numeric index, deduplicated.
func referencedSources(input map[string]any) []string {
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
	sort.Slice(out, func(i, j int) bool {
		return workflow.STIndex(out[i]) < workflow.STIndex(out[j])
	})
	return out
}

// sortNodes orders ST nodes by index, then GUARD nodes by index,
// then anything else in place.
func sortNodes(nodes []workflow.Subtask) {
	rank := func(s workflow.Subtask) (int, int) {
		if workflow.IsSTID(s.ID) {
			return 0, workflow.STIndex(s.ID)
		}
		if workflow.IsGuardID(s.ID) {
			return 1, workflow.GuardIndex(s.ID)
		}
		return 2, 0
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		fi, ni := rank(nodes[i])
		fj, nj := rank(nodes[j])
		if fi != fj {
			return fi < fj
		}
		return ni < nj
	})
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func schemaToMap(s registry.Schema) map[string]any {
	data, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
