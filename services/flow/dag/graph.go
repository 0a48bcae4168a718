// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dag compiles a workflow IR into an executable graph and runs
// it with wavefront parallelism.
package dag

import (
	"fmt"
	"sort"

	"github.com/AleutianAI/AleutianFlow/services/flow/workflow"
)

// StartNode is the synthetic entry inserted when a workflow has more
// than one entry node. It is structural only and never executes or
// appears in traces.
const StartNode = "__START__"

// Graph is a compiled workflow: the IR plus adjacency both ways.
type Graph struct {
	IR *workflow.WorkflowIR

	nodes map[string]*workflow.Subtask
	preds map[string][]string
	succs map[string][]string

	entries []string
	exits   []string
	joins   []string
}

// Compile builds the execution graph. It assumes the IR already passed
// validation; structural impossibilities still fail fast.
func Compile(ir *workflow.WorkflowIR) (*Graph, error) {
	if len(ir.Nodes) == 0 {
		return nil, ErrEmptyGraph
	}

	g := &Graph{
		IR:    ir,
		nodes: make(map[string]*workflow.Subtask, len(ir.Nodes)),
		preds: make(map[string][]string),
		succs: make(map[string][]string),
	}
	for i := range ir.Nodes {
		n := &ir.Nodes[i]
		if _, dup := g.nodes[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %s", n.ID)
		}
		g.nodes[n.ID] = n
	}
	for _, e := range ir.Edges {
		if _, ok := g.nodes[e.Source]; !ok {
			return nil, fmt.Errorf("edge references unknown node %s", e.Source)
		}
		if _, ok := g.nodes[e.Target]; !ok {
			return nil, fmt.Errorf("edge references unknown node %s", e.Target)
		}
		g.preds[e.Target] = append(g.preds[e.Target], e.Source)
		g.succs[e.Source] = append(g.succs[e.Source], e.Target)
	}

	for id := range g.nodes {
		if len(g.preds[id]) == 0 {
			g.entries = append(g.entries, id)
		}
		if len(g.succs[id]) == 0 {
			g.exits = append(g.exits, id)
		}
		if len(g.preds[id]) > 1 {
			g.joins = append(g.joins, id)
		}
	}
	sort.Strings(g.entries)
	sort.Strings(g.exits)
	sort.Strings(g.joins)

	// Multiple entries hang off a synthetic start so the run has a
	// single scheduling root.
	if len(g.entries) > 1 {
		for _, entry := range g.entries {
			g.preds[entry] = append(g.preds[entry], StartNode)
			g.succs[StartNode] = append(g.succs[StartNode], entry)
		}
		g.entries = []string{StartNode}
	}

	return g, nil
}

// Node returns the subtask with the given id, nil for StartNode.
func (g *Graph) Node(id string) *workflow.Subtask { return g.nodes[id] }

// Preds returns a node's predecessors.
func (g *Graph) Preds(id string) []string { return g.preds[id] }

// Succs returns a node's successors.
func (g *Graph) Succs(id string) []string { return g.succs[id] }

// Entries returns the scheduling roots.
func (g *Graph) Entries() []string { return g.entries }

// Exits returns the terminal nodes.
func (g *Graph) Exits() []string { return g.exits }

// Joins returns the fan-in nodes (more than one predecessor).
func (g *Graph) Joins() []string { return g.joins }

// IDs returns every schedulable node id, StartNode included when
// present.
func (g *Graph) IDs() []string {
	ids := make([]string, 0, len(g.nodes)+1)
	for id := range g.nodes {
		ids = append(ids, id)
	}
	if len(g.succs[StartNode]) > 0 {
		ids = append(ids, StartNode)
	}
	sort.Strings(ids)
	return ids
}
