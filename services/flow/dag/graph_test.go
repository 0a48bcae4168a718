// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/workflow"
)

func diamondIR() *workflow.WorkflowIR {
	return &workflow.WorkflowIR{
		Nodes: []workflow.Subtask{
			{ID: "ST1", Executor: workflow.ExecutorLLM},
			{ID: "ST2", Executor: workflow.ExecutorLLM},
			{ID: "ST3", Executor: workflow.ExecutorLLM},
			{ID: "ST4", Executor: workflow.ExecutorLLM},
		},
		Edges: []workflow.Edge{
			{Source: "ST1", Target: "ST2"},
			{Source: "ST1", Target: "ST3"},
			{Source: "ST2", Target: "ST4"},
			{Source: "ST3", Target: "ST4"},
		},
	}
}

func TestCompile_Diamond(t *testing.T) {
	g, err := Compile(diamondIR())
	require.NoError(t, err)

	assert.Equal(t, []string{"ST1"}, g.Entries())
	assert.Equal(t, []string{"ST4"}, g.Exits())
	assert.Equal(t, []string{"ST4"}, g.Joins())
	assert.ElementsMatch(t, []string{"ST2", "ST3"}, g.Preds("ST4"))
}

func TestCompile_MultipleEntriesGetStartNode(t *testing.T) {
	ir := &workflow.WorkflowIR{
		Nodes: []workflow.Subtask{
			{ID: "ST1", Executor: workflow.ExecutorLLM},
			{ID: "ST2", Executor: workflow.ExecutorLLM},
			{ID: "ST3", Executor: workflow.ExecutorLLM},
		},
		Edges: []workflow.Edge{
			{Source: "ST1", Target: "ST3"},
			{Source: "ST2", Target: "ST3"},
		},
	}
	g, err := Compile(ir)
	require.NoError(t, err)

	assert.Equal(t, []string{StartNode}, g.Entries())
	assert.ElementsMatch(t, []string{"ST1", "ST2"}, g.Succs(StartNode))
	assert.Contains(t, g.Preds("ST1"), StartNode)
	assert.Contains(t, g.IDs(), StartNode)
	assert.Nil(t, g.Node(StartNode))
}

func TestCompile_Errors(t *testing.T) {
	_, err := Compile(&workflow.WorkflowIR{})
	assert.ErrorIs(t, err, ErrEmptyGraph)

	_, err = Compile(&workflow.WorkflowIR{
		Nodes: []workflow.Subtask{{ID: "ST1"}},
		Edges: []workflow.Edge{{Source: "ST1", Target: "ST9"}},
	})
	assert.Error(t, err)

	_, err = Compile(&workflow.WorkflowIR{
		Nodes: []workflow.Subtask{{ID: "ST1"}, {ID: "ST1"}},
	})
	assert.Error(t, err)
}
