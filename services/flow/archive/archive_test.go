// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/workflow"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewRunID_Unique(t *testing.T) {
	s := openStore(t)
	a := s.NewRunID()
	b := s.NewRunID()
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^\d{8}T\d{6}_[0-9a-f-]{8}$`, a)
}

func TestSaveAndReadArtifacts(t *testing.T) {
	s := openStore(t)
	runID := s.NewRunID()
	created := time.Now().UTC()

	ir := &workflow.WorkflowIR{Nodes: []workflow.Subtask{
		{ID: "ST1", Executor: workflow.ExecutorLLM},
	}}
	require.NoError(t, s.SaveGraph(runID, ir))
	require.NoError(t, s.SaveMeta(runID, Meta{Task: "do things", CreatedAt: created}))
	require.NoError(t, s.SaveTrace(runID, []workflow.TraceEntry{
		{NodeID: "ST1", Status: workflow.StatusSuccess},
	}, 1, 1, 0))
	require.NoError(t, s.SaveResult(runID, "do things",
		map[string]any{"ST1": "answer"}, "", created))

	graph, err := s.ReadArtifact(runID, "graph.json")
	require.NoError(t, err)
	var gotIR workflow.WorkflowIR
	require.NoError(t, json.Unmarshal(graph, &gotIR))
	assert.Equal(t, "ST1", gotIR.Nodes[0].ID)

	wf, err := s.ReadArtifact(runID, "workflow.json")
	require.NoError(t, err)
	var trace map[string]any
	require.NoError(t, json.Unmarshal(wf, &trace))
	assert.Equal(t, float64(1), trace["total_nodes"])
	assert.Equal(t, float64(1), trace["successful_nodes"])
	assert.Equal(t, float64(0), trace["failed_nodes"])

	result, err := s.ReadArtifact(runID, "result.json")
	require.NoError(t, err)
	var res map[string]any
	require.NoError(t, json.Unmarshal(result, &res))
	assert.Equal(t, "answer", res["outputs"].(map[string]any)["ST1"])
}

func TestIndexAndList(t *testing.T) {
	s := openStore(t)
	created := time.Now().UTC()

	id1 := "20260101T000000_aaaaaaaa"
	id2 := "20260102T000000_bbbbbbbb"
	require.NoError(t, s.SaveResult(id1, "first", map[string]any{}, "", created))
	require.NoError(t, s.SaveResult(id2, "second", map[string]any{}, "boom", created))

	runs, err := s.List()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	// newest first
	assert.Equal(t, id2, runs[0].RunID)
	assert.Equal(t, StatusFailed, runs[0].Status)
	assert.Equal(t, StatusCompleted, runs[1].Status)

	got, err := s.Get(id1)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Task)
}

func TestSaveError_WritesPlanningData(t *testing.T) {
	s := openStore(t)
	runID := s.NewRunID()

	planning := map[string]any{
		"error_stage": "auto_fix_json",
		"raw_json":    "not json at all",
	}
	require.NoError(t, s.SaveError(runID, "bad task", "planning failed", planning, time.Now()))

	data, err := s.ReadArtifact(runID, "error.json")
	require.NoError(t, err)
	var errDoc map[string]any
	require.NoError(t, json.Unmarshal(data, &errDoc))
	assert.Equal(t, "planning failed", errDoc["error"])
	assert.Equal(t, "bad task",
		errDoc["task"])
	pd := errDoc["planning_data"].(map[string]any)
	assert.Equal(t, "auto_fix_json", pd["error_stage"])

	sum, err := s.Get(runID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, sum.Status)
}
