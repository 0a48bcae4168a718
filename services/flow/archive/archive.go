// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive persists workflow runs: per-run JSON artifacts on
// disk, plus a BadgerDB index for listing and lookup.
//
// A run directory holds graph.json (the planned IR), workflow.json
// (the execution trace with node counts), result.json, meta.json, and
// error.json when the run failed before or during execution.
package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianFlow/services/flow/workflow"
)

const runKeyPrefix = "run:"

// Meta describes how a run was started.
type Meta struct {
	Task           string                    `json:"task"`
	ParamOverrides map[string]map[string]any `json:"param_overrides,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
	ReuseWorkflow  bool                      `json:"reuse_workflow"`
}

// Summary is the indexed view of a run.
type Summary struct {
	RunID     string    `json:"run_id"`
	Task      string    `json:"task"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status"`
}

// Run statuses stored in the index.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Store is the run archive.
//
// Thread Safety: safe for concurrent use; Badger serializes writes and
// each run writes only its own directory.
type Store struct {
	root string
	db   *badger.DB
}

// Open creates the archive root and opens the index database.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create archive root: %w", err)
	}
	opts := badger.DefaultOptions(filepath.Join(root, "index")).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open archive index: %w", err)
	}
	return &Store{root: root, db: db}, nil
}

// Close releases the index database.
func (s *Store) Close() error { return s.db.Close() }

// NewRunID mints a sortable run id: UTC timestamp plus a short random
// suffix.
func (s *Store) NewRunID() string {
	return fmt.Sprintf("%s_%s",
		time.Now().UTC().Format("20060102T150405"),
		uuid.NewString()[:8])
}

// RunDir returns (and creates) the directory for a run.
func (s *Store) RunDir(runID string) (string, error) {
	dir := filepath.Join(s.root, runID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	return dir, nil
}

// SaveGraph writes the planned IR as graph.json.
func (s *Store) SaveGraph(runID string, ir *workflow.WorkflowIR) error {
	return s.writeJSON(runID, "graph.json", ir)
}

// SaveTrace writes workflow.json with the execution trace and node
// counts.
func (s *Store) SaveTrace(runID string, trace []workflow.TraceEntry, total, successful, failed int) error {
	return s.writeJSON(runID, "workflow.json", map[string]any{
		"execution_trace":  trace,
		"total_nodes":      total,
		"successful_nodes": successful,
		"failed_nodes":     failed,
	})
}

// SaveResult writes result.json and indexes the run as completed
// (failed when errMsg is non-empty).
func (s *Store) SaveResult(runID, task string, outputs map[string]any, errMsg string, createdAt time.Time) error {
	if err := s.writeJSON(runID, "result.json", map[string]any{
		"outputs":   outputs,
		"error":     errMsg,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return err
	}
	status := StatusCompleted
	if errMsg != "" {
		status = StatusFailed
	}
	return s.index(Summary{RunID: runID, Task: task, CreatedAt: createdAt, Status: status})
}

// SaveMeta writes meta.json.
func (s *Store) SaveMeta(runID string, meta Meta) error {
	return s.writeJSON(runID, "meta.json", meta)
}

// SaveError writes error.json for a run that failed before execution,
// carrying the full planning diagnostics, and indexes the run failed.
func (s *Store) SaveError(runID, task, errMsg string, planningData any, createdAt time.Time) error {
	if err := s.writeJSON(runID, "error.json", map[string]any{
		"error":         errMsg,
		"task":          task,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"planning_data": planningData,
	}); err != nil {
		return err
	}
	return s.index(Summary{RunID: runID, Task: task, CreatedAt: createdAt, Status: StatusFailed})
}

// List returns indexed runs, newest first.
func (s *Store) List() ([]Summary, error) {
	var out []Summary
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(runKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var sum Summary
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sum)
			}); err != nil {
				return err
			}
			out = append(out, sum)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID > out[j].RunID })
	return out, nil
}

// Get returns the indexed summary for a run id.
func (s *Store) Get(runID string) (Summary, error) {
	var sum Summary
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(runKeyPrefix + runID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sum)
		})
	})
	return sum, err
}

// ReadArtifact returns a raw artifact file from a run directory.
func (s *Store) ReadArtifact(runID, name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.root, runID, filepath.Base(name)))
}

func (s *Store) index(sum Summary) error {
	data, err := json.Marshal(sum)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(runKeyPrefix+sum.RunID), data)
	})
}

func (s *Store) writeJSON(runID, name string, v any) error {
	dir, err := s.RunDir(runID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o640); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
