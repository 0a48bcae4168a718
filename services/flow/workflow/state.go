// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workflow

import (
	"strings"
	"sync"
)

// State is the shared run state written by concurrently executing nodes.
//
// Outputs are write-once per node id: the first writer wins and later
// writes are rejected. Errors accumulate with "; " separators. Messages
// and the current-task list are append-only.
//
// Thread Safety: all methods are safe for concurrent use.
type State struct {
	mu          sync.Mutex
	outputs     map[string]any
	errParts    []string
	messages    []any
	currentTask []string
}

// NewState returns an empty run state.
func NewState() *State {
	return &State{outputs: make(map[string]any)}
}

// SetOutput records the output of a node. Returns false if the node
// already has an output recorded.
func (s *State) SetOutput(id string, v any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.outputs[id]; exists {
		return false
	}
	s.outputs[id] = v
	return true
}

// Output returns the recorded output for a node id.
func (s *State) Output(id string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.outputs[id]
	return v, ok
}

// Outputs returns a shallow copy of the output map.
func (s *State) Outputs() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.outputs))
	for k, v := range s.outputs {
		out[k] = v
	}
	return out
}

// MergeError appends msg to the accumulated run error. Empty messages
// are ignored.
func (s *State) MergeError(msg string) {
	if msg == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errParts = append(s.errParts, msg)
}

// Err returns the accumulated error string, "; "-joined, or "".
func (s *State) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.errParts, "; ")
}

// AppendMessage appends an entry to the message log.
func (s *State) AppendMessage(m any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
}

// Messages returns a copy of the message log.
func (s *State) Messages() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, len(s.messages))
	copy(out, s.messages)
	return out
}

// AppendCurrentTask appends a task label to the progress list.
func (s *State) AppendCurrentTask(label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentTask = append(s.currentTask, label)
}

// CurrentTasks returns a copy of the progress list.
func (s *State) CurrentTasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.currentTask))
	copy(out, s.currentTask)
	return out
}
