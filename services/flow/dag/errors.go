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
	"errors"
	"fmt"
)

var (
	// ErrEmptyGraph is returned when compiling an IR with no nodes.
	ErrEmptyGraph = errors.New("workflow has no nodes")

	// ErrMissingGuardOutput is returned when a tool node's guard has no
	// recorded output.
	ErrMissingGuardOutput = errors.New("guard output not available")

	// ErrNodeTimeout marks a node cancelled by its per-node deadline.
	ErrNodeTimeout = errors.New("node execution timed out")
)

// ToolFailure is a tool invocation that returned a failure result,
// whether by transport error or by failure-pattern classification.
type ToolFailure struct {
	Node    string
	Tool    string
	Message string
}

func (e *ToolFailure) Error() string {
	return fmt.Sprintf("tool %s on node %s failed: %s", e.Tool, e.Node, e.Message)
}
