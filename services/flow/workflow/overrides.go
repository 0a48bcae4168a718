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

// ApplyOverrides merges user-supplied parameter overrides into the IR
// in place. Overrides are keyed by node id; unknown ids are ignored.
//
// Placement depends on the node kind:
//   - tool nodes fed by a guard stash overrides under _param_overrides,
//     so they win after the guard produces its arguments;
//   - direct tool nodes and llm nodes merge straight into input;
//   - param_guard nodes merge into their target_input_template, so the
//     guard sees the overridden values when shaping arguments.
func ApplyOverrides(ir *WorkflowIR, overrides map[string]map[string]any) {
	if len(overrides) == 0 {
		return
	}
	for i := range ir.Nodes {
		node := &ir.Nodes[i]
		ov, ok := overrides[node.ID]
		if !ok || len(ov) == 0 {
			continue
		}
		if node.Input == nil {
			node.Input = map[string]any{}
		}
		switch node.Executor {
		case ExecutorTool:
			if guardFed(node.Input) {
				existing, _ := node.Input[KeyParamOverrides].(map[string]any)
				node.Input[KeyParamOverrides] = mergeMaps(existing, ov)
			} else {
				node.Input = mergeMaps(node.Input, ov)
			}
		case ExecutorParamGuard:
			tmpl, _ := node.Input[KeyInputTemplate].(map[string]any)
			node.Input[KeyInputTemplate] = mergeMaps(tmpl, ov)
		default:
			node.Input = mergeMaps(node.Input, ov)
		}
	}
}

func guardFed(input map[string]any) bool {
	if _, ok := input[KeyFromGuard]; ok {
		return true
	}
	_, ok := input[KeyFromGuards]
	return ok
}

func mergeMaps(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = DeepCopyValue(v)
	}
	return out
}
