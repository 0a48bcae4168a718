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
	"errors"
	"fmt"
)

// Pipeline stages recorded on PlanningError.
const (
	StageOptimize    = "optimize"
	StageDraft       = "draft"
	StageConcretize  = "concretize"
	StageAutoFixJSON = "auto_fix_json"
	StageBuildIR     = "build_workflow_ir"
)

var (
	// ErrNoJSON is returned when no extraction strategy yields JSON.
	ErrNoJSON = errors.New("no JSON object found in response")

	// ErrBadStructure is returned when extracted JSON is not a workflow
	// object.
	ErrBadStructure = errors.New("extracted JSON is not a workflow object")
)

// ExtractionError reports a failed JSON extraction with the offending
// text attached for remediation prompts.
type ExtractionError struct {
	Reason string
	Text   string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("json extraction failed: %s", e.Reason)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ValidationError reports a failed graph validation.
type ValidationError struct {
	Errors   []string
	Warnings []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("workflow validation failed with %d error(s): %v", len(e.Errors), e.Errors)
}

// PlanningError reports a failed planning pipeline, identifying which
// stage gave up.
type PlanningError struct {
	Stage string
	Err   error
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("planning failed at stage %s: %v", e.Stage, e.Err)
}

func (e *PlanningError) Unwrap() error { return e.Err }
