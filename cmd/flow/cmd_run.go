// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	flow "github.com/AleutianAI/AleutianFlow/services/flow"
	"github.com/AleutianAI/AleutianFlow/services/flow/workflow"
)

var (
	runOverrides string
	runReuseID   string
	runQuiet     bool
)

// runCmd plans and executes a task end to end.
//
// Examples:
//
//	flow run "compare the weather in Anchorage and Juneau today"
//	flow run --overrides '{"ST1":{"query":"site:golang.org generics"}}' "..."
//	flow run --reuse 20260824T120000_ab12cd34   # replay an archived workflow
var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Plan and execute a task, archiving the run",
	RunE:  runRunCommand,
}

func init() {
	runCmd.Flags().StringVar(&runOverrides, "overrides", "",
		"JSON object of per-node parameter overrides, keyed by node id")
	runCmd.Flags().StringVar(&runReuseID, "reuse", "",
		"Replay the archived workflow of a previous run id")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false,
		"Suppress per-node progress output")
	rootCmd.AddCommand(runCmd)
}

func runRunCommand(cmd *cobra.Command, args []string) error {
	task := strings.Join(args, " ")
	if task == "" && runReuseID == "" {
		return fmt.Errorf("a task or --reuse is required")
	}

	opts := flow.RunOptions{}
	if runOverrides != "" {
		if err := json.Unmarshal([]byte(runOverrides), &opts.ParamOverrides); err != nil {
			return fmt.Errorf("invalid --overrides: %w", err)
		}
	}

	var emit flow.EmitFunc
	if !runQuiet {
		emit = printRunEvent
	}
	st, err := buildStack(emit)
	if err != nil {
		return err
	}
	defer st.Close()

	if runReuseID != "" {
		ir, err := loadArchivedWorkflow(st.store, runReuseID)
		if err != nil {
			return err
		}
		opts.Reuse = ir
	}

	outcome, err := st.engine.Run(context.Background(), task, opts)
	if err != nil {
		return err
	}

	fmt.Printf("run %s archived under %s\n", outcome.RunID, flagArchiveDir)
	if err := printJSON(outcome.Result.Outputs); err != nil {
		return err
	}
	if outcome.Result.Error != "" {
		fmt.Fprintf(os.Stderr, "run finished with errors: %s\n", outcome.Result.Error)
		os.Exit(1)
	}
	return nil
}

// printRunEvent renders run events as progress lines on stderr, keeping
// stdout clean for the final outputs.
func printRunEvent(eventType string, data any) {
	switch eventType {
	case flow.EventStage:
		if m, ok := data.(map[string]any); ok {
			fmt.Fprintf(os.Stderr, "==> %v\n", m["stage"])
		}
	case flow.EventExecution:
		entry, ok := data.(workflow.TraceEntry)
		if !ok {
			return
		}
		switch entry.Status {
		case workflow.StatusRunning:
			fmt.Fprintf(os.Stderr, "    %s (%s) ...\n", entry.NodeID, entry.NodeType)
		case workflow.StatusFailed:
			fmt.Fprintf(os.Stderr, "    %s failed: %s\n", entry.NodeID, entry.Error)
		default:
			fmt.Fprintf(os.Stderr, "    %s done in %.0fms\n", entry.NodeID, entry.DurationMS)
		}
	case flow.EventError:
		if m, ok := data.(map[string]any); ok {
			fmt.Fprintf(os.Stderr, "error: %v\n", m["error"])
		}
	}
}
