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
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var planDiagnostics bool

// planCmd plans a task and prints the workflow without executing it.
//
// Examples:
//
//	flow plan "find the latest Go release and summarize the changes"
//	flow plan --diagnostics "..."   # include every planning artifact
var planCmd = &cobra.Command{
	Use:   "plan <task>",
	Short: "Plan a task into a workflow without executing it",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPlanCommand,
}

func init() {
	planCmd.Flags().BoolVar(&planDiagnostics, "diagnostics", false,
		"Print full planning diagnostics instead of just the workflow")
	rootCmd.AddCommand(planCmd)
}

func runPlanCommand(cmd *cobra.Command, args []string) error {
	task := strings.Join(args, " ")

	st, err := buildStack(nil)
	if err != nil {
		return err
	}
	defer st.Close()

	ir, run, err := st.engine.Plan(context.Background(), task)
	if err != nil {
		fmt.Fprintf(os.Stderr, "planning failed: %v\n", err)
		if planDiagnostics && run != nil {
			_ = printJSON(run)
		}
		return err
	}

	if planDiagnostics {
		return printJSON(run)
	}
	return printJSON(ir)
}
