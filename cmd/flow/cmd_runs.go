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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFlow/services/flow/archive"
)

// runsCmd browses the run archive. It needs no LLM configuration, only
// the archive directory.
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Browse archived runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := archive.Open(flagArchiveDir)
		if err != nil {
			return err
		}
		defer store.Close()

		runs, err := store.List()
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("no archived runs")
			return nil
		}
		for _, r := range runs {
			fmt.Printf("%-28s %-9s %s\n", r.RunID, r.Status, r.Task)
		}
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id> [artifact]",
	Short: "Show a run summary, or print one of its artifacts",
	Long: `Without an artifact name, prints the indexed summary. With one,
prints the raw artifact file: graph.json, workflow.json, result.json,
meta.json, or error.json.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := archive.Open(flagArchiveDir)
		if err != nil {
			return err
		}
		defer store.Close()

		if len(args) == 2 {
			data, err := store.ReadArtifact(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		sum, err := store.Get(args[0])
		if err != nil {
			return fmt.Errorf("run %s not found", args[0])
		}
		return printJSON(sum)
	},
}

func init() {
	runsCmd.AddCommand(runsListCmd, runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}
