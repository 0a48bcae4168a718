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
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFlow/pkg/logging"
)

var (
	flagEnvFile    string
	flagLogLevel   string
	flagLogDir     string
	flagCatalog    string
	flagArchiveDir string
	flagGateway    string
)

var logger *logging.Logger

var rootCmd = &cobra.Command{
	Use:   "flow",
	Short: "Plan and execute tool-using workflows from natural-language tasks",
	Long: `AleutianFlow plans a natural-language task into a DAG of LLM and
tool calls, executes it with guarded parameter flow, and archives every
run for inspection and replay.

Configuration comes from the environment (PLANNER_KEY, PLANNER_MODEL,
PLANNER_URL at minimum); a .env file in the working directory is loaded
automatically.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagEnvFile, "env-file", ".env",
		"Environment file to load before reading configuration")
	pf.StringVar(&flagLogLevel, "log-level", envDefault("LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	pf.StringVar(&flagLogDir, "log-dir", os.Getenv("LOG_DIR"),
		"Directory for JSON log files (disabled when empty)")
	pf.StringVar(&flagCatalog, "catalog", envDefault("TOOLS_CATALOG", "tools.json"),
		"Path to the tool catalog file")
	pf.StringVar(&flagArchiveDir, "archive-dir", envDefault("ARCHIVE_DIR", "archive"),
		"Directory for run archives")
	pf.StringVar(&flagGateway, "gateway", os.Getenv("TOOL_GATEWAY_URL"),
		"Tool gateway base URL (tool nodes fail without one)")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if err := godotenv.Load(flagEnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "warning: could not load %s: %v\n", flagEnvFile, err)
		}
		logger = logging.New(logging.Config{
			Level:   logging.ParseLevel(flagLogLevel),
			LogDir:  flagLogDir,
			Service: "flow",
		})
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Close()
		}
	}
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
