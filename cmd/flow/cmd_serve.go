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
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFlow/services/flow/server"
	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
)

var serveAddr string

// serveCmd runs the HTTP server: REST planning and execution, run
// archive browsing, Prometheus metrics, and WebSocket event streaming.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the engine over HTTP and WebSocket",
	RunE:  runServeCommand,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", envDefault("LISTEN_ADDR", ":8090"),
		"Listen address")
	rootCmd.AddCommand(serveCmd)
}

func runServeCommand(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init("aleutianflow")
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	hub := server.NewHub(logger.Logger)
	go hub.Run(ctx)

	st, err := buildStack(hub.Broadcast)
	if err != nil {
		return err
	}
	defer st.Close()

	// hot-reload the tool catalog on file changes
	go func() {
		if err := st.registry.Watch(ctx, logger.Logger); err != nil {
			logger.Warn("catalog watcher stopped", "error", err)
		}
	}()

	srv := server.New(st.engine, st.store, hub, logger.Logger)
	httpSrv := &http.Server{
		Addr:              serveAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown failed", "error", err)
		}
	}()

	logger.Info("serving", "addr", serveAddr, "catalog", flagCatalog)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
