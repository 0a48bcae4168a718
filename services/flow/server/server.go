// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes the flow engine over HTTP: REST endpoints for
// planning and running tasks, run archive browsing, Prometheus metrics,
// and a WebSocket that streams run events as they happen.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	flow "github.com/AleutianAI/AleutianFlow/services/flow"
	"github.com/AleutianAI/AleutianFlow/services/flow/archive"
	"github.com/AleutianAI/AleutianFlow/services/flow/workflow"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// RunRequest starts a run. ReuseRunID replays the archived workflow of
// a previous run instead of planning from scratch.
type RunRequest struct {
	Task           string                    `json:"task"`
	ParamOverrides map[string]map[string]any `json:"param_overrides,omitempty"`
	ReuseRunID     string                    `json:"reuse_run_id,omitempty"`
}

// PlanRequest plans a task without executing it.
type PlanRequest struct {
	Task string `json:"task"`
}

// Server wires the engine and archive behind a gin router.
type Server struct {
	engine *flow.Engine
	store  *archive.Store
	hub    *Hub
	logger *slog.Logger
}

// New builds a server. The hub must already be running.
func New(engine *flow.Engine, store *archive.Store, hub *Hub, logger *slog.Logger) *Server {
	return &Server{engine: engine, store: store, hub: hub, logger: logger}
}

// Routes builds the gin engine with all endpoints registered.
func (s *Server) Routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/plan", s.handlePlan)
		v1.POST("/runs", s.handleRun)
		v1.GET("/runs", s.handleListRuns)
		v1.GET("/runs/:runId", s.handleGetRun)
		v1.GET("/runs/:runId/artifacts/:name", s.handleArtifact)
		v1.GET("/ws", s.handleWebSocket)
	}
	return router
}

func (s *Server) handlePlan(c *gin.Context) {
	var req PlanRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Task == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task is required"})
		return
	}
	ir, run, err := s.engine.Plan(c.Request.Context(), req.Task)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":         err.Error(),
			"planning_data": run,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflow": ir, "planning_data": run})
}

func (s *Server) handleRun(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	opts := flow.RunOptions{ParamOverrides: req.ParamOverrides}

	if req.ReuseRunID != "" {
		ir, err := s.loadArchivedWorkflow(req.ReuseRunID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		opts.Reuse = ir
	} else if req.Task == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task is required"})
		return
	}

	outcome, err := s.engine.Run(c.Request.Context(), req.Task, opts)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (s *Server) handleListRuns(c *gin.Context) {
	runs, err := s.store.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleGetRun(c *gin.Context) {
	sum, err := s.store.Get(c.Param("runId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (s *Server) handleArtifact(c *gin.Context) {
	data, err := s.store.ReadArtifact(c.Param("runId"), c.Param("name"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.JSON(http.StatusNotFound, gin.H{"error": "artifact not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

// handleWebSocket registers the client for event broadcasts and accepts
// run requests over the same connection. Each incoming request starts a
// run whose events stream to every connected client.
func (s *Server) handleWebSocket(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := &wsClient{conn: ws, send: make(chan []byte, 64)}
	s.hub.register <- client
	go client.writePump()

	defer func() {
		s.hub.unregister <- client
	}()

	for {
		var req RunRequest
		if err := ws.ReadJSON(&req); err != nil {
			return
		}
		if req.Task == "" && req.ReuseRunID == "" {
			s.hub.Broadcast(flow.EventError, map[string]any{"error": "task is required"})
			continue
		}
		opts := flow.RunOptions{ParamOverrides: req.ParamOverrides}
		if req.ReuseRunID != "" {
			ir, err := s.loadArchivedWorkflow(req.ReuseRunID)
			if err != nil {
				s.hub.Broadcast(flow.EventError, map[string]any{"error": err.Error()})
				continue
			}
			opts.Reuse = ir
		}
		// Runs detach from the connection context so a dropped client
		// does not abort an in-flight workflow.
		go func(task string, opts flow.RunOptions) {
			if _, err := s.engine.Run(context.Background(), task, opts); err != nil {
				s.logger.Warn("websocket-initiated run failed", "error", err)
			}
		}(req.Task, opts)
	}
}

func (s *Server) loadArchivedWorkflow(runID string) (*workflow.WorkflowIR, error) {
	data, err := s.store.ReadArtifact(runID, "graph.json")
	if err != nil {
		return nil, errors.New("no archived workflow for run " + runID)
	}
	var ir workflow.WorkflowIR
	if err := json.Unmarshal(data, &ir); err != nil {
		return nil, errors.New("archived workflow for run " + runID + " is corrupt")
	}
	return &ir, nil
}
