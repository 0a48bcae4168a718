// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/archive"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *archive.Store {
	t.Helper()
	s, err := archive.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHub_BroadcastReachesClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(testLogger())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		client := &wsClient{conn: ws, send: make(chan []byte, 8)}
		hub.register <- client
		go client.writePump()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// give the hub a beat to process the registration
	time.Sleep(50 * time.Millisecond)
	hub.Broadcast("execution", map[string]any{"node_id": "ST1"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, "execution", ev.Type)
	data := ev.Data.(map[string]any)
	assert.Equal(t, "ST1", data["node_id"])
	assert.NotEmpty(t, ev.Timestamp)
}

func TestHub_MarshalFailureIsDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(testLogger())
	go hub.Run(ctx)

	// channels are not JSON-encodable; must not panic or block
	hub.Broadcast("result", make(chan int))
}

func TestRoutes_Health(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := New(nil, testStore(t), NewHub(testLogger()), testLogger())
	router := s.Routes()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestRoutes_ListAndArtifacts(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := testStore(t)
	runID := store.NewRunID()
	require.NoError(t, store.SaveResult(runID, "find things",
		map[string]any{"ST1": "out"}, "", time.Now().UTC()))

	s := New(nil, store, NewHub(testLogger()), testLogger())
	router := s.Routes()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Runs []archive.Summary `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Runs, 1)
	assert.Equal(t, "find things", list.Runs[0].Task)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet,
		"/v1/runs/"+runID+"/artifacts/result.json", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var res map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "out", res["outputs"].(map[string]any)["ST1"])

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet,
		"/v1/runs/"+runID+"/artifacts/nope.json", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRoutes_GetRunNotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := New(nil, testStore(t), NewHub(testLogger()), testLogger())
	router := s.Routes()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/runs/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
