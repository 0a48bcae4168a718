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
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// Event is the wire format for streamed run events.
type Event struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
}

// Hub fans run events out to every connected WebSocket client. Slow
// clients get dropped rather than blocking the broadcast loop.
type Hub struct {
	register   chan *wsClient
	unregister chan *wsClient
	events     chan []byte
	clients    map[*wsClient]struct{}
	logger     *slog.Logger
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub builds an idle hub; call Run to start it.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		events:     make(chan []byte, 256),
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
	}
}

// Run owns the client set until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.logger.Info("websocket client connected", "clients", len(h.clients))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				close(c.send)
				delete(h.clients, c)
				h.logger.Info("websocket client disconnected", "clients", len(h.clients))
			}
		case msg := <-h.events:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(h.clients, c)
					h.logger.Warn("dropping slow websocket client")
				}
			}
		}
	}
}

// Broadcast encodes an event and queues it for every client. Payloads
// that fail to marshal are logged and dropped, never fatal.
func (h *Hub) Broadcast(eventType string, data any) {
	ev := Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("failed to marshal broadcast event", "type", eventType, "error", err)
		return
	}
	select {
	case h.events <- msg:
	default:
		h.logger.Warn("event channel full, dropping event", "type", eventType)
	}
}

func (c *wsClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	// hub closed the channel; tell the client we are going away
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}
