// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retriever

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianFlow/services/flow/config"
	"github.com/AleutianAI/AleutianFlow/services/flow/registry"
)

var retrievalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flow_tool_retrievals_total",
	Help: "Tool retrievals by backend mode.",
}, []string{"mode"})

// Catalog is the slice of the registry the retriever needs.
type Catalog interface {
	Tools() []registry.Tool
	Has(name string) bool
	Schema(name string) (registry.Tool, bool)
	ModTime() time.Time
}

// Retriever selects candidate tools for the planner. Pinned tools are
// appended after ranking when present in the catalog and not already
// selected.
type Retriever struct {
	catalog  Catalog
	mode     string
	pins     []string
	semantic *Semantic
}

// New builds a retriever in the given mode. semantic may be nil in
// bm25 mode.
func New(catalog Catalog, mode string, pins []string, semantic *Semantic) *Retriever {
	return &Retriever{catalog: catalog, mode: mode, pins: pins, semantic: semantic}
}

// Retrieve returns up to k ranked tools plus the pin set.
//
// The BM25 index is rebuilt per call from the live catalog, so hot
// reloads take effect immediately; indexing a catalog of hundreds of
// tools is microseconds.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) []registry.Tool {
	tools := r.catalog.Tools()

	var ranked []registry.Tool
	switch r.mode {
	case config.RetrieverSemantic:
		if r.semantic != nil {
			ranked = r.semantic.RetrieveFrom(ctx, tools, r.catalog.ModTime(), query, k)
		}
	default:
		ranked, _ = NewBM25(tools).Retrieve(ctx, query, k)
	}
	retrievalsTotal.WithLabelValues(r.mode).Inc()

	return r.appendPins(ranked)
}

func (r *Retriever) appendPins(ranked []registry.Tool) []registry.Tool {
	seen := make(map[string]bool, len(ranked))
	for _, t := range ranked {
		seen[t.Name] = true
	}
	for _, pin := range r.pins {
		if seen[pin] {
			continue
		}
		if t, ok := r.catalog.Schema(pin); ok {
			ranked = append(ranked, t)
			seen[pin] = true
		}
	}
	return ranked
}
