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
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/llm"
	"github.com/AleutianAI/AleutianFlow/services/flow/registry"
)

// Semantic ranks tools by cosine similarity between the query embedding
// and per-tool embeddings. Tool embeddings are cached on disk as JSON;
// the cache is valid only while the catalog has not changed after it
// was written and the cached tool names still match.
//
// Retrieval failures degrade to an empty result rather than failing the
// plan: the pipeline falls back to its pin set and missing_tools
// expansion.
type Semantic struct {
	embedder  llm.Embedder
	cachePath string
	logger    *slog.Logger
}

// NewSemantic builds a semantic retriever caching embeddings at
// cachePath.
func NewSemantic(embedder llm.Embedder, cachePath string, logger *slog.Logger) *Semantic {
	return &Semantic{embedder: embedder, cachePath: cachePath, logger: logger}
}

type embeddingCache struct {
	Names   []string    `json:"names"`
	Vectors [][]float32 `json:"vectors"`
}

// toolText renders the embedded representation of a tool.
func toolText(t registry.Tool) string {
	return fmt.Sprintf("Tool: %s | Description: %s | Required params: %s | Optional params: %s",
		t.Name, t.Description,
		strings.Join(t.RequiredParams(), ", "),
		strings.Join(t.OptionalParams(), ", "))
}

// RetrieveFrom ranks the given catalog against the query. catalogModTime
// is the catalog file's modification time, used for cache validation.
func (s *Semantic) RetrieveFrom(ctx context.Context, tools []registry.Tool, catalogModTime time.Time, query string, k int) []registry.Tool {
	if k <= 0 || len(tools) == 0 {
		return nil
	}

	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}

	vectors, ok := s.loadCache(names, catalogModTime)
	if !ok {
		texts := make([]string, len(tools))
		for i, t := range tools {
			texts[i] = toolText(t)
		}
		var err error
		vectors, err = s.embedder.Embed(ctx, texts)
		if err != nil {
			s.logger.Warn("tool embedding failed, semantic retrieval returns empty",
				"error", err)
			return nil
		}
		s.saveCache(names, vectors)
	}

	qVecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil || len(qVecs) != 1 {
		s.logger.Warn("query embedding failed, semantic retrieval returns empty",
			"error", err)
		return nil
	}
	qVec := qVecs[0]

	type scored struct {
		idx   int
		score float64
	}
	results := make([]scored, 0, len(tools))
	for i := range tools {
		results = append(results, scored{idx: i, score: cosine(qVec, vectors[i])})
	}
	sort.SliceStable(results, func(a, b int) bool { return results[a].score > results[b].score })
	if len(results) > k {
		results = results[:k]
	}
	out := make([]registry.Tool, len(results))
	for i, r := range results {
		out[i] = tools[r.idx]
	}
	return out
}

// loadCache returns cached vectors when the cache is newer than the
// catalog and covers exactly the current tool names in order.
func (s *Semantic) loadCache(names []string, catalogModTime time.Time) ([][]float32, bool) {
	info, err := os.Stat(s.cachePath)
	if err != nil {
		return nil, false
	}
	if catalogModTime.After(info.ModTime()) {
		return nil, false
	}
	data, err := os.ReadFile(s.cachePath)
	if err != nil {
		return nil, false
	}
	var cache embeddingCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, false
	}
	if len(cache.Names) != len(names) || len(cache.Vectors) != len(names) {
		return nil, false
	}
	for i, n := range cache.Names {
		if n != names[i] {
			return nil, false
		}
	}
	return cache.Vectors, true
}

func (s *Semantic) saveCache(names []string, vectors [][]float32) {
	data, err := json.Marshal(embeddingCache{Names: names, Vectors: vectors})
	if err != nil {
		return
	}
	if err := os.WriteFile(s.cachePath, data, 0o644); err != nil {
		s.logger.Warn("embedding cache write failed", "path", s.cachePath, "error", err)
	}
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
