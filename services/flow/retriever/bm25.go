// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retriever ranks catalog tools against a task description.
//
// Two backends exist: a field-weighted BM25 ranker over tool metadata
// and a semantic ranker over embeddings with a disk cache. Both exclude
// nothing from the catalog a priori; pinned tools are appended after
// ranking.
package retriever

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/AleutianAI/AleutianFlow/services/flow/registry"
)

// Field weights for the BM25 ranker. Tool names matter most; optional
// parameter names least.
const (
	weightName     = 3.0
	weightDesc     = 2.0
	weightRequired = 1.5
	weightOptional = 1.0

	bm25K1 = 1.2
	bm25B  = 0.75
)

// fieldIndex is a standard BM25 index over a single field, with its own
// document frequencies and length normalization. Keeping fields separate
// preserves per-field IDF: a term common in descriptions still scores
// highly when it matches a rare name.
type fieldIndex struct {
	termFreq []map[string]int
	docFreq  map[string]int
	docLen   []float64
	avgLen   float64
}

func newFieldIndex(docs [][]string) *fieldIndex {
	idx := &fieldIndex{
		termFreq: make([]map[string]int, len(docs)),
		docFreq:  make(map[string]int),
		docLen:   make([]float64, len(docs)),
	}
	var totalLen float64
	for i, tokens := range docs {
		tf := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			tf[tok]++
		}
		idx.termFreq[i] = tf
		idx.docLen[i] = float64(len(tokens))
		totalLen += idx.docLen[i]
		for term := range tf {
			idx.docFreq[term]++
		}
	}
	if len(docs) > 0 {
		idx.avgLen = totalLen / float64(len(docs))
	}
	return idx
}

// score is Okapi BM25 for one document in this field, weighted by query
// term frequency.
func (f *fieldIndex) score(query map[string]int, doc int) float64 {
	if f.avgLen == 0 {
		return 0
	}
	n := float64(len(f.termFreq))
	dl := f.docLen[doc]
	var score float64
	for term, qf := range query {
		df := float64(f.docFreq[term])
		if df == 0 {
			continue
		}
		tf := float64(f.termFreq[doc][term])
		if tf == 0 {
			continue
		}
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		denom := tf + bm25K1*(1-bm25B+bm25B*dl/f.avgLen)
		score += idf * (tf * (bm25K1 + 1) / denom) * float64(qf)
	}
	return score
}

// BM25 ranks tools as a weighted sum of per-field BM25 scores over the
// name, description, required-parameter, and optional-parameter fields.
//
// Thread Safety: immutable after construction; safe for concurrent use.
type BM25 struct {
	tools []registry.Tool

	name     *fieldIndex
	desc     *fieldIndex
	required *fieldIndex
	optional *fieldIndex
}

// NewBM25 indexes the given catalog.
func NewBM25(tools []registry.Tool) *BM25 {
	nameDocs := make([][]string, len(tools))
	descDocs := make([][]string, len(tools))
	reqDocs := make([][]string, len(tools))
	optDocs := make([][]string, len(tools))

	for i, tool := range tools {
		nameDocs[i] = nameTokens(tool.Name)
		descDocs[i] = tokenize(tool.Description)
		reqDocs[i] = tokenize(strings.Join(tool.RequiredParams(), " "))
		optDocs[i] = tokenize(strings.Join(tool.OptionalParams(), " "))
	}

	return &BM25{
		tools:    tools,
		name:     newFieldIndex(nameDocs),
		desc:     newFieldIndex(descDocs),
		required: newFieldIndex(reqDocs),
		optional: newFieldIndex(optDocs),
	}
}

// Retrieve returns up to k tools with positive scores, best first.
func (b *BM25) Retrieve(_ context.Context, query string, k int) ([]registry.Tool, error) {
	if k <= 0 || len(b.tools) == 0 {
		return nil, nil
	}
	qTokens := tokenize(query)
	if len(qTokens) == 0 {
		return nil, nil
	}
	qCounts := make(map[string]int, len(qTokens))
	for _, tok := range qTokens {
		qCounts[tok]++
	}

	type scored struct {
		idx   int
		score float64
	}
	var results []scored

	for i := range b.tools {
		score := weightName*b.name.score(qCounts, i) +
			weightDesc*b.desc.score(qCounts, i) +
			weightRequired*b.required.score(qCounts, i) +
			weightOptional*b.optional.score(qCounts, i)
		if score > 0 {
			results = append(results, scored{idx: i, score: score})
		}
	}

	sort.SliceStable(results, func(a, c int) bool { return results[a].score > results[c].score })
	if len(results) > k {
		results = results[:k]
	}
	out := make([]registry.Tool, len(results))
	for i, r := range results {
		out[i] = b.tools[r.idx]
	}
	return out, nil
}

// tokenize lowercases and splits on non-alphanumeric runs.
func tokenize(s string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur.WriteRune(unicode.ToLower(r))
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// nameTokens builds the name-field document: the raw tokenized name
// plus its identifier split, so both "reportmaker" and "report"/"maker"
// match a camelCase or snake_case name.
func nameTokens(name string) []string {
	return append(tokenize(name), tokenize(splitIdentifier(name))...)
}

// splitIdentifier breaks snake_case, kebab-case, and camelCase into
// space-separated words.
func splitIdentifier(s string) string {
	var out strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if r == '_' || r == '-' {
			out.WriteRune(' ')
			continue
		}
		if i > 0 && unicode.IsUpper(r) &&
			(unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])) {
			out.WriteRune(' ')
		}
		out.WriteRune(r)
	}
	return out.String()
}
