// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalogJSON = `{
  "tools": [
    {
      "name": "tavily-search",
      "description": "Web search",
      "input_schema": {
        "type": "object",
        "properties": {
          "query": {"type": "string", "description": "search query"},
          "max_results": {"type": "integer", "description": "result cap"}
        },
        "required": ["query"]
      }
    },
    {
      "name": "fetch-url",
      "description": "Fetch a web page",
      "input_schema": {
        "type": "object",
        "properties": {
          "url": {"type": "string", "description": "page url"}
        },
        "required": ["url"]
      }
    }
  ]
}`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tools.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_WrapperForm(t *testing.T) {
	r, err := Load(writeCatalog(t, catalogJSON), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"tavily-search", "fetch-url"}, r.Names())
	assert.True(t, r.Has("tavily-search"))
	assert.False(t, r.Has("nope"))

	tool, ok := r.Schema("tavily-search")
	require.True(t, ok)
	assert.Equal(t, []string{"query"}, tool.RequiredParams())
	assert.Equal(t, []string{"max_results"}, tool.OptionalParams())
}

func TestLoad_BareArrayForm(t *testing.T) {
	r, err := Load(writeCatalog(t, `[{"name":"a","description":"d"}]`), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, r.Names())
}

func TestLoad_RejectsEmptyName(t *testing.T) {
	_, err := Load(writeCatalog(t, `[{"name":"","description":"d"}]`), nil)
	assert.Error(t, err)
}

func TestReload_SwapsCatalog(t *testing.T) {
	path := writeCatalog(t, catalogJSON)
	r, err := Load(path, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`[{"name":"only","description":"d"}]`), 0o644))
	require.NoError(t, r.Reload())
	assert.Equal(t, []string{"only"}, r.Names())
}

func TestInvoke(t *testing.T) {
	calls := 0
	invoker := func(ctx context.Context, name string, args map[string]any) (any, error) {
		calls++
		if name == "fetch-url" {
			return nil, errors.New("connection refused")
		}
		return map[string]any{"echo": args["query"]}, nil
	}
	r, err := Load(writeCatalog(t, catalogJSON), invoker)
	require.NoError(t, err)

	out, err := r.Invoke(context.Background(), "tavily-search", map[string]any{"query": "go"})
	require.NoError(t, err)
	assert.Equal(t, "go", out.(map[string]any)["echo"])

	_, err = r.Invoke(context.Background(), "fetch-url", nil)
	assert.Error(t, err)

	_, err = r.Invoke(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)
	assert.Equal(t, 2, calls)
}

func TestInvoke_NoInvoker(t *testing.T) {
	r, err := Load(writeCatalog(t, catalogJSON), nil)
	require.NoError(t, err)
	_, err = r.Invoke(context.Background(), "tavily-search", nil)
	assert.ErrorIs(t, err, ErrNoInvoker)
}

func TestDescribe(t *testing.T) {
	r, err := Load(writeCatalog(t, catalogJSON), nil)
	require.NoError(t, err)
	tool, _ := r.Schema("tavily-search")
	desc := tool.Describe()
	assert.Contains(t, desc, "Tool: tavily-search")
	assert.Contains(t, desc, "query (string, required): search query")
	assert.Contains(t, desc, "max_results (integer, optional): result cap")
}

func enumTool() Tool {
	return Tool{
		Name:        "image-convert",
		Description: "Convert an image between formats",
		InputSchema: Schema{
			Type: "object",
			Properties: map[string]Property{
				"path":   {Type: "string", Description: "input file"},
				"format": {Type: "string", Description: "output format", Enum: []string{"png", "jpeg", "webp"}},
			},
			Required: []string{"path", "format"},
		},
	}
}

func TestDescribe_EnumValues(t *testing.T) {
	desc := enumTool().Describe()
	assert.Contains(t, desc, "format (string, required) [one of: png, jpeg, webp]: output format")
}

func TestSummarize(t *testing.T) {
	sum := enumTool().Summarize()
	assert.Contains(t, sum, "image-convert: Convert an image between formats")
	assert.Contains(t, sum, "path (string, required): input file")
	assert.Contains(t, sum, "format (string, required) [one of: png, jpeg, webp]: output format")

	// enum constraints survive schema serialization for guard prompts
	data, err := json.Marshal(enumTool().InputSchema)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"enum":["png","jpeg","webp"]`)
}

func TestSummarize_NoProperties(t *testing.T) {
	sum := Tool{Name: "ping", Description: "Check liveness"}.Summarize()
	assert.Equal(t, "ping: Check liveness", sum)
}
