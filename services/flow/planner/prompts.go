// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package planner

import (
	"embed"
	"strings"
	"text/template"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

var promptTemplates = template.Must(template.ParseFS(promptFS, "prompts/*.tmpl"))

func renderPrompt(name string, data any) (string, error) {
	var b strings.Builder
	if err := promptTemplates.ExecuteTemplate(&b, name, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

func renderOptimizePrompt(task string) (string, error) {
	return renderPrompt("optimize.tmpl", struct{ Task string }{task})
}

func renderDraftPrompt(task string, toolSummaries []string) (string, error) {
	return renderPrompt("draft.tmpl", struct {
		Task  string
		Tools []string
	}{task, toolSummaries})
}

func renderConcretizePrompt(task, draft string, toolDescriptors []string) (string, error) {
	return renderPrompt("concretize.tmpl", struct {
		Task  string
		Draft string
		Tools []string
	}{task, draft, toolDescriptors})
}

func renderFixPrompt(prompt, offending, errMsg string) (string, error) {
	return renderPrompt("fix_json.tmpl", struct {
		Prompt    string
		Offending string
		Error     string
	}{prompt, offending, errMsg})
}
