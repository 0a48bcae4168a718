// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	_ "embed"

	"gopkg.in/yaml.v3"
)

//go:embed failure_patterns.yaml
var failurePatternsYAML []byte

type failurePatternFile struct {
	Patterns []string `yaml:"patterns"`
}

// defaultFailurePatterns returns the embedded seed list. The embedded
// file is part of the build, so a parse failure is a programming error
// and panics at startup.
func defaultFailurePatterns() []string {
	var f failurePatternFile
	if err := yaml.Unmarshal(failurePatternsYAML, &f); err != nil {
		panic("config: embedded failure_patterns.yaml is invalid: " + err.Error())
	}
	return f.Patterns
}
