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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// invokeRequest is the tool gateway wire format.
type invokeRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// NewHTTPInvoker returns an Invoker that POSTs tool calls to a gateway
// at {baseURL}/invoke. The gateway responds with the tool result as
// JSON; a non-JSON body is returned as a plain string.
func NewHTTPInvoker(baseURL string, timeout time.Duration) Invoker {
	client := &http.Client{Timeout: timeout}
	endpoint := strings.TrimRight(baseURL, "/") + "/invoke"

	return func(ctx context.Context, name string, args map[string]any) (any, error) {
		body, err := json.Marshal(invokeRequest{Name: name, Arguments: args})
		if err != nil {
			return nil, fmt.Errorf("encode tool request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("invoke %s: %w", name, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		if err != nil {
			return nil, fmt.Errorf("read %s response: %w", name, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("invoke %s: gateway returned %d: %s",
				name, resp.StatusCode, strings.TrimSpace(string(data)))
		}

		var result any
		if err := json.Unmarshal(data, &result); err != nil {
			return string(data), nil
		}
		return result, nil
	}
}
