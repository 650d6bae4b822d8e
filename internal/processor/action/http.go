// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package action

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tombee/flowengine/internal/execution"
	"github.com/tombee/flowengine/internal/gateway"
	"github.com/tombee/flowengine/internal/processor"
)

// DefaultHTTPTimeout is used when an http_request node sets no timeout.
const DefaultHTTPTimeout = 30000

// HTTPMethods are the methods an http_request node may use.
var HTTPMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}

// HTTPRequestConfig configures an http_request node.
type HTTPRequestConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
	// Timeout is in milliseconds.
	Timeout int64 `json:"timeout,omitempty"`
}

func (c HTTPRequestConfig) method() string {
	if c.Method == "" {
		return "GET"
	}
	return strings.ToUpper(c.Method)
}

func (c HTTPRequestConfig) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultHTTPTimeout * time.Millisecond
	}
	return time.Duration(c.Timeout) * time.Millisecond
}

// HTTPRequest issues an outbound HTTP call.
type HTTPRequest struct {
	Client gateway.HTTPDoer
}

func (*HTTPRequest) NodeType() string { return TypeHTTPRequest }

func (*HTTPRequest) Validate(raw json.RawMessage) bool {
	return processor.ValidateWith(func(c HTTPRequestConfig) bool {
		return strings.TrimSpace(c.URL) != "" &&
			processor.OneOf(c.method(), HTTPMethods...) &&
			c.Timeout >= 0
	})(raw)
}

func (p *HTTPRequest) Process(ctx context.Context, job *processor.Job) (*execution.NodeResult, error) {
	cfg, err := processor.Decode[HTTPRequestConfig](job.Config)
	if err != nil {
		return nil, err
	}
	if p.Client == nil {
		return nil, fmt.Errorf("no HTTP client configured")
	}

	start := time.Now()
	resp, err := p.Client.Do(ctx, gateway.HTTPRequest{
		Method:  cfg.method(),
		URL:     cfg.URL,
		Headers: cfg.Headers,
		Body:    cfg.Body,
		Timeout: cfg.timeout(),
	})
	if err != nil {
		return nil, err
	}

	job.Log().Debug("http request finished",
		slog.String("method", cfg.method()),
		slog.Int("status", resp.Status),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	if resp.Status >= 400 {
		return &execution.NodeResult{
			Success: false,
			Data:    resp,
			Error:   fmt.Sprintf("HTTP %d %s", resp.Status, resp.StatusText),
		}, nil
	}
	return execution.Succeeded(resp), nil
}
