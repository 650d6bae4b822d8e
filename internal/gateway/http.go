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

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/flowengine/internal/log"
	"github.com/tombee/flowengine/pkg/errors"
)

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	// Timeout applies when a request sets none (default: 30s).
	Timeout time.Duration

	// RateLimit is requests per second across all nodes. Zero is unlimited.
	RateLimit float64

	// Burst is the limiter bucket size (default: 1).
	Burst int

	// MaxResponseSize limits the response body (default: 10MB).
	MaxResponseSize int64

	// Retry retries idempotent requests on transient failures.
	Retry RetryPolicy

	// UserAgent is sent when a request sets none.
	UserAgent string

	// Logger receives one record per attempt (default: discard).
	Logger *slog.Logger

	// Transport overrides the underlying round tripper.
	Transport http.RoundTripper
}

// HTTPClient is the production HTTPDoer.
type HTTPClient struct {
	client          *http.Client
	limiter         *rate.Limiter
	timeout         time.Duration
	maxResponseSize int64
}

// NewHTTPClient creates an HTTPClient.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxResponseSize <= 0 {
		cfg.MaxResponseSize = 10 * 1024 * 1024
	}

	if cfg.Logger == nil {
		cfg.Logger = log.Discard()
	}
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}
	var transport http.RoundTripper = &loggingTransport{
		base:      cfg.Transport,
		userAgent: cfg.UserAgent,
		logger:    cfg.Logger,
	}
	if cfg.Retry.Attempts > 0 {
		transport = &retryTransport{base: transport, policy: cfg.Retry}
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	return &HTTPClient{
		client:          &http.Client{Transport: transport},
		limiter:         rate.NewLimiter(limit, cfg.Burst),
		timeout:         cfg.Timeout,
		maxResponseSize: cfg.MaxResponseSize,
	}
}

// Do sends req and decodes the response body as JSON when possible,
// falling back to the raw text.
func (c *HTTPClient) Do(ctx context.Context, req HTTPRequest) (*HTTPResponse, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	body, contentType, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, &errors.ValidationError{Field: "url", Message: err.Error()}
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &errors.TimeoutError{Operation: "http request", Duration: time.Since(start), Cause: err}
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if int64(len(raw)) > c.maxResponseSize {
		return nil, fmt.Errorf("response body exceeds %d bytes", c.maxResponseSize)
	}

	out := &HTTPResponse{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Headers:    make(map[string]string, len(resp.Header)),
	}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}
	if len(raw) > 0 {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			out.Data = decoded
		} else {
			out.Data = string(raw)
		}
	}
	return out, nil
}

func encodeBody(body any) (io.Reader, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		if b == "" {
			return nil, "", nil
		}
		return strings.NewReader(b), "", nil
	case []byte:
		return bytes.NewReader(b), "", nil
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("encoding request body: %w", err)
		}
		return bytes.NewReader(raw), "application/json", nil
	}
}
