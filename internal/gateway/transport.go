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
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/flowengine/internal/log"
	"github.com/tombee/flowengine/internal/tracing"
)

// Query parameters whose values are redacted from request logs. Matched
// case-insensitively as substrings.
var sensitiveParams = []string{"api_key", "apikey", "token", "password", "auth", "secret", "key", "credential"}

// RetryPolicy controls transport-level retries of idempotent requests.
type RetryPolicy struct {
	// Attempts is the number of retries after the first try. Zero disables retries.
	Attempts int

	// Backoff is the delay before the first retry; it doubles per attempt.
	Backoff time.Duration

	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration
}

func (p RetryPolicy) delay(retry int) time.Duration {
	d := p.Backoff << (retry - 1)
	if d <= 0 || (p.MaxBackoff > 0 && d > p.MaxBackoff) {
		d = p.MaxBackoff
	}
	// up to 20% jitter
	return d + time.Duration(rand.Float64()*0.2*float64(d))
}

// retryTransport retries GET, HEAD and OPTIONS requests that fail with a
// transient network error or a 408, 429 or 5xx status.
type retryTransport struct {
	base   http.RoundTripper
	policy RetryPolicy
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !idempotent(req.Method) {
		return t.base.RoundTrip(req)
	}

	var (
		resp *http.Response
		err  error
	)
	for attempt := 0; attempt <= t.policy.Attempts; attempt++ {
		if attempt > 0 {
			wait := t.policy.delay(attempt)
			if ra := retryAfter(resp); ra > 0 && ra < wait {
				wait = ra
			}
			if resp != nil {
				resp.Body.Close()
			}
			select {
			case <-time.After(wait):
			case <-req.Context().Done():
				return nil, req.Context().Err()
			}
			if req.GetBody != nil {
				body, berr := req.GetBody()
				if berr != nil {
					return nil, berr
				}
				req.Body = body
			}
		}

		resp, err = t.base.RoundTrip(req)
		if err != nil {
			if !transient(err) || attempt == t.policy.Attempts {
				return nil, err
			}
			continue
		}
		if !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
	}
	return resp, err
}

func idempotent(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "no such host", "network is unreachable", "eof"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// retryAfter reads the Retry-After header as seconds or an HTTP date.
func retryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(h); err == nil {
		return max(time.Until(at), 0)
	}
	return 0
}

// loggingTransport sets the User-Agent, propagates the trace context and
// logs every attempt with a redacted URL.
type loggingTransport struct {
	base      http.RoundTripper
	userAgent string
	logger    *slog.Logger
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" && t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	tracing.InjectHeaders(req.Context(), req.Header)

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	attrs := []any{
		slog.String("method", req.Method),
		slog.String("url", redactURL(req.URL)),
		log.Duration(time.Since(start).Milliseconds()),
	}

	if err != nil {
		t.logger.WarnContext(req.Context(), "http request failed", append(attrs, log.Error(err))...)
		return nil, err
	}
	level := slog.LevelDebug
	if resp.StatusCode >= 400 {
		level = slog.LevelWarn
	}
	t.logger.Log(req.Context(), level, "http request", append(attrs, slog.Int("status", resp.StatusCode))...)
	return resp, nil
}

func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	q := u.Query()
	for param := range q {
		lower := strings.ToLower(param)
		for _, s := range sensitiveParams {
			if strings.Contains(lower, s) {
				q.Set(param, "[REDACTED]")
				break
			}
		}
	}
	safe := *u
	safe.RawQuery = q.Encode()
	return safe.String()
}
