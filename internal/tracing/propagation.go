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


package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/propagation"
)

var propagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// InjectHeaders writes the W3C trace context of ctx into h so that
// downstream services can join the node's trace.
func InjectHeaders(ctx context.Context, h http.Header) {
	propagator.Inject(ctx, propagation.HeaderCarrier(h))
}

// ExtractHeaders returns ctx carrying the trace context found in h.
func ExtractHeaders(ctx context.Context, h http.Header) context.Context {
	return propagator.Extract(ctx, propagation.HeaderCarrier(h))
}

// ExtractTriggerHeaders continues the trace of the request that fired a
// webhook trigger. headers is the trigger data's "headers" object whose
// values are strings or lists of strings.
func ExtractTriggerHeaders(ctx context.Context, headers any) context.Context {
	m, ok := headers.(map[string]any)
	if !ok || len(m) == 0 {
		return ctx
	}

	h := make(http.Header, len(m))
	for k, v := range m {
		switch v := v.(type) {
		case string:
			h.Add(k, v)
		case []string:
			for _, item := range v {
				h.Add(k, item)
			}
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					h.Add(k, s)
				}
			}
		}
	}
	return ExtractHeaders(ctx, h)
}
