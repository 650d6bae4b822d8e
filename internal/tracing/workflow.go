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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span names.
const (
	SpanWorkflowExecute = "workflow.execute"
	SpanNodeExecute     = "node.execute"
)

// Span wraps an OpenTelemetry span with engine-specific helpers. A nil Span
// is valid and does nothing.
type Span struct {
	span trace.Span
}

// StartWorkflow starts the span covering one workflow job attempt.
func StartWorkflow(ctx context.Context, tracer trace.Tracer, executionID, workflowID string, attempt int) (context.Context, *Span) {
	ctx, span := tracer.Start(ctx, SpanWorkflowExecute,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("execution.id", executionID),
			attribute.String("workflow.id", workflowID),
			attribute.Int("job.attempt", attempt),
		),
	)
	return ctx, &Span{span: span}
}

// StartNode starts the span covering one node job.
func StartNode(ctx context.Context, tracer trace.Tracer, executionID, nodeID, nodeType string) (context.Context, *Span) {
	ctx, span := tracer.Start(ctx, SpanNodeExecute,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("execution.id", executionID),
			attribute.String("node.id", nodeID),
			attribute.String("node.type", nodeType),
		),
	)
	return ctx, &Span{span: span}
}

// SetAttributes adds attributes to the span.
func (s *Span) SetAttributes(kv ...attribute.KeyValue) {
	if s == nil || s.span == nil {
		return
	}
	s.span.SetAttributes(kv...)
}

// RecordError records err and marks the span failed.
func (s *Span) RecordError(err error) {
	if s == nil || s.span == nil || err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// Fail marks the span failed without an error value.
func (s *Span) Fail(message string) {
	if s == nil || s.span == nil {
		return
	}
	s.span.SetStatus(codes.Error, message)
}

// End marks the span complete.
func (s *Span) End() {
	if s == nil || s.span == nil {
		return
	}
	s.span.End()
}

// TraceID returns the trace ID as a string.
func (s *Span) TraceID() string {
	if s == nil || s.span == nil {
		return ""
	}
	return s.span.SpanContext().TraceID().String()
}
