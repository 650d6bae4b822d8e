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

package errors_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	flowerrors "github.com/tombee/flowengine/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *flowerrors.ValidationError
		wantMsg string
	}{
		{
			name:    "with field",
			err:     &flowerrors.ValidationError{Field: "url", Message: "required field is missing"},
			wantMsg: "validation failed on url: required field is missing",
		},
		{
			name:    "without field",
			err:     &flowerrors.ValidationError{Message: "invalid format"},
			wantMsg: "validation failed: invalid format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestNotFoundError_Error(t *testing.T) {
	err := &flowerrors.NotFoundError{Resource: "workflow", ID: "wf-1"}
	if got := err.Error(); got != "workflow not found: wf-1" {
		t.Errorf("NotFoundError.Error() = %q", got)
	}
}

func TestConfigError_Unwrap(t *testing.T) {
	cause := errors.New("disk on fire")
	err := &flowerrors.ConfigError{Key: "queue.sqlite.path", Reason: "cannot open", Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("expected ConfigError to unwrap to its cause")
	}
	want := "config error at queue.sqlite.path: cannot open: disk on fire"
	if got := err.Error(); got != want {
		t.Errorf("ConfigError.Error() = %q, want %q", got, want)
	}
}

func TestQueueError(t *testing.T) {
	cause := errors.New("connection refused")
	err := &flowerrors.QueueError{Queue: "node-execution", Op: "ping", Cause: cause}

	if got := err.Error(); got != "queue node-execution: ping failed: connection refused" {
		t.Errorf("QueueError.Error() = %q", got)
	}
	if !flowerrors.IsRetryable(err) {
		t.Error("queue errors should be retryable")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), true},
		{"validation", &flowerrors.ValidationError{Message: "bad"}, false},
		{"wrapped not found", fmt.Errorf("loading: %w", &flowerrors.NotFoundError{Resource: "workflow", ID: "x"}), false},
		{"timeout", &flowerrors.TimeoutError{Operation: "http", Duration: time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := flowerrors.IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTypeOf(t *testing.T) {
	if got := flowerrors.TypeOf(errors.New("x")); got != "internal" {
		t.Errorf("TypeOf(plain) = %q, want internal", got)
	}
	if got := flowerrors.TypeOf(flowerrors.Wrap(&flowerrors.ValidationError{Message: "m"}, "ctx")); got != "validation" {
		t.Errorf("TypeOf(wrapped validation) = %q", got)
	}
}
