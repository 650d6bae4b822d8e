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

package errors

// ErrorClassifier defines methods for programmatic error handling.
// The job queue consults IsRetryable to decide whether a failed job
// may spend another attempt.
type ErrorClassifier interface {
	error

	// ErrorType returns a string identifying the error category.
	// Examples: "validation", "not_found", "timeout", "queue"
	ErrorType() string

	// IsRetryable returns true if the operation should be retried.
	IsRetryable() bool
}

// IsRetryable reports whether err may be retried. Errors that do not
// implement ErrorClassifier anywhere in their chain are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var classifier ErrorClassifier
	if As(err, &classifier) {
		return classifier.IsRetryable()
	}
	return true
}

// TypeOf returns the ErrorType of the first classifier in err's chain,
// or "internal" when none is present.
func TypeOf(err error) string {
	var classifier ErrorClassifier
	if As(err, &classifier) {
		return classifier.ErrorType()
	}
	return "internal"
}
