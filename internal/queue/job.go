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

package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tombee/flowengine/pkg/errors"
)

// State is the lifecycle state of a job inside a queue.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// BackoffType selects how the retry delay grows between attempts.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Priority bounds. Higher values are dequeued first.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// Backoff is a retry delay policy.
type Backoff struct {
	Type  BackoffType   `json:"type" yaml:"type"`
	Delay time.Duration `json:"delay" yaml:"delay"`
}

// Duration returns the delay before the next attempt, given how many
// attempts have already failed.
func (b Backoff) Duration(attemptsMade int) time.Duration {
	if b.Delay <= 0 || attemptsMade <= 0 {
		return 0
	}
	if b.Type != BackoffExponential {
		return b.Delay
	}
	shift := attemptsMade - 1
	if shift > 30 {
		shift = 30
	}
	return b.Delay * time.Duration(1<<shift)
}

// Options are per-job settings. Zero values fall back to the queue's
// DefaultJobOptions.
type Options struct {
	// Priority is 1-10, 10 highest.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`

	// Delay postpones the first attempt.
	Delay time.Duration `json:"delay,omitempty" yaml:"delay,omitempty"`

	// Attempts is the total number of tries, including the first.
	Attempts int `json:"attempts,omitempty" yaml:"attempts"`

	// Backoff is applied between failed attempts.
	Backoff *Backoff `json:"backoff,omitempty" yaml:"backoff,omitempty"`
}

// merge fills zero fields of o from defaults.
func (o Options) merge(defaults Options) Options {
	if o.Priority == 0 {
		o.Priority = defaults.Priority
	}
	if o.Priority == 0 {
		o.Priority = DefaultPriority
	}
	if o.Attempts <= 0 {
		o.Attempts = defaults.Attempts
	}
	if o.Attempts <= 0 {
		o.Attempts = 1
	}
	if o.Backoff == nil && defaults.Backoff != nil {
		b := *defaults.Backoff
		o.Backoff = &b
	}
	return o
}

// validate checks the caller-supplied options.
func (o Options) validate() error {
	if o.Priority != 0 && (o.Priority < MinPriority || o.Priority > MaxPriority) {
		return &errors.ValidationError{
			Field:      "priority",
			Message:    fmt.Sprintf("priority %d out of range", o.Priority),
			Suggestion: fmt.Sprintf("use a value between %d and %d", MinPriority, MaxPriority),
		}
	}
	if o.Delay < 0 {
		return &errors.ValidationError{Field: "delay", Message: "delay must not be negative"}
	}
	if o.Backoff != nil {
		if o.Backoff.Type != BackoffFixed && o.Backoff.Type != BackoffExponential {
			return &errors.ValidationError{
				Field:      "backoff.type",
				Message:    fmt.Sprintf("unknown backoff type %q", o.Backoff.Type),
				Suggestion: "use fixed or exponential",
			}
		}
		if o.Backoff.Delay < 0 {
			return &errors.ValidationError{Field: "backoff.delay", Message: "backoff delay must not be negative"}
		}
	}
	return nil
}

// Job is a unit of queued work. Its Data is the only wire format between
// producers and consumers; decoders must tolerate unknown fields.
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Queue        string          `json:"queue"`
	Data         json.RawMessage `json:"data"`
	Opts         Options         `json:"opts"`
	State        State           `json:"state"`
	AttemptsMade int             `json:"attemptsMade"`
	Seq          uint64          `json:"seq"`
	CreatedAt    time.Time       `json:"createdAt"`
	RunAt        time.Time       `json:"runAt,omitempty"`
	ProcessedAt  *time.Time      `json:"processedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
	ReturnValue  json.RawMessage `json:"returnValue,omitempty"`

	// Version increases on every stored write and guards CompareAndSave.
	Version int64 `json:"version,omitempty"`

	// Owner and LockedUntil identify the queue instance processing an
	// active job and how long its claim lasts without renewal.
	Owner       string     `json:"owner,omitempty"`
	LockedUntil *time.Time `json:"lockedUntil,omitempty"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Data, v); err != nil {
		return errors.Wrapf(err, "decoding job %s payload", j.ID)
	}
	return nil
}

// clone returns a deep-enough copy for handing to callers.
func (j *Job) clone() *Job {
	c := *j
	c.Data = append(json.RawMessage(nil), j.Data...)
	c.ReturnValue = append(json.RawMessage(nil), j.ReturnValue...)
	if j.Opts.Backoff != nil {
		b := *j.Opts.Backoff
		c.Opts.Backoff = &b
	}
	if j.ProcessedAt != nil {
		t := *j.ProcessedAt
		c.ProcessedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	if j.LockedUntil != nil {
		t := *j.LockedUntil
		c.LockedUntil = &t
	}
	return &c
}

// Counts is a snapshot of how many jobs a queue holds per state.
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}
