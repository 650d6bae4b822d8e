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
	"context"
	"sync"
)

// Store persists queue jobs keyed by (job.Queue, job.ID). Several queue
// instances may share one Store; CompareAndSave is what keeps their
// writes from overwriting each other.
type Store interface {
	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// CompareAndSave writes job only if the stored copy's Version equals
	// expected. An expected version of 0 requires that no copy exists.
	// job.Version already holds the new version. It reports whether the
	// write happened.
	CompareAndSave(ctx context.Context, job *Job, expected int64) (bool, error)

	// Delete removes a job. Deleting a missing job is not an error.
	Delete(ctx context.Context, queue, id string) error

	// Load returns every job stored for queue.
	Load(ctx context.Context, queue string) ([]*Job, error)
}

// MemoryStore is a process-local Store. Jobs do not survive a restart.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]map[string]*Job
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]map[string]*Job)}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) CompareAndSave(_ context.Context, job *Job, expected int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.jobs[job.Queue]
	if !ok {
		q = make(map[string]*Job)
		s.jobs[job.Queue] = q
	}

	current, exists := q[job.ID]
	switch {
	case !exists && expected != 0:
		return false, nil
	case exists && (expected == 0 || current.Version != expected):
		return false, nil
	}
	q[job.ID] = job.clone()
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, queue, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs[queue], id)
	return nil
}

func (s *MemoryStore) Load(_ context.Context, queue string) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Job, 0, len(s.jobs[queue]))
	for _, job := range s.jobs[queue] {
		out = append(out, job.clone())
	}
	return out, nil
}
