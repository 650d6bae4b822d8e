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

package execution

import (
	"context"
	"sync"
)

// Store is the process-local table of in-flight execution contexts.
type Store struct {
	mu       sync.RWMutex
	contexts map[string]*Context
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{contexts: make(map[string]*Context)}
}

// Put registers c under its execution id.
func (s *Store) Put(c *Context) {
	s.mu.Lock()
	s.contexts[c.ExecutionID] = c
	s.mu.Unlock()
}

// Get returns the context for id, if it is still in flight.
func (s *Store) Get(id string) (*Context, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contexts[id]
	return c, ok
}

// Delete tears down the context for id.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.contexts, id)
	s.mu.Unlock()
}

// Len returns the number of in-flight contexts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contexts)
}

// LogSink durably records execution logs so they survive context teardown.
type LogSink interface {
	Append(ctx context.Context, executionID string, entries ...LogEntry) error
	List(ctx context.Context, executionID string) ([]LogEntry, error)
}

// MemoryLogSink is a LogSink that keeps entries in process memory.
type MemoryLogSink struct {
	mu   sync.RWMutex
	logs map[string][]LogEntry
}

// NewMemoryLogSink creates an empty MemoryLogSink.
func NewMemoryLogSink() *MemoryLogSink {
	return &MemoryLogSink{logs: make(map[string][]LogEntry)}
}

// Append implements LogSink.
func (m *MemoryLogSink) Append(_ context.Context, executionID string, entries ...LogEntry) error {
	m.mu.Lock()
	m.logs[executionID] = append(m.logs[executionID], entries...)
	m.mu.Unlock()
	return nil
}

// List implements LogSink.
func (m *MemoryLogSink) List(_ context.Context, executionID string) ([]LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.logs[executionID]
	out := make([]LogEntry, len(src))
	copy(out, src)
	return out, nil
}
