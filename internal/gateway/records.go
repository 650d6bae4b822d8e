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
	"fmt"
	"maps"
	"sync"

	"github.com/google/uuid"
)

// Record operations.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
	OpUpsert = "upsert"
)

// RecordWrite is one write against a table.
type RecordWrite struct {
	Table     string
	Operation string
	// ID identifies the record. Inserts without an ID get a generated one.
	ID   string
	Data map[string]any
}

// RecordResult reports the outcome of a RecordWrite.
type RecordResult struct {
	Table     string `json:"table"`
	Operation string `json:"operation"`
	ID        string `json:"id"`
	Affected  int    `json:"affected"`
}

// RecordStore applies record writes.
type RecordStore interface {
	Write(ctx context.Context, w RecordWrite) (*RecordResult, error)
	Get(ctx context.Context, table, id string) (map[string]any, bool, error)
}

// ErrDuplicateRecord is returned when inserting an existing id.
var ErrDuplicateRecord = fmt.Errorf("record already exists")

// MemoryRecordStore keeps records in process memory.
type MemoryRecordStore struct {
	mu     sync.RWMutex
	tables map[string]map[string]map[string]any
}

// NewMemoryRecordStore creates an empty MemoryRecordStore.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{tables: make(map[string]map[string]map[string]any)}
}

func (s *MemoryRecordStore) Write(ctx context.Context, w RecordWrite) (*RecordResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	table := s.tables[w.Table]
	if table == nil {
		table = make(map[string]map[string]any)
		s.tables[w.Table] = table
	}

	res := &RecordResult{Table: w.Table, Operation: w.Operation, ID: w.ID}
	switch w.Operation {
	case OpInsert:
		if res.ID == "" {
			res.ID = uuid.NewString()
		}
		if _, exists := table[res.ID]; exists {
			return nil, fmt.Errorf("%s %s: %w", w.Table, res.ID, ErrDuplicateRecord)
		}
		table[res.ID] = maps.Clone(w.Data)
		res.Affected = 1
	case OpUpsert:
		if res.ID == "" {
			res.ID = uuid.NewString()
		}
		table[res.ID] = maps.Clone(w.Data)
		res.Affected = 1
	case OpUpdate:
		if existing, ok := table[res.ID]; ok {
			maps.Copy(existing, w.Data)
			res.Affected = 1
		}
	case OpDelete:
		if _, ok := table[res.ID]; ok {
			delete(table, res.ID)
			res.Affected = 1
		}
	default:
		return nil, fmt.Errorf("unsupported record operation %q", w.Operation)
	}
	return res, nil
}

func (s *MemoryRecordStore) Get(_ context.Context, table, id string) (map[string]any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tables[table][id]
	return maps.Clone(rec), ok, nil
}
