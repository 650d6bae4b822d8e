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

package repository

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// MemoryRepository holds definitions in process memory.
type MemoryRepository struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewMemoryRepository creates a repository seeded with defs.
func NewMemoryRepository(defs ...*Definition) *MemoryRepository {
	r := &MemoryRepository{defs: make(map[string]*Definition)}
	for _, d := range defs {
		r.defs[d.ID] = d
	}
	return r
}

// Put stores or replaces a definition after validating it.
func (r *MemoryRepository) Put(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.defs[def.ID] = def
	r.mu.Unlock()
	return nil
}

// Delete removes a definition.
func (r *MemoryRepository) Delete(id string) {
	r.mu.Lock()
	delete(r.defs, id)
	r.mu.Unlock()
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	if !ok {
		return nil, notFound(id)
	}
	return def, nil
}

// List returns all definitions ordered by id.
func (r *MemoryRepository) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b *Definition) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// replace swaps the whole set atomically.
func (r *MemoryRepository) replace(defs map[string]*Definition) {
	r.mu.Lock()
	r.defs = defs
	r.mu.Unlock()
}
