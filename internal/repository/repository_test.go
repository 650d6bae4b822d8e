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
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flowengine/pkg/errors"
)

const sampleYAML = `
id: wf-1
name: Sample
nodes:
  - id: n1
    type: manual_trigger
  - id: n2
    type: http_request
    data:
      label: Fetch
      config:
        url: https://example.com
        method: GET
edges:
  - source: n1
    target: n2
`

func TestParse(t *testing.T) {
	def, err := Parse([]byte(sampleYAML), "yaml")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", def.ID)
	require.Len(t, def.Nodes, 2)
	assert.Equal(t, "Fetch", def.Nodes[1].Data.Label)

	raw, err := def.Nodes[1].RawConfig()
	require.NoError(t, err)
	var cfg map[string]any
	require.NoError(t, json.Unmarshal(raw, &cfg))
	assert.Equal(t, "GET", cfg["method"])

	raw, err = def.Nodes[0].RawConfig()
	require.NoError(t, err)
	assert.Nil(t, raw)

	jsonDef := `{"id":"wf-2","nodes":[{"id":"a","type":"manual_trigger"}],"edges":[]}`
	def, err = Parse([]byte(jsonDef), ".json")
	require.NoError(t, err)
	assert.Equal(t, "wf-2", def.ID)

	_, err = Parse([]byte(jsonDef), "toml")
	assert.Error(t, err)
}

func TestDefinition_Validate(t *testing.T) {
	tests := []struct {
		name  string
		def   Definition
		field string
	}{
		{name: "missing id", def: Definition{}, field: "id"},
		{
			name:  "missing node id",
			def:   Definition{ID: "w", Nodes: []Node{{Type: "manual_trigger"}}},
			field: "nodes[0].id",
		},
		{
			name:  "duplicate node",
			def:   Definition{ID: "w", Nodes: []Node{{ID: "a", Type: "x"}, {ID: "a", Type: "y"}}},
			field: "nodes[1].id",
		},
		{
			name:  "missing type",
			def:   Definition{ID: "w", Nodes: []Node{{ID: "a"}}},
			field: "nodes[0].type",
		},
		{
			name: "dangling edge",
			def: Definition{
				ID:    "w",
				Nodes: []Node{{ID: "a", Type: "x"}},
				Edges: []Edge{{Source: "a", Target: "b"}},
			},
			field: "edges[0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			var verr *errors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestMemoryRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(&Definition{ID: "b", Nodes: []Node{{ID: "n", Type: "manual_trigger"}}})

	require.NoError(t, repo.Put(&Definition{ID: "a"}))
	assert.Error(t, repo.Put(&Definition{}))

	def, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", def.ID)

	list := repo.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)

	repo.Delete("a")
	_, err = repo.Get(ctx, "a")
	var nf *errors.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "workflow", nf.Resource)
	assert.Equal(t, "a", nf.ID)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestFileRepository_Load(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "one.yaml", sampleYAML)
	writeFile(t, dir, "two.json", `{"id":"wf-2","nodes":[{"id":"a","type":"manual_trigger"}]}`)
	writeFile(t, dir, "notes.txt", "ignored")

	repo, err := NewFileRepository(dir, nil)
	require.NoError(t, err)
	defer repo.Close()

	assert.Len(t, repo.List(), 2)
	_, err = repo.Get(context.Background(), "wf-2")
	assert.NoError(t, err)
}

func TestFileRepository_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "one.yaml", sampleYAML)
	writeFile(t, dir, "bad.yaml", "id: [unterminated")

	_, err := NewFileRepository(dir, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.yaml")

	defs, err := LoadDir(dir)
	require.Error(t, err)
	assert.Len(t, defs, 1)
}

func TestFileRepository_DuplicateID(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", sampleYAML)
	writeFile(t, dir, "b.yaml", sampleYAML)

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already defined")
}

func TestFileRepository_Watch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "one.yaml", sampleYAML)

	repo, err := NewFileRepository(dir, nil)
	require.NoError(t, err)
	defer repo.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, repo.Watch(ctx))
	assert.Error(t, repo.Watch(ctx))

	writeFile(t, dir, "two.yaml", "id: wf-3\nnodes:\n  - id: t\n    type: manual_trigger\n")

	assert.Eventually(t, func() bool {
		_, err := repo.Get(context.Background(), "wf-3")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	// a broken edit keeps the last good definition
	writeFile(t, dir, "two.yaml", "id: [")
	time.Sleep(3 * reloadDebounce)
	_, err = repo.Get(context.Background(), "wf-3")
	assert.NoError(t, err)

	require.NoError(t, repo.Close())
	require.NoError(t, repo.Close())
}
