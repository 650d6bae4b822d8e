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

// Package repository provides workflow definitions to the engine.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tombee/flowengine/pkg/errors"
)

// Definition is a stored workflow: nodes and the edges between them.
type Definition struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges,omitempty" yaml:"edges,omitempty"`
}

// Node is one step of a workflow.
type Node struct {
	ID   string   `json:"id" yaml:"id"`
	Type string   `json:"type" yaml:"type"`
	Data NodeData `json:"data" yaml:"data"`
}

// NodeData carries the node's processor configuration.
type NodeData struct {
	Label  string         `json:"label,omitempty" yaml:"label,omitempty"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// RawConfig returns the node config as JSON, or nil when unset.
func (n Node) RawConfig() (json.RawMessage, error) {
	if n.Data.Config == nil {
		return nil, nil
	}
	raw, err := json.Marshal(n.Data.Config)
	if err != nil {
		return nil, fmt.Errorf("node %s: encoding config: %w", n.ID, err)
	}
	return raw, nil
}

// Edge connects two nodes. SourceHandle names the branch label a condition
// node selects, such as "true" or "valid".
type Edge struct {
	ID           string `json:"id,omitempty" yaml:"id,omitempty"`
	Source       string `json:"source" yaml:"source"`
	Target       string `json:"target" yaml:"target"`
	SourceHandle string `json:"sourceHandle,omitempty" yaml:"source_handle,omitempty"`
}

// Validate checks structural integrity: ids present and unique, edges
// pointing at known nodes. Node types are checked by the engine.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return &errors.ValidationError{Field: "id", Message: "workflow id is required"}
	}

	seen := make(map[string]bool, len(d.Nodes))
	for i, n := range d.Nodes {
		if n.ID == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("nodes[%d].id", i),
				Message: "node id is required",
			}
		}
		if seen[n.ID] {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("nodes[%d].id", i),
				Message: fmt.Sprintf("duplicate node id %q", n.ID),
			}
		}
		if n.Type == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("nodes[%d].type", i),
				Message: fmt.Sprintf("node %q has no type", n.ID),
			}
		}
		seen[n.ID] = true
	}

	for i, e := range d.Edges {
		if !seen[e.Source] || !seen[e.Target] {
			return &errors.ValidationError{
				Field:      fmt.Sprintf("edges[%d]", i),
				Message:    fmt.Sprintf("edge %s -> %s references an unknown node", e.Source, e.Target),
				Suggestion: "check that source and target match node ids",
			}
		}
	}
	return nil
}

// Parse decodes a definition from YAML or JSON, chosen by format ("json",
// "yaml" or "yml"), and validates it.
func Parse(data []byte, format string) (*Definition, error) {
	var def Definition
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "json":
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported definition format %q", format)
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Repository looks up workflow definitions. Get returns a
// *errors.NotFoundError when the workflow does not exist.
type Repository interface {
	Get(ctx context.Context, workflowID string) (*Definition, error)
}

func notFound(id string) error {
	return &errors.NotFoundError{Resource: "workflow", ID: id}
}
