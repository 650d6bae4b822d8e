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

package action

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tombee/flowengine/internal/execution"
	"github.com/tombee/flowengine/internal/gateway"
	"github.com/tombee/flowengine/internal/processor"
)

// DatabaseSaveConfig configures a database_save node.
type DatabaseSaveConfig struct {
	Table     string         `json:"table"`
	Operation string         `json:"operation"`
	Data      map[string]any `json:"data"`
	// Key names the field of Data holding the record id (default "id").
	Key string `json:"key,omitempty"`
}

func (c DatabaseSaveConfig) id() string {
	key := c.Key
	if key == "" {
		key = "id"
	}
	switch v := c.Data[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// DatabaseSave writes a record through a RecordStore.
type DatabaseSave struct {
	Store gateway.RecordStore
}

func (*DatabaseSave) NodeType() string { return TypeDatabaseSave }

func (*DatabaseSave) Validate(raw json.RawMessage) bool {
	return processor.ValidateWith(func(c DatabaseSaveConfig) bool {
		return strings.TrimSpace(c.Table) != "" &&
			processor.OneOf(c.Operation, gateway.OpInsert, gateway.OpUpdate, gateway.OpDelete, gateway.OpUpsert) &&
			c.Data != nil
	})(raw)
}

func (p *DatabaseSave) Process(ctx context.Context, job *processor.Job) (*execution.NodeResult, error) {
	cfg, err := processor.Decode[DatabaseSaveConfig](job.Config)
	if err != nil {
		return nil, err
	}
	if p.Store == nil {
		return nil, fmt.Errorf("no record store configured")
	}

	id := cfg.id()
	if id == "" && (cfg.Operation == gateway.OpUpdate || cfg.Operation == gateway.OpDelete) {
		return execution.Failed(fmt.Sprintf("%s requires data.%s", cfg.Operation, keyOrID(cfg.Key))), nil
	}

	res, err := p.Store.Write(ctx, gateway.RecordWrite{
		Table:     cfg.Table,
		Operation: cfg.Operation,
		ID:        id,
		Data:      cfg.Data,
	})
	if err != nil {
		return nil, err
	}
	return execution.Succeeded(res), nil
}

func keyOrID(key string) string {
	if key == "" {
		return "id"
	}
	return key
}
