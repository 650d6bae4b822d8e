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

package utility

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/tombee/flowengine/internal/execution"
	"github.com/tombee/flowengine/internal/expression"
	"github.com/tombee/flowengine/internal/jq"
	"github.com/tombee/flowengine/internal/processor"
	"github.com/tombee/flowengine/internal/processor/condition"
)

// Transform operations.
const (
	OpMap    = "map"
	OpFilter = "filter"
	OpReduce = "reduce"
	OpSort   = "sort"
)

// Reducers.
const (
	ReduceSum    = "sum"
	ReduceCount  = "count"
	ReduceAvg    = "avg"
	ReduceMin    = "min"
	ReduceMax    = "max"
	ReduceConcat = "concat"
)

// Reducer configures a reduce operation.
type Reducer struct {
	Type  string `json:"type"`
	Field string `json:"field,omitempty"`
	// Separator joins values for concat (default ",").
	Separator *string `json:"separator,omitempty"`
}

// TransformConfig configures a data_transform_util node.
type TransformConfig struct {
	Operation string `json:"operation"`

	// Source is a jq query selecting the data to transform from the input
	// bag. Defaults to inputs.data, or the whole bag.
	Source string `json:"source,omitempty"`

	// Mapping is output field -> dotted input path, for map.
	Mapping map[string]string `json:"mapping,omitempty"`

	// Condition is a boolean expression over each item, for filter.
	Condition string `json:"condition,omitempty"`

	// Field is the dotted sort key, for sort.
	Field string `json:"field,omitempty"`
	Order string `json:"order,omitempty"`

	Reducer *Reducer `json:"reducer,omitempty"`
}

// DataTransform applies a declarative map, filter, reduce or sort.
type DataTransform struct {
	Eval *expression.Evaluator
	JQ   *jq.Executor
}

func (*DataTransform) NodeType() string { return TypeDataTransform }

func (p *DataTransform) Validate(raw json.RawMessage) bool {
	return processor.ValidateWith(func(c TransformConfig) bool {
		if c.Source != "" && p.JQ.Validate(c.Source) != nil {
			return false
		}
		switch c.Operation {
		case OpMap:
			return len(c.Mapping) > 0
		case OpFilter:
			return strings.TrimSpace(c.Condition) != "" && p.Eval.Compile(c.Condition) == nil
		case OpSort:
			return c.Order == "" || c.Order == "asc" || c.Order == "desc"
		case OpReduce:
			return c.Reducer != nil && processor.OneOf(c.Reducer.Type,
				ReduceSum, ReduceCount, ReduceAvg, ReduceMin, ReduceMax, ReduceConcat)
		default:
			return false
		}
	})(raw)
}

func (p *DataTransform) Process(ctx context.Context, job *processor.Job) (*execution.NodeResult, error) {
	cfg, err := processor.Decode[TransformConfig](job.Config)
	if err != nil {
		return nil, err
	}

	var input any
	if cfg.Source != "" {
		if input, err = p.JQ.Execute(ctx, cfg.Source, job.Inputs); err != nil {
			return nil, fmt.Errorf("source query: %w", err)
		}
	} else {
		input = source(job.Inputs)
	}

	var out any
	switch cfg.Operation {
	case OpMap:
		out = p.mapData(input, cfg.Mapping)
	case OpFilter:
		out, err = p.filter(input, cfg.Condition)
	case OpSort:
		out, err = sortItems(input, cfg.Field, cfg.Order == "desc")
	case OpReduce:
		out, err = reduce(input, *cfg.Reducer)
	default:
		err = fmt.Errorf("unsupported operation %q", cfg.Operation)
	}
	if err != nil {
		return nil, err
	}

	return execution.Succeeded(map[string]any{
		"operation": cfg.Operation,
		"result":    out,
	}), nil
}

func (p *DataTransform) mapData(input any, mapping map[string]string) any {
	project := func(item any) map[string]any {
		out := make(map[string]any, len(mapping))
		for target, path := range mapping {
			v, _ := jq.Lookup(item, path)
			out[target] = v
		}
		return out
	}

	if items, ok := input.([]any); ok {
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = project(item)
		}
		return out
	}
	return project(input)
}

func (p *DataTransform) filter(input any, cond string) ([]any, error) {
	items, ok := input.([]any)
	if !ok {
		return nil, fmt.Errorf("filter requires an array, got %T", input)
	}

	out := []any{}
	for i, item := range items {
		m, _ := item.(map[string]any)
		env := condition.Env(m)
		env["item"] = item
		env["index"] = i
		keep, err := p.Eval.Evaluate(cond, env)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		if keep {
			out = append(out, item)
		}
	}
	return out, nil
}

func sortItems(input any, field string, desc bool) ([]any, error) {
	items, ok := input.([]any)
	if !ok {
		return nil, fmt.Errorf("sort requires an array, got %T", input)
	}

	out := slices.Clone(items)
	slices.SortStableFunc(out, func(a, b any) int {
		av, _ := jq.Lookup(a, field)
		bv, _ := jq.Lookup(b, field)
		c := compare(av, bv)
		if desc {
			return -c
		}
		return c
	})
	return out, nil
}

// compare orders nil first, then numbers, then strings, then everything else
// by its formatted value.
func compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch ra {
	case 0:
		return 0
	case 1:
		fa, _ := toFloat(a)
		fb, _ := toFloat(b)
		return cmp.Compare(fa, fb)
	case 2:
		return strings.Compare(a.(string), b.(string))
	default:
		return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
	}
}

func rank(v any) int {
	if v == nil {
		return 0
	}
	if _, ok := toFloat(v); ok {
		return 1
	}
	if _, ok := v.(string); ok {
		return 2
	}
	return 3
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func reduce(input any, r Reducer) (any, error) {
	items, ok := input.([]any)
	if !ok {
		return nil, fmt.Errorf("reduce requires an array, got %T", input)
	}

	if r.Type == ReduceCount {
		if r.Field == "" {
			return len(items), nil
		}
		n := 0
		for _, item := range items {
			if _, ok := jq.Lookup(item, r.Field); ok {
				n++
			}
		}
		return n, nil
	}

	values := make([]any, 0, len(items))
	for _, item := range items {
		v, ok := jq.Lookup(item, r.Field)
		if ok {
			values = append(values, v)
		}
	}

	if r.Type == ReduceConcat {
		sep := ","
		if r.Separator != nil {
			sep = *r.Separator
		}
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = fmt.Sprint(v)
		}
		return strings.Join(parts, sep), nil
	}

	nums := make([]float64, 0, len(values))
	for _, v := range values {
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("%s requires numeric values, got %T", r.Type, v)
		}
		nums = append(nums, f)
	}

	switch r.Type {
	case ReduceSum:
		var sum float64
		for _, n := range nums {
			sum += n
		}
		return sum, nil
	case ReduceAvg:
		if len(nums) == 0 {
			return nil, nil
		}
		var sum float64
		for _, n := range nums {
			sum += n
		}
		return sum / float64(len(nums)), nil
	case ReduceMin, ReduceMax:
		if len(nums) == 0 {
			return nil, nil
		}
		best := nums[0]
		for _, n := range nums[1:] {
			if r.Type == ReduceMin {
				best = math.Min(best, n)
			} else {
				best = math.Max(best, n)
			}
		}
		return best, nil
	}
	return nil, fmt.Errorf("unsupported reducer %q", r.Type)
}
