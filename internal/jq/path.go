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

package jq

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/itchyny/gojq"
)

var getpath = mustCompileGetpath()

func mustCompileGetpath() *gojq.Code {
	query, err := gojq.Parse("getpath($p)")
	if err != nil {
		panic(err)
	}
	code, err := gojq.Compile(query, gojq.WithVariables([]string{"$p"}))
	if err != nil {
		panic(err)
	}
	return code
}

// SplitPath turns "a.b.0.c" into the jq path ["a", "b", 0, "c"]. Purely
// numeric segments index arrays.
func SplitPath(path string) []any {
	if path == "" {
		return []any{}
	}
	parts := strings.Split(path, ".")
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		if n, err := strconv.Atoi(p); err == nil && n >= 0 {
			out = append(out, n)
			continue
		}
		out = append(out, p)
	}
	return out
}

// Lookup resolves a dotted path inside data. It reports false when the
// path is missing, null, or crosses a value of the wrong shape. An empty
// path returns data itself.
func Lookup(data any, path string) (any, bool) {
	if path == "" {
		return data, data != nil
	}

	input, err := plain(data)
	if err != nil {
		return nil, false
	}

	iter := getpath.Run(input, SplitPath(path))
	v, ok := iter.Next()
	if !ok {
		return nil, false
	}
	if _, isErr := v.(error); isErr {
		return nil, false
	}
	return v, v != nil
}

// plain returns data unchanged when it is already made of the value types
// gojq understands, and a JSON round-tripped copy otherwise.
func plain(data any) (any, error) {
	if isPlain(data) {
		return data, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out any
	err = json.Unmarshal(raw, &out)
	return out, err
}

func isPlain(v any) bool {
	switch t := v.(type) {
	case nil, bool, string, int, float64:
		return true
	case []any:
		for _, e := range t {
			if !isPlain(e) {
				return false
			}
		}
		return true
	case map[string]any:
		for _, e := range t {
			if !isPlain(e) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
