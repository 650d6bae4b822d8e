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

package condition

import (
	"context"
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/tombee/flowengine/internal/execution"
	"github.com/tombee/flowengine/internal/jq"
	"github.com/tombee/flowengine/internal/processor"
)

// Rule types.
const (
	RuleRequired  = "required"
	RuleEmail     = "email"
	RuleMinLength = "minLength"
)

// Rule is one declarative check against a field of the input.
type Rule struct {
	Type    string `json:"type"`
	Field   string `json:"field"`
	Value   any    `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
}

func (r Rule) minLength() (int, bool) {
	switch v := r.Value.(type) {
	case float64:
		if v >= 0 && v == float64(int(v)) {
			return int(v), true
		}
	case int:
		return v, v >= 0
	}
	return 0, false
}

// ValidationConfig configures a validation node.
type ValidationConfig struct {
	Rules []Rule `json:"rules"`
}

// Validation checks the input bag against declarative rules and selects
// the "valid" or "invalid" edge.
type Validation struct{}

func (Validation) NodeType() string { return TypeValidation }

func (Validation) Validate(raw json.RawMessage) bool {
	return processor.ValidateWith(func(c ValidationConfig) bool {
		if len(c.Rules) == 0 {
			return false
		}
		for _, r := range c.Rules {
			if r.Field == "" || !processor.OneOf(r.Type, RuleRequired, RuleEmail, RuleMinLength) {
				return false
			}
			if r.Type == RuleMinLength {
				if _, ok := r.minLength(); !ok {
					return false
				}
			}
		}
		return true
	})(raw)
}

func (Validation) Process(_ context.Context, job *processor.Job) (*execution.NodeResult, error) {
	cfg, err := processor.Decode[ValidationConfig](job.Config)
	if err != nil {
		return nil, err
	}

	errs := []string{}
	for _, rule := range cfg.Rules {
		value, present := jq.Lookup(job.Inputs, rule.Field)
		if msg, ok := check(rule, value, present); !ok {
			if rule.Message != "" {
				msg = rule.Message
			}
			errs = append(errs, msg)
		}
	}

	valid := len(errs) == 0
	branch := "invalid"
	if valid {
		branch = "valid"
	}
	return execution.Succeeded(map[string]any{
		"valid":  valid,
		"errors": errs,
	}, branch), nil
}

func check(rule Rule, value any, present bool) (string, bool) {
	switch rule.Type {
	case RuleRequired:
		if !present {
			return fmt.Sprintf("%s is required", rule.Field), false
		}
		if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
			return fmt.Sprintf("%s is required", rule.Field), false
		}
	case RuleEmail:
		if !present {
			return "", true
		}
		s, ok := value.(string)
		if !ok || !isEmail(s) {
			return fmt.Sprintf("%s must be a valid email", rule.Field), false
		}
	case RuleMinLength:
		if !present {
			return "", true
		}
		n, _ := rule.minLength()
		s, ok := value.(string)
		if !ok || utf8.RuneCountInString(s) < n {
			return fmt.Sprintf("%s must be at least %d characters", rule.Field, n), false
		}
	}
	return "", true
}

// isEmail accepts bare addresses only, without display names.
func isEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return false
	}
	_, domain, _ := strings.Cut(s, "@")
	return strings.Contains(domain, ".")
}
