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

// Package cron parses five-field cron expressions and computes their
// next activation time.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed cron expression. Each field is a bitset of the
// values it matches.
type Schedule struct {
	minute, hour, dom, month, dow uint64

	// domStar and dowStar record unrestricted day fields. When both day
	// fields are restricted a day matches if either does.
	domStar, dowStar bool
}

type bounds struct {
	name     string
	min, max int
}

var (
	minuteBounds = bounds{"minute", 0, 59}
	hourBounds   = bounds{"hour", 0, 23}
	domBounds    = bounds{"day-of-month", 1, 31}
	monthBounds  = bounds{"month", 1, 12}
	dowBounds    = bounds{"day-of-week", 0, 7}
)

var macros = map[string]string{
	"@hourly":   "0 * * * *",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@weekly":   "0 0 * * 0",
	"@monthly":  "0 0 1 * *",
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
}

// Parse parses "minute hour day-of-month month day-of-week".
// Fields accept *, single values, ranges (1-5), lists (1,3) and steps
// (*/15, 0-30/5). Day-of-week 7 is Sunday, like 0.
func Parse(expr string) (*Schedule, error) {
	if m, ok := macros[strings.ToLower(strings.TrimSpace(expr))]; ok {
		expr = m
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}

	s := &Schedule{
		domStar: fields[2] == "*",
		dowStar: fields[4] == "*",
	}
	var err error
	if s.minute, err = parseField(fields[0], minuteBounds); err != nil {
		return nil, err
	}
	if s.hour, err = parseField(fields[1], hourBounds); err != nil {
		return nil, err
	}
	if s.dom, err = parseField(fields[2], domBounds); err != nil {
		return nil, err
	}
	if s.month, err = parseField(fields[3], monthBounds); err != nil {
		return nil, err
	}
	if s.dow, err = parseField(fields[4], dowBounds); err != nil {
		return nil, err
	}
	if s.dow&(1<<7) != 0 {
		s.dow |= 1
	}
	return s, nil
}

func parseField(field string, b bounds) (uint64, error) {
	var set uint64
	for _, part := range strings.Split(field, ",") {
		bits, err := parsePart(part, b)
		if err != nil {
			return 0, fmt.Errorf("invalid %s field: %w", b.name, err)
		}
		set |= bits
	}
	return set, nil
}

func parsePart(part string, b bounds) (uint64, error) {
	step := 1
	if rng, stepStr, ok := strings.Cut(part, "/"); ok {
		n, err := strconv.Atoi(stepStr)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid step: %s", stepStr)
		}
		step = n
		part = rng
	}

	var start, end int
	switch {
	case part == "*":
		start, end = b.min, b.max
	case strings.Contains(part, "-"):
		lo, hi, _ := strings.Cut(part, "-")
		var err error
		if start, err = strconv.Atoi(lo); err != nil {
			return 0, fmt.Errorf("invalid range start: %s", lo)
		}
		if end, err = strconv.Atoi(hi); err != nil {
			return 0, fmt.Errorf("invalid range end: %s", hi)
		}
	default:
		n, err := strconv.Atoi(part)
		if err != nil {
			return 0, fmt.Errorf("invalid value: %s", part)
		}
		start, end = n, n
		if step > 1 {
			end = b.max
		}
	}

	if start < b.min || start > b.max {
		return 0, fmt.Errorf("value %d out of range [%d-%d]", start, b.min, b.max)
	}
	if end < b.min || end > b.max {
		return 0, fmt.Errorf("value %d out of range [%d-%d]", end, b.min, b.max)
	}
	if start > end {
		return 0, fmt.Errorf("invalid range: %d > %d", start, end)
	}

	var bits uint64
	for i := start; i <= end; i += step {
		bits |= 1 << uint(i)
	}
	return bits, nil
}

func has(set uint64, v int) bool { return set&(1<<uint(v)) != 0 }

func (s *Schedule) dayMatches(t time.Time) bool {
	domOK := has(s.dom, t.Day())
	dowOK := has(s.dow, int(t.Weekday()))
	if s.domStar || s.dowStar {
		return domOK && dowOK
	}
	return domOK || dowOK
}

// Next returns the first activation strictly after from, in from's
// location. It returns the zero time if none exists within five years.
func (s *Schedule) Next(from time.Time) time.Time {
	t := from.Truncate(time.Minute).Add(time.Minute)
	limit := from.AddDate(5, 0, 0)
	loc := t.Location()

	for t.Before(limit) {
		if !has(s.month, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
			continue
		}
		if !s.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
			continue
		}
		if !has(s.hour, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, loc)
			continue
		}
		if !has(s.minute, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}
