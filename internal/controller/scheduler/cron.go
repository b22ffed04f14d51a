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

package scheduler

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Cron is a parsed five-field cron expression:
// minute hour day-of-month month day-of-week.
type Cron struct {
	minutes []int
	hours   []int
	days    []int
	months  []int
	weekday []int

	// anyDay and anyWeekday record a "*" in the day fields. When both day
	// fields are restricted, either one matching is enough.
	anyDay     bool
	anyWeekday bool
}

var shorthands = map[string]string{
	"@hourly":   "0 * * * *",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@weekly":   "0 0 * * 0",
	"@monthly":  "0 0 1 * *",
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
}

// ParseCron parses expr. The @hourly, @daily, @weekly, @monthly and
// @yearly shorthands are accepted.
func ParseCron(expr string) (*Cron, error) {
	if full, ok := shorthands[strings.ToLower(strings.TrimSpace(expr))]; ok {
		expr = full
	}
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}

	c := &Cron{
		anyDay:     fields[2] == "*",
		anyWeekday: fields[4] == "*",
	}
	specs := []struct {
		name     string
		min, max int
		dst      *[]int
	}{
		{"minute", 0, 59, &c.minutes},
		{"hour", 0, 23, &c.hours},
		{"day-of-month", 1, 31, &c.days},
		{"month", 1, 12, &c.months},
		{"day-of-week", 0, 6, &c.weekday},
	}
	for i, spec := range specs {
		values, err := parseField(fields[i], spec.min, spec.max)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", spec.name, err)
		}
		*spec.dst = values
	}
	return c, nil
}

func parseField(field string, min, max int) ([]int, error) {
	var out []int
	for _, part := range strings.Split(field, ",") {
		values, err := parseRange(part, min, max)
		if err != nil {
			return nil, err
		}
		out = append(out, values...)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// parseRange handles "*", "n", "a-b" and any of those with a "/step".
func parseRange(part string, min, max int) ([]int, error) {
	step := 1
	if base, s, ok := strings.Cut(part, "/"); ok {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid step %q", s)
		}
		step, part = n, base
	}

	lo, hi := min, max
	if part != "*" {
		var err error
		if a, b, ok := strings.Cut(part, "-"); ok {
			if lo, err = strconv.Atoi(a); err != nil {
				return nil, fmt.Errorf("invalid range start %q", a)
			}
			if hi, err = strconv.Atoi(b); err != nil {
				return nil, fmt.Errorf("invalid range end %q", b)
			}
		} else {
			if lo, err = strconv.Atoi(part); err != nil {
				return nil, fmt.Errorf("invalid value %q", part)
			}
			hi = lo
		}
	}

	if lo < min || hi > max {
		return nil, fmt.Errorf("%s out of range [%d-%d]", part, min, max)
	}
	if lo > hi {
		return nil, fmt.Errorf("invalid range %d-%d", lo, hi)
	}
	var out []int
	for v := lo; v <= hi; v += step {
		out = append(out, v)
	}
	return out, nil
}

// Next returns the first matching minute strictly after from, or the zero
// time when nothing matches within four years.
func (c *Cron) Next(from time.Time) time.Time {
	t := from.Truncate(time.Minute).Add(time.Minute)
	limit := from.AddDate(4, 0, 0)
	loc := t.Location()

	for t.Before(limit) {
		switch {
		case !slices.Contains(c.months, int(t.Month())):
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
		case !c.dayMatches(t):
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
		case !slices.Contains(c.hours, t.Hour()):
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, loc)
		case !slices.Contains(c.minutes, t.Minute()):
			t = t.Add(time.Minute)
		default:
			return t
		}
	}
	return time.Time{}
}

func (c *Cron) dayMatches(t time.Time) bool {
	day := slices.Contains(c.days, t.Day())
	weekday := slices.Contains(c.weekday, int(t.Weekday()))
	if !c.anyDay && !c.anyWeekday {
		return day || weekday
	}
	return day && weekday
}
