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

package dispatch

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// RuleKey is a parsed rule key such as
//
//	pull_request.closed, issues.opened (pull_request.merged == true)
//
// Each event is either a bare event name, matching every action, or
// event.action. The optional parenthesised condition is an expr-lang
// expression evaluated against the webhook payload.
type RuleKey struct {
	Events    []string
	Condition string
}

// ParseRuleKey splits a rule key into its events and condition.
func ParseRuleKey(key string) (RuleKey, error) {
	key = strings.TrimSpace(key)
	var rk RuleKey

	if open := strings.Index(key, "("); open >= 0 {
		if !strings.HasSuffix(key, ")") {
			return RuleKey{}, fmt.Errorf("rule %q: condition must end with ')'", key)
		}
		rk.Condition = strings.TrimSpace(key[open+1 : len(key)-1])
		key = key[:open]
		if rk.Condition == "" {
			return RuleKey{}, fmt.Errorf("rule %q: empty condition", key)
		}
	}

	for _, part := range strings.Split(key, ",") {
		if ev := strings.TrimSpace(part); ev != "" {
			rk.Events = append(rk.Events, ev)
		}
	}
	if len(rk.Events) == 0 {
		return RuleKey{}, fmt.Errorf("rule %q names no events", key)
	}
	return rk, nil
}

// MatchesEvent reports whether event (with its action) is named by the key.
func (rk RuleKey) MatchesEvent(event, action string) bool {
	for _, ev := range rk.Events {
		name, act, qualified := strings.Cut(ev, ".")
		if name != event {
			continue
		}
		if !qualified || act == action {
			return true
		}
	}
	return false
}

// Matcher evaluates rule keys, caching compiled conditions.
type Matcher struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewMatcher creates a Matcher.
func NewMatcher() *Matcher {
	return &Matcher{cache: make(map[string]*vm.Program)}
}

// Match reports whether key selects the event. payload is the decoded
// webhook; its top-level fields are the condition's variables.
func (m *Matcher) Match(key, event, action string, payload map[string]any) (bool, error) {
	rk, err := ParseRuleKey(key)
	if err != nil {
		return false, err
	}
	if !rk.MatchesEvent(event, action) {
		return false, nil
	}
	if rk.Condition == "" {
		return true, nil
	}

	program, err := m.compile(rk.Condition)
	if err != nil {
		return false, fmt.Errorf("rule %q: failed to compile condition: %w", key, err)
	}
	env := payload
	if env == nil {
		env = map[string]any{}
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("rule %q: condition failed: %w", key, err)
	}
	matched, _ := out.(bool)
	return matched, nil
}

func (m *Matcher) compile(condition string) (*vm.Program, error) {
	m.mu.RLock()
	if prog, ok := m.cache[condition]; ok {
		m.mu.RUnlock()
		return prog, nil
	}
	m.mu.RUnlock()

	prog, err := expr.Compile(condition,
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[condition] = prog
	m.mu.Unlock()
	return prog, nil
}
