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

package installation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// References is an ordered list of run unit references. Settings files may
// give a single string or an array.
type References []string

// UnmarshalJSON accepts "ref" or ["ref", ...].
func (r *References) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*r = References{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("run unit reference must be a string or an array of strings")
	}
	*r = many
	return nil
}

// RuleSet maps rule keys (event names, optionally with a condition) to run
// unit references.
type RuleSet map[string]References

// Keys returns the rule keys in a stable order.
func (rs RuleSet) Keys() []string {
	keys := make([]string, 0, len(rs))
	for k := range rs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Preferences is the typed projection of the settings document.
type Preferences struct {
	// IgnoredRepos lists "org/repo" names whose events never run.
	IgnoredRepos []string `json:"ignored_repos"`

	// Modules lists extra packages the run host should make available.
	Modules []string `json:"modules,omitempty"`
}

// Ignores reports whether events from repo are ignored.
func (p Preferences) Ignores(repo string) bool {
	for _, r := range p.IgnoredRepos {
		if strings.EqualFold(r, repo) {
			return true
		}
	}
	return false
}

// GlobalRules decodes the installation-wide rules.
func (i *Installation) GlobalRules() (RuleSet, error) {
	var rs RuleSet
	if err := i.Rules.Decode(&rs); err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	return rs, nil
}

// RepoRules decodes the rules for one repository ("org/repo").
func (i *Installation) RepoRules(repo string) (RuleSet, error) {
	var repos map[string]RuleSet
	if err := i.Repos.Decode(&repos); err != nil {
		return nil, fmt.Errorf("repos: %w", err)
	}
	for name, rs := range repos {
		if strings.EqualFold(name, repo) {
			return rs, nil
		}
	}
	return RuleSet{}, nil
}

// TaskReferences returns the run units for a named task.
func (i *Installation) TaskReferences(task string) (References, bool, error) {
	var tasks map[string]References
	if err := i.Tasks.Decode(&tasks); err != nil {
		return nil, false, fmt.Errorf("tasks: %w", err)
	}
	refs, ok := tasks[task]
	return refs, ok, nil
}

// Schedule decodes the scheduler document: schedule key to task name.
func (i *Installation) Schedule() (map[string]string, error) {
	var sched map[string]string
	if err := i.Scheduler.Decode(&sched); err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	return sched, nil
}

// HasScheduleKey reports whether the scheduler document declares key.
func (i *Installation) HasScheduleKey(key string) bool {
	sched, err := i.Schedule()
	if err != nil {
		return false
	}
	_, ok := sched[key]
	return ok
}

// Preferences decodes the settings document.
func (i *Installation) Preferences() (Preferences, error) {
	var p Preferences
	if err := i.Settings.Decode(&p); err != nil {
		return Preferences{}, fmt.Errorf("settings: %w", err)
	}
	return p, nil
}
