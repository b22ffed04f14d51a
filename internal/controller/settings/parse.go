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

package settings

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/jsonc"

	"github.com/busbud/peril/internal/controller/installation"
)

// userEditable are the only top-level keys a settings file may set. Env
// vars are absent on purpose: they are only changed through the API.
var userEditable = []string{"repos", "rules", "settings", "tasks", "scheduler"}

// Parse reads a settings document. Comments and trailing commas are
// allowed. Unknown top-level keys are ignored.
func Parse(data []byte) (installation.SettingsUpdate, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return installation.SettingsUpdate{}, fmt.Errorf("the settings file was empty")
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(jsonc.ToJSON(data), &top); err != nil {
		return installation.SettingsUpdate{}, fmt.Errorf("settings did not parse as JSON: %w", err)
	}
	if top == nil {
		return installation.SettingsUpdate{}, fmt.Errorf("settings must be a JSON object")
	}

	docs := make(map[string]installation.Document, len(userEditable))
	for _, key := range userEditable {
		raw, ok := top[key]
		if !ok || string(raw) == "null" {
			docs[key] = nil
			continue
		}
		doc, err := installation.ParseDocument(raw)
		if err != nil {
			return installation.SettingsUpdate{}, fmt.Errorf("settings key %q: %w", key, err)
		}
		docs[key] = doc
	}

	return installation.SettingsUpdate{
		Repos:     docs["repos"],
		Rules:     docs["rules"],
		Settings:  docs["settings"],
		Tasks:     docs["tasks"],
		Scheduler: docs["scheduler"],
	}, nil
}
