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
	"bytes"
	"encoding/json"
	"errors"
)

// Document is an opaque JSON object supplied by a user, stored verbatim and
// only read through the typed projections in this package.
type Document json.RawMessage

// ErrNotObject is returned when a document is valid JSON but not an object.
var ErrNotObject = errors.New("document must be a JSON object")

// ParseDocument validates raw as a JSON object.
func ParseDocument(raw []byte) (Document, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if !json.Valid(trimmed) {
		return nil, errors.New("document is not valid JSON")
	}
	if trimmed[0] != '{' {
		return nil, ErrNotObject
	}
	return Document(append([]byte(nil), trimmed...)), nil
}

// NewDocument marshals v into a document.
func NewDocument(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return ParseDocument(raw)
}

// IsEmpty reports whether the document is absent or an empty object.
func (d Document) IsEmpty() bool {
	t := bytes.TrimSpace(d)
	return len(t) == 0 || bytes.Equal(t, []byte("{}"))
}

// Decode unmarshals the document into v. Empty documents decode as {}.
func (d Document) Decode(v any) error {
	if len(d) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(d, v)
}

// Clone returns an independent copy.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return append(Document(nil), d...)
}

// String returns the JSON text, "{}" when empty.
func (d Document) String() string {
	if len(d) == 0 {
		return "{}"
	}
	return string(d)
}

// MarshalJSON emits the raw document, or {} when empty.
func (d Document) MarshalJSON() ([]byte, error) {
	if len(d) == 0 {
		return []byte("{}"), nil
	}
	return d, nil
}

// UnmarshalJSON stores the raw bytes.
func (d *Document) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*d = nil
		return nil
	}
	*d = append((*d)[:0], b...)
	return nil
}
