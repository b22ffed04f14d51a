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
	"fmt"
	"strings"
)

// Reference locates a file in a repository: "org/repo@path/to/file#branch".
// A reference without "org/repo@" is relative to the settings repository.
// "file:///abs/path" references a file on the server's disk.
type Reference struct {
	Repo   string
	Path   string
	Branch string
	Local  bool
}

// ParseReference parses a settings or run unit reference.
func ParseReference(s string) (Reference, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Reference{}, fmt.Errorf("reference is empty")
	}

	if rest, ok := strings.CutPrefix(s, "file://"); ok {
		if !strings.HasPrefix(rest, "/") {
			return Reference{}, fmt.Errorf("local reference %q must be an absolute path", s)
		}
		return Reference{Path: rest, Local: true}, nil
	}

	var ref Reference
	if before, after, ok := strings.Cut(s, "#"); ok {
		s, ref.Branch = before, after
		if ref.Branch == "" {
			return Reference{}, fmt.Errorf("reference %q has an empty branch", s)
		}
	}

	if repo, path, ok := strings.Cut(s, "@"); ok {
		if strings.Count(repo, "/") != 1 || strings.HasPrefix(repo, "/") || strings.HasSuffix(repo, "/") {
			return Reference{}, fmt.Errorf("reference repo %q must look like org/repo", repo)
		}
		ref.Repo = repo
		s = path
	}

	ref.Path = strings.TrimPrefix(s, "/")
	if ref.Path == "" {
		return Reference{}, fmt.Errorf("reference has no file path")
	}
	return ref, nil
}

// IsRelative reports whether the reference needs a base repository.
func (r Reference) IsRelative() bool {
	return !r.Local && r.Repo == ""
}

// Owner returns the org part of Repo.
func (r Reference) Owner() string {
	owner, _, _ := strings.Cut(r.Repo, "/")
	return owner
}

// Name returns the repository part of Repo.
func (r Reference) Name() string {
	_, name, _ := strings.Cut(r.Repo, "/")
	return name
}

// Resolve fills in the repository and branch of a relative reference.
func (r Reference) Resolve(base Reference) Reference {
	if !r.IsRelative() {
		return r
	}
	r.Repo = base.Repo
	if r.Branch == "" {
		r.Branch = base.Branch
	}
	return r
}

func (r Reference) String() string {
	if r.Local {
		return "file://" + r.Path
	}
	var b strings.Builder
	if r.Repo != "" {
		b.WriteString(r.Repo)
		b.WriteByte('@')
	}
	b.WriteString(r.Path)
	if r.Branch != "" {
		b.WriteByte('#')
		b.WriteString(r.Branch)
	}
	return b.String()
}
