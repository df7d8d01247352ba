// Copyright 2024 KernelFS Authors
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

package common

import (
	"iter"
	"path"
	"strings"
)

// Separator delimits path components.
const Separator = "/"

// Path is an owned, slash-delimited path. Comparison is plain string
// comparison, so paths sort lexicographically and work as map keys.
type Path string

// NewPath wraps s without modifying it.
func NewPath(s string) Path {
	return Path(s)
}

func (p Path) String() string {
	return string(p)
}

// Set replaces the raw contents of p.
func (p *Path) Set(s string) {
	*p = Path(s)
}

// IsAbs reports whether p starts at the root.
func (p Path) IsAbs() bool {
	return strings.HasPrefix(string(p), Separator)
}

// Components yields the non-empty components of p in order. A leading or
// trailing separator produces no empty component.
func (p Path) Components() iter.Seq[string] {
	return func(yield func(string) bool) {
		rest := string(p)
		for rest != "" {
			var part string
			if i := strings.IndexByte(rest, '/'); i >= 0 {
				part, rest = rest[:i], rest[i+1:]
			} else {
				part, rest = rest, ""
			}
			if part == "" {
				continue
			}
			if !yield(part) {
				return
			}
		}
	}
}

// Canonicalize makes p absolute by prefixing cwd when p is relative.
// Exactly one separator is placed between cwd and p, so the empty path
// becomes cwd with a trailing separator.
func (p *Path) Canonicalize(cwd Path) {
	if p.IsAbs() {
		return
	}
	if strings.HasSuffix(string(cwd), Separator) {
		*p = cwd + *p
		return
	}
	*p = cwd + Separator + *p
}

// Canonicalized is the copying form of Canonicalize.
func (p Path) Canonicalized(cwd Path) Path {
	out := p
	out.Canonicalize(cwd)
	return out
}

// SplitLast splits p into its parent directory and final component.
// A single trailing separator is ignored. The parent of a top-level
// absolute entry is "/", and "" or "/" split into two empty values.
func (p Path) SplitLast() (Path, string) {
	s := string(p)
	if s == "" || s == Separator {
		return "", ""
	}
	if len(s) > 1 {
		s = strings.TrimSuffix(s, Separator)
	}
	i := strings.LastIndex(s, Separator)
	if i < 0 {
		return "", s
	}
	parent := s[:i]
	if parent == "" {
		parent = Separator
	}
	return Path(parent), s[i+1:]
}

// Join appends name below p.
func (p Path) Join(name string) Path {
	if p == "" || p == Separator {
		return Path(Separator + name)
	}
	if strings.HasSuffix(string(p), Separator) {
		return p + Path(name)
	}
	return p + Path(Separator+name)
}

// HasPrefix reports whether p starts with prefix. This is a raw string
// test, so "/ab" has prefix "/a".
func (p Path) HasPrefix(prefix Path) bool {
	return strings.HasPrefix(string(p), string(prefix))
}

// NormalizePath cleans and normalizes a path, removing leading/trailing slashes
func NormalizePath(name string) string {
	name = path.Clean(Separator + name)
	name = strings.TrimPrefix(name, Separator)
	if name == "." {
		return ""
	}
	return name
}

// AbsPath converts a client supplied name (relative to the namespace root,
// possibly containing dot segments) into an absolute Path.
func AbsPath(name string) Path {
	return Path(Separator + NormalizePath(name))
}

// BaseName returns the base name of a path
func BaseName(name string) string {
	name = NormalizePath(name)
	if name == "" {
		return ""
	}
	return path.Base(name)
}
