// Package pathutil parses slash-separated node paths and matches paths
// containing * wildcards, e.g. "users/*/posts".
package pathutil

import (
	"strings"
)

// PathInfo is a parsed node path.
type PathInfo struct {
	path string
	keys []string
}

// Parse splits a path into its segments. Leading and trailing slashes
// are ignored; the empty string is the root path with no segments.
func Parse(path string) *PathInfo {
	path = strings.Trim(path, "/")
	var keys []string
	if path != "" {
		keys = strings.Split(path, "/")
	}
	return &PathInfo{path: path, keys: keys}
}

// Path returns the normalized path string.
func (p *PathInfo) Path() string { return p.path }

// Keys returns the path segments.
func (p *PathInfo) Keys() []string { return p.keys }

// Key returns the last segment, or "" for the root path.
func (p *PathInfo) Key() string {
	if len(p.keys) == 0 {
		return ""
	}
	return p.keys[len(p.keys)-1]
}

// Parent returns the path with the last segment removed.
func (p *PathInfo) Parent() string {
	if len(p.keys) <= 1 {
		return ""
	}
	return strings.Join(p.keys[:len(p.keys)-1], "/")
}

// HasWildcards reports whether any segment is "*".
func (p *PathInfo) HasWildcards() bool {
	for _, k := range p.keys {
		if k == "*" {
			return true
		}
	}
	return false
}

// WildcardCount returns the number of "*" segments.
func (p *PathInfo) WildcardCount() int {
	n := 0
	for _, k := range p.keys {
		if k == "*" {
			n++
		}
	}
	return n
}

// Matches reports whether other (a concrete path, no wildcards) is
// described by this path, segment for segment.
func (p *PathInfo) Matches(other string) bool {
	keys := Parse(other).keys
	if len(keys) != len(p.keys) {
		return false
	}
	for i, k := range p.keys {
		if k != "*" && k != keys[i] {
			return false
		}
	}
	return true
}

// IsAncestorOf reports whether this path describes an ancestor of
// other, honoring wildcards in this path.
func (p *PathInfo) IsAncestorOf(other string) bool {
	keys := Parse(other).keys
	if len(keys) <= len(p.keys) {
		return false
	}
	for i, k := range p.keys {
		if k != "*" && k != keys[i] {
			return false
		}
	}
	return true
}

// WildcardValues extracts the concrete segments of other that line up
// with this path's "*" segments, in order. Returns nil if other does
// not match.
func (p *PathInfo) WildcardValues(other string) []string {
	keys := Parse(other).keys
	if len(keys) != len(p.keys) {
		return nil
	}
	var vals []string
	for i, k := range p.keys {
		if k == "*" {
			vals = append(vals, keys[i])
		} else if k != keys[i] {
			return nil
		}
	}
	if vals == nil {
		vals = []string{}
	}
	return vals
}

// Fill substitutes wildcard segments with the given values, in order.
// Values beyond the wildcard count are ignored; missing values leave
// the "*" in place.
func (p *PathInfo) Fill(wildcards []string) string {
	out := make([]string, len(p.keys))
	w := 0
	for i, k := range p.keys {
		if k == "*" && w < len(wildcards) {
			out[i] = wildcards[w]
			w++
		} else {
			out[i] = k
		}
	}
	return strings.Join(out, "/")
}

// ChildPath joins a path and a child key.
func ChildPath(path, key string) string {
	path = strings.Trim(path, "/")
	if path == "" {
		return key
	}
	return path + "/" + key
}
