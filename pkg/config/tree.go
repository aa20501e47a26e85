package config

import (
	"fmt"
	"sort"
	"strings"
)

// Tree is a hierarchical configuration store addressed by dotted paths.
//
// Intermediate segments are created on demand as nested nodes. A leaf that
// already holds a non-node value is never replaced by a node.
type Tree struct {
	root map[string]any
}

// MissingKeyError is returned when a path does not resolve.
type MissingKeyError struct {
	// Path is the full path that was requested.
	Path string

	// Resolved is the deepest prefix of Path that did resolve ("" for none).
	Resolved string
}

func (e *MissingKeyError) Error() string {
	if e.Resolved == "" {
		return fmt.Sprintf("missing config key %q", e.Path)
	}
	return fmt.Sprintf("missing config key %q (resolved up to %q)", e.Path, e.Resolved)
}

// PathConflictError is returned by Update when an intermediate segment of a
// key holds a value that is not a node.
type PathConflictError struct {
	Key     string
	Segment string
}

func (e *PathConflictError) Error() string {
	return fmt.Sprintf("config key %q: segment %q is a value, not a node", e.Key, e.Segment)
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{root: make(map[string]any)}
}

// TreeFromMap builds a tree holding a deep copy of m.
func TreeFromMap(m map[string]any) *Tree {
	t := NewTree()
	for k, v := range m {
		t.root[k] = cloneValue(v)
	}
	return t
}

// Get resolves a dotted path.
func (t *Tree) Get(path string) (any, error) {
	v, resolved, ok := t.Lookup(path)
	if !ok {
		return nil, &MissingKeyError{Path: path, Resolved: resolved}
	}
	return v, nil
}

// Lookup resolves a dotted path and reports the deepest prefix that resolved
// when the full path does not.
func (t *Tree) Lookup(path string) (any, string, bool) {
	var node any = t.root
	var resolved []string
	for _, part := range strings.Split(path, ".") {
		m, ok := asNode(node)
		if !ok {
			return nil, strings.Join(resolved, "."), false
		}
		child, ok := m[part]
		if !ok {
			return nil, strings.Join(resolved, "."), false
		}
		node = child
		resolved = append(resolved, part)
	}
	return node, path, true
}

// Has reports whether path resolves.
func (t *Tree) Has(path string) bool {
	_, _, ok := t.Lookup(path)
	return ok
}

// Update merges values into the tree. Each key is split on "." and its final
// segment is assigned only when overwrite is true or the segment is absent.
// Keys are applied in lexical order; the first conflict is returned after all
// other keys have been applied.
func (t *Tree) Update(values map[string]any, overwrite bool) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var firstErr error
	for _, key := range keys {
		if err := t.set(key, values[key], overwrite); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Set assigns a single path, always overwriting.
func (t *Tree) Set(path string, value any) error {
	return t.set(path, value, true)
}

func (t *Tree) set(key string, value any, overwrite bool) error {
	parts := strings.Split(key, ".")
	node := t.root
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part]
		if !ok {
			next := make(map[string]any)
			node[part] = next
			node = next
			continue
		}
		m, ok := asNode(child)
		if !ok {
			return &PathConflictError{Key: key, Segment: part}
		}
		node = m
	}

	leaf := parts[len(parts)-1]
	if _, exists := node[leaf]; exists && !overwrite {
		return nil
	}
	node[leaf] = cloneValue(value)
	return nil
}

// Map returns a deep copy of the tree as nested maps.
func (t *Tree) Map() map[string]any {
	return cloneValue(t.root).(map[string]any)
}

// Keys returns the top-level keys in lexical order.
func (t *Tree) Keys() []string {
	keys := make([]string, 0, len(t.root))
	for k := range t.root {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Flatten returns every leaf keyed by its full dotted path.
func (t *Tree) Flatten() map[string]any {
	out := make(map[string]any)
	flatten("", t.root, out)
	return out
}

func flatten(prefix string, node map[string]any, out map[string]any) {
	for k, v := range node {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if m, ok := asNode(v); ok && len(m) > 0 {
			flatten(path, m, out)
			continue
		}
		out[path] = v
	}
}

func asNode(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
