package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Tree values are map[string]any for objects and json.Number, string, bool or
// []any for leaves. Nulls and empty objects never exist in a tree.

// Normalize converts an arbitrary Go value into tree form. It returns nil when
// the value is null or an object with no non-null leaves.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	return decodeTree(raw)
}

func decodeTree(raw []byte) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return prune(out), nil
}

func prune(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	for k, child := range m {
		if p := prune(child); p == nil {
			delete(m, k)
		} else {
			m[k] = p
		}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// Canonical re-encodes raw JSON with sorted keys and pruned nulls so that equal
// values compare equal byte for byte
func Canonical(raw json.RawMessage) (json.RawMessage, error) {
	tree, err := decodeTree(raw)
	if err != nil {
		return nil, err
	}
	return Encode(tree)
}

// Encode marshals a tree value; nil encodes to an empty (missing) value
func Encode(tree any) (json.RawMessage, error) {
	if tree == nil {
		return nil, nil
	}
	raw, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return raw, nil
}

// Lookup returns the subtree at segs or nil
func Lookup(node any, segs []string) any {
	for _, seg := range segs {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node = m[seg]
	}
	return node
}

// Put stores v at segs and returns the new root. A nil v deletes the node and
// prunes parents left empty. Scalars on the way are replaced by objects.
func Put(node any, segs []string, v any) any {
	if len(segs) == 0 {
		return v
	}
	m, ok := node.(map[string]any)
	if !ok {
		m = make(map[string]any)
	}
	child := Put(m[segs[0]], segs[1:], v)
	if child == nil {
		delete(m, segs[0])
	} else {
		m[segs[0]] = child
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// Flatten lists every leaf of v as path -> encoded value, with paths prefixed by base
func Flatten(base string, v any) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	if err := flatten(Clean(base), v, out); err != nil {
		return nil, err
	}
	return out, nil
}

func flatten(path string, v any, out map[string]json.RawMessage) error {
	if v == nil {
		return nil
	}
	if m, ok := v.(map[string]any); ok {
		for k, child := range m {
			if err := flatten(Join(path, k), child, out); err != nil {
				return err
			}
		}
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode leaf %q: %w", path, err)
	}
	out[path] = raw
	return nil
}

// Build assembles leaves (paths relative to the tree root) into a tree value
func Build(leaves map[string]json.RawMessage) (any, error) {
	var root any
	for path, raw := range leaves {
		leaf, err := decodeTree(raw)
		if err != nil {
			return nil, err
		}
		root = Put(root, Split(path), leaf)
	}
	return root, nil
}
