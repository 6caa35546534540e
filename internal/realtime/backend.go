// Package realtime defines the capability surface the chat service needs from a
// realtime key-value tree (Firebase Realtime Database style) and the helpers shared
// by its implementations.
package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrNoValue      = errors.New("realtime: no value at path")
	ErrInvalidPath  = errors.New("realtime: invalid path")
	ErrEmptyUpdate  = errors.New("realtime: update has no fields")
	ErrBackendClose = errors.New("realtime: backend closed")
)

// Backend is a realtime tree store. Paths are slash separated with no leading or
// trailing slash; the root is "".
type Backend interface {
	// Get returns the value at path. A missing node yields a snapshot whose
	// Exists reports false, not an error.
	Get(ctx context.Context, path string) (Snapshot, error)

	// Set overwrites the value at path. A nil value deletes the node.
	Set(ctx context.Context, path string, value any) error

	// Update merges fields into the node at path. Field keys may be relative
	// slash separated paths; all fields are applied atomically.
	Update(ctx context.Context, path string, fields map[string]any) error

	// NewKey generates a unique, roughly time ordered child key under path.
	NewKey(ctx context.Context, path string) (string, error)

	// Subscribe delivers the current value at path immediately and then once per
	// change. onError is called at most once; the listener is dead afterwards.
	// The returned cancel func is idempotent.
	Subscribe(ctx context.Context, path string, onValue func(Snapshot), onError func(error)) (func(), error)

	Ping(ctx context.Context) error
	Close() error
}

// Snapshot is an immutable JSON value read from a path
type Snapshot struct {
	Path string
	Raw  json.RawMessage
}

// NewSnapshot marshals v into a snapshot
func NewSnapshot(path string, v any) (Snapshot, error) {
	if v == nil {
		return Snapshot{Path: path}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return Snapshot{Path: path, Raw: raw}, nil
}

// Exists reports whether the snapshot holds a non-null value
func (s Snapshot) Exists() bool {
	trimmed := bytes.TrimSpace(s.Raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// Key returns the last path segment
func (s Snapshot) Key() string {
	segs := Split(s.Path)
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

// Decode unmarshals the value into v. It returns ErrNoValue for a missing node.
func (s Snapshot) Decode(v any) error {
	if !s.Exists() {
		return ErrNoValue
	}
	if err := json.Unmarshal(s.Raw, v); err != nil {
		return fmt.Errorf("failed to decode %q: %w", s.Path, err)
	}
	return nil
}

// Keys returns the sorted child keys of an object value. Missing nodes and
// scalars have no children.
func (s Snapshot) Keys() ([]string, error) {
	if !s.Exists() {
		return []string{}, nil
	}
	trimmed := bytes.TrimSpace(s.Raw)
	if trimmed[0] != '{' {
		return []string{}, nil
	}

	var children map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &children); err != nil {
		return nil, fmt.Errorf("failed to decode children of %q: %w", s.Path, err)
	}

	keys := make([]string, 0, len(children))
	for k, v := range children {
		if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Equal reports whether two snapshots carry the same value
func (s Snapshot) Equal(other Snapshot) bool {
	if !s.Exists() || !other.Exists() {
		return s.Exists() == other.Exists()
	}
	return bytes.Equal(bytes.TrimSpace(s.Raw), bytes.TrimSpace(other.Raw))
}
