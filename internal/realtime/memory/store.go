// Package memory is an in-process realtime.Backend used for development and tests
package memory

import (
	"context"
	"fmt"
	"sync"

	"emoji-chat/internal/realtime"

	"github.com/oklog/ulid/v2"
)

// Store keeps the whole tree in memory. Writes are serialized by a single lock,
// so every Update is atomic with respect to readers and listeners.
type Store struct {
	mu     sync.RWMutex
	root   any
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		subs: make(map[uint64]*subscriber),
	}
}

func (s *Store) Get(ctx context.Context, path string) (realtime.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return realtime.Snapshot{}, err
	}
	path = realtime.Clean(path)
	if err := realtime.Validate(path); err != nil {
		return realtime.Snapshot{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return realtime.Snapshot{}, realtime.ErrBackendClose
	}
	return s.snapshotLocked(path)
}

func (s *Store) snapshotLocked(path string) (realtime.Snapshot, error) {
	raw, err := realtime.Encode(realtime.Lookup(s.root, realtime.Split(path)))
	if err != nil {
		return realtime.Snapshot{}, err
	}
	return realtime.Snapshot{Path: path, Raw: raw}, nil
}

func (s *Store) Set(ctx context.Context, path string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path = realtime.Clean(path)
	if err := realtime.Validate(path); err != nil {
		return err
	}
	tree, err := realtime.Normalize(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrBackendClose
	}
	s.root = realtime.Put(s.root, realtime.Split(path), tree)
	s.notifyLocked([]string{path})
	return nil
}

func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(fields) == 0 {
		return realtime.ErrEmptyUpdate
	}
	base := realtime.Clean(path)

	// Resolve everything before touching the tree so a bad field changes nothing
	targets := make(map[string]any, len(fields))
	for key, value := range fields {
		full := realtime.Join(base, key)
		if full == base {
			return fmt.Errorf("%w: empty update key", realtime.ErrInvalidPath)
		}
		if err := realtime.Validate(full); err != nil {
			return err
		}
		tree, err := realtime.Normalize(value)
		if err != nil {
			return err
		}
		targets[full] = tree
	}
	for a := range targets {
		for b := range targets {
			if a != b && realtime.IsAncestor(a, b) {
				return fmt.Errorf("%w: %q is an ancestor of %q in the same update", realtime.ErrInvalidPath, a, b)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrBackendClose
	}
	changed := make([]string, 0, len(targets))
	for full, tree := range targets {
		s.root = realtime.Put(s.root, realtime.Split(full), tree)
		changed = append(changed, full)
	}
	s.notifyLocked(changed)
	return nil
}

// NewKey returns a ULID: unique and lexicographically ordered by creation time
func (s *Store) NewKey(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := realtime.Validate(path); err != nil {
		return "", err
	}
	return ulid.Make().String(), nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return realtime.ErrBackendClose
	}
	return nil
}

// Close stops every listener; later calls fail with realtime.ErrBackendClose
func (s *Store) Close() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[uint64]*subscriber)
	s.closed = true
	s.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

// Subscriptions returns the number of live listeners
func (s *Store) Subscriptions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
