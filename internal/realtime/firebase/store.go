// Package firebase is a realtime.Backend on Firebase Realtime Database through
// the Admin SDK. The Admin SDK has no streaming listeners, so Subscribe polls
// with ETags and only transfers the value when it changed.
package firebase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"emoji-chat/internal/realtime"

	"firebase.google.com/go/v4/db"
	"github.com/oklog/ulid/v2"
)

// DefaultPollInterval is used when no interval is configured
const DefaultPollInterval = 2 * time.Second

// maxPollFailures is how many consecutive failed polls a listener tolerates
// before reporting the error and stopping
const maxPollFailures = 3

// node is the subset of *db.Ref the store uses
type node interface {
	Get(ctx context.Context, v interface{}) error
	Set(ctx context.Context, v interface{}) error
	Update(ctx context.Context, v map[string]interface{}) error
	Delete(ctx context.Context) error
	GetWithETag(ctx context.Context, v interface{}) (string, error)
	GetIfChanged(ctx context.Context, etag string, v interface{}) (bool, string, error)
}

// Store is a realtime.Backend on a Firebase Realtime Database
type Store struct {
	ref          func(path string) node
	pollInterval time.Duration
}

// New creates a store on client. A non-positive interval uses DefaultPollInterval.
func New(client *db.Client, pollInterval time.Duration) *Store {
	return newStore(func(path string) node {
		return client.NewRef("/" + path)
	}, pollInterval)
}

func newStore(ref func(path string) node, pollInterval time.Duration) *Store {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Store{ref: ref, pollInterval: pollInterval}
}

func (s *Store) Get(ctx context.Context, path string) (realtime.Snapshot, error) {
	path = realtime.Clean(path)
	if err := realtime.Validate(path); err != nil {
		return realtime.Snapshot{}, err
	}

	var raw json.RawMessage
	if err := s.ref(path).Get(ctx, &raw); err != nil {
		return realtime.Snapshot{}, fmt.Errorf("failed to get %q: %w", path, err)
	}
	return canonicalSnapshot(path, raw)
}

func canonicalSnapshot(path string, raw json.RawMessage) (realtime.Snapshot, error) {
	canonical, err := realtime.Canonical(raw)
	if err != nil {
		return realtime.Snapshot{}, err
	}
	return realtime.Snapshot{Path: path, Raw: canonical}, nil
}

func (s *Store) Set(ctx context.Context, path string, value any) error {
	path = realtime.Clean(path)
	if err := realtime.Validate(path); err != nil {
		return err
	}
	tree, err := realtime.Normalize(value)
	if err != nil {
		return err
	}

	ref := s.ref(path)
	if tree == nil {
		err = ref.Delete(ctx)
	} else {
		err = ref.Set(ctx, tree)
	}
	if err != nil {
		return fmt.Errorf("failed to set %q: %w", path, err)
	}
	return nil
}

// Update sends one multi-path update, which the database applies atomically
func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	if len(fields) == 0 {
		return realtime.ErrEmptyUpdate
	}
	base := realtime.Clean(path)

	payload := make(map[string]interface{}, len(fields))
	for key, value := range fields {
		rel := realtime.Clean(key)
		if rel == "" {
			return fmt.Errorf("%w: empty update key", realtime.ErrInvalidPath)
		}
		if err := realtime.Validate(realtime.Join(base, rel)); err != nil {
			return err
		}
		tree, err := realtime.Normalize(value)
		if err != nil {
			return err
		}
		payload[rel] = tree
	}
	for a := range payload {
		for b := range payload {
			if a != b && realtime.IsAncestor(a, b) {
				return fmt.Errorf("%w: %q is an ancestor of %q in the same update", realtime.ErrInvalidPath, a, b)
			}
		}
	}

	if err := s.ref(base).Update(ctx, payload); err != nil {
		return fmt.Errorf("failed to update %q: %w", base, err)
	}
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

// healthPath is a node that is never written; reading it is a cheap round trip
const healthPath = "_health"

func (s *Store) Ping(ctx context.Context) error {
	var v json.RawMessage
	if err := s.ref(healthPath).Get(ctx, &v); err != nil {
		return fmt.Errorf("failed to reach realtime database: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) Subscribe(ctx context.Context, path string, onValue func(realtime.Snapshot), onError func(error)) (func(), error) {
	path = realtime.Clean(path)
	if err := realtime.Validate(path); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &poller{
		ref:      s.ref(path),
		path:     path,
		interval: s.pollInterval,
		onValue:  onValue,
		onError:  onError,
	}
	go p.run(ctx)

	return cancel, nil
}

type poller struct {
	ref      node
	path     string
	interval time.Duration
	onValue  func(realtime.Snapshot)
	onError  func(error)
}

func (p *poller) run(ctx context.Context) {
	var raw json.RawMessage
	etag, err := p.ref.GetWithETag(ctx, &raw)
	if err != nil {
		p.fail(ctx, err)
		return
	}
	last, err := canonicalSnapshot(p.path, raw)
	if err != nil {
		p.fail(ctx, err)
		return
	}
	if ctx.Err() != nil {
		return
	}
	p.onValue(last)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var next json.RawMessage
		changed, newETag, err := p.ref.GetIfChanged(ctx, etag, &next)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			slog.Warn("realtime poll failed",
				slog.String("path", p.path),
				slog.Int("failures", failures),
				slog.String("error", err.Error()))
			if failures >= maxPollFailures {
				p.fail(ctx, err)
				return
			}
			continue
		}
		failures = 0
		if !changed {
			continue
		}
		etag = newETag

		snap, err := canonicalSnapshot(p.path, next)
		if err != nil {
			p.fail(ctx, err)
			return
		}
		if snap.Equal(last) || ctx.Err() != nil {
			continue
		}
		last = snap
		p.onValue(snap)
	}
}

func (p *poller) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	p.onError(fmt.Errorf("failed to watch %q: %w", p.path, err))
}
