// Package postgres stores the realtime tree in PostgreSQL. Every JSON leaf is
// one row keyed by its full path; writes announce the changed path with
// pg_notify so listeners in any process can refresh.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"emoji-chat/internal/realtime"

	"github.com/lib/pq"
	"github.com/oklog/ulid/v2"
)

// NotifyChannel is the LISTEN/NOTIFY channel carrying changed paths
const NotifyChannel = "realtime_changes"

const schema = `
CREATE TABLE IF NOT EXISTS realtime_nodes (
	path       TEXT PRIMARY KEY,
	value      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS realtime_nodes_path_prefix ON realtime_nodes (path text_pattern_ops);
`

const (
	selectAllQuery     = `SELECT path, value FROM realtime_nodes`
	selectSubtreeQuery = `SELECT path, value FROM realtime_nodes WHERE path = $1 OR path LIKE $2`
	deleteAllQuery     = `DELETE FROM realtime_nodes`
	deleteSubtreeQuery = `DELETE FROM realtime_nodes WHERE path = $1 OR path LIKE $2`
	deleteLeavesQuery  = `DELETE FROM realtime_nodes WHERE path = ANY($1)`
	upsertLeafQuery    = `INSERT INTO realtime_nodes (path, value) VALUES ($1, $2)
ON CONFLICT (path) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	notifyQuery = `SELECT pg_notify($1, $2)`
)

// Migrate creates the node table if it does not exist
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate realtime schema: %w", err)
	}
	return nil
}

// Store is a realtime.Backend on PostgreSQL
type Store struct {
	db  *sql.DB
	tx  *TxManager
	cfg storeConfig

	mu     sync.Mutex
	disp   *dispatcher
	closed bool
}

// New creates a store on db. connStr is used to open the dedicated LISTEN
// connection the first time a listener is registered.
func New(db *sql.DB, connStr string, opts ...Option) *Store {
	cfg := defaultStoreConfig(connStr)
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Store{
		db:  db,
		tx:  NewTxManager(db),
		cfg: cfg,
	}
}

func (s *Store) Get(ctx context.Context, path string) (realtime.Snapshot, error) {
	path = realtime.Clean(path)
	if err := realtime.Validate(path); err != nil {
		return realtime.Snapshot{}, err
	}

	var (
		rows *sql.Rows
		err  error
	)
	if path == "" {
		rows, err = s.db.QueryContext(ctx, selectAllQuery)
	} else {
		rows, err = s.db.QueryContext(ctx, selectSubtreeQuery, path, prefixPattern(path))
	}
	if err != nil {
		return realtime.Snapshot{}, fmt.Errorf("failed to query %q: %w", path, err)
	}
	defer rows.Close()

	leaves := make(map[string]json.RawMessage)
	for rows.Next() {
		var (
			leafPath string
			value    []byte
		)
		if err := rows.Scan(&leafPath, &value); err != nil {
			return realtime.Snapshot{}, fmt.Errorf("failed to scan node: %w", err)
		}
		leaves[leafPath] = json.RawMessage(value)
	}
	if err := rows.Err(); err != nil {
		return realtime.Snapshot{}, fmt.Errorf("failed to iterate nodes: %w", err)
	}

	tree, err := realtime.Build(leaves)
	if err != nil {
		return realtime.Snapshot{}, err
	}
	raw, err := realtime.Encode(realtime.Lookup(tree, realtime.Split(path)))
	if err != nil {
		return realtime.Snapshot{}, err
	}
	return realtime.Snapshot{Path: path, Raw: raw}, nil
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

	return s.tx.WithTx(ctx, func(tx *sql.Tx) error {
		if err := replaceSubtree(ctx, tx, path, tree); err != nil {
			return err
		}
		return notify(ctx, tx, path)
	})
}

func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	if len(fields) == 0 {
		return realtime.ErrEmptyUpdate
	}
	base := realtime.Clean(path)

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

	paths := make([]string, 0, len(targets))
	for full := range targets {
		paths = append(paths, full)
	}
	sort.Strings(paths)
	for i, a := range paths {
		for _, b := range paths[i+1:] {
			if realtime.IsAncestor(a, b) {
				return fmt.Errorf("%w: %q is an ancestor of %q in the same update", realtime.ErrInvalidPath, a, b)
			}
		}
	}

	return s.tx.WithTx(ctx, func(tx *sql.Tx) error {
		for _, full := range paths {
			if err := replaceSubtree(ctx, tx, full, targets[full]); err != nil {
				return err
			}
		}
		for _, full := range paths {
			if err := notify(ctx, tx, full); err != nil {
				return err
			}
		}
		return nil
	})
}

// replaceSubtree makes tree the value at path: the old subtree goes, leaves
// stored at ancestors go (they would shadow the new children) and the new
// leaves are written in path order.
func replaceSubtree(ctx context.Context, tx *sql.Tx, path string, tree any) error {
	var err error
	if path == "" {
		_, err = tx.ExecContext(ctx, deleteAllQuery)
	} else {
		_, err = tx.ExecContext(ctx, deleteSubtreeQuery, path, prefixPattern(path))
	}
	if err != nil {
		return fmt.Errorf("failed to clear %q: %w", path, err)
	}

	if tree == nil {
		return nil
	}

	if ancestors := realtime.Ancestors(path); len(ancestors) > 0 {
		if _, err := tx.ExecContext(ctx, deleteLeavesQuery, pq.Array(ancestors)); err != nil {
			return fmt.Errorf("failed to clear ancestors of %q: %w", path, err)
		}
	}

	leaves, err := realtime.Flatten(path, tree)
	if err != nil {
		return err
	}
	leafPaths := make([]string, 0, len(leaves))
	for p := range leaves {
		leafPaths = append(leafPaths, p)
	}
	sort.Strings(leafPaths)

	for _, p := range leafPaths {
		if _, err := tx.ExecContext(ctx, upsertLeafQuery, p, string(leaves[p])); err != nil {
			return fmt.Errorf("failed to write %q: %w", p, err)
		}
	}
	return nil
}

func notify(ctx context.Context, tx *sql.Tx, path string) error {
	if _, err := tx.ExecContext(ctx, notifyQuery, NotifyChannel, path); err != nil {
		return fmt.Errorf("failed to notify change of %q: %w", path, err)
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

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops the listener connection and every listener. The *sql.DB is
// owned by the caller and stays open.
func (s *Store) Close() error {
	s.mu.Lock()
	disp := s.disp
	s.disp = nil
	s.closed = true
	s.mu.Unlock()

	if disp == nil {
		return nil
	}
	return disp.close()
}

func (s *Store) Subscribe(ctx context.Context, path string, onValue func(realtime.Snapshot), onError func(error)) (func(), error) {
	path = realtime.Clean(path)
	if err := realtime.Validate(path); err != nil {
		return nil, err
	}

	disp, err := s.dispatcher()
	if err != nil {
		return nil, err
	}
	return disp.subscribe(ctx, path, onValue, onError), nil
}

// dispatcher starts the LISTEN connection on first use
func (s *Store) dispatcher() (*dispatcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, realtime.ErrBackendClose
	}
	if s.disp != nil {
		return s.disp, nil
	}

	src, err := s.cfg.listen()
	if err != nil {
		return nil, err
	}
	if err := src.Listen(NotifyChannel); err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
	}

	s.disp = newDispatcher(s, src, s.cfg.pingInterval)
	return s.disp, nil
}
