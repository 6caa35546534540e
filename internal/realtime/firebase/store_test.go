package firebase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"emoji-chat/internal/realtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// fakeDB mimics the REST semantics of the database on an in-memory tree.
// The ETag of a node is its encoded value.
type fakeDB struct {
	mu      sync.Mutex
	root    any
	updates []map[string]interface{}

	pollErr   error
	pollFails int // remaining failing polls; negative fails forever
}

type fakeRef struct {
	db   *fakeDB
	path string
}

func (f *fakeDB) ref(path string) node {
	return &fakeRef{db: f, path: path}
}

func (f *fakeDB) failPolls(err error, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollErr = err
	f.pollFails = times
}

func (r *fakeRef) read() (json.RawMessage, error) {
	raw, err := realtime.Encode(realtime.Lookup(r.db.root, realtime.Split(r.path)))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	return raw, nil
}

func (r *fakeRef) Get(ctx context.Context, v interface{}) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	raw, err := r.read()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func (r *fakeRef) Set(ctx context.Context, v interface{}) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	tree, err := realtime.Normalize(v)
	if err != nil {
		return err
	}
	r.db.root = realtime.Put(r.db.root, realtime.Split(r.path), tree)
	return nil
}

func (r *fakeRef) Update(ctx context.Context, v map[string]interface{}) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.updates = append(r.db.updates, v)
	for k, child := range v {
		r.db.root = realtime.Put(r.db.root, realtime.Split(realtime.Join(r.path, k)), child)
	}
	return nil
}

func (r *fakeRef) Delete(ctx context.Context) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.root = realtime.Put(r.db.root, realtime.Split(r.path), nil)
	return nil
}

func (r *fakeRef) GetWithETag(ctx context.Context, v interface{}) (string, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	raw, err := r.read()
	if err != nil {
		return "", err
	}
	return string(raw), json.Unmarshal(raw, v)
}

func (r *fakeRef) GetIfChanged(ctx context.Context, etag string, v interface{}) (bool, string, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.pollFails != 0 {
		if r.db.pollFails > 0 {
			r.db.pollFails--
		}
		return false, "", r.db.pollErr
	}
	raw, err := r.read()
	if err != nil {
		return false, "", err
	}
	if string(raw) == etag {
		return false, etag, nil
	}
	return true, string(raw), json.Unmarshal(raw, v)
}

func newFakeStore(interval time.Duration) (*Store, *fakeDB) {
	f := &fakeDB{}
	return newStore(f.ref, interval), f
}

func TestStore_GetSetUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("missing_node", func(t *testing.T) {
		store, _ := newFakeStore(time.Second)
		snap, err := store.Get(ctx, "rooms/r1")
		require.NoError(t, err)
		assert.False(t, snap.Exists())
	})

	t.Run("set_and_get", func(t *testing.T) {
		store, _ := newFakeStore(time.Second)
		require.NoError(t, store.Set(ctx, "rooms/r1", map[string]any{"name": "General", "createdAt": 10}))

		snap, err := store.Get(ctx, "rooms/r1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"name":"General","createdAt":10}`, string(snap.Raw))
	})

	t.Run("set_nil_deletes", func(t *testing.T) {
		store, _ := newFakeStore(time.Second)
		require.NoError(t, store.Set(ctx, "users/u1/rooms/r1", true))
		require.NoError(t, store.Set(ctx, "users/u1/rooms/r1", nil))

		snap, err := store.Get(ctx, "users/u1")
		require.NoError(t, err)
		assert.False(t, snap.Exists())
	})

	t.Run("update_is_one_multi_path_request", func(t *testing.T) {
		store, f := newFakeStore(time.Second)
		err := store.Update(ctx, "/", map[string]any{
			"messages/m1":         map[string]any{"content": "hi"},
			"/rooms/r1/updatedAt": 5,
		})
		require.NoError(t, err)

		require.Len(t, f.updates, 1)
		assert.Contains(t, f.updates[0], "messages/m1")
		assert.Contains(t, f.updates[0], "rooms/r1/updatedAt")

		snap, err := store.Get(ctx, "rooms/r1/updatedAt")
		require.NoError(t, err)
		assert.Equal(t, "5", string(snap.Raw))
	})

	t.Run("update_rejects_overlap", func(t *testing.T) {
		store, f := newFakeStore(time.Second)
		err := store.Update(ctx, "rooms", map[string]any{
			"r1":      map[string]any{"id": "r1"},
			"r1/name": "x",
		})
		assert.ErrorIs(t, err, realtime.ErrInvalidPath)
		assert.Empty(t, f.updates)
	})

	t.Run("update_rejects_bad_keys", func(t *testing.T) {
		store, _ := newFakeStore(time.Second)
		assert.ErrorIs(t, store.Update(ctx, "rooms", map[string]any{"/": 1}), realtime.ErrInvalidPath)
		assert.ErrorIs(t, store.Update(ctx, "rooms", map[string]any{"a.b": 1}), realtime.ErrInvalidPath)
		assert.ErrorIs(t, store.Update(ctx, "rooms", nil), realtime.ErrEmptyUpdate)
	})

	t.Run("ping", func(t *testing.T) {
		store, _ := newFakeStore(time.Second)
		assert.NoError(t, store.Ping(ctx))
	})
}

type capture struct {
	mu    sync.Mutex
	snaps []realtime.Snapshot
	errs  []error
}

func (c *capture) onValue(s realtime.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps = append(c.snaps, s)
}

func (c *capture) onError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *capture) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.snaps), len(c.errs)
}

func TestStore_Subscribe(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()

	t.Run("initial_value_then_changes", func(t *testing.T) {
		store, _ := newFakeStore(5 * time.Millisecond)
		require.NoError(t, store.Set(ctx, "users/u1/rooms/r1", true))

		got := &capture{}
		cancel, err := store.Subscribe(ctx, "users/u1/rooms", got.onValue, got.onError)
		require.NoError(t, err)
		defer cancel()

		require.Eventually(t, func() bool { n, _ := got.counts(); return n == 1 }, time.Second, 5*time.Millisecond)

		require.NoError(t, store.Set(ctx, "users/u1/rooms/r2", true))
		require.Eventually(t, func() bool { n, _ := got.counts(); return n == 2 }, time.Second, 5*time.Millisecond)

		// Unrelated write leaves the listener quiet
		require.NoError(t, store.Set(ctx, "users/u2/rooms/r9", true))
		time.Sleep(30 * time.Millisecond)
		n, e := got.counts()
		assert.Equal(t, 2, n)
		assert.Equal(t, 0, e)

		got.mu.Lock()
		keys, err := got.snaps[1].Keys()
		got.mu.Unlock()
		require.NoError(t, err)
		assert.Equal(t, []string{"r1", "r2"}, keys)
	})

	t.Run("tolerates_transient_failures", func(t *testing.T) {
		store, f := newFakeStore(5 * time.Millisecond)

		got := &capture{}
		cancel, err := store.Subscribe(ctx, "rooms", got.onValue, got.onError)
		require.NoError(t, err)
		defer cancel()
		require.Eventually(t, func() bool { n, _ := got.counts(); return n == 1 }, time.Second, 5*time.Millisecond)

		f.failPolls(errors.New("503"), maxPollFailures-1)

		require.NoError(t, store.Set(ctx, "rooms/r1", map[string]any{"id": "r1"}))
		require.Eventually(t, func() bool { n, _ := got.counts(); return n == 2 }, time.Second, 5*time.Millisecond)
		_, e := got.counts()
		assert.Equal(t, 0, e)
	})

	t.Run("persistent_failure_reports_once", func(t *testing.T) {
		store, f := newFakeStore(5 * time.Millisecond)

		got := &capture{}
		cancel, err := store.Subscribe(ctx, "rooms", got.onValue, got.onError)
		require.NoError(t, err)
		defer cancel()
		require.Eventually(t, func() bool { n, _ := got.counts(); return n == 1 }, time.Second, 5*time.Millisecond)

		f.failPolls(errors.New("permission denied"), -1)
		require.Eventually(t, func() bool { _, e := got.counts(); return e == 1 }, time.Second, 5*time.Millisecond)
		time.Sleep(30 * time.Millisecond)
		_, e := got.counts()
		assert.Equal(t, 1, e)
	})

	t.Run("cancel_stops_polling", func(t *testing.T) {
		store, _ := newFakeStore(5 * time.Millisecond)

		got := &capture{}
		cancel, err := store.Subscribe(ctx, "rooms", got.onValue, got.onError)
		require.NoError(t, err)
		require.Eventually(t, func() bool { n, _ := got.counts(); return n == 1 }, time.Second, 5*time.Millisecond)

		cancel()
		cancel()
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, store.Set(ctx, "rooms/r1", true))
		time.Sleep(30 * time.Millisecond)
		n, _ := got.counts()
		assert.Equal(t, 1, n)
	})
}
