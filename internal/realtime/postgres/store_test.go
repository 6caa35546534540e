package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"emoji-chat/internal/realtime"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, "", WithPingInterval(0)), mock
}

func TestMigrate(t *testing.T) {
	t.Run("creates_schema", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec(regexp.QuoteMeta(schema)).WillReturnResult(sqlmock.NewResult(0, 0))

		require.NoError(t, Migrate(context.Background(), db))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("wraps_error", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec(regexp.QuoteMeta(schema)).WillReturnError(errors.New("permission denied"))

		err = Migrate(context.Background(), db)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to migrate realtime schema")
	})
}

func TestStore_Get(t *testing.T) {
	t.Run("assembles_subtree_from_leaves", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectQuery(regexp.QuoteMeta(selectSubtreeQuery)).
			WithArgs("rooms/r1", "rooms/r1/%").
			WillReturnRows(sqlmock.NewRows([]string{"path", "value"}).
				AddRow("rooms/r1/name", `"General"`).
				AddRow("rooms/r1/updatedAt", `1700000000000`).
				AddRow("rooms/r1/lastMessage/content", `"👋"`))

		snap, err := store.Get(context.Background(), "/rooms/r1")
		require.NoError(t, err)
		assert.Equal(t, "rooms/r1", snap.Path)
		assert.JSONEq(t, `{"name":"General","updatedAt":1700000000000,"lastMessage":{"content":"👋"}}`, string(snap.Raw))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("leaf_value", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectQuery(regexp.QuoteMeta(selectSubtreeQuery)).
			WithArgs("users/u1/rooms/r1", "users/u1/rooms/r1/%").
			WillReturnRows(sqlmock.NewRows([]string{"path", "value"}).
				AddRow("users/u1/rooms/r1", `true`))

		snap, err := store.Get(context.Background(), "users/u1/rooms/r1")
		require.NoError(t, err)
		var member bool
		require.NoError(t, snap.Decode(&member))
		assert.True(t, member)
	})

	t.Run("missing_node", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectQuery(regexp.QuoteMeta(selectSubtreeQuery)).
			WithArgs("rooms/none", "rooms/none/%").
			WillReturnRows(sqlmock.NewRows([]string{"path", "value"}))

		snap, err := store.Get(context.Background(), "rooms/none")
		require.NoError(t, err)
		assert.False(t, snap.Exists())
	})

	t.Run("escapes_like_wildcards", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectQuery(regexp.QuoteMeta(selectSubtreeQuery)).
			WithArgs("users/a_b%c", `users/a\_b\%c/%`).
			WillReturnRows(sqlmock.NewRows([]string{"path", "value"}))

		_, err := store.Get(context.Background(), "users/a_b%c")
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("root_reads_everything", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectQuery(regexp.QuoteMeta(selectAllQuery)).
			WillReturnRows(sqlmock.NewRows([]string{"path", "value"}).
				AddRow("a/b", `1`))

		snap, err := store.Get(context.Background(), "")
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":{"b":1}}`, string(snap.Raw))
	})

	t.Run("query_error", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectQuery(regexp.QuoteMeta(selectSubtreeQuery)).
			WillReturnError(errors.New("connection refused"))

		_, err := store.Get(context.Background(), "rooms/r1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to query")
	})

	t.Run("invalid_path", func(t *testing.T) {
		store, _ := newMockStore(t)
		_, err := store.Get(context.Background(), "rooms/r.1")
		assert.ErrorIs(t, err, realtime.ErrInvalidPath)
	})
}

func TestStore_Set(t *testing.T) {
	t.Run("replaces_subtree_and_notifies", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(deleteSubtreeQuery)).
			WithArgs("users/u1/profile", "users/u1/profile/%").
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectExec(regexp.QuoteMeta(deleteLeavesQuery)).
			WithArgs(sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta(upsertLeafQuery)).
			WithArgs("users/u1/profile/displayName", `"Ana"`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(upsertLeafQuery)).
			WithArgs("users/u1/profile/id", `"u1"`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(notifyQuery)).
			WithArgs(NotifyChannel, "users/u1/profile").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := store.Set(context.Background(), "users/u1/profile", map[string]any{
			"id":          "u1",
			"displayName": "Ana",
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nil_deletes", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(deleteSubtreeQuery)).
			WithArgs("pushSubscriptions/u1/s1", "pushSubscriptions/u1/s1/%").
			WillReturnResult(sqlmock.NewResult(0, 3))
		mock.ExpectExec(regexp.QuoteMeta(notifyQuery)).
			WithArgs(NotifyChannel, "pushSubscriptions/u1/s1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, store.Set(context.Background(), "pushSubscriptions/u1/s1", nil))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls_back_on_write_failure", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(deleteSubtreeQuery)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta(upsertLeafQuery)).
			WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		err := store.Set(context.Background(), "rooms", true)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to write")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_Update(t *testing.T) {
	t.Run("applies_all_fields_in_one_transaction", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		// messages/m1
		mock.ExpectExec(regexp.QuoteMeta(deleteSubtreeQuery)).
			WithArgs("messages/m1", "messages/m1/%").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta(deleteLeavesQuery)).
			WithArgs(sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta(upsertLeafQuery)).
			WithArgs("messages/m1/content", `"hi"`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		// rooms/r1/updatedAt
		mock.ExpectExec(regexp.QuoteMeta(deleteSubtreeQuery)).
			WithArgs("rooms/r1/updatedAt", "rooms/r1/updatedAt/%").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(deleteLeavesQuery)).
			WithArgs(sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta(upsertLeafQuery)).
			WithArgs("rooms/r1/updatedAt", `5`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(notifyQuery)).
			WithArgs(NotifyChannel, "messages/m1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(notifyQuery)).
			WithArgs(NotifyChannel, "rooms/r1/updatedAt").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := store.Update(context.Background(), "", map[string]any{
			"rooms/r1/updatedAt": 5,
			"messages/m1":        map[string]any{"content": "hi"},
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects_overlapping_fields_before_writing", func(t *testing.T) {
		store, mock := newMockStore(t)

		err := store.Update(context.Background(), "rooms", map[string]any{
			"r1":      map[string]any{"id": "r1"},
			"r1/name": "x",
		})
		assert.ErrorIs(t, err, realtime.ErrInvalidPath)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty", func(t *testing.T) {
		store, _ := newMockStore(t)
		assert.ErrorIs(t, store.Update(context.Background(), "rooms", map[string]any{}), realtime.ErrEmptyUpdate)
	})
}

func TestStore_NewKeyAndPing(t *testing.T) {
	store, _ := newMockStore(t)

	a, err := store.NewKey(context.Background(), "messages")
	require.NoError(t, err)
	b, err := store.NewKey(context.Background(), "messages")
	require.NoError(t, err)
	assert.Less(t, a, b)

	assert.NoError(t, store.Ping(context.Background()))
}
