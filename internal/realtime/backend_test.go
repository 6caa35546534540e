package realtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot(t *testing.T) {
	t.Run("missing_value", func(t *testing.T) {
		for _, raw := range []json.RawMessage{nil, json.RawMessage(""), json.RawMessage(" null ")} {
			snap := Snapshot{Path: "rooms/r1", Raw: raw}
			assert.False(t, snap.Exists())

			var v map[string]any
			assert.ErrorIs(t, snap.Decode(&v), ErrNoValue)

			keys, err := snap.Keys()
			require.NoError(t, err)
			assert.Empty(t, keys)
		}
	})

	t.Run("key_is_last_segment", func(t *testing.T) {
		assert.Equal(t, "r1", Snapshot{Path: "users/u1/rooms/r1"}.Key())
		assert.Equal(t, "", Snapshot{}.Key())
	})

	t.Run("keys_sorted_and_skip_nulls", func(t *testing.T) {
		snap := Snapshot{Path: "users/u1/rooms", Raw: json.RawMessage(`{"r2":true,"r1":true,"gone":null}`)}
		keys, err := snap.Keys()
		require.NoError(t, err)
		assert.Equal(t, []string{"r1", "r2"}, keys)
	})

	t.Run("scalar_has_no_children", func(t *testing.T) {
		keys, err := Snapshot{Raw: json.RawMessage(`true`)}.Keys()
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("new_snapshot_round_trip", func(t *testing.T) {
		snap, err := NewSnapshot("rooms/r1", map[string]any{"name": "General"})
		require.NoError(t, err)
		var out struct {
			Name string `json:"name"`
		}
		require.NoError(t, snap.Decode(&out))
		assert.Equal(t, "General", out.Name)

		nilSnap, err := NewSnapshot("rooms/r1", nil)
		require.NoError(t, err)
		assert.False(t, nilSnap.Exists())
	})

	t.Run("equal", func(t *testing.T) {
		a := Snapshot{Raw: json.RawMessage(`{"a":1}`)}
		b := Snapshot{Raw: json.RawMessage(` {"a":1} `)}
		c := Snapshot{Raw: json.RawMessage(`{"a":2}`)}
		assert.True(t, a.Equal(b))
		assert.False(t, a.Equal(c))
		assert.True(t, Snapshot{}.Equal(Snapshot{Raw: json.RawMessage("null")}))
		assert.False(t, a.Equal(Snapshot{}))
	})
}
