package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"emoji-chat/internal/domain"
	"emoji-chat/internal/realtime"
	"emoji-chat/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *testutil.MockBackend) {
	t.Helper()
	backend := testutil.NewMockBackend()
	t.Cleanup(func() { backend.Close() })

	registry := NewRegistry(backend)
	var tick int64
	registry.now = func() time.Time {
		tick++
		return time.UnixMilli(1700000000000 + tick)
	}
	return registry, backend
}

func TestRegistry_Register(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(t)

	sub, err := registry.Register(ctx, "u1", "https://push.example.com/abc", "Firefox")
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID)
	assert.Equal(t, "u1", sub.UserID)
	assert.Equal(t, "https://push.example.com/abc", sub.Endpoint)
	assert.Equal(t, "Firefox", sub.UserAgent)

	subs, err := registry.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, sub, subs[0])
}

func TestRegistry_RegisterSameEndpointTwice(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(t)

	first, err := registry.Register(ctx, "u1", "https://push.example.com/abc", "")
	require.NoError(t, err)
	second, err := registry.Register(ctx, "u1", "https://push.example.com/abc", "")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	subs, err := registry.List(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestRegistry_RegisterValidation(t *testing.T) {
	tests := []struct {
		name     string
		userID   string
		endpoint string
	}{
		{name: "empty user", userID: "", endpoint: "https://push.example.com/a"},
		{name: "user with slash", userID: "a/b", endpoint: "https://push.example.com/a"},
		{name: "user with forbidden char", userID: "a.b", endpoint: "https://push.example.com/a"},
		{name: "empty endpoint", userID: "u1", endpoint: ""},
		{name: "relative endpoint", userID: "u1", endpoint: "/push"},
		{name: "other scheme", userID: "u1", endpoint: "ftp://push.example.com/a"},
		{name: "plain http", userID: "u1", endpoint: "http://push.example.com/a"},
		{name: "credentials in url", userID: "u1", endpoint: "https://user:pw@push.example.com/a"},
		{name: "localhost", userID: "u1", endpoint: "https://localhost:8080/a"},
		{name: "localhost subdomain", userID: "u1", endpoint: "https://api.localhost/a"},
		{name: "loopback", userID: "u1", endpoint: "https://127.0.0.1/a"},
		{name: "ipv6 loopback", userID: "u1", endpoint: "https://[::1]/a"},
		{name: "private network", userID: "u1", endpoint: "https://10.0.0.5/a"},
		{name: "private network 192", userID: "u1", endpoint: "https://192.168.1.20/a"},
		{name: "cloud metadata", userID: "u1", endpoint: "https://169.254.169.254/latest/meta-data"},
		{name: "mapped private", userID: "u1", endpoint: "https://[::ffff:10.0.0.1]/a"},
		{name: "unspecified", userID: "u1", endpoint: "https://0.0.0.0/a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry, _ := newTestRegistry(t)
			_, err := registry.Register(context.Background(), tt.userID, tt.endpoint, "")
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

func TestRegistry_ListOrderAndIsolation(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(t)

	a, err := registry.Register(ctx, "u1", "https://push.example.com/a", "")
	require.NoError(t, err)
	b, err := registry.Register(ctx, "u1", "https://push.example.com/b", "")
	require.NoError(t, err)
	_, err = registry.Register(ctx, "u2", "https://push.example.com/c", "")
	require.NoError(t, err)

	subs, err := registry.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, a.ID, subs[0].ID)
	assert.Equal(t, b.ID, subs[1].ID)

	subs, err = registry.List(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestRegistry_ListSkipsMalformed(t *testing.T) {
	ctx := context.Background()
	registry, backend := newTestRegistry(t)

	_, err := registry.Register(ctx, "u1", "https://push.example.com/a", "")
	require.NoError(t, err)
	require.NoError(t, backend.Set(ctx, "pushSubscriptions/u1/broken", "not an object"))
	require.NoError(t, backend.Set(ctx, "pushSubscriptions/u1/empty", map[string]any{"userAgent": "x"}))

	subs, err := registry.List(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestRegistry_Unregister(t *testing.T) {
	ctx := context.Background()
	registry, _ := newTestRegistry(t)

	sub, err := registry.Register(ctx, "u1", "https://push.example.com/a", "")
	require.NoError(t, err)

	require.NoError(t, registry.Unregister(ctx, "u1", sub.ID))
	assert.ErrorIs(t, registry.Unregister(ctx, "u1", sub.ID), domain.ErrSubscriptionNotFound)
	assert.ErrorIs(t, registry.Unregister(ctx, "u2", "whatever"), domain.ErrSubscriptionNotFound)
	assert.ErrorIs(t, registry.Unregister(ctx, "u1", "a/b"), domain.ErrSubscriptionNotFound)

	subs, err := registry.List(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestRegistry_BackendError(t *testing.T) {
	registry, backend := newTestRegistry(t)
	backend.GetFunc = func(ctx context.Context, path string) (realtime.Snapshot, error) {
		return realtime.Snapshot{}, testutil.ErrMockBackend
	}

	_, err := registry.List(context.Background(), "u1")
	assert.True(t, errors.Is(err, testutil.ErrMockBackend))

	_, err = registry.Register(context.Background(), "u1", "https://push.example.com/a", "")
	assert.ErrorIs(t, err, testutil.ErrMockBackend)
}
