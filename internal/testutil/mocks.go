// Package testutil provides shared test utilities, mocks, and fixtures
// for testing the emoji-chat application.
package testutil

import (
	"context"
	"errors"
	"sync"

	"emoji-chat/internal/domain"
	"emoji-chat/internal/realtime"
	"emoji-chat/internal/realtime/memory"
)

// Common test errors
var (
	ErrMockNotImplemented = errors.New("mock function not implemented")
	ErrMockBackend        = errors.New("mock: backend unavailable")
)

// MockBackend implements realtime.Backend for testing. Calls without an
// override fall through to an in-memory store.
type MockBackend struct {
	mu sync.Mutex

	// Function overrides - set these to customize behavior
	GetFunc       func(ctx context.Context, path string) (realtime.Snapshot, error)
	SetFunc       func(ctx context.Context, path string, value any) error
	UpdateFunc    func(ctx context.Context, path string, fields map[string]any) error
	NewKeyFunc    func(ctx context.Context, path string) (string, error)
	SubscribeFunc func(ctx context.Context, path string, onValue func(realtime.Snapshot), onError func(error)) (func(), error)
	PingFunc      func(ctx context.Context) error

	// Store backs every call that is not overridden
	Store *memory.Store

	// Call tracking
	Gets    []string
	Updates []UpdateCall
}

// UpdateCall records a call to Update
type UpdateCall struct {
	Path   string
	Fields map[string]any
}

// NewMockBackend creates a MockBackend over an empty in-memory store
func NewMockBackend() *MockBackend {
	return &MockBackend{Store: memory.NewStore()}
}

func (m *MockBackend) Get(ctx context.Context, path string) (realtime.Snapshot, error) {
	m.mu.Lock()
	m.Gets = append(m.Gets, path)
	m.mu.Unlock()

	if m.GetFunc != nil {
		return m.GetFunc(ctx, path)
	}
	return m.Store.Get(ctx, path)
}

func (m *MockBackend) Set(ctx context.Context, path string, value any) error {
	if m.SetFunc != nil {
		return m.SetFunc(ctx, path, value)
	}
	return m.Store.Set(ctx, path, value)
}

func (m *MockBackend) Update(ctx context.Context, path string, fields map[string]any) error {
	m.mu.Lock()
	m.Updates = append(m.Updates, UpdateCall{Path: path, Fields: fields})
	m.mu.Unlock()

	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, path, fields)
	}
	return m.Store.Update(ctx, path, fields)
}

func (m *MockBackend) NewKey(ctx context.Context, path string) (string, error) {
	if m.NewKeyFunc != nil {
		return m.NewKeyFunc(ctx, path)
	}
	return m.Store.NewKey(ctx, path)
}

func (m *MockBackend) Subscribe(ctx context.Context, path string, onValue func(realtime.Snapshot), onError func(error)) (func(), error) {
	if m.SubscribeFunc != nil {
		return m.SubscribeFunc(ctx, path, onValue, onError)
	}
	return m.Store.Subscribe(ctx, path, onValue, onError)
}

func (m *MockBackend) Ping(ctx context.Context) error {
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return m.Store.Ping(ctx)
}

func (m *MockBackend) Close() error {
	return m.Store.Close()
}

// GetCount returns how many reads hit path
func (m *MockBackend) GetCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.Gets {
		if p == path {
			n++
		}
	}
	return n
}

// TotalGets returns the number of reads so far
func (m *MockBackend) TotalGets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Gets)
}

// UpdateCalls returns a copy of the recorded updates
func (m *MockBackend) UpdateCalls() []UpdateCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]UpdateCall(nil), m.Updates...)
}

// MockMessagePublisher implements domain.MessagePublisher for testing
type MockMessagePublisher struct {
	mu sync.RWMutex

	// Function overrides
	PublishMessageCreatedFunc func(ctx context.Context, msg *domain.Message) error

	// Call tracking
	Published []*domain.Message
}

// NewMockMessagePublisher creates a new MockMessagePublisher
func NewMockMessagePublisher() *MockMessagePublisher {
	return &MockMessagePublisher{
		Published: make([]*domain.Message, 0),
	}
}

func (m *MockMessagePublisher) PublishMessageCreated(ctx context.Context, msg *domain.Message) error {
	if m.PublishMessageCreatedFunc != nil {
		return m.PublishMessageCreatedFunc(ctx, msg)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Published = append(m.Published, msg)
	return nil
}

// PublishedMessages returns a copy of the published messages
func (m *MockMessagePublisher) PublishedMessages() []*domain.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*domain.Message(nil), m.Published...)
}

// MockTokenVerifier implements domain.TokenVerifier for testing. Without an
// override it maps tokens to user ids through Tokens.
type MockTokenVerifier struct {
	VerifyFunc func(ctx context.Context, token string) (string, error)
	Tokens     map[string]string
}

// NewMockTokenVerifier creates a verifier accepting the given token to id pairs
func NewMockTokenVerifier(tokens map[string]string) *MockTokenVerifier {
	if tokens == nil {
		tokens = make(map[string]string)
	}
	return &MockTokenVerifier{Tokens: tokens}
}

func (m *MockTokenVerifier) Verify(ctx context.Context, token string) (string, error) {
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, token)
	}
	id, ok := m.Tokens[token]
	if !ok {
		return "", domain.ErrUnauthorized
	}
	return id, nil
}
