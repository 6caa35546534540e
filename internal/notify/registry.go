// Package notify delivers push notifications for new messages to the other
// participants of a room
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"emoji-chat/internal/domain"
	"emoji-chat/internal/realtime"

	"github.com/google/uuid"
)

const (
	subscriptionsRoot = "pushSubscriptions"

	maxEndpointLength  = 2048
	maxUserAgentLength = 512
)

// Registry stores push endpoints per user under
// pushSubscriptions/{userId}/{subscriptionId}
type Registry struct {
	backend realtime.Backend
	now     func() time.Time
}

func NewRegistry(backend realtime.Backend) *Registry {
	return &Registry{
		backend: backend,
		now:     time.Now,
	}
}

// Register adds endpoint for userID. Registering a known endpoint again
// returns the existing subscription.
func (r *Registry) Register(ctx context.Context, userID, endpoint, userAgent string) (*domain.PushSubscription, error) {
	if !validSegment(userID) || !validEndpoint(endpoint) || len(userAgent) > maxUserAgentLength {
		return nil, domain.ErrInvalidInput
	}

	existing, err := r.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, sub := range existing {
		if sub.Endpoint == endpoint {
			return sub, nil
		}
	}

	sub := &domain.PushSubscription{
		ID:        uuid.New().String(),
		UserID:    userID,
		Endpoint:  endpoint,
		UserAgent: userAgent,
		CreatedAt: r.now().UnixMilli(),
	}
	if err := r.backend.Set(ctx, subscriptionPath(userID, sub.ID), sub); err != nil {
		return nil, fmt.Errorf("failed to register push subscription: %w", err)
	}
	return sub, nil
}

// Unregister removes one of userID's subscriptions
func (r *Registry) Unregister(ctx context.Context, userID, id string) error {
	if !validSegment(userID) || !validSegment(id) {
		return domain.ErrSubscriptionNotFound
	}

	path := subscriptionPath(userID, id)
	snap, err := r.backend.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to read push subscription: %w", err)
	}
	if !snap.Exists() {
		return domain.ErrSubscriptionNotFound
	}

	if err := r.backend.Set(ctx, path, nil); err != nil {
		return fmt.Errorf("failed to remove push subscription: %w", err)
	}
	return nil
}

// List returns userID's subscriptions, oldest first. Malformed records are skipped.
func (r *Registry) List(ctx context.Context, userID string) ([]*domain.PushSubscription, error) {
	if !validSegment(userID) {
		return nil, nil
	}

	snap, err := r.backend.Get(ctx, realtime.Join(subscriptionsRoot, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to list push subscriptions: %w", err)
	}
	if !snap.Exists() {
		return nil, nil
	}

	var records map[string]json.RawMessage
	if err := snap.Decode(&records); err != nil {
		return nil, nil
	}

	subs := make([]*domain.PushSubscription, 0, len(records))
	for id, raw := range records {
		var sub *domain.PushSubscription
		if err := json.Unmarshal(raw, &sub); err != nil || sub == nil || sub.Endpoint == "" {
			continue
		}
		sub.ID = id
		sub.UserID = userID
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt != subs[j].CreatedAt {
			return subs[i].CreatedAt < subs[j].CreatedAt
		}
		return subs[i].ID < subs[j].ID
	})
	return subs, nil
}

func subscriptionPath(userID, id string) string {
	return realtime.Join(subscriptionsRoot, userID, id)
}

func validSegment(s string) bool {
	return s != "" && !strings.Contains(s, "/") && realtime.Validate(s) == nil
}

func validEndpoint(endpoint string) bool {
	if endpoint == "" || len(endpoint) > maxEndpointLength {
		return false
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	return u.Scheme == "https" && u.User == nil && publicHost(u.Hostname())
}
