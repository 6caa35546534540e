package domain

import (
	"context"
	"errors"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrSubscriptionNotFound = errors.New("push subscription not found")
)

// User is the profile stored for an authenticated identity. The id is opaque:
// a Privy DID or a Firebase uid depending on the auth provider.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// PushSubscription is a registered push endpoint for a user
type PushSubscription struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Endpoint  string `json:"endpoint"`
	UserAgent string `json:"userAgent,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// TokenVerifier checks a bearer token issued by the identity provider and
// returns the user id it was issued to
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}
