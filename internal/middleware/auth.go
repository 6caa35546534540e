package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"emoji-chat/internal/domain"
	"emoji-chat/internal/observability"
)

type contextKey string

const (
	UserIDKey contextKey = "user_id"
	UserKey   contextKey = "user"
)

// Authenticator resolves a bearer token to the caller's profile
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*domain.User, error)
}

// Auth requires a valid bearer token. Browsers cannot set headers on WebSocket
// upgrades, so the token query parameter is accepted as well.
func Auth(authenticator Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				http.Error(w, `{"error":"Not authenticated"}`, http.StatusUnauthorized)
				return
			}

			user, err := authenticator.Authenticate(r.Context(), token)
			if err != nil {
				if errors.Is(err, domain.ErrUnauthorized) {
					http.Error(w, `{"error":"Invalid or expired token"}`, http.StatusUnauthorized)
					return
				}
				observability.FromContext(r.Context()).Error("authentication failed",
					slog.String("error", err.Error()))
				http.Error(w, `{"error":"Authentication unavailable"}`, http.StatusServiceUnavailable)
				return
			}

			ctx := WithUser(r.Context(), user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken extracts the token from the Authorization header or the token
// query parameter
func BearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return ""
		}
		return strings.TrimSpace(token)
	}
	return r.URL.Query().Get("token")
}

func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok && userID != ""
}

func GetUser(ctx context.Context) (*domain.User, bool) {
	user, ok := ctx.Value(UserKey).(*domain.User)
	return user, ok
}

func WithUserID(ctx context.Context, userID string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	return observability.WithUserID(ctx, userID)
}

func WithUser(ctx context.Context, user *domain.User) context.Context {
	ctx = WithUserID(ctx, user.ID)
	return context.WithValue(ctx, UserKey, user)
}
