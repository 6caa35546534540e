package service

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"emoji-chat/internal/domain"
	"emoji-chat/internal/realtime"

	"firebase.google.com/go/v4/auth"
	"github.com/golang-jwt/jwt/v5"
)

const (
	privyIssuer          = "privy.io"
	maxDisplayNameLength = 50
	maxAvatarURLLength   = 2048
	devTokenPrefix       = "dev:"
)

// PrivyVerifier checks Privy access tokens: ES256 JWTs issued by privy.io for
// one app. The subject is the user's DID.
type PrivyVerifier struct {
	appID  string
	key    *ecdsa.PublicKey
	parser *jwt.Parser
}

// NewPrivyVerifier parses the PEM encoded verification key from the Privy dashboard
func NewPrivyVerifier(appID, verificationKey string) (*PrivyVerifier, error) {
	if appID == "" {
		return nil, fmt.Errorf("privy app id is required")
	}
	key, err := jwt.ParseECPublicKeyFromPEM([]byte(verificationKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse privy verification key: %w", err)
	}
	return &PrivyVerifier{
		appID: appID,
		key:   key,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
			jwt.WithIssuer(privyIssuer),
			jwt.WithAudience(appID),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

func (v *PrivyVerifier) Verify(ctx context.Context, token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	if _, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	}); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", domain.ErrUnauthorized)
	}
	return claims.Subject, nil
}

// idTokenVerifier is the part of *auth.Client used here
type idTokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// FirebaseVerifier checks Firebase Auth ID tokens
type FirebaseVerifier struct {
	client idTokenVerifier
}

func NewFirebaseVerifier(client *auth.Client) *FirebaseVerifier {
	return &FirebaseVerifier{client: client}
}

func (v *FirebaseVerifier) Verify(ctx context.Context, token string) (string, error) {
	tok, err := v.client.VerifyIDToken(ctx, token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	return tok.UID, nil
}

// DevVerifier accepts "dev:<userId>" tokens. Local development only.
type DevVerifier struct{}

func (DevVerifier) Verify(ctx context.Context, token string) (string, error) {
	id, ok := strings.CutPrefix(token, devTokenPrefix)
	if !ok || !validKey(id) {
		return "", domain.ErrUnauthorized
	}
	return id, nil
}

type AuthService struct {
	verifier domain.TokenVerifier
	backend  realtime.Backend
	now      func() time.Time
}

func NewAuthService(verifier domain.TokenVerifier, backend realtime.Backend) *AuthService {
	return &AuthService{
		verifier: verifier,
		backend:  backend,
		now:      time.Now,
	}
}

// Authenticate verifies token and returns the caller's profile, creating an
// empty one on first sign-in
func (s *AuthService) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	if token == "" {
		return nil, domain.ErrUnauthorized
	}
	userID, err := s.verifier.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	if !validKey(userID) {
		return nil, domain.ErrUnauthorized
	}

	user, err := s.GetProfile(ctx, userID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, domain.ErrUserNotFound) {
		return nil, err
	}

	now := s.now().UnixMilli()
	user = &domain.User{
		ID:        userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.backend.Set(ctx, userProfilePath(userID), user); err != nil {
		return nil, fmt.Errorf("failed to create profile: %w", err)
	}
	return user, nil
}

func (s *AuthService) GetProfile(ctx context.Context, userID string) (*domain.User, error) {
	if !validKey(userID) {
		return nil, domain.ErrUserNotFound
	}
	snap, err := s.backend.Get(ctx, userProfilePath(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	if !snap.Exists() {
		return nil, domain.ErrUserNotFound
	}

	var user domain.User
	if err := snap.Decode(&user); err != nil {
		return nil, err
	}
	if user.ID == "" {
		user.ID = userID
	}
	return &user, nil
}

// UpdateProfile sets the display name and avatar. Empty values clear them.
func (s *AuthService) UpdateProfile(ctx context.Context, userID, displayName, avatarURL string) (*domain.User, error) {
	if utf8.RuneCountInString(displayName) > maxDisplayNameLength {
		return nil, domain.ErrInvalidInput
	}
	if avatarURL != "" {
		if len(avatarURL) > maxAvatarURLLength {
			return nil, domain.ErrInvalidInput
		}
		u, err := url.Parse(avatarURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return nil, domain.ErrInvalidInput
		}
	}

	user, err := s.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	user.DisplayName = displayName
	user.AvatarURL = avatarURL
	user.UpdatedAt = s.now().UnixMilli()

	fields := map[string]any{
		"displayName": displayName,
		"avatarUrl":   avatarURL,
		"updatedAt":   user.UpdatedAt,
	}
	if err := s.backend.Update(ctx, userProfilePath(userID), fields); err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}
	return user, nil
}
