package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"emoji-chat/internal/domain"
	"emoji-chat/internal/realtime"
	fbstore "emoji-chat/internal/realtime/firebase"
	"emoji-chat/internal/realtime/memory"
	"emoji-chat/internal/realtime/postgres"
	"emoji-chat/internal/service"

	fbapp "firebase.google.com/go/v4"
	"google.golang.org/api/option"
)

// NewFirebaseApp initializes the Admin SDK from the service account in cfg.
// Without explicit credentials it falls back to application default credentials.
func NewFirebaseApp(ctx context.Context, cfg *Config) (*fbapp.App, error) {
	var opts []option.ClientOption
	switch {
	case cfg.FirebaseServiceAccountJSON != "":
		slog.Info("using firebase credentials from environment")
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.FirebaseServiceAccountJSON)))
	case cfg.FirebaseServiceAccountPath != "":
		slog.Info("using firebase credentials file",
			slog.String("path", cfg.FirebaseServiceAccountPath))
		opts = append(opts, option.WithCredentialsFile(cfg.FirebaseServiceAccountPath))
	}

	app, err := fbapp.NewApp(ctx, &fbapp.Config{
		ProjectID:   cfg.FirebaseProjectID,
		DatabaseURL: cfg.FirebaseDatabaseURL,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}
	return app, nil
}

// NewBackend opens the configured realtime backend. app is only used by the
// firebase backend.
func NewBackend(ctx context.Context, cfg *Config, app *fbapp.App) (*realtime.Instrumented, error) {
	var backend realtime.Backend

	switch cfg.Backend {
	case BackendMemory:
		backend = memory.NewStore()

	case BackendPostgres:
		db, err := NewPostgresConnection(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		backend = &ownedStore{Store: postgres.New(db, cfg.DatabaseURL), db: db}

	case BackendFirebase:
		if app == nil {
			return nil, fmt.Errorf("firebase backend requires a firebase app")
		}
		client, err := app.DatabaseWithURL(ctx, cfg.FirebaseDatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create database client: %w", err)
		}
		backend = fbstore.New(client, cfg.FirebasePollInterval)

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	slog.Info("realtime backend ready",
		slog.String("backend", cfg.Backend))
	return realtime.Instrument(backend, cfg.Backend, cfg.BackendTimeout), nil
}

// NewTokenVerifier returns the verifier for the configured auth provider. app
// is only used by firebase auth.
func NewTokenVerifier(ctx context.Context, cfg *Config, app *fbapp.App) (domain.TokenVerifier, error) {
	switch cfg.AuthProvider {
	case AuthPrivy:
		verifier, err := service.NewPrivyVerifier(cfg.PrivyAppID, cfg.PrivyVerificationKey)
		if err != nil {
			return nil, err
		}
		return verifier, nil

	case AuthFirebase:
		if app == nil {
			return nil, fmt.Errorf("firebase auth requires a firebase app")
		}
		client, err := app.Auth(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create auth client: %w", err)
		}
		return service.NewFirebaseVerifier(client), nil

	case AuthDev:
		slog.Warn("using development token verifier, tokens are not checked")
		return service.DevVerifier{}, nil

	default:
		return nil, fmt.Errorf("unknown auth provider %q", cfg.AuthProvider)
	}
}

// ServiceConfig maps the settings of the synchronization layer
func (c *Config) ServiceConfig() service.Config {
	return service.Config{
		MaterializeConcurrency:   c.MaterializeConcurrency,
		SubscriptionEmptyOnError: c.SubscriptionEmptyOnError,
	}
}

// ownedStore closes the connection pool it was opened with
type ownedStore struct {
	*postgres.Store
	db *sql.DB
}

func (s *ownedStore) Close() error {
	return errors.Join(s.Store.Close(), s.db.Close())
}
