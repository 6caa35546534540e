package config

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

const (
	pingAttempts  = 5
	pingBaseDelay = 250 * time.Millisecond
	// Connections beyond materializer fan-out for writes and index reads
	poolHeadroom = 8
)

// NewPostgresConnection opens the room store database and waits for it to
// answer. The pool is sized so a full materializer pass never queues.
func NewPostgresConnection(ctx context.Context, cfg *Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	configurePool(db, cfg.MaterializeConcurrency)

	if err := pingUntilReady(ctx, db, pingAttempts, pingBaseDelay); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func configurePool(db *sql.DB, concurrency int) {
	open := concurrency + poolHeadroom
	db.SetMaxOpenConns(open)
	db.SetMaxIdleConns(open / 2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)
}

func pingUntilReady(ctx context.Context, db *sql.DB, attempts int, delay time.Duration) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = db.PingContext(ctx); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		slog.Warn("database not ready, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", delay),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to ping database: %w", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("failed to ping database after %d attempts: %w", attempts, err)
}
