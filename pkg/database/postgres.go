package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"eventcast/pkg/logging"
)

var ErrNoURL = errors.New("database url not set")

type Options struct {
	URL          string
	MaxOpenConns int
}

// Connect opens the pool and pings it. Pool limits stay small; the managed
// Postgres in front of this service caps connections per client.
func Connect(ctx context.Context, opts Options) (*sql.DB, error) {
	if opts.URL == "" {
		return nil, ErrNoURL
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 10
	}

	db, err := sql.Open("postgres", opts.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetConnMaxIdleTime(30 * time.Second)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log := logging.WithComponent("db")
	log.Info().Int("max_open_conns", opts.MaxOpenConns).Msg("connected to postgres")
	return db, nil
}
