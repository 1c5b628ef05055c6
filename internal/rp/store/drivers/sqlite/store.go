package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/wickhamlabs/authgate/internal/rp/store"

	_ "modernc.org/sqlite"
)

// Store owns the sqlite connection pool and hands out the repositories.
type Store struct {
	db  *sql.DB
	dsn string
}

func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// Enforce FKs
	if _, err := db.ExecContext(context.Background(), `PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, dsn: dsn}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Tokens returns the durable token repository.
func (s *Store) Tokens() store.TokenStore { return &tokensRepo{db: s.db} }

// Sessions returns the durable session repository.
func (s *Store) Sessions() store.SessionStore { return &sessionsRepo{db: s.db} }

func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}
