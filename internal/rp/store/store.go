package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/wickhamlabs/authgate/internal/rp/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// StorageError wraps a durable-store I/O failure together with the key the
// operation was working on. Callers must treat the operation as failed; the
// prior state of the record is preserved by the backends.
type StorageError struct {
	Op  string // "upsert", "delete", "create", "renew", "remove"
	Key string // subject or session id
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// TokenStore is a keyed repository of per-subject token records. Upsert
// replaces the whole record atomically; Delete is idempotent.
type TokenStore interface {
	Get(ctx context.Context, subject string) (domain.TokenRecord, error)
	Upsert(ctx context.Context, record domain.TokenRecord) error
	Delete(ctx context.Context, subject string) error
}

// SessionStore is a keyed repository of authentication session tickets.
// Create fails with ErrAlreadyExists when the session id is taken; Renew
// fails with ErrNotFound when it isn't; Remove is idempotent.
type SessionStore interface {
	Create(ctx context.Context, ticket domain.SessionTicket) (string, error)
	Renew(ctx context.Context, sid string, ticket domain.SessionTicket) error
	Retrieve(ctx context.Context, sid string) (domain.SessionTicket, error)
	Remove(ctx context.Context, sid string) error
}
