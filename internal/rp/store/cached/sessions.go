// Package cached composes an in-memory mirror in front of a durable session
// store. The durable store is authoritative; the mirror only exists to skip
// a storage round trip on every authenticated request. The write paths are
// ordered so the mirror can only ever be wrong in the "absent when present"
// direction. It must never claim a session the durable layer has dropped.
package cached

import (
	"context"
	"errors"

	"github.com/wickhamlabs/authgate/internal/rp/domain"
	"github.com/wickhamlabs/authgate/internal/rp/store"
	"github.com/wickhamlabs/authgate/internal/rp/store/memory"
)

// SessionStore is the cached-durable session backend.
type SessionStore struct {
	durable store.SessionStore
	mirror  *memory.SessionStore
}

// NewSessionStore wraps durable with a fresh in-memory mirror.
func NewSessionStore(durable store.SessionStore) *SessionStore {
	return &SessionStore{
		durable: durable,
		mirror:  memory.NewSessionStore(),
	}
}

// Create writes durable first. The mirror is only populated on durable
// success, so memory never claims a session the durable layer never
// recorded.
func (s *SessionStore) Create(ctx context.Context, ticket domain.SessionTicket) (string, error) {
	sid, err := s.durable.Create(ctx, ticket)
	if err != nil {
		return "", err
	}

	if _, err := s.mirror.Create(ctx, ticket); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return "", err
	}
	return sid, nil
}

// Renew writes durable first. On durable failure the mirror entry is
// evicted so the next Retrieve falls back to durable truth instead of
// serving the stale cached ticket.
func (s *SessionStore) Renew(ctx context.Context, sid string, ticket domain.SessionTicket) error {
	if err := s.durable.Renew(ctx, sid, ticket); err != nil {
		_ = s.mirror.Remove(ctx, sid)
		return err
	}

	if err := s.mirror.Renew(ctx, sid, ticket); errors.Is(err, store.ErrNotFound) {
		// Mirror missed this session (e.g. created by a previous process
		// life); repopulate it from the write we just performed.
		ticket.SID = sid
		_, err = s.mirror.Create(ctx, ticket)
		return err
	} else if err != nil {
		return err
	}
	return nil
}

// Retrieve checks the mirror first and falls back to the durable store on a
// miss. The mirror is not populated on the read path: a concurrent writer
// may still be mid-operation, and the cache stays write-driven.
func (s *SessionStore) Retrieve(ctx context.Context, sid string) (domain.SessionTicket, error) {
	if ticket, err := s.mirror.Retrieve(ctx, sid); err == nil {
		return ticket, nil
	}
	return s.durable.Retrieve(ctx, sid)
}

// Remove attempts durable removal and always evicts the mirror regardless of
// the durable outcome. A stale mirror entry would serve a revoked session.
func (s *SessionStore) Remove(ctx context.Context, sid string) error {
	err := s.durable.Remove(ctx, sid)
	_ = s.mirror.Remove(ctx, sid)
	return err
}

var _ store.SessionStore = (*SessionStore)(nil)
