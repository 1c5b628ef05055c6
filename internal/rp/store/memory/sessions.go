package memory

import (
	"context"
	"sync"

	"github.com/wickhamlabs/authgate/internal/rp/domain"
	"github.com/wickhamlabs/authgate/internal/rp/store"
)

// SessionStore keeps session tickets in process memory.
type SessionStore struct {
	mu      sync.RWMutex
	tickets map[string]domain.SessionTicket
}

// NewSessionStore constructs an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{tickets: make(map[string]domain.SessionTicket)}
}

// Create stores a new ticket keyed by its session id. A ticket already
// holding that id causes store.ErrAlreadyExists and leaves the original
// untouched; a silent overwrite would make two concurrently started
// sessions indistinguishable.
func (s *SessionStore) Create(_ context.Context, ticket domain.SessionTicket) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tickets[ticket.SID]; ok {
		return "", store.ErrAlreadyExists
	}
	s.tickets[ticket.SID] = ticket.Clone()
	return ticket.SID, nil
}

// Renew replaces the ticket for an existing session id.
func (s *SessionStore) Renew(_ context.Context, sid string, ticket domain.SessionTicket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tickets[sid]; !ok {
		return store.ErrNotFound
	}
	ticket.SID = sid
	s.tickets[sid] = ticket.Clone()
	return nil
}

// Retrieve returns the ticket for sid, or store.ErrNotFound.
func (s *SessionStore) Retrieve(_ context.Context, sid string) (domain.SessionTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ticket, ok := s.tickets[sid]
	if !ok {
		return domain.SessionTicket{}, store.ErrNotFound
	}
	return ticket.Clone(), nil
}

// Remove deletes the ticket for sid. Removing an absent session is fine.
func (s *SessionStore) Remove(_ context.Context, sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tickets, sid)
	return nil
}

var _ store.SessionStore = (*SessionStore)(nil)
