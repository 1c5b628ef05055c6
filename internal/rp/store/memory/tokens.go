package memory

import (
	"context"
	"sync"

	"github.com/wickhamlabs/authgate/internal/rp/domain"
	"github.com/wickhamlabs/authgate/internal/rp/store"
)

// TokenStore keeps token records in process memory. Safe for concurrent use;
// writes to a subject are immediately visible to all subsequent reads.
type TokenStore struct {
	mu      sync.RWMutex
	records map[string]domain.TokenRecord
}

// NewTokenStore constructs an empty store.
func NewTokenStore() *TokenStore {
	return &TokenStore{records: make(map[string]domain.TokenRecord)}
}

// Get returns the record for subject, or store.ErrNotFound.
func (s *TokenStore) Get(_ context.Context, subject string) (domain.TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[subject]
	if !ok {
		return domain.TokenRecord{}, store.ErrNotFound
	}
	return rec, nil
}

// Upsert stores or replaces the record for its subject.
func (s *TokenStore) Upsert(_ context.Context, record domain.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.Subject] = record
	return nil
}

// Delete removes the record for subject. Deleting an absent subject is fine.
func (s *TokenStore) Delete(_ context.Context, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, subject)
	return nil
}

var _ store.TokenStore = (*TokenStore)(nil)
