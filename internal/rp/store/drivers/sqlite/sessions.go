package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wickhamlabs/authgate/internal/rp/domain"
	"github.com/wickhamlabs/authgate/internal/rp/store"
)

type sessionsRepo struct {
	db *sql.DB
}

// Create inserts a new session row. An existing sid fails with
// ErrAlreadyExists before anything is written.
func (r *sessionsRepo) Create(ctx context.Context, ticket domain.SessionTicket) (string, error) {
	principal, properties, err := encodeTicket(ticket)
	if err != nil {
		return "", &store.StorageError{Op: "create", Key: ticket.SID, Err: err}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", &store.StorageError{Op: "create", Key: ticket.SID, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM user_sessions WHERE sid = ?`, ticket.SID).Scan(&exists)
	if err == nil {
		return "", store.ErrAlreadyExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", &store.StorageError{Op: "create", Key: ticket.SID, Err: err}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_sessions (sid, principal, properties, auth_scheme)
		VALUES (?, ?, ?, ?)`,
		ticket.SID, principal, properties, ticket.AuthScheme)
	if err != nil {
		return "", &store.StorageError{Op: "create", Key: ticket.SID, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return "", &store.StorageError{Op: "create", Key: ticket.SID, Err: err}
	}
	return ticket.SID, nil
}

// Renew overwrites the stored ticket for an existing session.
func (r *sessionsRepo) Renew(ctx context.Context, sid string, ticket domain.SessionTicket) error {
	principal, properties, err := encodeTicket(ticket)
	if err != nil {
		return &store.StorageError{Op: "renew", Key: sid, Err: err}
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE user_sessions SET
			principal = ?, properties = ?, auth_scheme = ?, updated_at = CURRENT_TIMESTAMP
		WHERE sid = ?`,
		principal, properties, ticket.AuthScheme, sid)
	if err != nil {
		return &store.StorageError{Op: "renew", Key: sid, Err: err}
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return &store.StorageError{Op: "renew", Key: sid, Err: err}
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *sessionsRepo) Retrieve(ctx context.Context, sid string) (domain.SessionTicket, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT sid, principal, properties, auth_scheme
		FROM user_sessions WHERE sid = ?`, sid)

	var (
		ticket     domain.SessionTicket
		principal  []byte
		properties string
	)
	if err := row.Scan(&ticket.SID, &principal, &properties, &ticket.AuthScheme); err != nil {
		return domain.SessionTicket{}, mapNotFound(err)
	}

	p, err := domain.DecodePrincipal(principal)
	if err != nil {
		return domain.SessionTicket{}, fmt.Errorf("sqlite: session %s: %w", sid, err)
	}
	ticket.Principal = p

	if err := json.Unmarshal([]byte(properties), &ticket.Properties); err != nil {
		return domain.SessionTicket{}, fmt.Errorf("sqlite: session %s properties: %w", sid, err)
	}
	return ticket, nil
}

// Remove deletes the session row; absent rows are not an error.
func (r *sessionsRepo) Remove(ctx context.Context, sid string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM user_sessions WHERE sid = ?`, sid); err != nil {
		return &store.StorageError{Op: "remove", Key: sid, Err: err}
	}
	return nil
}

func encodeTicket(ticket domain.SessionTicket) (principal []byte, properties string, err error) {
	principal, err = domain.EncodePrincipal(ticket.Principal)
	if err != nil {
		return nil, "", err
	}

	props := ticket.Properties
	if props == nil {
		props = map[string]string{}
	}
	b, err := json.Marshal(props)
	if err != nil {
		return nil, "", err
	}
	return principal, string(b), nil
}

var _ store.SessionStore = (*sessionsRepo)(nil)
