package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/wickhamlabs/authgate/internal/rp/domain"
	"github.com/wickhamlabs/authgate/internal/rp/store"
)

type tokensRepo struct {
	db *sql.DB
}

func (r *tokensRepo) Get(ctx context.Context, subject string) (domain.TokenRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT sub, access_token, token_type, expires_at, scope,
		       refresh_token, identity_token, client_id, proof_key
		FROM user_tokens WHERE sub = ?`, subject)

	var rec domain.TokenRecord
	var expiresAt time.Time
	err := row.Scan(&rec.Subject, &rec.AccessToken, &rec.TokenType, &expiresAt,
		&rec.Scope, &rec.RefreshToken, &rec.IdentityToken, &rec.ClientID, &rec.ProofKey)
	if err != nil {
		return domain.TokenRecord{}, mapNotFound(err)
	}

	rec.ExpiresAt = expiresAt.UTC()
	return rec, nil
}

// Upsert overwrites every field of an existing record, or inserts a new one,
// inside a single transaction. Any persistence failure rolls the write back
// and surfaces as a StorageError; the prior record stays intact.
func (r *tokensRepo) Upsert(ctx context.Context, record domain.TokenRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return &store.StorageError{Op: "upsert", Key: record.Subject, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE user_tokens SET
			access_token = ?, token_type = ?, expires_at = ?, scope = ?,
			refresh_token = ?, identity_token = ?, client_id = ?, proof_key = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE sub = ?`,
		record.AccessToken, record.TokenType, record.ExpiresAt.UTC(), record.Scope,
		record.RefreshToken, record.IdentityToken, record.ClientID, record.ProofKey,
		record.Subject)
	if err != nil {
		return &store.StorageError{Op: "upsert", Key: record.Subject, Err: err}
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return &store.StorageError{Op: "upsert", Key: record.Subject, Err: err}
	}

	if affected == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO user_tokens (sub, access_token, token_type, expires_at, scope,
			                         refresh_token, identity_token, client_id, proof_key)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			record.Subject, record.AccessToken, record.TokenType, record.ExpiresAt.UTC(),
			record.Scope, record.RefreshToken, record.IdentityToken, record.ClientID,
			record.ProofKey)
		if err != nil {
			return &store.StorageError{Op: "upsert", Key: record.Subject, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &store.StorageError{Op: "upsert", Key: record.Subject, Err: err}
	}
	return nil
}

func (r *tokensRepo) Delete(ctx context.Context, subject string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE sub = ?`, subject); err != nil {
		return &store.StorageError{Op: "delete", Key: subject, Err: err}
	}
	return nil
}

var _ store.TokenStore = (*tokensRepo)(nil)
