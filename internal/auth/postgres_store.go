package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/vaultbet/internal/apperr"
)

// PostgresTokenStore persists issued tokens in PostgreSQL
type PostgresTokenStore struct {
	db *sql.DB
}

// NewPostgresTokenStore creates a new PostgreSQL-backed token store
func NewPostgresTokenStore(db *sql.DB) *PostgresTokenStore {
	return &PostgresTokenStore{db: db}
}

// Create records a freshly issued token
func (p *PostgresTokenStore) Create(ctx context.Context, r *TokenRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO auth_tokens (jti, player, network, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, r.JTI, r.Player, string(r.Network), r.IssuedAt, r.ExpiresAt)
	return storageErr(err, "create token")
}

// Get retrieves a token by jti
func (p *PostgresTokenStore) Get(ctx context.Context, jti string) (*TokenRecord, error) {
	r := &TokenRecord{}
	var (
		network   string
		revokedAt sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT jti, player, network, issued_at, expires_at, revoked_at
		FROM auth_tokens WHERE jti = $1
	`, jti).Scan(&r.JTI, &r.Player, &network, &r.IssuedAt, &r.ExpiresAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, storageErr(err, "get token")
	}
	r.Network = Network(network)
	if revokedAt.Valid {
		r.RevokedAt = &revokedAt.Time
	}
	return r, nil
}

// Revoke marks a token revoked; revoking twice keeps the first timestamp
func (p *PostgresTokenStore) Revoke(ctx context.Context, jti string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE auth_tokens SET revoked_at = COALESCE(revoked_at, $2) WHERE jti = $1
	`, jti, at)
	if err != nil {
		return storageErr(err, "revoke token")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// DeleteExpired removes tokens that expired before the cutoff
func (p *PostgresTokenStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM auth_tokens WHERE expires_at <= $1`, before)
	if err != nil {
		return 0, storageErr(err, "purge tokens")
	}
	return res.RowsAffected()
}

func storageErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.Deadline, err, "auth: "+op)
	}
	return apperr.Wrap(apperr.TransientStorage, err, "auth: "+op)
}
