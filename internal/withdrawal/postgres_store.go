package withdrawal

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/vaultbet/internal/apperr"
	"github.com/mbd888/vaultbet/internal/currency"
	"github.com/mbd888/vaultbet/internal/ledger"
)

// PostgresStore persists tickets in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ticket store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const ticketColumns = `id, player, currency, amount, destination, source_pocket, state,
		       external_tx_ref, reason, created_at, submitted_at, settled_at`

func (p *PostgresStore) Create(ctx context.Context, t *Ticket) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO withdrawal_tickets (
			id, player, currency, amount, destination, source_pocket, state,
			external_tx_ref, reason, created_at, submitted_at, settled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.Player, string(t.Currency), t.Amount, t.Destination, string(t.Pocket), string(t.State),
		nullString(t.TxRef), nullString(t.Reason), t.CreatedAt, nullTime(t.SubmittedAt), nullTime(t.SettledAt),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrTicketExists
	}
	return storageErr(err, "create")
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Ticket, error) {
	t, err := scanTicket(p.db.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM withdrawal_tickets WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTicketNotFound
	}
	return t, storageErr(err, "get")
}

func (p *PostgresStore) Update(ctx context.Context, t *Ticket) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE withdrawal_tickets
		SET state = $1, external_tx_ref = $2, reason = $3, submitted_at = $4, settled_at = $5, updated_at = NOW()
		WHERE id = $6`,
		string(t.State), nullString(t.TxRef), nullString(t.Reason), nullTime(t.SubmittedAt), nullTime(t.SettledAt), t.ID,
	)
	if err != nil {
		return storageErr(err, "update")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrTicketNotFound
	}
	return nil
}

func (p *PostgresStore) ListByPlayer(ctx context.Context, player string, limit int) ([]*Ticket, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+ticketColumns+` FROM withdrawal_tickets
		WHERE player = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, player, limit)
	if err != nil {
		return nil, storageErr(err, "list")
	}
	defer func() { _ = rows.Close() }()
	return scanTickets(rows)
}

func (p *PostgresStore) ListOpen(ctx context.Context, state State, cutoff time.Time, limit int) ([]*Ticket, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+ticketColumns+` FROM withdrawal_tickets
		WHERE state = $1 AND created_at <= $2
		ORDER BY created_at ASC
		LIMIT $3`, string(state), cutoff, limit)
	if err != nil {
		return nil, storageErr(err, "list open")
	}
	defer func() { _ = rows.Close() }()
	return scanTickets(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTicket(s scanner) (*Ticket, error) {
	t := &Ticket{}
	var (
		cur, pocket, state     string
		txRef, reason          sql.NullString
		submittedAt, settledAt sql.NullTime
	)
	err := s.Scan(&t.ID, &t.Player, &cur, &t.Amount, &t.Destination, &pocket, &state,
		&txRef, &reason, &t.CreatedAt, &submittedAt, &settledAt)
	if err != nil {
		return nil, err
	}
	t.Currency = currency.Code(cur)
	t.Pocket = ledger.Pocket(pocket)
	t.State = State(state)
	t.TxRef = txRef.String
	t.Reason = reason.String
	if submittedAt.Valid {
		s := submittedAt.Time
		t.SubmittedAt = &s
	}
	if settledAt.Valid {
		s := settledAt.Time
		t.SettledAt = &s
	}
	return t, nil
}

func scanTickets(rows *sql.Rows) ([]*Ticket, error) {
	var out []*Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, storageErr(rows.Err(), "scan")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func storageErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.Deadline, err, "withdrawal: "+op)
	}
	return apperr.Wrap(apperr.TransientStorage, err, "withdrawal: "+op)
}
