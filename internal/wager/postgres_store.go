package wager

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/vaultbet/internal/apperr"
	"github.com/mbd888/vaultbet/internal/currency"
	"github.com/mbd888/vaultbet/internal/ledger"
	"github.com/mbd888/vaultbet/internal/pagination"
	"github.com/mbd888/vaultbet/internal/policy"
)

// PostgresStore persists wagers in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wager store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const wagerColumns = `id, player, currency, stake, game_kind, rng_seed, outcome,
		       payout, multiplier, sources, plan_id, note, created_at, settled_at`

func (p *PostgresStore) Create(ctx context.Context, w *Wager) error {
	sources, err := json.Marshal(w.Sources)
	if err != nil {
		return fmt.Errorf("wager: encode sources: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO wagers (
			id, player, currency, stake, game_kind, rng_seed, outcome,
			payout, multiplier, sources, plan_id, note, created_at, settled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		w.ID, w.Player, string(w.Currency), w.Stake, string(w.GameKind), w.Seed, string(w.Outcome),
		w.Payout, w.Multiplier, sources, nullString(w.PlanID), nullString(w.Note),
		w.CreatedAt, nullTime(w.SettledAt),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrWagerExists
	}
	return storageErr(err, "create")
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Wager, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+wagerColumns+` FROM wagers WHERE id = $1`, id)
	w, err := scanWager(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWagerNotFound
	}
	return w, storageErr(err, "get")
}

func (p *PostgresStore) Update(ctx context.Context, w *Wager) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE wagers SET outcome = $1, payout = $2, multiplier = $3, note = $4, settled_at = $5
		WHERE id = $6`,
		string(w.Outcome), w.Payout, w.Multiplier, nullString(w.Note), nullTime(w.SettledAt), w.ID,
	)
	if err != nil {
		return storageErr(err, "update")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrWagerNotFound
	}
	return nil
}

func (p *PostgresStore) ListByPlayer(ctx context.Context, player string, before *pagination.Cursor, limit int) ([]*Wager, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+wagerColumns+` FROM wagers
			WHERE player = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, player, before.CreatedAt, before.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+wagerColumns+` FROM wagers
			WHERE player = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, player, limit)
	}
	if err != nil {
		return nil, storageErr(err, "list")
	}
	defer func() { _ = rows.Close() }()
	return scanWagers(rows)
}

func (p *PostgresStore) ListPending(ctx context.Context, limit int) ([]*Wager, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+wagerColumns+` FROM wagers
		WHERE outcome = 'pending'
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, storageErr(err, "list pending")
	}
	defer func() { _ = rows.Close() }()
	return scanWagers(rows)
}

func (p *PostgresStore) Stats(ctx context.Context, player string) (Stats, error) {
	var s Stats
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE outcome = 'won'),
		       COUNT(*) FILTER (WHERE outcome = 'lost')
		FROM wagers
		WHERE player = $1 AND outcome <> 'voided'`, player,
	).Scan(&s.Games, &s.Wins, &s.Losses)
	return s, storageErr(err, "stats")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWager(s scanner) (*Wager, error) {
	w := &Wager{}
	var (
		cur, game, outcome string
		sources            []byte
		planID, note       sql.NullString
		settledAt          sql.NullTime
	)
	err := s.Scan(&w.ID, &w.Player, &cur, &w.Stake, &game, &w.Seed, &outcome,
		&w.Payout, &w.Multiplier, &sources, &planID, &note, &w.CreatedAt, &settledAt)
	if err != nil {
		return nil, err
	}
	w.Currency = currency.Code(cur)
	w.GameKind = policy.GameKind(game)
	w.Outcome = Outcome(outcome)
	w.PlanID = planID.String
	w.Note = note.String
	if settledAt.Valid {
		t := settledAt.Time
		w.SettledAt = &t
	}
	w.Sources = make(map[ledger.Pocket]int64)
	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &w.Sources); err != nil {
			return nil, fmt.Errorf("wager: decode sources of %s: %w", w.ID, err)
		}
	}
	return w, nil
}

func scanWagers(rows *sql.Rows) ([]*Wager, error) {
	var out []*Wager
	for rows.Next() {
		w, err := scanWager(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
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

// storageErr tags driver failures as transient so the gateway may retry.
func storageErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.Deadline, err, "wager: "+op)
	}
	return apperr.Wrap(apperr.TransientStorage, err, "wager: "+op)
}
