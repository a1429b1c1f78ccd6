package autoplay

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/vaultbet/internal/apperr"
	"github.com/mbd888/vaultbet/internal/currency"
	"github.com/mbd888/vaultbet/internal/policy"
)

// PostgresStore persists plans and sessions in PostgreSQL. Durations are
// stored as milliseconds.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed plan store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const planColumns = `id, player, currency, stake, game_kinds, inter_bet_delay_ms,
		       stop_on_total_loss, stop_on_net_gain, max_duration_ms, max_bets,
		       state, stop_reason, created_at, updated_at`

const sessionColumns = `id, plan_id, player, game_kinds, started_at, ended_at,
		       bets_placed, net_change, stop_reason`

func (p *PostgresStore) Create(ctx context.Context, plan *Plan, s *Session) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO autoplay_plans (
			id, player, currency, stake, game_kinds, inter_bet_delay_ms,
			stop_on_total_loss, stop_on_net_gain, max_duration_ms, max_bets,
			state, stop_reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		plan.ID, plan.Player, string(plan.Currency), plan.Stake, pq.Array(kindStrings(plan.GameKinds)),
		plan.InterBetDelay.Milliseconds(), plan.StopOnTotalLoss, plan.StopOnNetGain,
		plan.MaxDuration.Milliseconds(), plan.MaxBets, string(plan.State), nullString(plan.StopReason),
		plan.CreatedAt, plan.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrPlanExists
	}
	if err != nil {
		return storageErr(err, "create plan")
	}
	if err := insertSession(ctx, tx, s); err != nil {
		return err
	}
	return storageErr(tx.Commit(), "commit")
}

func (p *PostgresStore) GetPlan(ctx context.Context, id string) (*Plan, error) {
	plan, err := scanPlan(p.db.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM autoplay_plans WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	return plan, storageErr(err, "get plan")
}

func (p *PostgresStore) UpdatePlan(ctx context.Context, plan *Plan) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE autoplay_plans
		SET state = $1, stop_reason = $2, updated_at = $3
		WHERE id = $4`,
		string(plan.State), nullString(plan.StopReason), plan.UpdatedAt, plan.ID,
	)
	if err != nil {
		return storageErr(err, "update plan")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrPlanNotFound
	}
	return nil
}

func (p *PostgresStore) ListByPlayer(ctx context.Context, player string, limit int) ([]*Plan, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+planColumns+` FROM autoplay_plans
		WHERE player = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, player, limit)
	if err != nil {
		return nil, storageErr(err, "list plans")
	}
	defer func() { _ = rows.Close() }()
	return scanPlans(rows)
}

func (p *PostgresStore) ListActive(ctx context.Context) ([]*Plan, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+planColumns+` FROM autoplay_plans
		WHERE state IN ('running', 'paused')
		ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, storageErr(err, "list active")
	}
	defer func() { _ = rows.Close() }()
	return scanPlans(rows)
}

func (p *PostgresStore) CreateSession(ctx context.Context, s *Session) error {
	return insertSession(ctx, p.db, s)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSession(ctx context.Context, db execer, s *Session) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO autoplay_sessions (
			id, plan_id, player, game_kinds, started_at, ended_at,
			bets_placed, net_change, stop_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.PlanID, s.Player, pq.Array(kindStrings(s.GameKinds)), s.StartedAt, nullTime(s.EndedAt),
		s.BetsPlaced, s.NetChange, nullString(s.StopReason),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return ErrPlanNotFound
	}
	return storageErr(err, "create session")
}

func (p *PostgresStore) UpdateSession(ctx context.Context, s *Session) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE autoplay_sessions
		SET ended_at = $1, bets_placed = $2, net_change = $3, stop_reason = $4
		WHERE id = $5`,
		nullTime(s.EndedAt), s.BetsPlaced, s.NetChange, nullString(s.StopReason), s.ID,
	)
	if err != nil {
		return storageErr(err, "update session")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrPlanNotFound
	}
	return nil
}

func (p *PostgresStore) ListSessions(ctx context.Context, planID string) ([]*Session, error) {
	if _, err := p.GetPlan(ctx, planID); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM autoplay_sessions
		WHERE plan_id = $1
		ORDER BY started_at ASC, id ASC`, planID)
	if err != nil {
		return nil, storageErr(err, "list sessions")
	}
	defer func() { _ = rows.Close() }()

	var out []*Session
	for rows.Next() {
		s := &Session{}
		var (
			kinds   []string
			endedAt sql.NullTime
			reason  sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.PlanID, &s.Player, pq.Array(&kinds), &s.StartedAt, &endedAt,
			&s.BetsPlaced, &s.NetChange, &reason); err != nil {
			return nil, storageErr(err, "scan session")
		}
		s.GameKinds = gameKinds(kinds)
		s.StopReason = reason.String
		if endedAt.Valid {
			t := endedAt.Time
			s.EndedAt = &t
		}
		out = append(out, s)
	}
	return out, storageErr(rows.Err(), "scan sessions")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(s scanner) (*Plan, error) {
	p := &Plan{}
	var (
		cur, state        string
		kinds             []string
		delayMs, maxDurMs int64
		reason            sql.NullString
	)
	err := s.Scan(&p.ID, &p.Player, &cur, &p.Stake, pq.Array(&kinds), &delayMs,
		&p.StopOnTotalLoss, &p.StopOnNetGain, &maxDurMs, &p.MaxBets,
		&state, &reason, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Currency = currency.Code(cur)
	p.GameKinds = gameKinds(kinds)
	p.InterBetDelay = time.Duration(delayMs) * time.Millisecond
	p.MaxDuration = time.Duration(maxDurMs) * time.Millisecond
	p.State = State(state)
	p.StopReason = reason.String
	return p, nil
}

func scanPlans(rows *sql.Rows) ([]*Plan, error) {
	var out []*Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, storageErr(err, "scan plan")
		}
		out = append(out, p)
	}
	return out, storageErr(rows.Err(), "scan plans")
}

func kindStrings(kinds []policy.GameKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

func gameKinds(ss []string) []policy.GameKind {
	out := make([]policy.GameKind, len(ss))
	for i, s := range ss {
		out[i] = policy.GameKind(s)
	}
	return out
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
		return apperr.Wrap(apperr.Deadline, err, "autoplay: "+op)
	}
	return apperr.Wrap(apperr.TransientStorage, err, "autoplay: "+op)
}
