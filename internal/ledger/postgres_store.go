package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/mbd888/vaultbet/internal/apperr"
	"github.com/mbd888/vaultbet/internal/currency"
)

// journalLockKey serializes journal appends so entry ids are assigned in
// commit order and each batch receives a contiguous id range.
const journalLockKey = 0x7661756c74 // "vault"

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Commit(ctx context.Context, c *Commit) ([]*Entry, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, classify(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, journalLockKey); err != nil {
		return nil, classify(err, "lock journal")
	}

	prior, err := queryEntries(ctx, tx, Query{CorrelationID: c.CorrelationID})
	if err != nil {
		return nil, err
	}
	if len(prior) > 0 {
		if entriesFingerprint(prior) != c.Fingerprint {
			return nil, ErrDuplicateCorrelation
		}
		if c.ConsumeHold != "" {
			if _, err := tx.ExecContext(ctx, `DELETE FROM holds WHERE ticket_id = $1`, c.ConsumeHold); err != nil {
				return nil, classify(err, "drop consumed hold")
			}
			if err := tx.Commit(); err != nil {
				return nil, classify(err, "commit")
			}
		}
		return prior, nil
	}

	if c.ConsumeHold != "" {
		res, err := tx.ExecContext(ctx, `DELETE FROM holds WHERE ticket_id = $1`, c.ConsumeHold)
		if err != nil {
			return nil, classify(err, "consume hold")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, ErrHoldNotFound
		}
	}

	debited := make(map[Account]bool)
	for _, d := range c.Drafts {
		if err := applyDelta(ctx, tx, d.Debit, -d.Amount); err != nil {
			return nil, err
		}
		if err := applyDelta(ctx, tx, d.Credit, d.Amount); err != nil {
			return nil, err
		}
		if !d.Debit.IsSystem() {
			debited[d.Debit] = true
		}
	}

	for a := range debited {
		var bal, held int64
		err := tx.QueryRowContext(ctx, `
			SELECT b.amount, COALESCE((SELECT SUM(h.amount) FROM holds h
				WHERE h.owner = b.owner AND h.currency = b.currency AND h.pocket = b.pocket), 0)
			FROM balances b
			WHERE b.owner = $1 AND b.currency = $2 AND b.pocket = $3
		`, a.Owner, string(a.Currency), string(a.Pocket)).Scan(&bal, &held)
		if err != nil {
			return nil, classify(err, "check balance")
		}
		if bal < held {
			return nil, fmt.Errorf("%w: %s would fall to %d with %d held", ErrInsufficientFunds, a, bal, held)
		}
	}

	out := make([]*Entry, len(c.Drafts))
	for i, d := range c.Drafts {
		var meta []byte
		if len(d.Metadata) > 0 {
			if meta, err = json.Marshal(d.Metadata); err != nil {
				return nil, fmt.Errorf("ledger: encode metadata: %w", err)
			}
		}
		e := &Entry{
			CreatedAt:     c.Now,
			Player:        c.Players[i],
			Currency:      d.Debit.Currency,
			Debit:         d.Debit,
			Credit:        d.Credit,
			Amount:        d.Amount,
			Kind:          d.Kind,
			CorrelationID: c.CorrelationID,
			Metadata:      copyMetadata(d.Metadata),
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO journal (created_at, player, currency, debit_owner, debit_pocket,
				credit_owner, credit_pocket, amount, kind, correlation_id, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id
		`, e.CreatedAt, e.Player, string(e.Currency), d.Debit.Owner, string(d.Debit.Pocket),
			d.Credit.Owner, string(d.Credit.Pocket), d.Amount, string(d.Kind), c.CorrelationID, nullJSON(meta),
		).Scan(&e.ID)
		if err != nil {
			return nil, classify(err, "append entry")
		}
		out[i] = e
	}

	if err := tx.Commit(); err != nil {
		return nil, classify(err, "commit")
	}
	return out, nil
}

func applyDelta(ctx context.Context, tx *sql.Tx, a Account, delta int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO balances (owner, currency, pocket, amount, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (owner, currency, pocket) DO UPDATE SET
			amount     = balances.amount + EXCLUDED.amount,
			updated_at = NOW()
	`, a.Owner, string(a.Currency), string(a.Pocket), delta)
	if err != nil {
		return classify(err, "apply delta to "+a.String())
	}
	return nil
}

func (p *PostgresStore) Balance(ctx context.Context, acct Account) (int64, error) {
	var amount int64
	err := p.db.QueryRowContext(ctx, `
		SELECT amount FROM balances WHERE owner = $1 AND currency = $2 AND pocket = $3
	`, acct.Owner, string(acct.Currency), string(acct.Pocket)).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, classify(err, "balance")
	}
	return amount, nil
}

func (p *PostgresStore) Held(ctx context.Context, acct Account) (int64, error) {
	var held int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM holds WHERE owner = $1 AND currency = $2 AND pocket = $3
	`, acct.Owner, string(acct.Currency), string(acct.Pocket)).Scan(&held)
	if err != nil {
		return 0, classify(err, "held")
	}
	return held, nil
}

func (p *PostgresStore) PlayerBalances(ctx context.Context, player string) ([]AccountBalance, error) {
	rows, err := p.db.QueryContext(ctx, `
		WITH h AS (
			SELECT owner, currency, pocket, SUM(amount) AS held
			FROM holds WHERE owner = $1 GROUP BY owner, currency, pocket
		)
		SELECT COALESCE(b.currency, h.currency), COALESCE(b.pocket, h.pocket),
		       COALESCE(b.amount, 0), COALESCE(h.held, 0)
		FROM (SELECT * FROM balances WHERE owner = $1) b
		FULL OUTER JOIN h ON h.currency = b.currency AND h.pocket = b.pocket
	`, player)
	if err != nil {
		return nil, classify(err, "player balances")
	}
	defer func() { _ = rows.Close() }()

	var out []AccountBalance
	for rows.Next() {
		var cur, pocket string
		var bal, held int64
		if err := rows.Scan(&cur, &pocket, &bal, &held); err != nil {
			return nil, classify(err, "scan balance")
		}
		a := PlayerAccount(player, currency.Code(cur), Pocket(pocket))
		out = append(out, AccountBalance{Account: a, Balance: bal, Held: held, Available: bal - held})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "player balances")
	}
	sortBalances(out)
	return out, nil
}

func (p *PostgresStore) Snapshot(ctx context.Context) (map[Account]int64, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT owner, currency, pocket, amount FROM balances WHERE amount <> 0`)
	if err != nil {
		return nil, classify(err, "snapshot")
	}
	defer func() { _ = rows.Close() }()

	out := make(map[Account]int64)
	for rows.Next() {
		var a Account
		var cur, pocket string
		var amount int64
		if err := rows.Scan(&a.Owner, &cur, &pocket, &amount); err != nil {
			return nil, classify(err, "scan snapshot")
		}
		a.Currency, a.Pocket = currency.Code(cur), Pocket(pocket)
		out[a] = amount
	}
	return out, classify(rows.Err(), "snapshot")
}

func (p *PostgresStore) Entries(ctx context.Context, q Query) ([]*Entry, error) {
	return queryEntries(ctx, p.db, q)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryEntries(ctx context.Context, db querier, q Query) ([]*Entry, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	where = append(where, "id > "+arg(q.AfterID))
	if q.CorrelationID != "" {
		where = append(where, "correlation_id = "+arg(q.CorrelationID))
	}
	if q.Player != "" {
		where = append(where, "player = "+arg(q.Player))
	}
	if q.Currency != "" {
		where = append(where, "currency = "+arg(string(q.Currency)))
	}
	if q.Pocket != "" {
		pk := arg(string(q.Pocket))
		where = append(where, fmt.Sprintf(
			"((debit_owner = player AND debit_pocket = %[1]s) OR (credit_owner = player AND credit_pocket = %[1]s))", pk))
	}
	if len(q.Kinds) > 0 {
		kinds := make([]string, len(q.Kinds))
		for i, k := range q.Kinds {
			kinds[i] = string(k)
		}
		where = append(where, "kind = ANY("+arg(pq.Array(kinds))+")")
	}

	query := `SELECT id, created_at, player, currency, debit_owner, debit_pocket, credit_owner,
		credit_pocket, amount, kind, correlation_id, metadata
		FROM journal WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id ASC`
	if q.Limit > 0 {
		query += " LIMIT " + arg(q.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "query journal")
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		var cur, dPocket, cPocket, kind string
		var meta []byte
		if err := rows.Scan(&e.ID, &e.CreatedAt, &e.Player, &cur, &e.Debit.Owner, &dPocket,
			&e.Credit.Owner, &cPocket, &e.Amount, &kind, &e.CorrelationID, &meta); err != nil {
			return nil, classify(err, "scan entry")
		}
		e.Currency = currency.Code(cur)
		e.Debit.Currency, e.Debit.Pocket = e.Currency, Pocket(dPocket)
		e.Credit.Currency, e.Credit.Pocket = e.Currency, Pocket(cPocket)
		e.Kind = Kind(kind)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("ledger: decode metadata of entry %d: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, classify(rows.Err(), "query journal")
}

func (p *PostgresStore) PutHold(ctx context.Context, h *Hold) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, journalLockKey); err != nil {
		return classify(err, "lock journal")
	}

	var prior Hold
	var cur, pocket string
	err = tx.QueryRowContext(ctx, `
		SELECT owner, currency, pocket, amount FROM holds WHERE ticket_id = $1
	`, h.TicketID).Scan(&prior.Account.Owner, &cur, &pocket, &prior.Amount)
	switch {
	case err == nil:
		prior.Account.Currency, prior.Account.Pocket = currency.Code(cur), Pocket(pocket)
		if prior.Account == h.Account && prior.Amount == h.Amount {
			return nil
		}
		return fmt.Errorf("%w: ticket %s already holds a different amount", ErrDuplicateCorrelation, h.TicketID)
	case !errors.Is(err, sql.ErrNoRows):
		return classify(err, "load hold")
	}

	var settled bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM journal WHERE correlation_id = $1)`,
		h.TicketID).Scan(&settled); err != nil {
		return classify(err, "check settled")
	}
	if settled {
		return fmt.Errorf("%w: ticket %s already settled", ErrDuplicateCorrelation, h.TicketID)
	}

	var avail int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE((SELECT amount FROM balances WHERE owner = $1 AND currency = $2 AND pocket = $3), 0)
		     - COALESCE((SELECT SUM(amount) FROM holds WHERE owner = $1 AND currency = $2 AND pocket = $3), 0)
	`, h.Account.Owner, string(h.Account.Currency), string(h.Account.Pocket)).Scan(&avail)
	if err != nil {
		return classify(err, "available")
	}
	if avail < h.Amount {
		return fmt.Errorf("%w: %s has %d available, %d requested", ErrInsufficientAvailable, h.Account, avail, h.Amount)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO holds (ticket_id, owner, currency, pocket, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, h.TicketID, h.Account.Owner, string(h.Account.Currency), string(h.Account.Pocket), h.Amount, h.CreatedAt); err != nil {
		return classify(err, "insert hold")
	}
	return classify(tx.Commit(), "commit")
}

func (p *PostgresStore) GetHold(ctx context.Context, ticketID string) (*Hold, error) {
	h, err := scanHold(p.db.QueryRowContext(ctx, `
		SELECT ticket_id, owner, currency, pocket, amount, created_at FROM holds WHERE ticket_id = $1
	`, ticketID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, classify(err, "get hold")
	}
	return h, nil
}

func (p *PostgresStore) DeleteHold(ctx context.Context, ticketID string) (*Hold, error) {
	h, err := scanHold(p.db.QueryRowContext(ctx, `
		DELETE FROM holds WHERE ticket_id = $1
		RETURNING ticket_id, owner, currency, pocket, amount, created_at
	`, ticketID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, classify(err, "delete hold")
	}
	return h, nil
}

func (p *PostgresStore) Holds(ctx context.Context) ([]*Hold, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT ticket_id, owner, currency, pocket, amount, created_at FROM holds ORDER BY created_at
	`)
	if err != nil {
		return nil, classify(err, "list holds")
	}
	defer func() { _ = rows.Close() }()

	var out []*Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, classify(err, "scan hold")
		}
		out = append(out, h)
	}
	return out, classify(rows.Err(), "list holds")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHold(s scanner) (*Hold, error) {
	h := &Hold{}
	var cur, pocket string
	if err := s.Scan(&h.TicketID, &h.Account.Owner, &cur, &pocket, &h.Amount, &h.CreatedAt); err != nil {
		return nil, err
	}
	h.Account.Currency, h.Account.Pocket = currency.Code(cur), Pocket(pocket)
	return h, nil
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// classify maps driver errors onto ledger error kinds. Serialization
// failures, deadlocks and connection loss are transient; a CHECK violation
// on balances means an overdraft slipped past the application check.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.Deadline, err, "ledger: "+op)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "57P01", "08000", "08003", "08006":
			return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
		case "23514":
			return fmt.Errorf("%w: %s: %v", ErrInsufficientFunds, op, err)
		}
		return apperr.Wrap(apperr.Internal, err, "ledger: "+op)
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
	}
	return apperr.Wrap(apperr.TransientStorage, err, "ledger: "+op)
}
