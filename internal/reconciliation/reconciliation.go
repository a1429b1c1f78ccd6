// Package reconciliation runs the periodic consistency jobs: journal replay
// against live balances, ticket expiry and settlement polling, token
// cleanup, and the USDC hot wallet check against ledger custody.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/vaultbet/internal/currency"
	"github.com/mbd888/vaultbet/internal/ledger"
	"github.com/mbd888/vaultbet/internal/withdrawal"
)

// DefaultAlertThreshold is one USDC in minor units.
const DefaultAlertThreshold = 1_000_000

// Journal is the part of the ledger reconciliation reads.
type Journal interface {
	Verify(ctx context.Context) ([]ledger.Mismatch, error)
	Balance(ctx context.Context, acct ledger.Account) (int64, error)
}

// Tickets is the part of the withdrawal manager reconciliation drives.
type Tickets interface {
	Expire(ctx context.Context, now time.Time) (int, error)
	Reconcile(ctx context.Context, now time.Time) (withdrawal.ReconcileReport, error)
}

// TokenPurger drops expired bearer tokens.
type TokenPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// ChainBalanceProvider returns the platform hot wallet's USDC balance in
// minor units.
type ChainBalanceProvider interface {
	HotBalance(ctx context.Context) (int64, error)
}

// OnChainResult holds the outcome of an on-chain reconciliation check.
type OnChainResult struct {
	Match           bool  `json:"match"`
	PlatformBalance int64 `json:"platformBalance"`
	LedgerCustody   int64 `json:"ledgerCustody"`
	Diff            int64 `json:"diff"`
}

// Report summarizes one RunAll.
type Report struct {
	Mismatches []ledger.Mismatch          `json:"mismatches"`
	Expired    int                        `json:"expired"`
	Tickets    withdrawal.ReconcileReport `json:"tickets"`
	Purged     int64                      `json:"purged"`
	OnChain    *OnChainResult             `json:"onChain,omitempty"`
	Duration   time.Duration              `json:"duration"`
}

// Service performs reconciliation. Any collaborator may be nil; its checks
// are skipped.
type Service struct {
	journal   Journal
	tickets   Tickets
	tokens    TokenPurger
	chain     ChainBalanceProvider
	threshold int64
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a reconciliation service.
func NewService(journal Journal, tickets Tickets, tokens TokenPurger, chain ChainBalanceProvider, logger *slog.Logger) *Service {
	return &Service{
		journal:   journal,
		tickets:   tickets,
		tokens:    tokens,
		chain:     chain,
		threshold: DefaultAlertThreshold,
		logger:    logger,
		now:       time.Now,
	}
}

// SetAlertThreshold sets the USDC difference, in minor units, above which
// the on-chain check reports a mismatch.
func (s *Service) SetAlertThreshold(minor int64) {
	if minor >= 0 {
		s.threshold = minor
	}
}

// VerifyLedger replays the journal and compares it with live balances.
func (s *Service) VerifyLedger(ctx context.Context) ([]ledger.Mismatch, error) {
	if s.journal == nil {
		return nil, nil
	}
	mismatches, err := s.journal.Verify(ctx)
	if err != nil {
		reconcileErrors.WithLabelValues("ledger").Inc()
		return nil, fmt.Errorf("failed to verify journal: %w", err)
	}
	ledgerMismatches.Set(float64(len(mismatches)))
	for _, m := range mismatches {
		s.logger.Error("ledger mismatch", "account", m.Account.String(), "live", m.Live, "replayed", m.Replayed)
	}
	return mismatches, nil
}

// SweepTickets expires stale reserved tickets and polls settlement for
// submitted ones past the SLA.
func (s *Service) SweepTickets(ctx context.Context) (int, withdrawal.ReconcileReport, error) {
	if s.tickets == nil {
		return 0, withdrawal.ReconcileReport{}, nil
	}
	now := s.now()
	expired, err := s.tickets.Expire(ctx, now)
	if err != nil {
		reconcileErrors.WithLabelValues("expiry").Inc()
		return 0, withdrawal.ReconcileReport{}, fmt.Errorf("failed to expire tickets: %w", err)
	}
	ticketsExpired.Add(float64(expired))

	rep, err := s.tickets.Reconcile(ctx, now)
	if err != nil {
		reconcileErrors.WithLabelValues("settlement").Inc()
		return expired, rep, fmt.Errorf("failed to reconcile tickets: %w", err)
	}
	ticketsPending.Set(float64(rep.Pending))
	if rep.Errors > 0 {
		s.logger.Warn("settlement status errors", "errors", rep.Errors, "checked", rep.Checked)
	}
	return expired, rep, nil
}

// PurgeTokens removes token records past expiry.
func (s *Service) PurgeTokens(ctx context.Context) (int64, error) {
	if s.tokens == nil {
		return 0, nil
	}
	n, err := s.tokens.PurgeExpired(ctx)
	if err != nil {
		reconcileErrors.WithLabelValues("tokens").Inc()
		return 0, fmt.Errorf("failed to purge tokens: %w", err)
	}
	return n, nil
}

// ReconcileOnChain compares the hot wallet's USDC balance with what the
// ledger says the platform holds: the negated @chain balance, i.e. every
// credited deposit minus every settled withdrawal.
func (s *Service) ReconcileOnChain(ctx context.Context) (*OnChainResult, error) {
	if s.chain == nil || s.journal == nil {
		return nil, nil
	}
	boundary, err := s.journal.Balance(ctx, ledger.Chain(currency.USDC))
	if err != nil {
		reconcileErrors.WithLabelValues("onchain").Inc()
		return nil, fmt.Errorf("failed to read ledger custody: %w", err)
	}
	custody := -boundary

	chainBal, err := s.chain.HotBalance(ctx)
	if err != nil {
		reconcileErrors.WithLabelValues("onchain").Inc()
		return nil, fmt.Errorf("failed to get on-chain balance: %w", err)
	}

	diff := chainBal - custody
	abs := diff
	if abs < 0 {
		abs = -abs
	}
	res := &OnChainResult{
		Match:           abs <= s.threshold,
		PlatformBalance: chainBal,
		LedgerCustody:   custody,
		Diff:            diff,
	}
	onChainDiff.Set(float64(diff))
	if !res.Match {
		s.logger.Error("hot wallet does not match ledger custody", "chain", chainBal, "custody", custody, "diff", diff)
	}
	return res, nil
}

// RunAll runs every check once. Each check runs even when an earlier one
// fails; the errors are joined.
func (s *Service) RunAll(ctx context.Context) (*Report, error) {
	start := s.now()
	rep := &Report{}
	var errs []error

	var err error
	if rep.Mismatches, err = s.VerifyLedger(ctx); err != nil {
		errs = append(errs, err)
	}
	if rep.Expired, rep.Tickets, err = s.SweepTickets(ctx); err != nil {
		errs = append(errs, err)
	}
	if rep.Purged, err = s.PurgeTokens(ctx); err != nil {
		errs = append(errs, err)
	}
	if rep.OnChain, err = s.ReconcileOnChain(ctx); err != nil {
		errs = append(errs, err)
	}

	rep.Duration = s.now().Sub(start)
	runDuration.Observe(rep.Duration.Seconds())
	return rep, errors.Join(errs...)
}
