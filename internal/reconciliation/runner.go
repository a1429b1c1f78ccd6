package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/robfig/cron/v3"
)

// Default schedules, in cron syntax with descriptors.
const (
	DefaultReconcileSchedule = "@every 1m"
	DefaultExpirySchedule    = "@every 30s"
	DefaultVerifySchedule    = "@every 15m"
	DefaultTokenSchedule     = "@hourly"
)

// ValidateSchedule reports whether spec parses as a cron schedule.
func ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// Runner schedules jobs on a cron. A job that is still running when its
// next slot fires is skipped, and a panicking job is logged and recovered.
type Runner struct {
	cron    *cron.Cron
	baseCtx context.Context
	logger  *slog.Logger
	running atomic.Bool
}

// NewRunner creates a runner whose jobs receive ctx.
func NewRunner(ctx context.Context, logger *slog.Logger) *Runner {
	cl := cronLogger{logger}
	return &Runner{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		baseCtx: ctx,
		logger:  logger,
	}
}

// Add schedules job under name.
func (r *Runner) Add(name, spec string, job func(context.Context) error) error {
	_, err := r.cron.AddFunc(spec, func() {
		jobRuns.WithLabelValues(name).Inc()
		if err := job(r.baseCtx); err != nil {
			r.logger.Warn("scheduled job failed", "job", name, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

// Schedule registers the service's checks on the runner. An empty spec
// leaves that job unscheduled.
func (r *Runner) Schedule(s *Service, reconcile, expiry, verify, tokens string) error {
	jobs := []struct {
		name, spec string
		fn         func(context.Context) error
	}{
		{"tickets", firstNonEmpty(expiry, reconcile), func(ctx context.Context) error {
			_, _, err := s.SweepTickets(ctx)
			return err
		}},
		{"ledger", verify, func(ctx context.Context) error {
			_, err := s.VerifyLedger(ctx)
			return err
		}},
		{"onchain", reconcile, func(ctx context.Context) error {
			_, err := s.ReconcileOnChain(ctx)
			return err
		}},
		{"tokens", tokens, func(ctx context.Context) error {
			_, err := s.PurgeTokens(ctx)
			return err
		}},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if err := r.Add(j.name, j.spec, j.fn); err != nil {
			return err
		}
	}
	return nil
}

// Jobs returns the number of scheduled jobs.
func (r *Runner) Jobs() int {
	return len(r.cron.Entries())
}

// Running reports whether the cron is started.
func (r *Runner) Running() bool {
	return r.running.Load()
}

// Start begins running jobs in the background.
func (r *Runner) Start() {
	r.cron.Start()
	r.running.Store(true)
	r.logger.Info("reconciliation runner started", "jobs", r.Jobs())
}

// Stop stops scheduling and waits for running jobs to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	r.running.Store(false)
	r.logger.Info("reconciliation runner stopped")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
