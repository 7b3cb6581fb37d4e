package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ticketing/settlement/internal/wallet"
	"github.com/ticketing/settlement/internal/withdrawal"
)

const defaultJobTimeout = 2 * time.Minute

// Reconciler replays every wallet's ledger against its stored balance.
type Reconciler interface {
	ReconcileAll(ctx context.Context) (wallet.ReconcileReport, error)
}

// Poller resolves withdrawals whose provider callback never arrived.
type Poller interface {
	PollPending(ctx context.Context, olderThan time.Duration) (withdrawal.PollReport, error)
}

// Config holds cron specs for the background jobs. An empty spec disables
// that job.
type Config struct {
	ReconcileSchedule string
	PollSchedule      string
	PollAfter         time.Duration
	Timeout           time.Duration
}

// Scheduler runs periodic wallet maintenance.
type Scheduler struct {
	cron       *cron.Cron
	cfg        Config
	reconciler Reconciler
	poller     Poller
	logger     *slog.Logger
}

// New registers the configured jobs. Start must be called to run them.
func New(cfg Config, reconciler Reconciler, poller Poller, logger *slog.Logger) (*Scheduler, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultJobTimeout
	}
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron:       cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		cfg:        cfg,
		reconciler: reconciler,
		poller:     poller,
		logger:     logger,
	}

	if cfg.ReconcileSchedule != "" && reconciler != nil {
		if _, err := s.cron.AddFunc(cfg.ReconcileSchedule, s.job("reconcile", s.Reconcile)); err != nil {
			return nil, fmt.Errorf("schedule reconcile %q: %w", cfg.ReconcileSchedule, err)
		}
	}
	if cfg.PollSchedule != "" && poller != nil {
		if _, err := s.cron.AddFunc(cfg.PollSchedule, s.job("payout_poll", s.Poll)); err != nil {
			return nil, fmt.Errorf("schedule payout poll %q: %w", cfg.PollSchedule, err)
		}
	}
	return s, nil
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.logger.Info("background jobs started",
		"reconcile", s.cfg.ReconcileSchedule,
		"payout_poll", s.cfg.PollSchedule,
		"jobs", len(s.cron.Entries()),
	)
	s.cron.Start()
}

// Stop prevents new runs and waits for running jobs or ctx, whichever ends first.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("background jobs still running at shutdown")
	}
}

func (s *Scheduler) job(name string, run func(context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		defer cancel()
		start := time.Now()
		if err := run(ctx); err != nil {
			s.logger.Error("background job failed", "job", name, "error", err, "duration", time.Since(start))
		}
	}
}

// Reconcile verifies every wallet and reports drift at error level.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	report, err := s.reconciler.ReconcileAll(ctx)
	if err != nil {
		return err
	}
	for _, d := range report.Drifts {
		s.logger.Error("wallet balance drift",
			"wallet_id", d.WalletID,
			"entry_id", d.EntryID,
			"expected", d.Expected.String(),
			"actual", d.Actual.String(),
		)
	}
	s.logger.Info("wallet reconciliation finished", "checked", report.Checked, "drifted", len(report.Drifts))
	return nil
}

// Poll settles stale pending withdrawals.
func (s *Scheduler) Poll(ctx context.Context) error {
	report, err := s.poller.PollPending(ctx, s.cfg.PollAfter)
	if err != nil {
		return err
	}
	if report.Checked > 0 {
		s.logger.Info("pending payouts polled", "checked", report.Checked, "settled", report.Settled, "failed", report.Failed)
	}
	return nil
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
