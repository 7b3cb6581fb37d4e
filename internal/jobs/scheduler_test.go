package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ticketing/settlement/internal/ledger"
	"github.com/ticketing/settlement/internal/logging"
	"github.com/ticketing/settlement/internal/wallet"
	"github.com/ticketing/settlement/internal/withdrawal"
)

type stubReconciler struct {
	report wallet.ReconcileReport
	err    error
	calls  int
}

func (s *stubReconciler) ReconcileAll(context.Context) (wallet.ReconcileReport, error) {
	s.calls++
	return s.report, s.err
}

type stubPoller struct {
	after time.Duration
	calls int
}

func (s *stubPoller) PollPending(_ context.Context, olderThan time.Duration) (withdrawal.PollReport, error) {
	s.calls++
	s.after = olderThan
	return withdrawal.PollReport{Checked: 2, Settled: 1, Failed: 1}, nil
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(Config{ReconcileSchedule: "every tuesday"}, &stubReconciler{}, nil, logging.Discard())
	if err == nil {
		t.Fatalf("expected invalid cron spec to fail")
	}
}

func TestNewRegistersConfiguredJobs(t *testing.T) {
	s, err := New(Config{ReconcileSchedule: "0 3 * * *", PollSchedule: "*/5 * * * *"}, &stubReconciler{}, &stubPoller{}, logging.Discard())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := len(s.cron.Entries()); got != 2 {
		t.Fatalf("expected 2 jobs, got %d", got)
	}

	s, err = New(Config{PollSchedule: "@every 1m"}, &stubReconciler{}, &stubPoller{}, logging.Discard())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := len(s.cron.Entries()); got != 1 {
		t.Fatalf("expected only the poll job, got %d", got)
	}
}

func TestReconcileReportsDrift(t *testing.T) {
	rec := &stubReconciler{report: wallet.ReconcileReport{
		Checked: 3,
		Drifts:  []ledger.Drift{{WalletID: "w-1", Expected: decimal.NewFromInt(10), Actual: decimal.NewFromInt(9)}},
	}}
	s, err := New(Config{}, rec, nil, logging.Discard())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if rec.calls != 1 {
		t.Fatalf("expected one reconcile call, got %d", rec.calls)
	}

	rec.err = errors.New("db down")
	if err := s.Reconcile(context.Background()); err == nil {
		t.Fatalf("expected reconcile error to surface")
	}
}

func TestPollUsesConfiguredAge(t *testing.T) {
	poller := &stubPoller{}
	s, err := New(Config{PollAfter: 15 * time.Minute}, nil, poller, logging.Discard())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if poller.after != 15*time.Minute {
		t.Fatalf("expected 15m threshold, got %s", poller.after)
	}
}

func TestStartStop(t *testing.T) {
	poller := &stubPoller{}
	s, err := New(Config{PollSchedule: "@every 1h"}, nil, poller, logging.Discard())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
