// Package reconciliation replays every order's ledger and compares the fold
// with stored escrow and partial-payment state. Accounts that disagree are
// frozen and reported.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/arbiter/internal/ledger"
	"github.com/mbd888/arbiter/internal/metrics"
)

// Auditor is the slice of the settlement service reconciliation needs.
type Auditor interface {
	Orders(ctx context.Context) ([]string, error)
	VerifyOrder(ctx context.Context, orderID string) ([]*ledger.Entry, []ledger.Mismatch, error)
	Freeze(ctx context.Context, id, reason string) (bool, error)
}

// Finding is one mismatch found in a run.
type Finding struct {
	OrderID string `json:"orderId"`
	ledger.Mismatch
	Frozen bool `json:"frozen"`
}

// Report summarizes a reconciliation run.
type Report struct {
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Orders    int           `json:"orders"`
	Findings  []Finding     `json:"findings"`
	Errors    int           `json:"errors"`
}

// Healthy is true when the run found nothing and every order was checked.
func (r *Report) Healthy() bool {
	return len(r.Findings) == 0 && r.Errors == 0
}

// Runner performs reconciliation runs. Runs never overlap.
type Runner struct {
	auditor Auditor
	logger  *slog.Logger
	now     func() time.Time

	runMu sync.Mutex
	mu    sync.RWMutex
	last  *Report
}

// NewRunner creates a runner over auditor.
func NewRunner(auditor Auditor, logger *slog.Logger) *Runner {
	return &Runner{auditor: auditor, logger: logger, now: time.Now}
}

// RunAll checks every order. A failure on one order is logged and counted
// and the run moves on; the returned error joins them.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	start := r.now()
	report := &Report{StartedAt: start}
	defer func() {
		report.Duration = r.now().Sub(start)
		reconcileDuration.Observe(report.Duration.Seconds())
		reconcileMismatches.Set(float64(len(report.Findings)))
		reconcileLastRun.Set(float64(start.Unix()))
		r.mu.Lock()
		r.last = report
		r.mu.Unlock()
	}()

	orders, err := r.auditor.Orders(ctx)
	if err != nil {
		reconcileErrors.Inc()
		report.Errors++
		return report, fmt.Errorf("list orders: %w", err)
	}
	report.Orders = len(orders)

	var errs []error
	for _, orderID := range orders {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		findings, err := r.checkOrder(ctx, orderID)
		report.Findings = append(report.Findings, findings...)
		if err != nil {
			reconcileErrors.Inc()
			report.Errors++
			errs = append(errs, err)
		}
	}

	if len(report.Findings) > 0 {
		r.logger.Error("reconciliation found ledger mismatches",
			"orders", report.Orders, "findings", len(report.Findings))
	} else {
		r.logger.Debug("reconciliation clean", "orders", report.Orders)
	}
	return report, errors.Join(errs...)
}

func (r *Runner) checkOrder(ctx context.Context, orderID string) ([]Finding, error) {
	_, mismatches, err := r.auditor.VerifyOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("verify %s: %w", orderID, err)
	}

	var (
		out  []Finding
		errs []error
	)
	for _, m := range mismatches {
		metrics.IntegrityViolationsTotal.Inc()
		f := Finding{OrderID: orderID, Mismatch: m}

		frozen, err := r.auditor.Freeze(ctx, m.SubjectID, m.Detail)
		if err != nil {
			errs = append(errs, fmt.Errorf("freeze %s: %w", m.SubjectID, err))
		}
		f.Frozen = frozen
		r.logger.Error("ledger mismatch",
			"order_id", orderID,
			"subject_id", m.SubjectID,
			"stored", m.Stored,
			"replayed", m.Replayed,
			"detail", m.Detail,
			"frozen", frozen,
		)
		out = append(out, f)
	}
	return out, errors.Join(errs...)
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}
