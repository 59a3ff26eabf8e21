// Package reconciliation audits the balance cache against the journal.
//
// The cache is maintained in lockstep with every journal write, so any
// drift is an integrity violation worth an alert, not a routine repair.
// The runner still rebuilds drifted rows so one bug does not poison
// balances forever.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/jobledger/internal/ledger"
	"github.com/mbd888/jobledger/internal/money"
)

// staleHoldAge is how old an unsettled hold must be before the audit
// reports it as orphaned. Kept above the reservation TTL so the sweep
// gets the first chance to release it.
const staleHoldAge = 2 * time.Hour

// Auditor is the slice of the ledger the runner reads and repairs.
// *ledger.Ledger satisfies it.
type Auditor interface {
	UserIDs(ctx context.Context) ([]int64, error)
	GetBalance(ctx context.Context, userID int64) (*ledger.Balance, error)
	SumLedger(ctx context.Context, userID int64) (money.Amount, int64, error)
	RebuildBalance(ctx context.Context, userID int64) (*ledger.Balance, error)
	OpenReservations(ctx context.Context, before time.Time, limit int) ([]*ledger.Entry, error)
}

// Drift records one user whose cache row disagreed with the journal.
type Drift struct {
	UserID      int64        `json:"userId"`
	CachedTotal money.Amount `json:"cachedTotal"`
	ActualTotal money.Amount `json:"actualTotal"`
	CachedCount int64        `json:"cachedCount"`
	ActualCount int64        `json:"actualCount"`
	Rebuilt     bool         `json:"rebuilt"`
}

// OrphanedHold records an unsettled hold past the stale age.
type OrphanedHold struct {
	UserID    int64        `json:"userId"`
	RefID     string       `json:"refId"`
	Amount    money.Amount `json:"amount"`
	HeldSince time.Time    `json:"heldSince"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	CheckedUsers  int            `json:"checkedUsers"`
	Drifts        []Drift        `json:"drifts"`
	OrphanedHolds []OrphanedHold `json:"orphanedHolds"`
	Duration      string         `json:"duration"`
	RanAt         time.Time      `json:"ranAt"`
}

// Runner performs full cache-vs-journal audits.
type Runner struct {
	auditor Auditor
	logger  *slog.Logger
}

// NewRunner creates a reconciliation runner.
func NewRunner(auditor Auditor, logger *slog.Logger) *Runner {
	return &Runner{auditor: auditor, logger: logger}
}

// RunAll audits every user's cache row and lists orphaned holds.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{
		Drifts:        []Drift{},
		OrphanedHolds: []OrphanedHold{},
		RanAt:         start.UTC(),
	}

	userIDs, err := r.auditor.UserIDs(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("list users: %w", err)
	}

	for _, userID := range userIDs {
		drift, err := r.checkUser(ctx, userID)
		if err != nil {
			reconcileErrors.Inc()
			r.logger.Warn("user audit failed", "user_id", userID, "error", err)
			continue
		}
		report.CheckedUsers++
		if drift != nil {
			report.Drifts = append(report.Drifts, *drift)
		}
	}

	if err := r.collectOrphanedHolds(ctx, report); err != nil {
		reconcileErrors.Inc()
		r.logger.Warn("orphaned hold scan failed", "error", err)
	}

	reconcileLedgerMismatches.Set(float64(len(report.Drifts)))
	reconcileOrphanedHolds.Set(float64(len(report.OrphanedHolds)))
	elapsed := time.Since(start)
	reconcileDuration.Observe(elapsed.Seconds())
	report.Duration = elapsed.String()

	if len(report.Drifts) > 0 {
		r.logger.Error("balance cache drift detected",
			"drifted_users", len(report.Drifts), "checked_users", report.CheckedUsers)
	}
	return report, nil
}

func (r *Runner) checkUser(ctx context.Context, userID int64) (*Drift, error) {
	cached, err := r.auditor.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	sum, count, err := r.auditor.SumLedger(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cached.Balance == sum && cached.LedgerCount == count {
		return nil, nil
	}

	drift := &Drift{
		UserID:      userID,
		CachedTotal: cached.Balance,
		ActualTotal: sum,
		CachedCount: cached.LedgerCount,
		ActualCount: count,
	}
	r.logger.Error("cache row disagrees with journal",
		"user_id", userID,
		"cached", money.Format(cached.Balance), "actual", money.Format(sum),
		"cached_count", cached.LedgerCount, "actual_count", count)

	if _, err := r.auditor.RebuildBalance(ctx, userID); err != nil {
		r.logger.Warn("cache rebuild failed", "user_id", userID, "error", err)
	} else {
		drift.Rebuilt = true
	}
	return drift, nil
}

func (r *Runner) collectOrphanedHolds(ctx context.Context, report *Report) error {
	holds, err := r.auditor.OpenReservations(ctx, time.Now().Add(-staleHoldAge), 100)
	if err != nil {
		return err
	}
	for _, hold := range holds {
		report.OrphanedHolds = append(report.OrphanedHolds, OrphanedHold{
			UserID:    hold.UserID,
			RefID:     hold.RefID,
			Amount:    -hold.Amount,
			HeldSince: hold.CreatedAt,
		})
		r.logger.Warn("orphaned hold",
			"user_id", hold.UserID, "ref_id", hold.RefID,
			"amount", money.Format(-hold.Amount), "held_since", hold.CreatedAt)
	}
	return nil
}
