// Package reservation manages the reserve/settle/refund lifecycle of
// job funding holds on top of the ledger journal.
//
// A hold is a negative reservation entry. Settlement rewrites it into the
// job's final charge; refund compensates it with a credit. Every path is
// idempotent so collaborators can retry blindly after a timeout.
package reservation

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/mbd888/jobledger/internal/idgen"
	"github.com/mbd888/jobledger/internal/ledger"
	"github.com/mbd888/jobledger/internal/money"
	"github.com/mbd888/jobledger/internal/retry"
	"github.com/mbd888/jobledger/internal/syncutil"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotFound            = errors.New("reservation not found")
	ErrAlreadyRefunded     = errors.New("reservation already refunded")
)

const (
	retryAttempts  = 3
	retryBaseDelay = 50 * time.Millisecond
)

// Funding is the slice of the ledger the manager drives.
type Funding interface {
	Reserve(ctx context.Context, userID int64, amount money.Amount, refID string) (bool, error)
	Settle(ctx context.Context, userID int64, refID string, actual money.Amount, newRefID string) error
	Refund(ctx context.Context, userID int64, amount money.Amount, refID, reason string) (int64, error)
	History(ctx context.Context, userID int64, f ledger.Filter) ([]*ledger.Entry, error)
	OpenReservations(ctx context.Context, before time.Time, limit int) ([]*ledger.Entry, error)
}

// Guard is an admission check run before a hold is placed. A nil guard
// admits everything.
type Guard interface {
	Allow(ctx context.Context, userID int64, cost money.Amount) error
}

// Manager coordinates holds. A per-user lock serializes the lifecycle of
// one user's holds; transient store conflicts are retried with backoff.
type Manager struct {
	funding Funding
	guard   Guard
	locks   *syncutil.ContextShardedMutex
	ttl     time.Duration
	logger  *slog.Logger
}

// NewManager creates a reservation manager. ttl is how long an unsettled
// hold may live before the sweep refunds it.
func NewManager(funding Funding, guard Guard, ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Manager{
		funding: funding,
		guard:   guard,
		locks:   syncutil.NewContextShardedMutex(),
		ttl:     ttl,
		logger:  logger,
	}
}

// TTL returns the hold expiry duration.
func (m *Manager) TTL() time.Duration { return m.ttl }

func userKey(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10)
}

// withRetry runs fn, retrying transient store conflicts. Everything else
// is surfaced immediately.
func withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, retryAttempts, retryBaseDelay, func() error {
		err := fn()
		if err != nil && !ledger.IsRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

// Reserve places a hold of amount for the user. An empty refID gets a
// generated one. Reserving an existing refID again reports the existing
// hold instead of failing, so a timed-out caller can safely retry.
func (m *Manager) Reserve(ctx context.Context, userID int64, amount money.Amount, refID string) (string, error) {
	if refID == "" {
		refID = idgen.WithPrefix("res_")
	}

	unlock, err := m.locks.LockContext(ctx, userKey(userID))
	if err != nil {
		return "", err
	}
	defer unlock()

	if m.guard != nil {
		if err := m.guard.Allow(ctx, userID, amount); err != nil {
			return "", err
		}
	}

	var ok bool
	err = withRetry(ctx, func() error {
		var rerr error
		ok, rerr = m.funding.Reserve(ctx, userID, amount, refID)
		return rerr
	})
	switch {
	case errors.Is(err, ledger.ErrDuplicateReference):
		// Retry of a hold that already landed.
		reservationsCreated.Inc()
		return refID, nil
	case err != nil:
		return "", err
	case !ok:
		return "", ErrInsufficientBalance
	}

	reservationsCreated.Inc()
	m.logger.Info("hold placed", "user_id", userID, "amount", amount, "ref_id", refID)
	return refID, nil
}

// Settle converts the hold refID into the final charge for jobID.
func (m *Manager) Settle(ctx context.Context, userID int64, refID string, actual money.Amount, jobID string) error {
	if jobID == "" {
		jobID = idgen.WithPrefix("job_")
	}

	unlock, err := m.locks.LockContext(ctx, userKey(userID))
	if err != nil {
		return err
	}
	defer unlock()

	err = withRetry(ctx, func() error {
		return m.funding.Settle(ctx, userID, refID, actual, jobID)
	})
	if errors.Is(err, ledger.ErrReservationNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	reservationsSettled.Inc()
	m.logger.Info("hold settled", "user_id", userID, "ref_id", refID, "job_id", jobID, "actual", actual)
	return nil
}

// Refund releases the hold refID back to the user. The refunded amount is
// read from the hold entry itself.
func (m *Manager) Refund(ctx context.Context, userID int64, refID, reason string) (money.Amount, error) {
	unlock, err := m.locks.LockContext(ctx, userKey(userID))
	if err != nil {
		return 0, err
	}
	defer unlock()

	return m.refundLocked(ctx, userID, refID, reason)
}

func (m *Manager) refundLocked(ctx context.Context, userID int64, refID, reason string) (money.Amount, error) {
	holds, err := m.funding.History(ctx, userID, ledger.Filter{
		Kind:  ledger.KindReservation,
		RefID: refID,
		Limit: 1,
	})
	if err != nil {
		return 0, err
	}
	if len(holds) == 0 {
		// Settled holds are rewritten in place, so they no longer match.
		return 0, ErrNotFound
	}
	amount := -holds[0].Amount

	err = withRetry(ctx, func() error {
		_, rerr := m.funding.Refund(ctx, userID, amount, refID, reason)
		return rerr
	})
	if errors.Is(err, ledger.ErrDuplicateReference) {
		return 0, ErrAlreadyRefunded
	}
	if err != nil {
		return 0, err
	}

	reservationsRefunded.Inc()
	m.logger.Info("hold refunded", "user_id", userID, "ref_id", refID, "amount", amount, "reason", reason)
	return amount, nil
}

// ReleaseExpired refunds holds older than the TTL. Returns how many holds
// were released. Called by the sweep timer; also usable from admin tooling.
func (m *Manager) ReleaseExpired(ctx context.Context, limit int) (int, error) {
	cutoff := time.Now().Add(-m.ttl)
	expired, err := m.funding.OpenReservations(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, hold := range expired {
		unlock, err := m.locks.LockContext(ctx, userKey(hold.UserID))
		if err != nil {
			return released, err
		}
		_, err = m.refundLocked(ctx, hold.UserID, hold.RefID, "hold expired")
		unlock()

		switch {
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrAlreadyRefunded):
			// Raced with a settle or refund; the hold is closed either way.
			continue
		case err != nil:
			m.logger.Warn("failed to release expired hold",
				"user_id", hold.UserID, "ref_id", hold.RefID, "error", err)
			continue
		}
		released++
		expiredReleased.Inc()
		m.logger.Info("released expired hold",
			"user_id", hold.UserID, "ref_id", hold.RefID, "amount", -hold.Amount,
			"held_since", hold.CreatedAt)
	}
	return released, nil
}

// Open lists unsettled holds created before the given time.
func (m *Manager) Open(ctx context.Context, before time.Time, limit int) ([]*ledger.Entry, error) {
	return m.funding.OpenReservations(ctx, before, limit)
}
