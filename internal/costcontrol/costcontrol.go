// Package costcontrol enforces spending caps and a minimum balance floor
// before funds are committed to a job.
package costcontrol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/jobledger/internal/ledger"
	"github.com/mbd888/jobledger/internal/money"
)

var (
	ErrDailyCapExceeded  = errors.New("daily spending cap exceeded")
	ErrHourlyCapExceeded = errors.New("hourly spending cap exceeded")
	ErrBelowMinBalance   = errors.New("balance would fall below minimum")
)

// Limits configures the controller. Zero values fall back to defaults.
type Limits struct {
	Daily      money.Amount
	Hourly     money.Amount
	MinBalance money.Amount
}

// DefaultLimits mirrors the production defaults.
func DefaultLimits() Limits {
	return Limits{
		Daily:      money.MustParse("5000.00"),
		Hourly:     money.MustParse("1000.00"),
		MinBalance: money.MustParse("10.00"),
	}
}

// Reader is the slice of the ledger the controller consults.
// *ledger.Ledger satisfies it.
type Reader interface {
	GetBalance(ctx context.Context, userID int64) (*ledger.Balance, error)
	SpentSince(ctx context.Context, userID int64, since time.Time) (money.Amount, error)
}

// Controller checks spending caps against the trailing hour and day.
type Controller struct {
	reader Reader
	limits Limits
	logger *slog.Logger
}

// New creates a cost controller.
func New(reader Reader, limits Limits, logger *slog.Logger) *Controller {
	def := DefaultLimits()
	if limits.Daily <= 0 {
		limits.Daily = def.Daily
	}
	if limits.Hourly <= 0 {
		limits.Hourly = def.Hourly
	}
	if limits.MinBalance < 0 {
		limits.MinBalance = def.MinBalance
	}
	return &Controller{reader: reader, limits: limits, logger: logger}
}

// Limits returns the configured limits.
func (c *Controller) Limits() Limits { return c.limits }

// Allow reports whether committing cost for the user stays inside the
// caps and above the balance floor. Called before a hold is placed.
func (c *Controller) Allow(ctx context.Context, userID int64, cost money.Amount) error {
	now := time.Now()

	daily, err := c.reader.SpentSince(ctx, userID, now.Add(-24*time.Hour))
	if err != nil {
		return fmt.Errorf("daily spend lookup: %w", err)
	}
	if daily+cost > c.limits.Daily {
		capExceeded.WithLabelValues("daily").Inc()
		c.logger.Warn("daily cap exceeded", "user_id", userID, "spent", daily, "cost", cost, "limit", c.limits.Daily)
		return fmt.Errorf("%w: spent %s of %s", ErrDailyCapExceeded, money.Format(daily), money.Format(c.limits.Daily))
	}

	hourly, err := c.reader.SpentSince(ctx, userID, now.Add(-time.Hour))
	if err != nil {
		return fmt.Errorf("hourly spend lookup: %w", err)
	}
	if hourly+cost > c.limits.Hourly {
		capExceeded.WithLabelValues("hourly").Inc()
		c.logger.Warn("hourly cap exceeded", "user_id", userID, "spent", hourly, "cost", cost, "limit", c.limits.Hourly)
		return fmt.Errorf("%w: spent %s of %s", ErrHourlyCapExceeded, money.Format(hourly), money.Format(c.limits.Hourly))
	}

	bal, err := c.reader.GetBalance(ctx, userID)
	if err != nil {
		return fmt.Errorf("balance lookup: %w", err)
	}
	if bal.Balance-cost < c.limits.MinBalance {
		thresholdHits.Inc()
		c.logger.Warn("balance floor hit", "user_id", userID, "balance", bal.Balance, "cost", cost, "floor", c.limits.MinBalance)
		return fmt.Errorf("%w: balance %s, floor %s", ErrBelowMinBalance, money.Format(bal.Balance), money.Format(c.limits.MinBalance))
	}
	return nil
}

// ShouldStop reports whether a running job must be halted: the balance
// fell below the floor or the daily cap is spent.
func (c *Controller) ShouldStop(ctx context.Context, userID int64) (bool, string, error) {
	bal, err := c.reader.GetBalance(ctx, userID)
	if err != nil {
		return false, "", err
	}
	if bal.Balance < c.limits.MinBalance {
		autoStops.WithLabelValues("low_balance").Inc()
		return true, "low_balance", nil
	}

	daily, err := c.reader.SpentSince(ctx, userID, time.Now().Add(-24*time.Hour))
	if err != nil {
		return false, "", err
	}
	if daily >= c.limits.Daily {
		autoStops.WithLabelValues("daily_limit").Inc()
		return true, "daily_limit", nil
	}
	return false, "", nil
}

// Stats summarizes a user's spending against the caps.
type Stats struct {
	Balance         money.Amount `json:"balance"`
	HourlySpent     money.Amount `json:"hourlySpent"`
	DailySpent      money.Amount `json:"dailySpent"`
	HourlyLimit     money.Amount `json:"hourlyLimit"`
	DailyLimit      money.Amount `json:"dailyLimit"`
	HourlyRemaining money.Amount `json:"hourlyRemaining"`
	DailyRemaining  money.Amount `json:"dailyRemaining"`
}

// SpendingStats returns the user's current position against the caps.
func (c *Controller) SpendingStats(ctx context.Context, userID int64) (*Stats, error) {
	now := time.Now()

	hourly, err := c.reader.SpentSince(ctx, userID, now.Add(-time.Hour))
	if err != nil {
		return nil, err
	}
	daily, err := c.reader.SpentSince(ctx, userID, now.Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	bal, err := c.reader.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		Balance:         bal.Balance,
		HourlySpent:     hourly,
		DailySpent:      daily,
		HourlyLimit:     c.limits.Hourly,
		DailyLimit:      c.limits.Daily,
		HourlyRemaining: c.limits.Hourly - hourly,
		DailyRemaining:  c.limits.Daily - daily,
	}
	if stats.HourlyRemaining < 0 {
		stats.HourlyRemaining = 0
	}
	if stats.DailyRemaining < 0 {
		stats.DailyRemaining = 0
	}
	return stats, nil
}
