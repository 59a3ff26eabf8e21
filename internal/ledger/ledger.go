// Package ledger tracks user balances as an append-only journal.
//
// The journal is the source of truth: a user's balance is the sum of their
// signed entries. A per-user cache row is maintained in lockstep with every
// journal mutation — insert, settlement rewrite, and admin delete each
// adjust the cache inside the same atomic unit as the journal write, so a
// reader can never observe one without the other.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/jobledger/internal/money"
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrDuplicateReference  = errors.New("duplicate reference")
	ErrEntryNotFound       = errors.New("ledger entry not found")
	ErrReservationNotFound = errors.New("reservation not found")
)

// Kind classifies a ledger entry.
type Kind string

const (
	KindCredit         Kind = "credit"
	KindDebit          Kind = "debit"
	KindReservation    Kind = "reservation"
	KindSettlement     Kind = "settlement"
	KindRefund         Kind = "refund"
	KindReconciliation Kind = "reconciliation"
)

// Valid reports whether k is a known entry kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCredit, KindDebit, KindReservation, KindSettlement, KindRefund, KindReconciliation:
		return true
	}
	return false
}

// Reference types stored alongside entries.
const (
	RefTypePayment        = "payment"
	RefTypeJob            = "job"
	RefTypeAdmin          = "admin"
	RefTypeReservation    = "reservation"
	RefTypeReconciliation = "reconciliation"
)

// Entry is a single immutable journal record. Entries are created by
// Append and never modified, with one sanctioned exception: Settle
// rewrites a reservation entry into its settlement in place.
type Entry struct {
	ID          int64        `json:"id"`
	UserID      int64        `json:"userId"`
	Amount      money.Amount `json:"amount"` // credit positive, debit negative
	Kind        Kind         `json:"kind"`
	RefType     string       `json:"refType,omitempty"`
	RefID       string       `json:"refId,omitempty"`
	Description string       `json:"description,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// Balance is the cached running total for one user.
type Balance struct {
	UserID      int64        `json:"userId"`
	Balance     money.Amount `json:"balance"`
	LedgerCount int64        `json:"ledgerCount"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Filter narrows a journal query. Zero values mean "no constraint".
// BeforeTime/BeforeID position a cursor for keyset pagination: only
// entries strictly older than (BeforeTime, BeforeID) are returned.
type Filter struct {
	Kind       Kind
	RefType    string
	RefID      string
	Since      time.Time
	BeforeTime time.Time
	BeforeID   int64
	Limit      int
}

// Store persists the journal and its balance cache.
//
// Implementations must keep every journal mutation and its cache update
// atomic, and must serialize Reserve's check-then-write per user.
type Store interface {
	// Append inserts an entry and folds it into the cache.
	// Returns ErrDuplicateReference when (refType, refID, kind) already exists.
	Append(ctx context.Context, e *Entry) (int64, error)

	// Query returns entries for a user, newest first.
	Query(ctx context.Context, userID int64, f Filter) ([]*Entry, error)

	// GetBalance reads the cache row. Never sums the journal.
	GetBalance(ctx context.Context, userID int64) (*Balance, error)

	// SumLedger computes the true balance and entry count by full
	// summation. Reserved for audits; not a read path.
	SumLedger(ctx context.Context, userID int64) (money.Amount, int64, error)

	// SumSpentSince totals debits, settlements, and negative
	// reconciliation charges (as a positive number) created at or after
	// since.
	SumSpentSince(ctx context.Context, userID int64, since time.Time) (money.Amount, error)

	// DeleteEntry removes an entry (admin reversal) and subtracts its
	// amount from the cache. Returns the deleted entry.
	DeleteEntry(ctx context.Context, entryID int64) (*Entry, error)

	// Reserve atomically checks the balance and, if sufficient, appends
	// a reservation hold of -amount tagged with refID.
	Reserve(ctx context.Context, userID int64, amount money.Amount, refID string) (bool, error)

	// Settle rewrites the open reservation refID into a settlement under
	// newRefID. The held amount stays on the entry; when reserved !=
	// actual a reconciliation delta entry is appended, so the user's net
	// charge is exactly actual. Idempotent: a prior settlement under
	// newRefID makes the call a no-op. Returns ErrReservationNotFound
	// when neither exists, or when the hold was already refunded.
	Settle(ctx context.Context, userID int64, refID string, actual money.Amount, newRefID string) error

	// OpenReservations lists reservation entries created before the given
	// time that were never settled or refunded.
	OpenReservations(ctx context.Context, before time.Time, limit int) ([]*Entry, error)

	// UserIDs lists every user with a cache row.
	UserIDs(ctx context.Context) ([]int64, error)

	// RebuildBalance recomputes the cache row from the journal.
	RebuildBalance(ctx context.Context, userID int64) (*Balance, error)
}

// Ledger validates and instruments operations in front of a Store.
type Ledger struct {
	store Store
}

// New creates a new ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Append records an arbitrary journal entry. Zero amounts are rejected;
// this is the only validation the journal itself performs — sign
// conventions are the caller's contract.
func (l *Ledger) Append(ctx context.Context, e *Entry) (int64, error) {
	if e.Amount == 0 {
		return 0, ErrInvalidAmount
	}
	if !e.Kind.Valid() {
		return 0, ErrInvalidAmount
	}
	id, err := l.store.Append(ctx, e)
	if err == nil {
		entriesAppended.WithLabelValues(string(e.Kind)).Inc()
	}
	return id, err
}

// Credit appends a positive credit entry. Used by the payment collaborator
// after it has verified the payment; refID must be unique per payment so a
// duplicate delivery is rejected by the journal's uniqueness constraint.
func (l *Ledger) Credit(ctx context.Context, userID int64, amount money.Amount, refType, refID, description string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	return l.Append(ctx, &Entry{
		UserID:      userID,
		Amount:      amount,
		Kind:        KindCredit,
		RefType:     refType,
		RefID:       refID,
		Description: description,
	})
}

// GetBalance returns the cached balance for a user.
func (l *Ledger) GetBalance(ctx context.Context, userID int64) (*Balance, error) {
	balanceReads.Inc()
	return l.store.GetBalance(ctx, userID)
}

// History returns journal entries for a user, newest first.
func (l *Ledger) History(ctx context.Context, userID int64, f Filter) ([]*Entry, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	return l.store.Query(ctx, userID, f)
}

// Reverse deletes an entry as an administrative reversal. The cache is
// adjusted by the negated amount in the same atomic unit.
func (l *Ledger) Reverse(ctx context.Context, entryID int64) (*Entry, error) {
	e, err := l.store.DeleteEntry(ctx, entryID)
	if err == nil {
		reversalsTotal.Inc()
	}
	return e, err
}

// Reserve places a hold of amount against the user's balance.
func (l *Ledger) Reserve(ctx context.Context, userID int64, amount money.Amount, refID string) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	return l.store.Reserve(ctx, userID, amount, refID)
}

// Settle converts the reservation refID into a settlement whose net
// charge is actual.
func (l *Ledger) Settle(ctx context.Context, userID int64, refID string, actual money.Amount, newRefID string) error {
	if actual < 0 {
		return ErrInvalidAmount
	}
	return l.store.Settle(ctx, userID, refID, actual, newRefID)
}

// Refund appends a compensating credit for a reservation that will never
// become a job. Duplicate refunds for the same reference are rejected by
// the journal's uniqueness constraint.
func (l *Ledger) Refund(ctx context.Context, userID int64, amount money.Amount, refID, reason string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	return l.Append(ctx, &Entry{
		UserID:      userID,
		Amount:      amount,
		Kind:        KindRefund,
		RefType:     RefTypeReservation,
		RefID:       refID,
		Description: reason,
	})
}

// SpentSince totals the user's spending over the trailing window.
func (l *Ledger) SpentSince(ctx context.Context, userID int64, since time.Time) (money.Amount, error) {
	return l.store.SumSpentSince(ctx, userID, since)
}

// OpenReservations exposes unsettled holds for leak auditing.
func (l *Ledger) OpenReservations(ctx context.Context, before time.Time, limit int) ([]*Entry, error) {
	return l.store.OpenReservations(ctx, before, limit)
}

// UserIDs lists users known to the balance cache.
func (l *Ledger) UserIDs(ctx context.Context) ([]int64, error) {
	return l.store.UserIDs(ctx)
}

// SumLedger is the audit read path: full journal summation.
func (l *Ledger) SumLedger(ctx context.Context, userID int64) (money.Amount, int64, error) {
	return l.store.SumLedger(ctx, userID)
}

// RebuildBalance recomputes a user's cache row from the journal.
func (l *Ledger) RebuildBalance(ctx context.Context, userID int64) (*Balance, error) {
	return l.store.RebuildBalance(ctx, userID)
}
