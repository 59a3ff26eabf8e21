package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/jobledger/internal/money"
)

// PostgresStore implements Store with PostgreSQL. Every balance-affecting
// write runs inside a serializable transaction that locks the user's cache
// row, so check-then-write sequences for one user are a single atomic unit.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the journal and cache tables. cmd/migrate (goose) owns
// the canonical schema; this inline DDL keeps fresh deployments working.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_entries (
			id          BIGSERIAL PRIMARY KEY,
			user_id     BIGINT NOT NULL,
			amount      BIGINT NOT NULL CHECK (amount <> 0),
			kind        VARCHAR(20) NOT NULL CHECK (kind IN
				('credit','debit','reservation','settlement','refund','reconciliation')),
			ref_type    VARCHAR(32) NOT NULL DEFAULT '',
			ref_id      VARCHAR(64) NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_user ON ledger_entries(user_id, created_at DESC, id DESC);
		CREATE INDEX IF NOT EXISTS idx_ledger_kind ON ledger_entries(kind) WHERE kind = 'reservation';
		CREATE UNIQUE INDEX IF NOT EXISTS uniq_ledger_reference
			ON ledger_entries(ref_type, ref_id, kind) WHERE ref_id <> '';

		CREATE TABLE IF NOT EXISTS balance_cache (
			user_id      BIGINT PRIMARY KEY,
			balance      BIGINT NOT NULL DEFAULT 0,
			ledger_count BIGINT NOT NULL DEFAULT 0,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

// IsRetryable reports whether err is a transient transaction conflict
// (serialization failure or deadlock) worth retrying with backoff.
func IsRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *PostgresStore) begin(ctx context.Context) (*sql.Tx, error) {
	return p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

// lockBalance locks the user's cache row, creating a zero row first so
// there is always a row to lock. Returns the current cached balance.
func lockBalance(ctx context.Context, tx *sql.Tx, userID int64) (money.Amount, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO balance_cache (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return 0, err
	}

	var bal int64
	err = tx.QueryRowContext(ctx, `
		SELECT balance FROM balance_cache WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(&bal)
	return money.Amount(bal), err
}

// insertEntry writes the entry and folds it into the cache in one shot.
func insertEntry(ctx context.Context, tx *sql.Tx, e *Entry) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO ledger_entries (user_id, amount, kind, ref_type, ref_id, description)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, e.UserID, int64(e.Amount), string(e.Kind), e.RefType, e.RefID, e.Description).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateReference
		}
		return 0, fmt.Errorf("insert entry: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE balance_cache
		SET balance = balance + $2, ledger_count = ledger_count + 1, updated_at = NOW()
		WHERE user_id = $1
	`, e.UserID, int64(e.Amount))
	if err != nil {
		return 0, fmt.Errorf("fold entry into cache: %w", err)
	}
	return id, nil
}

func (p *PostgresStore) Append(ctx context.Context, e *Entry) (int64, error) {
	tx, err := p.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := lockBalance(ctx, tx, e.UserID); err != nil {
		return 0, err
	}
	id, err := insertEntry(ctx, tx, e)
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

func (p *PostgresStore) Query(ctx context.Context, userID int64, f Filter) ([]*Entry, error) {
	query := `
		SELECT id, user_id, amount, kind, ref_type, ref_id, description, created_at
		FROM ledger_entries
		WHERE user_id = $1`
	args := []any{userID}

	if f.Kind != "" {
		args = append(args, string(f.Kind))
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	if f.RefType != "" {
		args = append(args, f.RefType)
		query += fmt.Sprintf(" AND ref_type = $%d", len(args))
	}
	if f.RefID != "" {
		args = append(args, f.RefID)
		query += fmt.Sprintf(" AND ref_id = $%d", len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !f.BeforeTime.IsZero() {
		args = append(args, f.BeforeTime, f.BeforeID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}

	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var amount int64
	var kind string
	if err := row.Scan(&e.ID, &e.UserID, &amount, &kind, &e.RefType, &e.RefID, &e.Description, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Amount = money.Amount(amount)
	e.Kind = Kind(kind)
	return &e, nil
}

func (p *PostgresStore) GetBalance(ctx context.Context, userID int64) (*Balance, error) {
	bal := &Balance{UserID: userID}
	var amount int64
	err := p.db.QueryRowContext(ctx, `
		SELECT balance, ledger_count, updated_at
		FROM balance_cache WHERE user_id = $1
	`, userID).Scan(&amount, &bal.LedgerCount, &bal.UpdatedAt)
	if err == sql.ErrNoRows {
		return &Balance{UserID: userID, UpdatedAt: time.Now().UTC()}, nil
	}
	if err != nil {
		return nil, err
	}
	bal.Balance = money.Amount(amount)
	return bal, nil
}

func (p *PostgresStore) SumLedger(ctx context.Context, userID int64) (money.Amount, int64, error) {
	var sum, count int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0), COUNT(*)
		FROM ledger_entries WHERE user_id = $1
	`, userID).Scan(&sum, &count)
	return money.Amount(sum), count, err
}

func (p *PostgresStore) SumSpentSince(ctx context.Context, userID int64, since time.Time) (money.Amount, error) {
	// Negative reconciliation entries are the extra charge written when a
	// job cost more than its reserve; they are spending too.
	var spent int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(-amount), 0)
		FROM ledger_entries
		WHERE user_id = $1 AND created_at >= $2
		  AND kind IN ('debit', 'settlement', 'reconciliation') AND amount < 0
	`, userID, since).Scan(&spent)
	return money.Amount(spent), err
}

func (p *PostgresStore) DeleteEntry(ctx context.Context, entryID int64) (*Entry, error) {
	tx, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	e, err := scanEntry(tx.QueryRowContext(ctx, `
		SELECT id, user_id, amount, kind, ref_type, ref_id, description, created_at
		FROM ledger_entries WHERE id = $1 FOR UPDATE
	`, entryID))
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}

	if _, err := lockBalance(ctx, tx, e.UserID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_entries WHERE id = $1`, entryID); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE balance_cache
		SET balance = balance - $2, ledger_count = ledger_count - 1, updated_at = NOW()
		WHERE user_id = $1
	`, e.UserID, int64(e.Amount))
	if err != nil {
		return nil, err
	}
	return e, tx.Commit()
}

func (p *PostgresStore) Reserve(ctx context.Context, userID int64, amount money.Amount, refID string) (bool, error) {
	tx, err := p.begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	// Row lock on the cache serializes concurrent reservations for the
	// same user without blocking unrelated users.
	balance, err := lockBalance(ctx, tx, userID)
	if err != nil {
		return false, err
	}
	if balance < amount {
		return false, nil
	}

	_, err = insertEntry(ctx, tx, &Entry{
		UserID:      userID,
		Amount:      -amount,
		Kind:        KindReservation,
		RefType:     RefTypeReservation,
		RefID:       refID,
		Description: "funds reserved",
	})
	if err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (p *PostgresStore) Settle(ctx context.Context, userID int64, refID string, actual money.Amount, newRefID string) error {
	tx, err := p.begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := lockBalance(ctx, tx, userID); err != nil {
		return err
	}

	var entryID, reservedNeg int64
	err = tx.QueryRowContext(ctx, `
		SELECT id, amount FROM ledger_entries
		WHERE user_id = $1 AND kind = 'reservation' AND ref_id = $2
		FOR UPDATE
	`, userID, refID).Scan(&entryID, &reservedNeg)

	if err == sql.ErrNoRows {
		// Crash-and-retry path: the rewrite may have committed before the
		// caller received an acknowledgement.
		var done bool
		err = tx.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM ledger_entries
				WHERE user_id = $1 AND kind = 'settlement' AND ref_id = $2
			)
		`, userID, newRefID).Scan(&done)
		if err != nil {
			return err
		}
		if done {
			return tx.Commit()
		}
		return ErrReservationNotFound
	}
	if err != nil {
		return err
	}

	// The sweep may have already refunded this hold. Settling it now would
	// charge on top of the refund credit; the hold is closed.
	var refunded bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ledger_entries
			WHERE user_id = $1 AND kind = 'refund' AND ref_id = $2
		)
	`, userID, refID).Scan(&refunded)
	if err != nil {
		return err
	}
	if refunded {
		return ErrReservationNotFound
	}

	reserved := money.Amount(-reservedNeg)

	// The sanctioned rewrite: reservation becomes the settlement in place.
	// The held amount stays; the reconciliation entry below is the only
	// balance adjustment, so the net charge is exactly actual.
	_, err = tx.ExecContext(ctx, `
		UPDATE ledger_entries
		SET kind = 'settlement', ref_type = 'job', ref_id = $2,
		    description = 'job settlement'
		WHERE id = $1
	`, entryID, newRefID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateReference
		}
		return err
	}

	if delta := reserved - actual; delta != 0 {
		_, err = insertEntry(ctx, tx, &Entry{
			UserID:      userID,
			Amount:      delta,
			Kind:        KindReconciliation,
			RefType:     RefTypeReconciliation,
			RefID:       newRefID + "_reconcile",
			Description: "reserve/actual adjustment",
		})
		// Duplicate delta entries cannot happen within this transaction's
		// lifetime, but a unique violation on retry means a previous
		// attempt already reconciled; swallow it.
		if err != nil && err != ErrDuplicateReference {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) OpenReservations(ctx context.Context, before time.Time, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT e.id, e.user_id, e.amount, e.kind, e.ref_type, e.ref_id, e.description, e.created_at
		FROM ledger_entries e
		WHERE e.kind = 'reservation' AND e.created_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM ledger_entries r
			WHERE r.kind = 'refund' AND r.ref_id = e.ref_id
		  )
		ORDER BY e.created_at ASC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UserIDs(ctx context.Context) ([]int64, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT user_id FROM balance_cache ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) RebuildBalance(ctx context.Context, userID int64) (*Balance, error) {
	tx, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := lockBalance(ctx, tx, userID); err != nil {
		return nil, err
	}

	bal := &Balance{UserID: userID}
	var sum, count int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0), COUNT(*)
		FROM ledger_entries WHERE user_id = $1
	`, userID).Scan(&sum, &count)
	if err != nil {
		return nil, err
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE balance_cache
		SET balance = $2, ledger_count = $3, updated_at = NOW()
		WHERE user_id = $1
		RETURNING updated_at
	`, userID, sum, count).Scan(&bal.UpdatedAt)
	if err != nil {
		return nil, err
	}
	bal.Balance = money.Amount(sum)
	bal.LedgerCount = count
	return bal, tx.Commit()
}
