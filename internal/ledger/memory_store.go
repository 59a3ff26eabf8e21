package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/jobledger/internal/money"
)

// MemoryStore is an in-memory journal for demo/development mode and tests.
// A single mutex guards the journal and the cache so each mutation and its
// cache fold are one atomic unit, mirroring the transactional stores.
type MemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	entries  []*Entry
	refs     map[refKey]int64 // uniqueness index over (refType, refID, kind)
	balances map[int64]*Balance
}

type refKey struct {
	refType string
	refID   string
	kind    Kind
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		refs:     make(map[refKey]int64),
		balances: make(map[int64]*Balance),
	}
}

// applyInsert folds a new entry into the cache: balance += amount, count+1.
func (m *MemoryStore) applyInsert(e *Entry) {
	bal, ok := m.balances[e.UserID]
	if !ok {
		bal = &Balance{UserID: e.UserID}
		m.balances[e.UserID] = bal
	}
	bal.Balance += e.Amount
	bal.LedgerCount++
	bal.UpdatedAt = time.Now().UTC()
}

// applyDelete folds an entry removal: balance -= amount, count-1.
func (m *MemoryStore) applyDelete(e *Entry) {
	if bal, ok := m.balances[e.UserID]; ok {
		bal.Balance -= e.Amount
		bal.LedgerCount--
		bal.UpdatedAt = time.Now().UTC()
	}
}

func (m *MemoryStore) insertLocked(e *Entry) (int64, error) {
	if e.RefID != "" {
		key := refKey{e.RefType, e.RefID, e.Kind}
		if _, exists := m.refs[key]; exists {
			return 0, ErrDuplicateReference
		}
	}

	m.nextID++
	cp := *e
	cp.ID = m.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.entries = append(m.entries, &cp)
	if cp.RefID != "" {
		m.refs[refKey{cp.RefType, cp.RefID, cp.Kind}] = cp.ID
	}
	m.applyInsert(&cp)
	return cp.ID, nil
}

func (m *MemoryStore) Append(ctx context.Context, e *Entry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(e)
}

func (m *MemoryStore) Query(ctx context.Context, userID int64, f Filter) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Entry
	// Newest first: walk the journal backwards.
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.UserID != userID {
			continue
		}
		if f.Kind != "" && e.Kind != f.Kind {
			continue
		}
		if f.RefType != "" && e.RefType != f.RefType {
			continue
		}
		if f.RefID != "" && e.RefID != f.RefID {
			continue
		}
		if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.BeforeTime.IsZero() {
			if e.CreatedAt.After(f.BeforeTime) {
				continue
			}
			if e.CreatedAt.Equal(f.BeforeTime) && e.ID >= f.BeforeID {
				continue
			}
		}
		cp := *e
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) GetBalance(ctx context.Context, userID int64) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bal, ok := m.balances[userID]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{UserID: userID, UpdatedAt: time.Now().UTC()}, nil
}

func (m *MemoryStore) SumLedger(ctx context.Context, userID int64) (money.Amount, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sumLocked(userID)
}

func (m *MemoryStore) sumLocked(userID int64) (money.Amount, int64, error) {
	var sum money.Amount
	var count int64
	for _, e := range m.entries {
		if e.UserID == userID {
			sum += e.Amount
			count++
		}
	}
	return sum, count, nil
}

func (m *MemoryStore) SumSpentSince(ctx context.Context, userID int64, since time.Time) (money.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var spent money.Amount
	for _, e := range m.entries {
		if e.UserID != userID || e.CreatedAt.Before(since) {
			continue
		}
		// Negative reconciliation entries are the extra charge written when
		// a job cost more than its reserve; they are spending too.
		if (e.Kind == KindDebit || e.Kind == KindSettlement || e.Kind == KindReconciliation) && e.Amount < 0 {
			spent += -e.Amount
		}
	}
	return spent, nil
}

func (m *MemoryStore) DeleteEntry(ctx context.Context, entryID int64) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, e := range m.entries {
		if e.ID == entryID {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			if e.RefID != "" {
				delete(m.refs, refKey{e.RefType, e.RefID, e.Kind})
			}
			m.applyDelete(e)
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrEntryNotFound
}

func (m *MemoryStore) Reserve(ctx context.Context, userID int64, amount money.Amount, refID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check-then-write under the same lock: a concurrent Reserve cannot
	// pass the balance check against stale state.
	var current money.Amount
	if bal, ok := m.balances[userID]; ok {
		current = bal.Balance
	}
	if current < amount {
		return false, nil
	}

	_, err := m.insertLocked(&Entry{
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
	return true, nil
}

func (m *MemoryStore) Settle(ctx context.Context, userID int64, refID string, actual money.Amount, newRefID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res *Entry
	for _, e := range m.entries {
		if e.UserID == userID && e.Kind == KindReservation && e.RefID == refID {
			res = e
			break
		}
	}

	if res == nil {
		// Retry after a crash between commit and ack: a settlement under
		// the new reference means the work is already done.
		if _, ok := m.refs[refKey{RefTypeJob, newRefID, KindSettlement}]; ok {
			return nil
		}
		return ErrReservationNotFound
	}

	// The sweep may have already refunded this hold. Settling it now would
	// charge on top of the refund credit; the hold is closed.
	if _, ok := m.refs[refKey{RefTypeReservation, refID, KindRefund}]; ok {
		return ErrReservationNotFound
	}

	// A different entry already settled under newRefID: the caller reused
	// a final reference across reservations.
	if existing, ok := m.refs[refKey{RefTypeJob, newRefID, KindSettlement}]; ok && existing != res.ID {
		return ErrDuplicateReference
	}

	reserved := -res.Amount

	// The rewrite keeps the held amount; the reconciliation entry below is
	// the only balance adjustment, so the net charge is exactly actual.
	delete(m.refs, refKey{res.RefType, res.RefID, res.Kind})
	res.Kind = KindSettlement
	res.RefType = RefTypeJob
	res.RefID = newRefID
	res.Description = "job settlement"
	m.refs[refKey{RefTypeJob, newRefID, KindSettlement}] = res.ID

	if delta := reserved - actual; delta != 0 {
		_, err := m.insertLocked(&Entry{
			UserID:      userID,
			Amount:      delta,
			Kind:        KindReconciliation,
			RefType:     RefTypeReconciliation,
			RefID:       newRefID + "_reconcile",
			Description: "reserve/actual adjustment",
		})
		// A duplicate here means a previous attempt already wrote the
		// delta; the rewrite above was the only remaining work.
		if err != nil && err != ErrDuplicateReference {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) OpenReservations(ctx context.Context, before time.Time, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	refunded := make(map[string]bool)
	for _, e := range m.entries {
		if e.Kind == KindRefund && e.RefID != "" {
			refunded[e.RefID] = true
		}
	}

	var out []*Entry
	for _, e := range m.entries {
		if e.Kind != KindReservation || !e.CreatedAt.Before(before) {
			continue
		}
		if refunded[e.RefID] {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) UserIDs(ctx context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]int64, 0, len(m.balances))
	for id := range m.balances {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *MemoryStore) RebuildBalance(ctx context.Context, userID int64) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sum, count, _ := m.sumLocked(userID)
	bal, ok := m.balances[userID]
	if !ok {
		bal = &Balance{UserID: userID}
		m.balances[userID] = bal
	}
	bal.Balance = sum
	bal.LedgerCount = count
	bal.UpdatedAt = time.Now().UTC()
	cp := *bal
	return &cp, nil
}
