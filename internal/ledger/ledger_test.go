package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/jobledger/internal/money"
)

func newTestLedger() (*Ledger, *MemoryStore) {
	store := NewMemoryStore()
	return New(store), store
}

func credit(t *testing.T, l *Ledger, userID int64, amount string, refID string) {
	t.Helper()
	if _, err := l.Credit(context.Background(), userID, money.MustParse(amount), RefTypePayment, refID, "test credit"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
}

// assertCacheConsistent checks the core invariant: cache == SUM(journal).
func assertCacheConsistent(t *testing.T, l *Ledger, userID int64) {
	t.Helper()
	ctx := context.Background()

	bal, err := l.GetBalance(ctx, userID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	sum, count, err := l.SumLedger(ctx, userID)
	if err != nil {
		t.Fatalf("SumLedger: %v", err)
	}
	if bal.Balance != sum {
		t.Errorf("cache balance %s != journal sum %s", bal.Balance, sum)
	}
	if bal.LedgerCount != count {
		t.Errorf("cache count %d != journal count %d", bal.LedgerCount, count)
	}
}

func TestAppend_ZeroAmountRejected(t *testing.T) {
	l, _ := newTestLedger()

	_, err := l.Append(context.Background(), &Entry{UserID: 1, Amount: 0, Kind: KindCredit})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestAppend_UnknownKindRejected(t *testing.T) {
	l, _ := newTestLedger()

	_, err := l.Append(context.Background(), &Entry{UserID: 1, Amount: 100, Kind: "bogus"})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestCredit_DuplicateReference(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	if _, err := l.Credit(ctx, 1, 1000, RefTypePayment, "pay_1", ""); err != nil {
		t.Fatalf("first credit: %v", err)
	}
	_, err := l.Credit(ctx, 1, 1000, RefTypePayment, "pay_1", "")
	if !errors.Is(err, ErrDuplicateReference) {
		t.Errorf("expected ErrDuplicateReference, got %v", err)
	}

	// The duplicate must not have changed the balance.
	bal, _ := l.GetBalance(ctx, 1)
	if bal.Balance != 1000 {
		t.Errorf("balance = %d, want 1000", bal.Balance)
	}
	assertCacheConsistent(t, l, 1)
}

func TestAppend_RoundTrip(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	id, err := l.Append(ctx, &Entry{
		UserID:      7,
		Amount:      money.MustParse("25.00"),
		Kind:        KindCredit,
		RefType:     RefTypePayment,
		RefID:       "pay_rt",
		Description: "round trip",
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	entries, err := l.History(ctx, 7, Filter{RefID: "pay_rt"})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.ID != id || e.UserID != 7 || e.Amount != 2500 || e.Kind != KindCredit ||
		e.RefType != RefTypePayment || e.RefID != "pay_rt" || e.Description != "round trip" {
		t.Errorf("entry fields mismatch: %+v", e)
	}
	if e.CreatedAt.IsZero() {
		t.Error("entry created_at not set")
	}
}

func TestHistory_FiltersAndOrder(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	credit(t, l, 1, "100.00", "pay_a")
	if ok, err := l.Reserve(ctx, 1, money.MustParse("10.00"), "res_a"); err != nil || !ok {
		t.Fatalf("Reserve: ok=%v err=%v", ok, err)
	}
	credit(t, l, 1, "5.00", "pay_b")
	credit(t, l, 2, "50.00", "pay_other") // different user, must not appear

	all, err := l.History(ctx, 1, Filter{})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d entries, want 3", len(all))
	}
	// Newest first.
	if all[0].RefID != "pay_b" || all[2].RefID != "pay_a" {
		t.Errorf("unexpected order: %s, %s, %s", all[0].RefID, all[1].RefID, all[2].RefID)
	}

	onlyCredits, _ := l.History(ctx, 1, Filter{Kind: KindCredit})
	if len(onlyCredits) != 2 {
		t.Errorf("kind filter returned %d entries, want 2", len(onlyCredits))
	}

	limited, _ := l.History(ctx, 1, Filter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limit filter returned %d entries, want 1", len(limited))
	}
}

func TestReserve_InsufficientBalance(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	credit(t, l, 1, "50.00", "pay_1")

	ok, err := l.Reserve(ctx, 1, money.MustParse("50.01"), "res_1")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if ok {
		t.Error("Reserve succeeded above balance")
	}

	// No hold entry, no balance change.
	bal, _ := l.GetBalance(ctx, 1)
	if bal.Balance != 5000 || bal.LedgerCount != 1 {
		t.Errorf("balance row changed: %+v", bal)
	}
}

func TestReserve_UnknownUser(t *testing.T) {
	l, _ := newTestLedger()

	ok, err := l.Reserve(context.Background(), 999, 100, "res_x")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if ok {
		t.Error("Reserve succeeded for user with no balance")
	}
}

func TestReserve_ConcurrentHoldsCannotOverdraw(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	credit(t, l, 1, "100.00", "pay_1")

	// Two parallel holds of the full balance: exactly one may win.
	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := l.Reserve(ctx, 1, money.MustParse("100.00"), "res_"+string(rune('a'+i)))
			if err != nil {
				t.Errorf("Reserve: %v", err)
			}
			results[i] = ok
		}(i)
	}
	wg.Wait()

	if results[0] == results[1] {
		t.Errorf("expected exactly one winner, got %v and %v", results[0], results[1])
	}
	bal, _ := l.GetBalance(ctx, 1)
	if bal.Balance != 0 {
		t.Errorf("balance = %d, want 0", bal.Balance)
	}
	assertCacheConsistent(t, l, 1)
}

func TestSettle_ReconciliationRefund(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	credit(t, l, 1, "100.00", "pay_1")
	if ok, _ := l.Reserve(ctx, 1, money.MustParse("50.00"), "res_1"); !ok {
		t.Fatal("Reserve failed")
	}

	// Settle at a lower actual cost: the delta comes back as a credit.
	if err := l.Settle(ctx, 1, "res_1", money.MustParse("42.00"), "job_1"); err != nil {
		t.Fatalf("Settle: %v", err)
	}

	bal, _ := l.GetBalance(ctx, 1)
	if bal.Balance != money.MustParse("58.00") {
		t.Errorf("balance = %s, want 58.00 (net delta -42.00)", bal.Balance)
	}

	recon, _ := l.History(ctx, 1, Filter{Kind: KindReconciliation})
	if len(recon) != 1 {
		t.Fatalf("got %d reconciliation entries, want 1", len(recon))
	}
	if recon[0].Amount != money.MustParse("8.00") {
		t.Errorf("reconciliation amount = %s, want 8.00", recon[0].Amount)
	}
	if recon[0].RefID != "job_1_reconcile" {
		t.Errorf("reconciliation refId = %q, want job_1_reconcile", recon[0].RefID)
	}

	// The settlement keeps the held amount; the reconciliation entry is
	// the only delta, so journal sum and net charge stay exact.
	settlements, _ := l.History(ctx, 1, Filter{Kind: KindSettlement})
	if len(settlements) != 1 || settlements[0].Amount != money.MustParse("-50.00") {
		t.Errorf("settlement entries = %+v, want one of -50.00", settlements)
	}
	assertCacheConsistent(t, l, 1)
}

func TestSettle_ZeroActualRefundsWholeHold(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	credit(t, l, 1, "100.00", "pay_1")
	if ok, _ := l.Reserve(ctx, 1, money.MustParse("40.00"), "res_1"); !ok {
		t.Fatal("Reserve failed")
	}

	// The job consumed nothing: the whole hold comes back as a
	// reconciliation credit.
	if err := l.Settle(ctx, 1, "res_1", 0, "job_free"); err != nil {
		t.Fatalf("Settle: %v", err)
	}

	bal, _ := l.GetBalance(ctx, 1)
	if bal.Balance != money.MustParse("100.00") {
		t.Errorf("balance = %s, want 100.00", bal.Balance)
	}
	recon, _ := l.History(ctx, 1, Filter{Kind: KindReconciliation})
	if len(recon) != 1 || recon[0].Amount != money.MustParse("40.00") {
		t.Errorf("expected one +40.00 reconciliation entry, got %+v", recon)
	}
	assertCacheConsistent(t, l, 1)
}

func TestSettle_RefundedHoldRejected(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	credit(t, l, 1, "200.00", "pay_1")
	if ok, _ := l.Reserve(ctx, 1, money.MustParse("100.00"), "res_1"); !ok {
		t.Fatal("Reserve failed")
	}
	if _, err := l.Refund(ctx, 1, money.MustParse("100.00"), "res_1", "hold expired"); err != nil {
		t.Fatalf("Refund: %v", err)
	}

	// A worker retrying after its hold was refunded must not settle: the
	// refund credit already closed the hold.
	err := l.Settle(ctx, 1, "res_1", money.MustParse("42.00"), "job_late")
	if !errors.Is(err, ErrReservationNotFound) {
		t.Fatalf("expected ErrReservationNotFound, got %v", err)
	}

	bal, _ := l.GetBalance(ctx, 1)
	if bal.Balance != money.MustParse("200.00") {
		t.Errorf("balance = %s, want 200.00 (no charge after refund)", bal.Balance)
	}
	settlements, _ := l.History(ctx, 1, Filter{Kind: KindSettlement})
	if len(settlements) != 0 {
		t.Errorf("got %d settlement entries, want 0", len(settlements))
	}
	assertCacheConsistent(t, l, 1)
}

func TestSettle_ReconciliationExtraCharge(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	credit(t, l, 1, "100.00", "pay_1")
	if ok, _ := l.Reserve(ctx, 1, money.MustParse("50.00"), "res_1"); !ok {
		t.Fatal("Reserve failed")
	}

	// Actual cost above the reserve: the delta is an extra debit.
	if err := l.Settle(ctx, 1, "res_1", money.MustParse("55.00"), "job_1"); err != nil {
		t.Fatalf("Settle: %v", err)
	}

	bal, _ := l.GetBalance(ctx, 1)
	if bal.Balance != money.MustParse("45.00") {
		t.Errorf("balance = %s, want 45.00", bal.Balance)
	}
	recon, _ := l.History(ctx, 1, Filter{Kind: KindReconciliation})
	if len(recon) != 1 || recon[0].Amount != money.MustParse("-5.00") {
		t.Errorf("expected one -5.00 reconciliation entry, got %+v", recon)
	}
	assertCacheConsistent(t, l, 1)
}

func TestSettle_ExactAmountNoReconciliation(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	credit(t, l, 1, "100.00", "pay_1")
	if ok, _ := l.Reserve(ctx, 1, money.MustParse("30.00"), "res_1"); !ok {
		t.Fatal("Reserve failed")
	}
	if err := l.Settle(ctx, 1, "res_1", money.MustParse("30.00"), "job_1"); err != nil {
		t.Fatalf("Settle: %v", err)
	}

	recon, _ := l.History(ctx, 1, Filter{Kind: KindReconciliation})
	if len(recon) != 0 {
		t.Errorf("got %d reconciliation entries, want 0", len(recon))
	}
	assertCacheConsistent(t, l, 1)
}

func TestSettle_Idempotent(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	credit(t, l, 1, "100.00", "pay_1")
	if ok, _ := l.Reserve(ctx, 1, money.MustParse("50.00"), "res_1"); !ok {
		t.Fatal("Reserve failed")
	}
	if err := l.Settle(ctx, 1, "res_1", money.MustParse("42.00"), "job_1"); err != nil {
		t.Fatalf("first Settle: %v", err)
	}
	// Crash-and-retry: the second call must succeed without new entries.
	if err := l.Settle(ctx, 1, "res_1", money.MustParse("42.00"), "job_1"); err != nil {
		t.Fatalf("retried Settle: %v", err)
	}

	settlements, _ := l.History(ctx, 1, Filter{Kind: KindSettlement})
	if len(settlements) != 1 {
		t.Errorf("got %d settlement entries, want 1", len(settlements))
	}
	recon, _ := l.History(ctx, 1, Filter{Kind: KindReconciliation})
	if len(recon) != 1 {
		t.Errorf("got %d reconciliation entries, want 1", len(recon))
	}
	bal, _ := l.GetBalance(ctx, 1)
	if bal.Balance != money.MustParse("58.00") {
		t.Errorf("balance = %s, want 58.00", bal.Balance)
	}
}

func TestSettle_NotFound(t *testing.T) {
	l, _ := newTestLedger()

	err := l.Settle(context.Background(), 1, "res_missing", 100, "job_missing")
	if !errors.Is(err, ErrReservationNotFound) {
		t.Errorf("expected ErrReservationNotFound, got %v", err)
	}
}

func TestRefund_DuplicateRejected(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	credit(t, l, 1, "100.00", "pay_1")
	if ok, _ := l.Reserve(ctx, 1, money.MustParse("20.00"), "res_1"); !ok {
		t.Fatal("Reserve failed")
	}

	if _, err := l.Refund(ctx, 1, money.MustParse("20.00"), "res_1", "admission aborted"); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	_, err := l.Refund(ctx, 1, money.MustParse("20.00"), "res_1", "admission aborted")
	if !errors.Is(err, ErrDuplicateReference) {
		t.Errorf("expected ErrDuplicateReference on double refund, got %v", err)
	}

	bal, _ := l.GetBalance(ctx, 1)
	if bal.Balance != money.MustParse("100.00") {
		t.Errorf("balance = %s, want 100.00 (hold fully released once)", bal.Balance)
	}
	assertCacheConsistent(t, l, 1)
}

func TestReverse_AdjustsCacheByNegatedAmount(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	credit(t, l, 1, "100.00", "pay_1")
	entries, _ := l.History(ctx, 1, Filter{})
	entryID := entries[0].ID

	e, err := l.Reverse(ctx, entryID)
	if err != nil {
		t.Fatalf("Reverse: %v", err)
	}
	if e.Amount != money.MustParse("100.00") {
		t.Errorf("reversed amount = %s, want 100.00", e.Amount)
	}

	bal, _ := l.GetBalance(ctx, 1)
	if bal.Balance != 0 || bal.LedgerCount != 0 {
		t.Errorf("cache after reversal = %+v, want zeroed", bal)
	}
	assertCacheConsistent(t, l, 1)
}

func TestReverse_NotFound(t *testing.T) {
	l, _ := newTestLedger()

	_, err := l.Reverse(context.Background(), 42)
	if !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestOpenReservations_ExcludesSettledAndRefunded(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	credit(t, l, 1, "100.00", "pay_1")
	for _, ref := range []string{"res_settled", "res_refunded", "res_open"} {
		if ok, _ := l.Reserve(ctx, 1, money.MustParse("10.00"), ref); !ok {
			t.Fatalf("Reserve %s failed", ref)
		}
	}
	if err := l.Settle(ctx, 1, "res_settled", money.MustParse("10.00"), "job_s"); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if _, err := l.Refund(ctx, 1, money.MustParse("10.00"), "res_refunded", "aborted"); err != nil {
		t.Fatalf("Refund: %v", err)
	}

	open, err := l.OpenReservations(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("OpenReservations: %v", err)
	}
	if len(open) != 1 || open[0].RefID != "res_open" {
		t.Errorf("open reservations = %+v, want only res_open", open)
	}
}

func TestSpentSince_CountsDebitsAndSettlements(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	credit(t, l, 1, "100.00", "pay_1")
	if ok, _ := l.Reserve(ctx, 1, money.MustParse("30.00"), "res_1"); !ok {
		t.Fatal("Reserve failed")
	}
	if err := l.Settle(ctx, 1, "res_1", money.MustParse("30.00"), "job_1"); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if _, err := l.Append(ctx, &Entry{UserID: 1, Amount: money.MustParse("-5.00"), Kind: KindDebit, RefType: RefTypeAdmin, RefID: "adj_1"}); err != nil {
		t.Fatalf("Append debit: %v", err)
	}

	spent, err := l.SpentSince(ctx, 1, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("SpentSince: %v", err)
	}
	if spent != money.MustParse("35.00") {
		t.Errorf("spent = %s, want 35.00", spent)
	}
}

func TestSpentSince_IncludesExtraCharge(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	credit(t, l, 1, "100.00", "pay_1")
	if ok, _ := l.Reserve(ctx, 1, money.MustParse("50.00"), "res_1"); !ok {
		t.Fatal("Reserve failed")
	}
	// Actual above the reserve: the -5.00 reconciliation charge counts
	// toward spend, so caps see the full 55.00.
	if err := l.Settle(ctx, 1, "res_1", money.MustParse("55.00"), "job_1"); err != nil {
		t.Fatalf("Settle: %v", err)
	}

	spent, err := l.SpentSince(ctx, 1, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("SpentSince: %v", err)
	}
	if spent != money.MustParse("55.00") {
		t.Errorf("spent = %s, want 55.00", spent)
	}
}

func TestRebuildBalance_CorrectsDrift(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()

	credit(t, l, 1, "100.00", "pay_1")

	// Corrupt the cache to simulate drift.
	store.mu.Lock()
	store.balances[1].Balance = 123
	store.mu.Unlock()

	bal, err := l.RebuildBalance(ctx, 1)
	if err != nil {
		t.Fatalf("RebuildBalance: %v", err)
	}
	if bal.Balance != money.MustParse("100.00") {
		t.Errorf("rebuilt balance = %s, want 100.00", bal.Balance)
	}
	assertCacheConsistent(t, l, 1)
}
