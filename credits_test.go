package funnel_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/xraph/funnel"
	"github.com/xraph/funnel/bonus"
	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/user"
)

func TestReserveCommitRelease(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	u := e.user(t, 20)
	l := e.f.Ledger()

	if _, err := l.Reserve(ctx, u.ID, dec(5)); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	got := e.reload(t, u.ID)
	assertDecimal(t, "credits", got.Credits, 20)
	assertDecimal(t, "reserved", got.ReservedCredits, 5)

	if _, err := l.Commit(ctx, u.ID, dec(5), dec(4), "job-1", nil); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	got = e.reload(t, u.ID)
	assertDecimal(t, "credits", got.Credits, 16)
	assertDecimal(t, "reserved", got.ReservedCredits, 0)
	if got.TotalGenerated != 1 {
		t.Errorf("TotalGenerated = %d, want 1", got.TotalGenerated)
	}

	txs, err := e.f.Transactions(ctx, u.ID, user.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	var costs []*user.Transaction
	for _, tx := range txs {
		if tx.Type == user.TxGenerationCost {
			costs = append(costs, tx)
		}
	}
	if len(costs) != 1 {
		t.Fatalf("GENERATION_COST transactions = %d, want 1", len(costs))
	}
	assertDecimal(t, "change", costs[0].CreditsAdded, -4)
	if costs[0].RefID != "job-1" {
		t.Errorf("RefID = %q", costs[0].RefID)
	}

	if _, err := l.Reserve(ctx, u.ID, dec(6)); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Release(ctx, u.ID, dec(6)); err != nil {
		t.Fatal(err)
	}
	got = e.reload(t, u.ID)
	assertDecimal(t, "credits after release", got.Credits, 16)
	assertDecimal(t, "reserved after release", got.ReservedCredits, 0)
}

func TestReserveInsufficient(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	u := e.user(t, 3)

	_, err := e.f.Ledger().Reserve(ctx, u.ID, dec(5))
	if !errors.Is(err, funnel.ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}
	var ie *funnel.InsufficientCreditsError
	if !errors.As(err, &ie) {
		t.Fatalf("err %T is not *InsufficientCreditsError", err)
	}
	assertDecimal(t, "required", ie.Required, 5)
	assertDecimal(t, "available", ie.Available, 3)

	got := e.reload(t, u.ID)
	assertDecimal(t, "credits", got.Credits, 3)
	assertDecimal(t, "reserved", got.ReservedCredits, 0)
}

func TestInvalidAmounts(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	u := e.user(t, 10)
	l := e.f.Ledger()

	tests := []struct {
		name string
		call func() error
	}{
		{"reserve zero", func() error { _, err := l.Reserve(ctx, u.ID, decimal.Zero); return err }},
		{"reserve negative", func() error { _, err := l.Reserve(ctx, u.ID, dec(-1)); return err }},
		{"release zero", func() error { _, err := l.Release(ctx, u.ID, decimal.Zero); return err }},
		{"add negative", func() error {
			_, err := l.AddCredits(ctx, u.ID, dec(-3), user.TxPurchase, "card", nil)
			return err
		}},
		{"deduct zero", func() error { _, err := l.DeductCredits(ctx, u.ID, decimal.Zero, "", nil); return err }},
		{"commit negative cost", func() error {
			_, err := l.Commit(ctx, u.ID, dec(1), dec(-1), "", nil)
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, funnel.ErrInvalidAmount) {
				t.Fatalf("err = %v, want ErrInvalidAmount", err)
			}
		})
	}
	assertDecimal(t, "credits", e.reload(t, u.ID).Credits, 10)
}

func TestDeductCredits(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	u := e.user(t, 5)
	l := e.f.Ledger()

	if _, err := l.DeductCredits(ctx, u.ID, dec(6), "", nil); !errors.Is(err, funnel.ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}
	got, err := l.DeductCredits(ctx, u.ID, dec(5), "job", nil)
	if err != nil {
		t.Fatal(err)
	}
	assertDecimal(t, "credits", got.Credits, 0)
	if got.TotalGenerated != 1 {
		t.Errorf("TotalGenerated = %d, want 1", got.TotalGenerated)
	}
}

func TestNoOversell(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	u := e.user(t, 10)

	var (
		wg      sync.WaitGroup
		granted atomic.Int64
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.f.Ledger().Reserve(ctx, u.ID, dec(1)); err == nil {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if granted.Load() != 10 {
		t.Fatalf("granted = %d, want 10", granted.Load())
	}
	got := e.reload(t, u.ID)
	assertDecimal(t, "reserved", got.ReservedCredits, 10)
	assertDecimal(t, "available", got.Available(), 0)
}

func TestBalanceConservation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	u := e.user(t, 7)
	l := e.f.Ledger()

	steps := []func() error{
		func() error { _, err := e.f.RecordPayment(ctx, u.ID, dec(100), "card", nil); return err },
		func() error { _, err := l.Reserve(ctx, u.ID, dec(30)); return err },
		func() error { _, err := e.f.CompleteGeneration(ctx, u.ID, dec(30), dec(25), "g1", nil); return err },
		func() error { _, err := l.DeductCredits(ctx, u.ID, dec(12), "g2", nil); return err },
		func() error { return e.f.RecordPaymentFailure(ctx, u.ID, "card", "declined") },
		func() error { _, err := l.Revoke(ctx, u.ID, dec(5), bonus.ClampAtZero, "manual"); return err },
		func() error { _, err := l.AddCredits(ctx, u.ID, dec(3), user.TxRefund, "", nil); return err },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	got := e.reload(t, u.ID)
	txs, err := e.f.Transactions(ctx, u.ID, user.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	sum := decimal.Zero
	for _, tx := range txs {
		sum = sum.Add(tx.CreditsAdded)
	}
	if !sum.Equal(got.Credits) {
		t.Fatalf("sum of transactions = %s, balance = %s", sum, got.Credits)
	}
	assertDecimal(t, "credits", got.Credits, 7+100-25-12-5+3)
}

type zeroWatcher struct {
	mu    sync.Mutex
	users []id.UserID
}

func (z *zeroWatcher) Name() string { return "zero-watcher" }

func (z *zeroWatcher) OnCreditsZero(_ context.Context, userID id.UserID, _ decimal.Decimal) error {
	z.mu.Lock()
	z.users = append(z.users, userID)
	z.mu.Unlock()
	return nil
}

func TestCreditsZeroBelowCheapestOperation(t *testing.T) {
	ctx := context.Background()
	w := &zeroWatcher{}
	e := newEnv(t, funnel.WithPlugin(w))
	u := e.user(t, 3)

	if _, err := e.f.Ledger().DeductCredits(ctx, u.ID, dec(2), "", nil); err != nil {
		t.Fatal(err)
	}
	if len(w.users) != 0 {
		t.Fatalf("CREDITS_ZERO raised at balance 1")
	}
	if _, err := e.f.Ledger().DeductCredits(ctx, u.ID, decimal.RequireFromString("0.5"), "", nil); err != nil {
		t.Fatal(err)
	}
	if len(w.users) != 1 || w.users[0] != u.ID {
		t.Fatalf("CREDITS_ZERO users = %v", w.users)
	}
}
