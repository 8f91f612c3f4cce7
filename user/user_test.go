package user_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/user"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestMutationApply(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name         string
		credits      string
		reserved     string
		m            user.Mutation
		wantCredits  string
		wantReserved string
		wantDelta    string
		wantErr      bool
	}{
		{
			name:         "reserve within available",
			credits:      "20",
			reserved:     "0",
			m:            user.Mutation{ReservedDelta: dec("5"), MinAvailable: decimal.NewNullDecimal(dec("5"))},
			wantCredits:  "20",
			wantReserved: "5",
			wantDelta:    "0",
		},
		{
			name:     "reserve beyond available",
			credits:  "3",
			reserved: "0",
			m:        user.Mutation{ReservedDelta: dec("5"), MinAvailable: decimal.NewNullDecimal(dec("5"))},
			wantErr:  true,
		},
		{
			name:         "commit less than reserved",
			credits:      "20",
			reserved:     "5",
			m:            user.Mutation{CreditsDelta: dec("-4"), ReservedDelta: dec("-5")},
			wantCredits:  "16",
			wantReserved: "0",
			wantDelta:    "-4",
		},
		{
			name:         "commit may go negative",
			credits:      "2",
			reserved:     "2",
			m:            user.Mutation{CreditsDelta: dec("-7"), ReservedDelta: dec("-2")},
			wantCredits:  "-5",
			wantReserved: "0",
			wantDelta:    "-7",
		},
		{
			name:         "release floors at zero",
			credits:      "10",
			reserved:     "1",
			m:            user.Mutation{ReservedDelta: dec("-3")},
			wantCredits:  "10",
			wantReserved: "0",
			wantDelta:    "0",
		},
		{
			name:     "deduct checks credits",
			credits:  "1",
			reserved: "0",
			m:        user.Mutation{CreditsDelta: dec("-2"), MinCredits: decimal.NewNullDecimal(dec("2"))},
			wantErr:  true,
		},
		{
			name:     "debit clamps",
			credits:  "20",
			reserved: "0",
			m: user.Mutation{Debit: func(b decimal.Decimal) decimal.Decimal {
				return decimal.Min(b, dec("50"))
			}},
			wantCredits:  "0",
			wantReserved: "0",
			wantDelta:    "-20",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &user.User{ID: id.NewUserID(), Credits: dec(tt.credits), ReservedCredits: dec(tt.reserved)}
			tx := &user.Transaction{Type: user.TxAdjustment}
			tt.m.Transaction = tx
			tt.m.At = at

			delta, err := tt.m.Apply(u)
			if tt.wantErr {
				var ie *user.InsufficientCreditsError
				if !errors.As(err, &ie) || !errors.Is(err, user.ErrInsufficientCredits) {
					t.Fatalf("err = %v, want InsufficientCreditsError", err)
				}
				if !u.Credits.Equal(dec(tt.credits)) || u.Version != 0 {
					t.Fatal("rejected mutation changed the user")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !u.Credits.Equal(dec(tt.wantCredits)) {
				t.Errorf("Credits = %s, want %s", u.Credits, tt.wantCredits)
			}
			if !u.ReservedCredits.Equal(dec(tt.wantReserved)) {
				t.Errorf("ReservedCredits = %s, want %s", u.ReservedCredits, tt.wantReserved)
			}
			if !delta.Equal(dec(tt.wantDelta)) || !tx.CreditsAdded.Equal(delta) {
				t.Errorf("delta = %s, tx = %s, want %s", delta, tx.CreditsAdded, tt.wantDelta)
			}
			if tx.UserID != u.ID || !tx.CreatedAt.Equal(at) {
				t.Error("transaction not stamped")
			}
			if u.Version != 1 {
				t.Errorf("Version = %d, want 1", u.Version)
			}
		})
	}
}

func TestInsufficientCreditsErrorFields(t *testing.T) {
	u := &user.User{Credits: dec("3")}
	_, err := user.Mutation{ReservedDelta: dec("5"), MinAvailable: decimal.NewNullDecimal(dec("5"))}.Apply(u)

	var ie *user.InsufficientCreditsError
	if !errors.As(err, &ie) {
		t.Fatalf("err = %v", err)
	}
	if !ie.Required.Equal(dec("5")) || !ie.Available.Equal(dec("3")) {
		t.Errorf("got required=%s available=%s, want 5/3", ie.Required, ie.Available)
	}
}

func TestSummarize(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	txs := []*user.Transaction{
		{Type: user.TxPurchase, Status: user.StatusCompleted, CreditsAdded: dec("100"), CreatedAt: t0},
		{Type: user.TxGenerationCost, Status: user.StatusCompleted, CreditsAdded: dec("-4"), CreatedAt: t0.Add(time.Hour)},
		{Type: user.TxPurchase, Status: user.StatusPending, CreditsAdded: dec("50"), CreatedAt: t0.Add(2 * time.Hour)},
		{Type: user.TxPaymentFailed, Status: user.StatusFailed, CreatedAt: t0.Add(3 * time.Hour)},
	}

	a := user.Summarize(txs)
	if a.TotalPayments != 1 || !a.TotalPaid.Equal(dec("100")) {
		t.Errorf("payments = %d/%s, want 1/100", a.TotalPayments, a.TotalPaid)
	}
	if a.LastGenerationAt == nil || !a.LastGenerationAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("LastGenerationAt = %v", a.LastGenerationAt)
	}
	if !a.LastPaymentFailed {
		t.Error("LastPaymentFailed = false, want true")
	}

	txs = append(txs, &user.Transaction{Type: user.TxPurchase, Status: user.StatusCompleted, CreditsAdded: dec("10"), CreatedAt: t0.Add(4 * time.Hour)})
	if user.Summarize(txs).LastPaymentFailed {
		t.Error("LastPaymentFailed = true after a later payment")
	}
}

func TestApplyTags(t *testing.T) {
	got := user.ApplyTags([]string{"a", "b"}, []string{"c", "a"}, []string{"b"})
	want := []string{"a", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
