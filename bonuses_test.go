package funnel_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/funnel"
	"github.com/xraph/funnel/action"
	"github.com/xraph/funnel/bonus"
	"github.com/xraph/funnel/event"
	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/store/memory"
	"github.com/xraph/funnel/user"
)

func ptr[T any](v T) *T { return &v }

func (e *env) template(t *testing.T, tpl *bonus.Template) *bonus.Template {
	t.Helper()
	if err := e.f.CreateTemplate(context.Background(), tpl); err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	return tpl
}

func TestBurnableBonusRevocation(t *testing.T) {
	tests := []struct {
		name   string
		policy bonus.RevocationPolicy
		want   int64
	}{
		{"clamp at zero", bonus.ClampAtZero, 0},
		{"strict", bonus.Strict, -30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e := newEnv(t, funnel.WithRevocationPolicy(tt.policy))
			e.template(t, &bonus.Template{
				Name:                 "welcome",
				Amount:               dec(50),
				ExpiresInHours:       ptr(24),
				ConditionGenerations: ptr(5),
			})
			u := e.user(t, 10)

			b, err := e.f.Bonuses().GrantBonus(ctx, u.ID, "welcome")
			if err != nil {
				t.Fatal(err)
			}
			assertDecimal(t, "credits after grant", e.reload(t, u.ID).Credits, 60)

			if _, err := e.f.Ledger().DeductCredits(ctx, u.ID, dec(40), "", nil); err != nil {
				t.Fatal(err)
			}

			e.clock.Advance(23 * time.Hour)
			if n, err := e.f.HandleBonusDeadlines(ctx); err != nil || n != 0 {
				t.Fatalf("early sweep = %d, %v", n, err)
			}

			e.clock.Advance(2 * time.Hour)
			n, err := e.f.HandleBonusDeadlines(ctx)
			if err != nil || n != 1 {
				t.Fatalf("HandleBonusDeadlines = %d, %v; want 1", n, err)
			}
			assertDecimal(t, "credits", e.reload(t, u.ID).Credits, tt.want)

			got, err := e.store.GetBonus(ctx, b.ID)
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != bonus.StatusExpired {
				t.Errorf("status = %s, want EXPIRED", got.Status)
			}
			assertDecimal(t, "revoked", got.RevokedAmount, 20-tt.want)

			if n, _ := e.f.HandleBonusDeadlines(ctx); n != 0 {
				t.Errorf("bonus revoked twice")
			}
		})
	}
}

func TestBonusCompletedByGenerations(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.template(t, &bonus.Template{
		Name:                 "starter",
		Amount:               dec(20),
		ExpiresInHours:       ptr(1),
		ConditionGenerations: ptr(2),
	})
	u := e.user(t, 0)
	b, err := e.f.Bonuses().GrantBonus(ctx, u.ID, "starter")
	if err != nil {
		t.Fatal(err)
	}

	for i := range 2 {
		if _, err := e.f.Ledger().Reserve(ctx, u.ID, dec(2)); err != nil {
			t.Fatal(err)
		}
		if _, err := e.f.CompleteGeneration(ctx, u.ID, dec(2), dec(1), "", nil); err != nil {
			t.Fatalf("generation %d: %v", i, err)
		}
	}
	got, _ := e.store.GetBonus(ctx, b.ID)
	if got.Status != bonus.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", got.Status)
	}

	e.clock.Advance(2 * time.Hour)
	if n, err := e.f.HandleBonusDeadlines(ctx); err != nil || n != 0 {
		t.Fatalf("sweep after completion = %d, %v", n, err)
	}
	assertDecimal(t, "credits", e.reload(t, u.ID).Credits, 18)
}

func TestBonusCompletedByTopUp(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	tpl := e.template(t, &bonus.Template{
		Name:                 "deposit-match",
		Amount:               dec(15),
		ConditionTopUpAmount: decimal.NewNullDecimal(dec(10)),
	})
	u := e.user(t, 0)

	// Templates are addressable by ID as well as by name.
	b, err := e.f.Bonuses().GrantBonus(ctx, u.ID, tpl.ID.String())
	if err != nil {
		t.Fatal(err)
	}
	if !b.Deadline.Equal(epoch.Add(bonus.FallbackLifetime)) {
		t.Errorf("deadline = %v, want fallback lifetime", b.Deadline)
	}

	if _, err := e.f.RecordPayment(ctx, u.ID, dec(4), "card", nil); err != nil {
		t.Fatal(err)
	}
	if got, _ := e.store.GetBonus(ctx, b.ID); got.Status != bonus.StatusActive {
		t.Fatalf("status after partial top-up = %s", got.Status)
	}
	if _, err := e.f.RecordPayment(ctx, u.ID, dec(6), "card", nil); err != nil {
		t.Fatal(err)
	}
	if got, _ := e.store.GetBonus(ctx, b.ID); got.Status != bonus.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", got.Status)
	}
}

func TestGrantUnknownTemplate(t *testing.T) {
	e := newEnv(t)
	u := e.user(t, 0)
	_, err := e.f.Bonuses().GrantBonus(context.Background(), u.ID, "nope")
	if !errors.Is(err, funnel.ErrTemplateNotFound) {
		t.Fatalf("err = %v, want ErrTemplateNotFound", err)
	}
	assertDecimal(t, "credits", e.reload(t, u.ID).Credits, 0)
}

func TestBonusGrantedByRule(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.template(t, &bonus.Template{Name: "hello", Amount: dec(5), Message: "5 free credits"})
	newRule(t, e.f, "welcome-bonus", event.UserRegistered, 0, nil,
		mustAction(t, action.TypeGrantBonus, 0, &action.GrantBonus{Template: "hello"}))

	u := e.user(t, 0)
	assertDecimal(t, "credits", e.reload(t, u.ID).Credits, 5)

	txs, err := e.f.Transactions(ctx, u.ID, user.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 1 || txs[0].Type != user.TxBurnableBonus {
		t.Fatalf("transactions = %+v", txs)
	}
	if msgs := e.inbox.Messages(); len(msgs) != 1 || msgs[0] != "5 free credits" {
		t.Errorf("messages = %v", msgs)
	}
}

func TestBonusExpiredEvent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.template(t, &bonus.Template{Name: "trial", Amount: dec(5), ExpiresInHours: ptr(1), ConditionGenerations: ptr(1)})
	newRule(t, e.f, "burned", event.BonusExpired, 0,
		nil, mustAction(t, action.TypeTagUser, 0, &action.TagUser{Tag: "burned"}))

	u := e.user(t, 0)
	if _, err := e.f.Bonuses().GrantBonus(ctx, u.ID, "trial"); err != nil {
		t.Fatal(err)
	}
	e.clock.Advance(2 * time.Hour)
	if _, err := e.f.HandleBonusDeadlines(ctx); err != nil {
		t.Fatal(err)
	}
	if !e.reload(t, u.ID).HasTag("burned") {
		t.Error("BONUS_EXPIRED did not reach the rule engine")
	}
}

func TestCreateTemplateValidation(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		name string
		tpl  *bonus.Template
	}{
		{"no name", &bonus.Template{Amount: dec(1)}},
		{"zero amount", &bonus.Template{Name: "z"}},
		{"negative amount", &bonus.Template{Name: "n", Amount: dec(-5)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := e.f.CreateTemplate(context.Background(), tt.tpl); !errors.Is(err, funnel.ErrInvalidInput) {
				t.Fatalf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
}

// flakyDebits fails the first balance mutation that carries a debit.
type flakyDebits struct {
	*memory.Store
	mu     sync.Mutex
	failed bool
}

func (s *flakyDebits) ApplyMutation(ctx context.Context, userID id.UserID, m user.Mutation) (*user.User, error) {
	if m.Debit != nil {
		s.mu.Lock()
		fail := !s.failed
		s.failed = true
		s.mu.Unlock()
		if fail {
			return nil, errors.New("connection reset")
		}
	}
	return s.Store.ApplyMutation(ctx, userID, m)
}

func TestFailedRevocationIsRetried(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: epoch}
	s := &flakyDebits{Store: memory.New()}
	f := funnel.New(s,
		funnel.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		funnel.WithClock(clock),
	)
	if err := f.CreateTemplate(ctx, &bonus.Template{
		Name:                 "welcome",
		Amount:               dec(50),
		ExpiresInHours:       ptr(24),
		ConditionGenerations: ptr(5),
	}); err != nil {
		t.Fatal(err)
	}
	u, err := f.RegisterUser(ctx, "tg-1", dec(10))
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.Bonuses().GrantBonus(ctx, u.ID, "welcome")
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(25 * time.Hour)
	if n, err := f.HandleBonusDeadlines(ctx); err == nil || n != 0 {
		t.Fatalf("first sweep = %d, %v; want the store error", n, err)
	}
	got, err := s.GetBonus(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != bonus.StatusActive {
		t.Fatalf("status after failed revocation = %s, want ACTIVE", got.Status)
	}

	n, err := f.HandleBonusDeadlines(ctx)
	if err != nil || n != 1 {
		t.Fatalf("second sweep = %d, %v; want 1", n, err)
	}
	got, _ = s.GetBonus(ctx, b.ID)
	if got.Status != bonus.StatusExpired {
		t.Errorf("status = %s, want EXPIRED", got.Status)
	}
	assertDecimal(t, "revoked", got.RevokedAmount, 50)
	after, err := f.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	assertDecimal(t, "credits", after.Credits, 10)
}
