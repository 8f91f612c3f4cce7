package funnel_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/funnel"
	"github.com/xraph/funnel/action"
	"github.com/xraph/funnel/bonus"
	"github.com/xraph/funnel/condition"
	"github.com/xraph/funnel/cost"
	"github.com/xraph/funnel/event"
	"github.com/xraph/funnel/store/memory"
	"github.com/xraph/funnel/types"
	"github.com/xraph/funnel/user"
)

func TestRegisterUser(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	u, err := e.f.RegisterUser(ctx, "tg-42", dec(15))
	if err != nil {
		t.Fatal(err)
	}
	assertDecimal(t, "credits", u.Credits, 15)

	byExt, err := e.f.GetUserByExternalID(ctx, "tg-42")
	if err != nil || byExt.ID != u.ID {
		t.Fatalf("GetUserByExternalID = %v, %v", byExt, err)
	}
	txs, _ := e.f.Transactions(ctx, u.ID, user.ListOpts{})
	if len(txs) != 1 || txs[0].Type != user.TxAdjustment || txs[0].Metadata["reason"] != "registration" {
		t.Fatalf("transactions = %+v", txs)
	}

	tests := []struct {
		name     string
		external string
		credits  int64
		want     error
	}{
		{"empty external id", "", 0, funnel.ErrInvalidInput},
		{"negative credits", "tg-43", -1, funnel.ErrInvalidAmount},
		{"duplicate", "tg-42", 0, funnel.ErrAlreadyExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.f.RegisterUser(ctx, tt.external, dec(tt.credits)); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFailGenerationReleasesReservation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	u := e.user(t, 10)
	newRule(t, e.f, "sorry", event.GenerationFailed, 0, nil,
		mustAction(t, action.TypeSendMessage, 0, &action.SendMessage{Text: "sorry"}))

	if _, err := e.f.Ledger().Reserve(ctx, u.ID, dec(4)); err != nil {
		t.Fatal(err)
	}
	got, err := e.f.FailGeneration(ctx, u.ID, dec(4), "job-9")
	if err != nil {
		t.Fatal(err)
	}
	assertDecimal(t, "credits", got.Credits, 10)
	assertDecimal(t, "reserved", got.ReservedCredits, 0)
	if msgs := e.inbox.Messages(); len(msgs) != 1 {
		t.Errorf("messages = %v", msgs)
	}
}

func TestLedgerEventsReachLifecycle(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	b := newGraph("v1").state("ACTIVE", true, false).state("EMPTY", false, false)
	b.transition("ACTIVE", "EMPTY", event.CreditsZero, 0, nil)
	b.transition("EMPTY", "ACTIVE", event.CreditsChanged, 0,
		[]condition.Condition{cond("isLowBalance", condition.OpEq, false)})
	b.install(t, e.f)

	u := e.user(t, 2)
	if _, err := e.f.Ledger().DeductCredits(ctx, u.ID, dec(2), "", nil); err != nil {
		t.Fatal(err)
	}
	if got := stateCode(t, e, u.ID); got != "EMPTY" {
		t.Fatalf("state after spending = %s, want EMPTY", got)
	}
	if _, err := e.f.RecordPayment(ctx, u.ID, dec(10), "card", nil); err != nil {
		t.Fatal(err)
	}
	if got := stateCode(t, e, u.ID); got != "ACTIVE" {
		t.Fatalf("state after payment = %s, want ACTIVE", got)
	}
}

func TestLastPaymentFailed(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	u := e.user(t, 0)
	newRule(t, e.f, "dunning", event.PaymentFailed, 0,
		[]condition.Condition{cond("lastPaymentFailed", condition.OpEq, true)},
		mustAction(t, action.TypeTagUser, 0, &action.TagUser{Tag: "dunning"}))
	newRule(t, e.f, "recovered", event.PaymentCompleted, 0,
		[]condition.Condition{
			cond("lastPaymentFailed", condition.OpEq, false),
			cond("tags", condition.OpContains, "dunning"),
		},
		mustAction(t, action.TypeTagUser, 0, &action.TagUser{Tag: "dunning", Remove: true}))

	if err := e.f.RecordPaymentFailure(ctx, u.ID, "card", "declined"); err != nil {
		t.Fatal(err)
	}
	if !e.reload(t, u.ID).HasTag("dunning") {
		t.Fatal("dunning rule did not fire")
	}
	assertDecimal(t, "credits", e.reload(t, u.ID).Credits, 0)

	e.clock.Advance(time.Minute)
	if _, err := e.f.RecordPayment(ctx, u.ID, dec(5), "card", nil); err != nil {
		t.Fatal(err)
	}
	if e.reload(t, u.ID).HasTag("dunning") {
		t.Fatal("recovered rule did not fire")
	}
}

func TestCascadeLimit(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, funnel.WithMaxCascade(3))
	e.template(t, &bonus.Template{Name: "loop", Amount: dec(1)})
	u := e.user(t, 0)
	newRule(t, e.f, "feedback", event.CreditsChanged, 0, nil,
		mustAction(t, action.TypeGrantBonus, 0, &action.GrantBonus{Template: "loop"}))

	err := e.f.Trigger(ctx, u.ID, event.CreditsChanged, nil)
	if !errors.Is(err, funnel.ErrCascadeLimit) {
		t.Fatalf("err = %v, want ErrCascadeLimit", err)
	}
	assertDecimal(t, "credits", e.reload(t, u.ID).Credits, 2)
}

func pricing(t *testing.T, e *env) {
	t.Helper()
	ctx := context.Background()
	tariffs := []*cost.Tariff{
		{
			ModelID:          "img-1",
			InputPrice:       dec(2),
			OutputPrice:      dec(10),
			OutputImagePrice: decimal.NewNullDecimal(dec(40)),
			ModelMargin:      decimal.RequireFromString("0.1"),
			InputTokens:      100,
			LowResTokens:     1000,
			HighResTokens:    4000,
			IsActive:         true,
		},
		{
			ModelID:      "retired",
			InputPrice:   decimal.RequireFromString("0.001"),
			OutputPrice:  decimal.RequireFromString("0.001"),
			LowResTokens: 10,
		},
	}
	for _, tr := range tariffs {
		if err := e.f.PutTariff(ctx, tr); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.f.PutSettings(ctx, &cost.Settings{
		SystemMargin:  decimal.RequireFromString("0.2"),
		CreditsPerUSD: dec(100),
		USDRUBRate:    dec(90),
	}); err != nil {
		t.Fatal(err)
	}
}

func TestCalculateGenerationCost(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	pricing(t, e)

	req := funnel.GenerationCost{
		ModelID:           "img-1",
		InputTokens:       1000,
		OutputTokens:      2000,
		IsImageGeneration: true,
		NumberOfImages:    2,
	}
	first, err := e.f.CalculateGenerationCost(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.f.CalculateGenerationCost(ctx, req)
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]decimal.Decimal{
		"base":    decimal.RequireFromString("0.162"),
		"usd":     decimal.RequireFromString("0.2106"),
		"credits": decimal.RequireFromString("21.06"),
		"rub":     decimal.RequireFromString("18.954"),
	}
	got := map[string]decimal.Decimal{
		"base":    first.BaseCost,
		"usd":     first.TotalCostUSD,
		"credits": first.CreditsToDeduct,
		"rub":     first.CostRUB,
	}
	for k, w := range want {
		if !got[k].Equal(w) {
			t.Errorf("%s = %s, want %s", k, got[k], w)
		}
	}
	if !first.CreditsToDeduct.Equal(second.CreditsToDeduct) || !first.CostRUB.Equal(second.CostRUB) {
		t.Error("repeated calculation differs")
	}

	if _, err := e.f.CalculateGenerationCost(ctx, funnel.GenerationCost{ModelID: "missing"}); !errors.Is(err, funnel.ErrTariffNotFound) {
		t.Errorf("unknown model err = %v", err)
	}
}

func TestCheapestOperationCost(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	if got := e.f.CheapestOperationCost(ctx); !got.Equal(funnel.DefaultCheapestOperationCost) {
		t.Fatalf("without tariffs = %s, want fallback", got)
	}

	pricing(t, e)
	want := decimal.RequireFromString("5.226")
	if got := e.f.CheapestOperationCost(ctx); !got.Equal(want) {
		t.Fatalf("cheapest = %s, want %s", got, want)
	}
}

func TestEstimateReservation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	pricing(t, e)
	u := e.user(t, 10)

	r, err := e.f.EstimateReservation(ctx, u.ID, "img-1", cost.QualityLow, 2)
	if err != nil {
		t.Fatal(err)
	}
	// 0.0002 + 0.08 USD base, 1.3 margin, 100 credits per USD.
	if !r.Estimate.CreditsToDeduct.Equal(decimal.RequireFromString("10.426")) {
		t.Fatalf("estimate = %s", r.Estimate.CreditsToDeduct)
	}
	assertDecimal(t, "amount", r.Amount, 11)
	if r.Sufficient {
		t.Error("10 credits reported sufficient for 11")
	}
}

// clockedStore records the clock the engine hands to it.
type clockedStore struct {
	*memory.Store
	clock types.Clock
}

func (s *clockedStore) SetClock(c types.Clock) { s.clock = c }

func TestNewSharesClockWithStore(t *testing.T) {
	clock := &fakeClock{now: epoch}
	s := &clockedStore{Store: memory.New()}
	funnel.New(s, funnel.WithClock(clock))

	if s.clock != clock {
		t.Fatalf("store clock = %v, want the engine clock", s.clock)
	}
	if got := s.clock.Now(); !got.Equal(epoch) {
		t.Fatalf("store clock now = %v, want %v", got, epoch)
	}
}
