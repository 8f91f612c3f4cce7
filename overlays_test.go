package funnel_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/funnel"
	"github.com/xraph/funnel/action"
	"github.com/xraph/funnel/event"
	"github.com/xraph/funnel/overlay"
	"github.com/xraph/funnel/user"
)

func lenientTripwire() funnel.Option {
	return funnel.WithTripwirePolicy(funnel.TripwirePolicy{MinGenerated: 1, CreditsBelow: dec(5)})
}

func TestDefaultTripwirePolicy(t *testing.T) {
	tests := []struct {
		name      string
		lifecycle string
		generated int64
		credits   string
		want      bool
	}{
		{"eligible free user", "ACTIVE_FREE", 3, "4", true},
		{"activating", "ACTIVATING", 10, "0", true},
		{"just under the limit", "ACTIVE_FREE", 3, "4.99", true},
		{"at the credit limit", "ACTIVE_FREE", 3, "5", false},
		{"above the credit limit", "ACTIVE_FREE", 3, "12", false},
		{"too few generations", "ACTIVE_FREE", 2, "1", false},
		{"paid user", "PAID_ACTIVE", 5, "1", false},
		{"no lifecycle yet", "", 5, "1", false},
	}
	policy := funnel.DefaultTripwirePolicy()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &user.User{
				LifecycleState: tt.lifecycle,
				TotalGenerated: tt.generated,
				Credits:        decimal.RequireFromString(tt.credits),
			}
			if got := policy.Eligible(u); got != tt.want {
				t.Fatalf("Eligible = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestActivateTripwire(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, lenientTripwire())
	u := e.user(t, 3)
	m := e.f.Overlays()

	if _, _, err := m.ActivateTripwire(ctx, u.ID, funnel.ActivateOpts{}); !errors.Is(err, funnel.ErrNotEligible) {
		t.Fatalf("err = %v, want ErrNotEligible before any generation", err)
	}

	if _, err := e.f.Ledger().DeductCredits(ctx, u.ID, dec(1), "", nil); err != nil {
		t.Fatal(err)
	}
	first, created, err := m.ActivateTripwire(ctx, u.ID, funnel.ActivateOpts{Message: "offer"})
	if err != nil || !created {
		t.Fatalf("ActivateTripwire = %v, %v", created, err)
	}
	second, created, err := m.ActivateTripwire(ctx, u.ID, funnel.ActivateOpts{Message: "offer"})
	if err != nil {
		t.Fatal(err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("second activation created a new overlay")
	}
	if msgs := e.inbox.Messages(); len(msgs) != 1 {
		t.Errorf("messages = %v, want one", msgs)
	}
}

func TestTripwireForceSkipsPolicy(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	u := e.user(t, 500)

	ok, err := e.f.Overlays().CheckTripwireEligibility(ctx, u.ID)
	if err != nil || ok {
		t.Fatalf("eligible = %v, %v; want false", ok, err)
	}
	o, created, err := e.f.Overlays().ActivateTripwire(ctx, u.ID, funnel.ActivateOpts{Force: true, Silent: true, Message: "hidden"})
	if err != nil || !created || o.Type != overlay.TypeTripwire {
		t.Fatalf("forced activation = %+v, %v, %v", o, created, err)
	}
	if msgs := e.inbox.Messages(); len(msgs) != 0 {
		t.Errorf("silent activation sent %v", msgs)
	}
}

func TestEnableReferralOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	u := e.user(t, 0)
	m := e.f.Overlays()

	if _, _, err := m.EnableReferral(ctx, u.ID, funnel.ActivateOpts{}); !errors.Is(err, funnel.ErrNotEligible) {
		t.Fatalf("err = %v, want ErrNotEligible without a payment", err)
	}

	if _, err := e.f.RecordPayment(ctx, u.ID, dec(10), "card", nil); err != nil {
		t.Fatal(err)
	}
	ok, err := m.HasOverlay(ctx, u.ID, overlay.TypeReferral)
	if err != nil || !ok {
		t.Fatalf("referral after first payment = %v, %v", ok, err)
	}

	deactivated, err := m.Deactivate(ctx, u.ID, overlay.TypeReferral)
	if err != nil || !deactivated {
		t.Fatalf("Deactivate = %v, %v", deactivated, err)
	}
	o, created, err := m.EnableReferral(ctx, u.ID, funnel.ActivateOpts{Force: true})
	if err != nil || created || o != nil {
		t.Fatalf("second EnableReferral = %+v, %v, %v; want no-op", o, created, err)
	}
}

func TestDeactivateMissingOverlay(t *testing.T) {
	e := newEnv(t)
	u := e.user(t, 0)
	ok, err := e.f.Overlays().Deactivate(context.Background(), u.ID, overlay.TypeDiscount)
	if err != nil || ok {
		t.Fatalf("Deactivate = %v, %v; want false, nil", ok, err)
	}
}

func TestSpecialOfferMetadata(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	u := e.user(t, 0)

	if _, _, err := e.f.Overlays().ActivateSpecialOffer(ctx, u.ID, "", funnel.ActivateOpts{}); !errors.Is(err, funnel.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	o, _, err := e.f.Overlays().ActivateSpecialOffer(ctx, u.ID, "black-friday", funnel.ActivateOpts{
		Metadata: map[string]string{"discount": "30"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if o.Metadata["offer_id"] != "black-friday" || o.Metadata["discount"] != "30" {
		t.Fatalf("metadata = %v", o.Metadata)
	}
}

func TestExpireOverlays(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	u := e.user(t, 0)
	newRule(t, e.f, "expired", event.OverlayExpired, 0, nil,
		mustAction(t, action.TypeTagUser, 0, &action.TagUser{Tag: "offer-missed"}))

	at := epoch.Add(time.Hour)
	if _, _, err := e.f.Overlays().Activate(ctx, u.ID, overlay.TypeBonus, funnel.ActivateOpts{ExpiresAt: &at}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.f.Overlays().Activate(ctx, u.ID, overlay.TypeDiscount, funnel.ActivateOpts{}); err != nil {
		t.Fatal(err)
	}

	e.clock.Advance(2 * time.Hour)
	active, err := e.f.Overlays().GetActiveOverlays(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].Type != overlay.TypeDiscount {
		t.Fatalf("active overlays = %+v, want only DISCOUNT", active)
	}

	n, err := e.f.ExpireOverlays(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ExpireOverlays = %d, %v; want 1", n, err)
	}
	if !e.reload(t, u.ID).HasTag("offer-missed") {
		t.Error("OVERLAY_EXPIRED did not reach the rule engine")
	}
	if n, _ := e.f.ExpireOverlays(ctx); n != 0 {
		t.Errorf("second sweep expired %d overlays", n)
	}
}

func TestActivateReplacesOverdueOverlay(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	u := e.user(t, 0)
	newRule(t, e.f, "expired", event.OverlayExpired, 0, nil,
		mustAction(t, action.TypeTagUser, 0, &action.TagUser{Tag: "offer-missed"}))

	at := epoch.Add(time.Hour)
	first, created, err := e.f.Overlays().Activate(ctx, u.ID, overlay.TypeBonus, funnel.ActivateOpts{ExpiresAt: &at})
	if err != nil || !created {
		t.Fatalf("Activate = %v, %v", created, err)
	}

	e.clock.Advance(2 * time.Hour)
	second, created, err := e.f.Overlays().Activate(ctx, u.ID, overlay.TypeBonus, funnel.ActivateOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if !created || second.ID == first.ID {
		t.Fatalf("Activate after expiry = %s, created=%v; want a new overlay", second.ID, created)
	}

	old, err := e.store.GetOverlay(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if old.State != overlay.StateExpired {
		t.Errorf("overdue overlay state = %s, want EXPIRED", old.State)
	}
	if !e.reload(t, u.ID).HasTag("offer-missed") {
		t.Error("OVERLAY_EXPIRED was not published for the overdue overlay")
	}
	if n, _ := e.f.ExpireOverlays(ctx); n != 0 {
		t.Errorf("sweep expired %d overlays after inline expiry", n)
	}
}

func TestActivateUnknownType(t *testing.T) {
	e := newEnv(t)
	u := e.user(t, 0)
	_, _, err := e.f.Overlays().Activate(context.Background(), u.ID, "POPUP", funnel.ActivateOpts{})
	if !errors.Is(err, funnel.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}
