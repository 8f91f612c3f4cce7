package audithook_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	audithook "github.com/xraph/funnel/audit_hook"
	"github.com/xraph/funnel/bonus"
	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/plugin"
	"github.com/xraph/funnel/user"
)

type captured struct {
	mu     sync.Mutex
	events []*audithook.AuditEvent
}

func (c *captured) Record(_ context.Context, e *audithook.AuditEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captured) actions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Action
	}
	return out
}

func TestCreditsChangedActions(t *testing.T) {
	tests := []struct {
		typ  user.TxType
		want string
	}{
		{user.TxPurchase, audithook.ActionCreditsPurchased},
		{user.TxGenerationCost, audithook.ActionCreditsSpent},
		{user.TxBurnableBonus, audithook.ActionCreditsGranted},
		{user.TxBonusRevoked, audithook.ActionCreditsRevoked},
		{user.TxAdjustment, audithook.ActionCreditsAdjusted},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			rec := &captured{}
			ext := audithook.New(rec)
			err := ext.OnCreditsChanged(context.Background(), plugin.CreditsChange{
				UserID: id.NewUserID(),
				Type:   tt.typ,
				Change: decimal.NewFromInt(5),
			})
			if err != nil {
				t.Fatal(err)
			}
			if got := rec.actions(); len(got) != 1 || got[0] != tt.want {
				t.Fatalf("actions = %v, want [%s]", got, tt.want)
			}
		})
	}
}

func TestPartialRevocation(t *testing.T) {
	rec := &captured{}
	ext := audithook.New(rec)
	b := &bonus.Bonus{ID: id.NewBonusID(), UserID: id.NewUserID(), Amount: decimal.NewFromInt(20)}

	if err := ext.OnBonusRevoked(context.Background(), b, decimal.NewFromInt(5)); err != nil {
		t.Fatal(err)
	}
	e := rec.events[0]
	if e.Outcome != audithook.OutcomePartial || e.ResourceID != b.ID.String() {
		t.Fatalf("event = %+v", e)
	}
	if e.Metadata["revoked"] != "5" {
		t.Errorf("revoked = %v", e.Metadata["revoked"])
	}
}

func TestActionFailureCarriesReason(t *testing.T) {
	rec := &captured{}
	ext := audithook.New(rec)

	err := ext.OnActionFailed(context.Background(), plugin.ActionFailure{
		UserID:     id.NewUserID(),
		ActionID:   id.NewActionID(),
		ActionType: "GRANT_BONUS",
		Source:     "rule",
		Err:        errors.New("template not found"),
	})
	if err != nil {
		t.Fatal(err)
	}
	e := rec.events[0]
	if e.Severity != audithook.SeverityError || e.Reason != "template not found" {
		t.Fatalf("event = %+v", e)
	}
}

func TestActionFilters(t *testing.T) {
	ctx := context.Background()
	report := plugin.SweepReport{Sweep: "timeouts", Processed: 3, Elapsed: time.Millisecond}

	t.Run("enabled", func(t *testing.T) {
		rec := &captured{}
		ext := audithook.New(rec, audithook.WithEnabledActions(audithook.ActionCreditsZero))
		_ = ext.OnSweepCompleted(ctx, report)
		_ = ext.OnCreditsZero(ctx, id.NewUserID(), decimal.Zero)
		if got := rec.actions(); len(got) != 1 || got[0] != audithook.ActionCreditsZero {
			t.Fatalf("actions = %v", got)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		rec := &captured{}
		ext := audithook.New(rec, audithook.WithDisabledActions(audithook.ActionSweepCompleted))
		_ = ext.OnSweepCompleted(ctx, report)
		report.Failed = 1
		_ = ext.OnSweepCompleted(ctx, report)
		if got := rec.actions(); len(got) != 1 || got[0] != audithook.ActionSweepPartialError {
			t.Fatalf("actions = %v", got)
		}
	})
}

func TestRecorderErrorIsSwallowed(t *testing.T) {
	ext := audithook.New(audithook.RecorderFunc(func(context.Context, *audithook.AuditEvent) error {
		return errors.New("backend down")
	}))
	if err := ext.OnCreditsZero(context.Background(), id.NewUserID(), decimal.Zero); err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
}
