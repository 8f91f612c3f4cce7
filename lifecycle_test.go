package funnel_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/xraph/funnel"
	"github.com/xraph/funnel/action"
	"github.com/xraph/funnel/condition"
	"github.com/xraph/funnel/event"
	"github.com/xraph/funnel/fsm"
)

func TestLazyInitialization(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	newGraph("v1").
		state("NEW", true, false).
		state("ACTIVE_FREE", false, false).
		install(t, e.f)

	u := e.user(t, 0)
	if got := stateCode(t, e, u.ID); got != "NEW" {
		t.Fatalf("state = %s, want NEW", got)
	}
	if got := e.reload(t, u.ID).LifecycleState; got != "NEW" {
		t.Errorf("cached lifecycle = %q, want NEW", got)
	}

	hs, err := e.f.History(ctx, u.ID, fsm.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(hs) != 1 || hs[0].TriggerEvent != fsm.EventInit {
		t.Fatalf("history = %+v, want one INIT entry", hs)
	}
}

func TestNoInitialState(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	u := e.user(t, 0)

	// A graph without an initial state is rejected up front.
	b := newGraph("broken").state("A", false, false)
	if err := e.f.InstallGraph(ctx, b.g); !errors.Is(err, funnel.ErrInvalidInput) {
		t.Fatalf("InstallGraph err = %v, want ErrInvalidInput", err)
	}

	if _, err := e.f.Machine().Trigger(ctx, u.ID, event.PaymentCompleted, nil); !errors.Is(err, funnel.ErrNoActiveVersion) {
		t.Fatalf("Trigger err = %v, want ErrNoActiveVersion", err)
	}
}

func TestSingleWinner(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	b := newGraph("v1").
		state("NEW", true, false).
		state("LOW", false, false).
		state("HIGH", false, false)
	b.transition("NEW", "LOW", "PING", 1, nil)
	high := b.transition("NEW", "HIGH", "PING", 10, nil)
	b.install(t, e.f)

	u := e.user(t, 0)
	h, err := e.f.Machine().Trigger(ctx, u.ID, "PING", nil)
	if err != nil {
		t.Fatal(err)
	}
	if h == nil || h.TransitionID != high.ID {
		t.Fatalf("fired %+v, want the priority 10 transition", h)
	}
	if got := stateCode(t, e, u.ID); got != "HIGH" {
		t.Fatalf("state = %s, want HIGH", got)
	}

	hs, _ := e.f.History(ctx, u.ID, fsm.ListOpts{})
	moves := 0
	for _, h := range hs {
		if h.TriggerEvent == "PING" {
			moves++
		}
	}
	if moves != 1 {
		t.Fatalf("PING moves = %d, want 1", moves)
	}
}

func TestConditionGroups(t *testing.T) {
	// (credits >= 100) OR (tags CONTAINS vip AND totalGenerations > 0)
	conds := []condition.Condition{
		{Field: "credits", Operator: condition.OpGte, Value: 100, GroupID: "rich"},
		{Field: "tags", Operator: condition.OpContains, Value: "vip", GroupID: "vip"},
		{Field: "totalGenerations", Operator: condition.OpGt, Value: 0, GroupID: "vip"},
	}

	tests := []struct {
		name     string
		credits  int64
		tag      bool
		generate bool
		want     string
	}{
		{"first group", 150, false, false, "PROMOTED"},
		{"second group", 10, true, true, "PROMOTED"},
		{"second group partial", 10, true, false, "NEW"},
		{"no group", 10, false, true, "NEW"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e := newEnv(t)
			b := newGraph("v1").state("NEW", true, false).state("PROMOTED", false, false)
			b.transition("NEW", "PROMOTED", "CHECK", 0, conds)
			b.install(t, e.f)

			u := e.user(t, tt.credits)
			if tt.tag {
				if _, err := e.store.UpdateTags(ctx, u.ID, []string{"vip"}, nil); err != nil {
					t.Fatal(err)
				}
			}
			if tt.generate {
				if _, err := e.f.Ledger().DeductCredits(ctx, u.ID, dec(1), "", nil); err != nil {
					t.Fatal(err)
				}
			}
			if _, err := e.f.Machine().Trigger(ctx, u.ID, "CHECK", nil); err != nil {
				t.Fatal(err)
			}
			if got := stateCode(t, e, u.ID); got != tt.want {
				t.Fatalf("state = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTerminalStateIgnoresEvents(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	b := newGraph("v1").state("NEW", true, false).state("GONE", false, true)
	b.transition("NEW", "GONE", "LEAVE", 0, nil)
	b.install(t, e.f)

	u := e.user(t, 0)
	if _, err := e.f.Machine().Trigger(ctx, u.ID, "LEAVE", nil); err != nil {
		t.Fatal(err)
	}
	h, err := e.f.Machine().Trigger(ctx, u.ID, "LEAVE", nil)
	if err != nil || h != nil {
		t.Fatalf("Trigger on terminal state = %+v, %v", h, err)
	}
}

func TestTransitionActionsAreBestEffort(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	b := newGraph("v1").state("NEW", true, false).state("WELCOMED", false, false)
	b.transition("NEW", "WELCOMED", event.UserRegistered, 0, nil,
		mustAction(t, action.TypeGrantBonus, 1, &action.GrantBonus{Template: "missing"}),
		mustAction(t, action.TypeTagUser, 2, &action.TagUser{Tag: "welcomed"}),
		mustAction(t, action.TypeSendMessage, 3, &action.SendMessage{Text: "hello"}),
	)
	b.install(t, e.f)

	u := e.user(t, 0)
	if got := stateCode(t, e, u.ID); got != "WELCOMED" {
		t.Fatalf("state = %s, want WELCOMED", got)
	}
	if !e.reload(t, u.ID).HasTag("welcomed") {
		t.Error("tag action did not run after a failed action")
	}
	if msgs := e.inbox.Messages(); len(msgs) != 1 || msgs[0] != "hello" {
		t.Errorf("messages = %v", msgs)
	}

	hs, _ := e.f.History(ctx, u.ID, fsm.ListOpts{Limit: 1})
	want := []string{string(action.TypeTagUser), string(action.TypeSendMessage)}
	if !slices.Equal(hs[0].ActionsTaken, want) {
		t.Errorf("ActionsTaken = %v, want %v", hs[0].ActionsTaken, want)
	}
}

func TestHandleTimeouts(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, funnel.WithSweepBatchSize(2))
	b := newGraph("v1").state("NEW", true, false).state("IDLE", false, false)
	tr := b.transition("NEW", "IDLE", fsm.EventTimeout, 0, nil)
	tr.TimeoutMinutes = 60
	b.install(t, e.f)

	var users []funnel.UserID
	for range 5 {
		users = append(users, e.user(t, 0).ID)
	}

	e.clock.Advance(30 * time.Minute)
	n, err := e.f.HandleTimeouts(ctx)
	if err != nil || n != 0 {
		t.Fatalf("early sweep = %d, %v; want 0", n, err)
	}

	e.clock.Advance(31 * time.Minute)
	n, err = e.f.HandleTimeouts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(users) {
		t.Fatalf("processed = %d, want %d", n, len(users))
	}
	for _, uid := range users {
		if got := stateCode(t, e, uid); got != "IDLE" {
			t.Errorf("user %s state = %s, want IDLE", uid, got)
		}
	}
}

func TestTimeoutEventRespectsElapsedTime(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	b := newGraph("v1").state("NEW", true, false).state("IDLE", false, false)
	tr := b.transition("NEW", "IDLE", fsm.EventTimeout, 0, nil)
	tr.TimeoutMinutes = 60
	b.install(t, e.f)

	u := e.user(t, 0)
	if err := e.f.Trigger(ctx, u.ID, event.Timeout, nil); err != nil {
		t.Fatal(err)
	}
	if got := stateCode(t, e, u.ID); got != "NEW" {
		t.Fatalf("premature TIMEOUT moved user to %s", got)
	}
}

func TestImmersionOnVersionChange(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	v1 := newGraph("v1").state("NEW", true, false)
	v1.install(t, e.f)

	paid := e.user(t, 0)
	if _, err := e.f.RecordPayment(ctx, paid.ID, dec(50), "card", nil); err != nil {
		t.Fatal(err)
	}
	free := e.user(t, 0)

	v2 := newGraph("v2").
		state("NEW", true, false).
		state("ACTIVE_FREE", false, false).
		state("PAID", false, false)
	v2.transition("NEW", "ACTIVE_FREE", event.UserRegistered, 0, nil)
	v2.transition("ACTIVE_FREE", "PAID", event.PaymentCompleted, 0,
		[]condition.Condition{cond("isPaidUser", condition.OpEq, true)})
	if err := e.f.InstallGraph(ctx, v2.g); err != nil {
		t.Fatal(err)
	}

	n, err := e.f.ActivateVersion(ctx, v2.g.Version.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("reseeded = %d, want 2", n)
	}
	if got := stateCode(t, e, paid.ID); got != "PAID" {
		t.Errorf("paid user state = %s, want PAID", got)
	}
	if got := stateCode(t, e, free.ID); got != "ACTIVE_FREE" {
		t.Errorf("free user state = %s, want ACTIVE_FREE", got)
	}

	hs, _ := e.f.History(ctx, paid.ID, fsm.ListOpts{Limit: 1})
	if hs[0].TriggerEvent != fsm.EventImmersion {
		t.Errorf("last history event = %s, want IMMERSION", hs[0].TriggerEvent)
	}
}

func TestImmersionHopLimit(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, funnel.WithMaxImmersionHops(2))
	b := newGraph("v1").
		state("A", true, false).
		state("B", false, false).
		state("C", false, false).
		state("D", false, false)
	b.transition("A", "B", "GO", 0, nil)
	b.transition("B", "C", "GO", 0, nil)
	b.transition("C", "D", "GO", 0, nil)
	b.install(t, e.f)

	u := e.user(t, 0)
	if _, err := e.f.Immerse(ctx, u.ID, b.g.Version.ID); err != nil {
		t.Fatal(err)
	}
	if got := stateCode(t, e, u.ID); got != "C" {
		t.Fatalf("state = %s, want C after two hops", got)
	}
}

func TestMoveRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	b := newGraph("v1").state("NEW", true, false).state("NEXT", false, false)
	b.install(t, e.f)
	u := e.user(t, 0)

	us, err := e.store.GetUserState(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	move := fsm.Move{
		UserID:        u.ID,
		ExpectVersion: us.Version,
		To:            fsm.UserState{StateID: b.id("NEXT"), VersionID: b.g.Version.ID, EnteredAt: epoch},
		StateCode:     "NEXT",
	}
	if _, err := e.store.MoveUserState(ctx, move); err != nil {
		t.Fatal(err)
	}
	if _, err := e.store.MoveUserState(ctx, move); !errors.Is(err, funnel.ErrConcurrentUpdate) {
		t.Fatalf("stale move err = %v, want ErrConcurrentUpdate", err)
	}
}
