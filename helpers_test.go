package funnel_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/funnel"
	"github.com/xraph/funnel/action"
	"github.com/xraph/funnel/condition"
	"github.com/xraph/funnel/fsm"
	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/notify"
	"github.com/xraph/funnel/store/memory"
	"github.com/xraph/funnel/types"
	"github.com/xraph/funnel/user"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// inbox records delivered messages.
type inbox struct {
	mu       sync.Mutex
	messages []string
}

func (b *inbox) SendMessage(_ context.Context, _ string, text string, _ notify.Options) error {
	b.mu.Lock()
	b.messages = append(b.messages, text)
	b.mu.Unlock()
	return nil
}

func (b *inbox) Messages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.messages...)
}

type env struct {
	f     *funnel.Funnel
	store *memory.Store
	clock *fakeClock
	inbox *inbox
}

func newEnv(t *testing.T, opts ...funnel.Option) *env {
	t.Helper()
	e := &env{
		store: memory.New(),
		clock: &fakeClock{now: epoch},
		inbox: &inbox{},
	}
	base := []funnel.Option{
		funnel.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		funnel.WithClock(e.clock),
		funnel.WithMessenger(e.inbox),
		funnel.WithCostCacheTTL(0),
	}
	e.f = funnel.New(e.store, append(base, opts...)...)
	return e
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func (e *env) user(t *testing.T, credits int64) *user.User {
	t.Helper()
	u, err := e.f.RegisterUser(context.Background(), id.NewUserID().String(), dec(credits))
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	return u
}

func (e *env) reload(t *testing.T, userID id.UserID) *user.User {
	t.Helper()
	u, err := e.f.GetUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	return u
}

func assertDecimal(t *testing.T, name string, got decimal.Decimal, want int64) {
	t.Helper()
	if !got.Equal(dec(want)) {
		t.Errorf("%s = %s, want %d", name, got, want)
	}
}

// graphBuilder assembles a lifecycle graph for tests.
type graphBuilder struct {
	g *fsm.Graph
}

func newGraph(name string) *graphBuilder {
	return &graphBuilder{g: &fsm.Graph{Version: &fsm.Version{
		Entity: types.NewEntityAt(epoch),
		ID:     id.NewVersionID(),
		Name:   name,
		Number: 1,
	}}}
}

func (b *graphBuilder) state(code string, initial, terminal bool) *graphBuilder {
	b.g.States = append(b.g.States, &fsm.State{
		ID:         id.NewStateID(),
		VersionID:  b.g.Version.ID,
		Name:       code,
		Code:       code,
		IsInitial:  initial,
		IsTerminal: terminal,
	})
	return b
}

func (b *graphBuilder) id(code string) id.StateID {
	s, ok := b.g.StateByCode(code)
	if !ok {
		panic("unknown state " + code)
	}
	return s.ID
}

func (b *graphBuilder) transition(from, to, ev string, priority int, conds []condition.Condition, actions ...action.Action) *fsm.Transition {
	t := &fsm.Transition{
		ID:           id.NewTransitionID(),
		VersionID:    b.g.Version.ID,
		FromStateID:  b.id(from),
		ToStateID:    b.id(to),
		TriggerEvent: ev,
		Priority:     priority,
		Conditions:   conds,
		Actions:      actions,
	}
	b.g.Transitions = append(b.g.Transitions, t)
	return t
}

// install stores and activates the graph.
func (b *graphBuilder) install(t *testing.T, f *funnel.Funnel) *fsm.Graph {
	t.Helper()
	ctx := context.Background()
	if err := f.InstallGraph(ctx, b.g); err != nil {
		t.Fatalf("InstallGraph: %v", err)
	}
	if _, err := f.ActivateVersion(ctx, b.g.Version.ID, false); err != nil {
		t.Fatalf("ActivateVersion: %v", err)
	}
	return b.g
}

func mustAction(t *testing.T, typ action.Type, order int, cfg action.Config) action.Action {
	t.Helper()
	a, err := action.New(typ, order, cfg)
	if err != nil {
		t.Fatalf("action.New: %v", err)
	}
	return a
}

func cond(field string, op condition.Operator, value any) condition.Condition {
	return condition.Condition{Field: field, Operator: op, Value: value}
}

func stateCode(t *testing.T, e *env, userID id.UserID) string {
	t.Helper()
	s, err := e.f.Machine().CurrentState(context.Background(), userID)
	if err != nil {
		t.Fatalf("CurrentState: %v", err)
	}
	return s.Code
}
