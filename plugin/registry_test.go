package plugin_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/plugin"
)

type zeroWatcher struct {
	name  string
	calls int
	err   error
}

func (z *zeroWatcher) Name() string { return z.name }

func (z *zeroWatcher) OnCreditsZero(context.Context, id.UserID, decimal.Decimal) error {
	z.calls++
	return z.err
}

type slowPlugin struct{}

func (slowPlugin) Name() string { return "slow" }

func (slowPlugin) OnSweepCompleted(ctx context.Context, _ plugin.SweepReport) error {
	<-ctx.Done()
	return nil
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := plugin.NewRegistry()
	if err := r.Register(&zeroWatcher{name: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&zeroWatcher{name: "a"}); err == nil {
		t.Fatal("duplicate registration accepted")
	}
	if r.Count() != 1 || r.Get("a") == nil {
		t.Fatalf("Count = %d", r.Count())
	}
}

func TestEmitDispatchesByInterface(t *testing.T) {
	r := plugin.NewRegistry()
	ok := &zeroWatcher{name: "ok"}
	failing := &zeroWatcher{name: "failing", err: errors.New("boom")}
	_ = r.Register(ok)
	_ = r.Register(failing)

	r.EmitCreditsZero(context.Background(), id.NewUserID(), decimal.Zero)
	r.EmitCreditsChanged(context.Background(), plugin.CreditsChange{})

	if ok.calls != 1 || failing.calls != 1 {
		t.Fatalf("calls = %d/%d, want 1/1", ok.calls, failing.calls)
	}
}

func TestEmitTimesOut(t *testing.T) {
	r := plugin.NewRegistry().WithTimeout(20 * time.Millisecond)
	_ = r.Register(slowPlugin{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Now()
	r.EmitSweepCompleted(ctx, plugin.SweepReport{Sweep: "overlays"})
	if time.Since(start) > time.Second {
		t.Fatal("slow plugin blocked the emitter")
	}
}
