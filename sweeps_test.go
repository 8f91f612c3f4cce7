package funnel_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/funnel"
	"github.com/xraph/funnel/bonus"
	"github.com/xraph/funnel/overlay"
	"github.com/xraph/funnel/plugin"
)

// sweepLog records sweep reports.
type sweepLog struct {
	mu      sync.Mutex
	reports []plugin.SweepReport
}

func (s *sweepLog) Name() string { return "sweep-log" }

func (s *sweepLog) OnSweepCompleted(_ context.Context, r plugin.SweepReport) error {
	s.mu.Lock()
	s.reports = append(s.reports, r)
	s.mu.Unlock()
	return nil
}

func (s *sweepLog) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

func TestSweepAll(t *testing.T) {
	ctx := context.Background()
	log := &sweepLog{}
	e := newEnv(t, funnel.WithPlugin(log))
	e.template(t, &bonus.Template{Name: "welcome", Amount: dec(5), ExpiresInHours: ptr(1)})
	u := e.user(t, 0)

	expires := epoch.Add(30 * time.Minute)
	if _, _, err := e.f.Overlays().Activate(ctx, u.ID, overlay.TypeSpecialOffer, funnel.ActivateOpts{ExpiresAt: &expires, Silent: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.f.Bonuses().GrantBonus(ctx, u.ID, "welcome"); err != nil {
		t.Fatal(err)
	}

	if n, err := e.f.Sweep(ctx, funnel.SweepAll); err != nil || n != 0 {
		t.Fatalf("early sweep = %d, %v", n, err)
	}

	e.clock.Advance(2 * time.Hour)
	n, err := e.f.Sweep(ctx, funnel.SweepAll)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("processed = %d, want overlay plus bonus", n)
	}
	if ok, _ := e.f.Overlays().HasOverlay(ctx, u.ID, overlay.TypeSpecialOffer); ok {
		t.Error("overlay still live after sweep")
	}
	assertDecimal(t, "credits", e.reload(t, u.ID).Credits, 0)

	// Two runs of all three sweeps.
	if got := log.count(); got != 6 {
		t.Errorf("reports = %d, want 6", got)
	}
}

func TestSweepByName(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	for _, name := range []string{funnel.SweepTimeouts, funnel.SweepOverlays, funnel.SweepBonuses} {
		t.Run(name, func(t *testing.T) {
			if n, err := e.f.Sweep(ctx, name); err != nil || n != 0 {
				t.Fatalf("Sweep(%s) = %d, %v", name, n, err)
			}
		})
	}

	_, err := e.f.Sweep(ctx, "everything")
	var verr funnel.ValidationError
	if !errors.As(err, &verr) || verr.Field != "sweep" {
		t.Fatalf("err = %v, want sweep validation error", err)
	}
}

func TestRunSweepsStopsWithContext(t *testing.T) {
	log := &sweepLog{}
	e := newEnv(t, funnel.WithPlugin(log))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.f.RunSweeps(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for log.count() < 3 {
		select {
		case <-deadline:
			t.Fatalf("reports = %d after 2s", log.count())
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunSweeps did not return after cancel")
	}
}

func TestRunSweepsZeroInterval(t *testing.T) {
	e := newEnv(t)
	done := make(chan struct{})
	go func() {
		e.f.RunSweeps(context.Background(), 0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunSweeps with zero interval should return at once")
	}
}
