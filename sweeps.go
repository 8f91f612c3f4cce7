package funnel

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/funnel/bonus"
	"github.com/xraph/funnel/cost"
	"github.com/xraph/funnel/event"
	"github.com/xraph/funnel/fsm"
	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/plugin"
	"github.com/xraph/funnel/rule"
	"github.com/xraph/funnel/types"
)

// Sweep names reported to plugins.
const (
	SweepTimeouts = "timeouts"
	SweepOverlays = "overlays"
	SweepBonuses  = "bonuses"
	SweepAll      = "all"
)

// HandleTimeouts fires TIMEOUT for users whose time in a state has run out.
// Each user is processed in its own cascade.
func (f *Funnel) HandleTimeouts(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := f.machine.HandleTimeouts(ctx, func(ctx context.Context, userID id.UserID) error {
		return f.Trigger(ctx, userID, event.Timeout, nil)
	})
	f.report(ctx, SweepTimeouts, n, err, start)
	return n, err
}

// ExpireOverlays expires one batch of overdue overlays.
func (f *Funnel) ExpireOverlays(ctx context.Context) (int, error) {
	start := time.Now()
	expired, err := f.overlays.ExpireOverlays(ctx)
	f.report(ctx, SweepOverlays, len(expired), err, start)
	return len(expired), err
}

// HandleBonusDeadlines revokes one batch of overdue burnable bonuses.
func (f *Funnel) HandleBonusDeadlines(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := f.bonuses.HandleBonusDeadlines(ctx)
	f.report(ctx, SweepBonuses, n, err, start)
	return n, err
}

// Sweep runs the named sweep, or all three for "all".
func (f *Funnel) Sweep(ctx context.Context, name string) (int, error) {
	switch name {
	case SweepTimeouts:
		return f.HandleTimeouts(ctx)
	case SweepOverlays:
		return f.ExpireOverlays(ctx)
	case SweepBonuses:
		return f.HandleBonusDeadlines(ctx)
	case SweepAll:
		var errs MultiError
		total := 0
		for _, run := range []func(context.Context) (int, error){f.HandleTimeouts, f.ExpireOverlays, f.HandleBonusDeadlines} {
			n, err := run(ctx)
			total += n
			errs.Add(err)
		}
		return total, errs.ErrOrNil()
	default:
		return 0, ValidationError{Field: "sweep", Message: "unknown sweep " + name}
	}
}

// RunSweeps runs every sweep each interval until ctx is done. Sweep errors
// are reported through the logger and plugins and do not stop the loop.
func (f *Funnel) RunSweeps(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = f.Sweep(ctx, SweepAll)
		}
	}
}

func (f *Funnel) report(ctx context.Context, sweep string, processed int, err error, start time.Time) {
	r := plugin.SweepReport{
		Sweep:     sweep,
		Processed: processed,
		Failed:    failures(err),
		Elapsed:   time.Since(start),
	}
	if err != nil {
		f.logger.Error("sweep finished with errors",
			"sweep", sweep,
			"processed", r.Processed,
			"failed", r.Failed,
			"error", err,
		)
	} else if processed > 0 {
		f.logger.Info("sweep finished",
			"sweep", sweep,
			"processed", r.Processed,
			"elapsed", r.Elapsed,
		)
	}
	f.plugins.EmitSweepCompleted(ctx, r)
}

func failures(err error) int {
	if err == nil {
		return 0
	}
	var me MultiError
	if errors.As(err, &me) {
		return len(me.Errors)
	}
	return 1
}

// ──────────────────────────────────────────────────
// Definitions
// ──────────────────────────────────────────────────

// InstallGraph stores a lifecycle graph as a new inactive version.
func (f *Funnel) InstallGraph(ctx context.Context, g *fsm.Graph) error {
	return f.machine.InstallGraph(ctx, g)
}

// ActivateVersion switches the active lifecycle graph.
func (f *Funnel) ActivateVersion(ctx context.Context, versionID id.VersionID, reseed bool) (int, error) {
	return f.machine.ActivateVersion(ctx, versionID, reseed)
}

// Immerse re-seeds one user into versionID.
func (f *Funnel) Immerse(ctx context.Context, userID id.UserID, versionID id.VersionID) (*fsm.UserState, error) {
	return f.machine.Immerse(ctx, userID, versionID)
}

// CreateRule validates and stores a rule.
func (f *Funnel) CreateRule(ctx context.Context, r *rule.Rule) error {
	return f.rules.CreateRule(ctx, r)
}

// CreateTemplate validates and stores a bonus template.
func (f *Funnel) CreateTemplate(ctx context.Context, t *bonus.Template) error {
	if t.Name == "" {
		return ValidationError{Field: "name", Message: "required"}
	}
	if !t.Amount.IsPositive() {
		return ValidationError{Field: "amount", Message: "must be positive"}
	}
	if t.ID.IsNil() {
		t.ID = id.NewTemplateID()
	}
	t.Entity = types.NewEntityAt(f.clock.Now())
	return f.store.CreateTemplate(ctx, t)
}

// PutTariff stores a model tariff and drops cached prices.
func (f *Funnel) PutTariff(ctx context.Context, t *cost.Tariff) error {
	if err := t.Validate(); err != nil {
		return ValidationError{Field: "tariff", Message: err.Error()}
	}
	if err := f.store.PutTariff(ctx, t); err != nil {
		return err
	}
	f.costs.Invalidate()
	return nil
}

// PutSettings stores the pricing settings and drops cached prices.
func (f *Funnel) PutSettings(ctx context.Context, s *cost.Settings) error {
	if s.CreditsPerUSD.IsNegative() || s.SystemMargin.LessThan(decimal.NewFromInt(-1)) {
		return ValidationError{Field: "settings", Message: "credits_per_usd must not be negative and system_margin not below -1"}
	}
	if err := f.store.PutSettings(ctx, s); err != nil {
		return err
	}
	f.costs.Invalidate()
	return nil
}
