// Package plugin provides an extensible plugin system for the funnel engine.
// Plugins hook into ledger, lifecycle, rule, overlay and bonus events to
// extend functionality. Hooks run after the change they describe has been
// committed and can never undo it.
package plugin

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/funnel/bonus"
	"github.com/xraph/funnel/fsm"
	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/overlay"
	"github.com/xraph/funnel/rule"
	"github.com/xraph/funnel/user"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// CreditsChange describes one committed balance mutation.
type CreditsChange struct {
	UserID      id.UserID
	Type        user.TxType
	Change      decimal.Decimal
	Balance     decimal.Decimal
	Reserved    decimal.Decimal
	Transaction *user.Transaction
}

// OnCreditsChanged is called after credits were added or spent.
type OnCreditsChanged interface {
	Plugin
	OnCreditsChanged(ctx context.Context, change CreditsChange) error
}

// OnCreditsZero is called when a balance drops below the cheapest
// operation.
type OnCreditsZero interface {
	Plugin
	OnCreditsZero(ctx context.Context, userID id.UserID, balance decimal.Decimal) error
}

// OnCreditsReserved is called after a successful reservation.
type OnCreditsReserved interface {
	Plugin
	OnCreditsReserved(ctx context.Context, userID id.UserID, amount, available decimal.Decimal) error
}

// OnInsufficientCredits is called when a reservation or deduction is
// rejected.
type OnInsufficientCredits interface {
	Plugin
	OnInsufficientCredits(ctx context.Context, userID id.UserID, required, available decimal.Decimal) error
}

// ──────────────────────────────────────────────────
// Lifecycle graph hooks
// ──────────────────────────────────────────────────

// OnTransition is called after a user moved between states.
type OnTransition interface {
	Plugin
	OnTransition(ctx context.Context, h *fsm.History, from, to *fsm.State) error
}

// ──────────────────────────────────────────────────
// Rule, overlay and bonus hooks
// ──────────────────────────────────────────────────

// OnRuleMatched is called for every rule that matched a trigger.
type OnRuleMatched interface {
	Plugin
	OnRuleMatched(ctx context.Context, userID id.UserID, r *rule.Rule) error
}

// OnOverlayActivated is called when a new overlay row was created.
type OnOverlayActivated interface {
	Plugin
	OnOverlayActivated(ctx context.Context, o *overlay.Overlay) error
}

// OnOverlayExpired is called when an overlay was expired or deactivated.
type OnOverlayExpired interface {
	Plugin
	OnOverlayExpired(ctx context.Context, o *overlay.Overlay) error
}

// OnBonusGranted is called after a burnable bonus was credited.
type OnBonusGranted interface {
	Plugin
	OnBonusGranted(ctx context.Context, b *bonus.Bonus) error
}

// OnBonusCompleted is called when a bonus condition was met.
type OnBonusCompleted interface {
	Plugin
	OnBonusCompleted(ctx context.Context, b *bonus.Bonus) error
}

// OnBonusRevoked is called after an expired bonus was taken back.
type OnBonusRevoked interface {
	Plugin
	OnBonusRevoked(ctx context.Context, b *bonus.Bonus, revoked decimal.Decimal) error
}

// ──────────────────────────────────────────────────
// Operational hooks
// ──────────────────────────────────────────────────

// ActionFailure describes an action that failed during a transition or rule.
type ActionFailure struct {
	UserID     id.UserID
	ActionID   id.ActionID
	ActionType string
	Source     string
	Err        error
}

// OnActionFailed is called for every failed action.
type OnActionFailed interface {
	Plugin
	OnActionFailed(ctx context.Context, f ActionFailure) error
}

// SweepReport summarizes one sweep run.
type SweepReport struct {
	Sweep     string
	Processed int
	Failed    int
	Elapsed   time.Duration
}

// OnSweepCompleted is called after each sweep run.
type OnSweepCompleted interface {
	Plugin
	OnSweepCompleted(ctx context.Context, report SweepReport) error
}
