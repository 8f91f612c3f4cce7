// Package observability provides a metrics extension for the funnel engine
// that records credit, lifecycle and promotion event counts via a
// MetricFactory.
package observability

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/xraph/funnel/bonus"
	"github.com/xraph/funnel/fsm"
	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/overlay"
	"github.com/xraph/funnel/plugin"
	"github.com/xraph/funnel/rule"
	"github.com/xraph/funnel/user"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                = (*MetricsExtension)(nil)
	_ plugin.OnInit                = (*MetricsExtension)(nil)
	_ plugin.OnCreditsChanged      = (*MetricsExtension)(nil)
	_ plugin.OnCreditsZero         = (*MetricsExtension)(nil)
	_ plugin.OnCreditsReserved     = (*MetricsExtension)(nil)
	_ plugin.OnInsufficientCredits = (*MetricsExtension)(nil)
	_ plugin.OnTransition          = (*MetricsExtension)(nil)
	_ plugin.OnRuleMatched         = (*MetricsExtension)(nil)
	_ plugin.OnOverlayActivated    = (*MetricsExtension)(nil)
	_ plugin.OnOverlayExpired      = (*MetricsExtension)(nil)
	_ plugin.OnBonusGranted        = (*MetricsExtension)(nil)
	_ plugin.OnBonusCompleted      = (*MetricsExtension)(nil)
	_ plugin.OnBonusRevoked        = (*MetricsExtension)(nil)
	_ plugin.OnActionFailed        = (*MetricsExtension)(nil)
	_ plugin.OnSweepCompleted      = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide engine metrics.
// Register it as a funnel plugin to track credits and promotions.
type MetricsExtension struct {
	factory MetricFactory

	// Credit metrics
	CreditsPurchased    Counter
	CreditsSpent        Counter
	CreditsGranted      Counter
	CreditsRevoked      Counter
	CreditsZero         Counter
	Reservations        Counter
	ReservationSize     Histogram
	InsufficientCredits Counter

	// Lifecycle metrics
	Transitions Counter
	Immersions  Counter

	// Rule and overlay metrics
	RulesMatched      Counter
	OverlaysActivated Counter
	OverlaysExpired   Counter

	// Bonus metrics
	BonusesGranted   Counter
	BonusesCompleted Counter
	BonusesRevoked   Counter

	// Operational metrics
	ActionFailures Counter
	SweepProcessed Counter
	SweepFailures  Counter
	SweepLatency   Histogram
}

// NewMetricsExtension creates a MetricsExtension with the provided
// MetricFactory. Use NewPrometheusFactory outside of forge.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		CreditsPurchased:    factory.Counter("funnel.credits.purchased"),
		CreditsSpent:        factory.Counter("funnel.credits.spent"),
		CreditsGranted:      factory.Counter("funnel.credits.granted"),
		CreditsRevoked:      factory.Counter("funnel.credits.revoked"),
		CreditsZero:         factory.Counter("funnel.credits.zero"),
		Reservations:        factory.Counter("funnel.credits.reservations"),
		ReservationSize:     factory.Histogram("funnel.credits.reservation.size"),
		InsufficientCredits: factory.Counter("funnel.credits.insufficient"),

		Transitions: factory.Counter("funnel.lifecycle.transitions"),
		Immersions:  factory.Counter("funnel.lifecycle.immersions"),

		RulesMatched:      factory.Counter("funnel.rules.matched"),
		OverlaysActivated: factory.Counter("funnel.overlays.activated"),
		OverlaysExpired:   factory.Counter("funnel.overlays.expired"),

		BonusesGranted:   factory.Counter("funnel.bonuses.granted"),
		BonusesCompleted: factory.Counter("funnel.bonuses.completed"),
		BonusesRevoked:   factory.Counter("funnel.bonuses.revoked"),

		ActionFailures: factory.Counter("funnel.actions.failed"),
		SweepProcessed: factory.Counter("funnel.sweeps.processed"),
		SweepFailures:  factory.Counter("funnel.sweeps.failed"),
		SweepLatency:   factory.Histogram("funnel.sweeps.latency_ms"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ any) error {
	return nil
}

// ──────────────────────────────────────────────────
// Credit hooks
// ──────────────────────────────────────────────────

// OnCreditsChanged implements plugin.OnCreditsChanged.
func (m *MetricsExtension) OnCreditsChanged(_ context.Context, c plugin.CreditsChange) error {
	amount := c.Change.Abs().InexactFloat64()
	switch c.Type {
	case user.TxPurchase:
		m.CreditsPurchased.Add(amount)
	case user.TxGenerationCost:
		m.CreditsSpent.Add(amount)
	case user.TxBurnableBonus, user.TxReferralBonus, user.TxDailyBonus:
		m.CreditsGranted.Add(amount)
	case user.TxBonusRevoked:
		m.CreditsRevoked.Add(amount)
	}
	return nil
}

// OnCreditsZero implements plugin.OnCreditsZero.
func (m *MetricsExtension) OnCreditsZero(_ context.Context, _ id.UserID, _ decimal.Decimal) error {
	m.CreditsZero.Inc()
	return nil
}

// OnCreditsReserved implements plugin.OnCreditsReserved.
func (m *MetricsExtension) OnCreditsReserved(_ context.Context, _ id.UserID, amount, _ decimal.Decimal) error {
	m.Reservations.Inc()
	m.ReservationSize.Observe(amount.InexactFloat64())
	return nil
}

// OnInsufficientCredits implements plugin.OnInsufficientCredits.
func (m *MetricsExtension) OnInsufficientCredits(_ context.Context, _ id.UserID, _, _ decimal.Decimal) error {
	m.InsufficientCredits.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnTransition implements plugin.OnTransition.
func (m *MetricsExtension) OnTransition(_ context.Context, h *fsm.History, _, _ *fsm.State) error {
	if h.TriggerEvent == fsm.EventImmersion {
		m.Immersions.Inc()
		return nil
	}
	m.Transitions.Inc()
	return nil
}

// OnRuleMatched implements plugin.OnRuleMatched.
func (m *MetricsExtension) OnRuleMatched(_ context.Context, _ id.UserID, _ *rule.Rule) error {
	m.RulesMatched.Inc()
	return nil
}

// OnOverlayActivated implements plugin.OnOverlayActivated.
func (m *MetricsExtension) OnOverlayActivated(_ context.Context, _ *overlay.Overlay) error {
	m.OverlaysActivated.Inc()
	return nil
}

// OnOverlayExpired implements plugin.OnOverlayExpired.
func (m *MetricsExtension) OnOverlayExpired(_ context.Context, _ *overlay.Overlay) error {
	m.OverlaysExpired.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Bonus hooks
// ──────────────────────────────────────────────────

// OnBonusGranted implements plugin.OnBonusGranted.
func (m *MetricsExtension) OnBonusGranted(_ context.Context, _ *bonus.Bonus) error {
	m.BonusesGranted.Inc()
	return nil
}

// OnBonusCompleted implements plugin.OnBonusCompleted.
func (m *MetricsExtension) OnBonusCompleted(_ context.Context, _ *bonus.Bonus) error {
	m.BonusesCompleted.Inc()
	return nil
}

// OnBonusRevoked implements plugin.OnBonusRevoked.
func (m *MetricsExtension) OnBonusRevoked(_ context.Context, _ *bonus.Bonus, _ decimal.Decimal) error {
	m.BonusesRevoked.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Operational hooks
// ──────────────────────────────────────────────────

// OnActionFailed implements plugin.OnActionFailed.
func (m *MetricsExtension) OnActionFailed(_ context.Context, _ plugin.ActionFailure) error {
	m.ActionFailures.Inc()
	return nil
}

// OnSweepCompleted implements plugin.OnSweepCompleted.
func (m *MetricsExtension) OnSweepCompleted(_ context.Context, r plugin.SweepReport) error {
	m.SweepProcessed.Add(float64(r.Processed))
	m.SweepFailures.Add(float64(r.Failed))
	m.SweepLatency.Observe(float64(r.Elapsed.Milliseconds()))
	return nil
}
