// Package audithook bridges funnel engine events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not import
// Chronicle directly. Callers inject a RecorderFunc adapter that bridges
// to Chronicle at wiring time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/xraph/funnel/bonus"
	"github.com/xraph/funnel/fsm"
	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/overlay"
	"github.com/xraph/funnel/plugin"
	"github.com/xraph/funnel/rule"
	"github.com/xraph/funnel/user"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                = (*Extension)(nil)
	_ plugin.OnCreditsChanged      = (*Extension)(nil)
	_ plugin.OnCreditsZero         = (*Extension)(nil)
	_ plugin.OnInsufficientCredits = (*Extension)(nil)
	_ plugin.OnTransition          = (*Extension)(nil)
	_ plugin.OnRuleMatched         = (*Extension)(nil)
	_ plugin.OnOverlayActivated    = (*Extension)(nil)
	_ plugin.OnOverlayExpired      = (*Extension)(nil)
	_ plugin.OnBonusGranted        = (*Extension)(nil)
	_ plugin.OnBonusCompleted      = (*Extension)(nil)
	_ plugin.OnBonusRevoked        = (*Extension)(nil)
	_ plugin.OnActionFailed        = (*Extension)(nil)
	_ plugin.OnSweepCompleted      = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
// It matches chronicle.Emitter but is defined locally; callers inject the
// concrete *chronicle.Chronicle at wiring time.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges funnel events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Credit hooks
// ──────────────────────────────────────────────────

// OnCreditsChanged implements plugin.OnCreditsChanged.
func (e *Extension) OnCreditsChanged(ctx context.Context, c plugin.CreditsChange) error {
	action := ActionCreditsAdjusted
	category := CategoryCredits
	switch c.Type {
	case user.TxPurchase:
		action, category = ActionCreditsPurchased, CategoryPayment
	case user.TxGenerationCost:
		action = ActionCreditsSpent
	case user.TxBurnableBonus, user.TxReferralBonus, user.TxDailyBonus:
		action = ActionCreditsGranted
	case user.TxBonusRevoked:
		action = ActionCreditsRevoked
	}
	txID := ""
	if c.Transaction != nil {
		txID = c.Transaction.ID.String()
	}
	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourceUser, c.UserID.String(), category, nil,
		"type", string(c.Type),
		"change", c.Change.String(),
		"balance", c.Balance.String(),
		"transaction_id", txID,
	)
}

// OnCreditsZero implements plugin.OnCreditsZero.
func (e *Extension) OnCreditsZero(ctx context.Context, userID id.UserID, balance decimal.Decimal) error {
	return e.record(ctx, ActionCreditsZero, SeverityInfo, OutcomeSuccess,
		ResourceUser, userID.String(), CategoryCredits, nil,
		"balance", balance.String(),
	)
}

// OnInsufficientCredits implements plugin.OnInsufficientCredits.
func (e *Extension) OnInsufficientCredits(ctx context.Context, userID id.UserID, required, available decimal.Decimal) error {
	return e.record(ctx, ActionCreditsInsufficient, SeverityWarning, OutcomeFailure,
		ResourceUser, userID.String(), CategoryCredits, nil,
		"required", required.String(),
		"available", available.String(),
	)
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnTransition implements plugin.OnTransition.
func (e *Extension) OnTransition(ctx context.Context, h *fsm.History, from, to *fsm.State) error {
	action := ActionStateChanged
	if h.TriggerEvent == fsm.EventImmersion {
		action = ActionImmersion
	}
	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourceUser, h.UserID.String(), CategoryLifecycle, nil,
		"from", stateCode(from),
		"to", stateCode(to),
		"trigger", h.TriggerEvent,
		"version_id", h.VersionID.String(),
		"actions_taken", h.ActionsTaken,
	)
}

// ──────────────────────────────────────────────────
// Promotion hooks
// ──────────────────────────────────────────────────

// OnRuleMatched implements plugin.OnRuleMatched.
func (e *Extension) OnRuleMatched(ctx context.Context, userID id.UserID, r *rule.Rule) error {
	return e.record(ctx, ActionRuleMatched, SeverityInfo, OutcomeSuccess,
		ResourceRule, r.ID.String(), CategoryPromotion, nil,
		"user_id", userID.String(),
		"rule", r.Name,
		"trigger", r.Trigger,
	)
}

// OnOverlayActivated implements plugin.OnOverlayActivated.
func (e *Extension) OnOverlayActivated(ctx context.Context, o *overlay.Overlay) error {
	return e.record(ctx, ActionOverlayActivated, SeverityInfo, OutcomeSuccess,
		ResourceOverlay, o.ID.String(), CategoryPromotion, nil,
		"user_id", o.UserID.String(),
		"type", string(o.Type),
	)
}

// OnOverlayExpired implements plugin.OnOverlayExpired.
func (e *Extension) OnOverlayExpired(ctx context.Context, o *overlay.Overlay) error {
	return e.record(ctx, ActionOverlayExpired, SeverityInfo, OutcomeSuccess,
		ResourceOverlay, o.ID.String(), CategoryPromotion, nil,
		"user_id", o.UserID.String(),
		"type", string(o.Type),
		"state", string(o.State),
	)
}

// OnBonusGranted implements plugin.OnBonusGranted.
func (e *Extension) OnBonusGranted(ctx context.Context, b *bonus.Bonus) error {
	return e.record(ctx, ActionBonusGranted, SeverityInfo, OutcomeSuccess,
		ResourceBonus, b.ID.String(), CategoryPromotion, nil,
		"user_id", b.UserID.String(),
		"amount", b.Amount.String(),
		"deadline", b.Deadline,
	)
}

// OnBonusCompleted implements plugin.OnBonusCompleted.
func (e *Extension) OnBonusCompleted(ctx context.Context, b *bonus.Bonus) error {
	return e.record(ctx, ActionBonusCompleted, SeverityInfo, OutcomeSuccess,
		ResourceBonus, b.ID.String(), CategoryPromotion, nil,
		"user_id", b.UserID.String(),
	)
}

// OnBonusRevoked implements plugin.OnBonusRevoked.
func (e *Extension) OnBonusRevoked(ctx context.Context, b *bonus.Bonus, revoked decimal.Decimal) error {
	outcome := OutcomeSuccess
	if revoked.LessThan(b.Amount) {
		outcome = OutcomePartial
	}
	return e.record(ctx, ActionBonusRevoked, SeverityWarning, outcome,
		ResourceBonus, b.ID.String(), CategoryPromotion, nil,
		"user_id", b.UserID.String(),
		"amount", b.Amount.String(),
		"revoked", revoked.String(),
	)
}

// ──────────────────────────────────────────────────
// Operational hooks
// ──────────────────────────────────────────────────

// OnActionFailed implements plugin.OnActionFailed.
func (e *Extension) OnActionFailed(ctx context.Context, f plugin.ActionFailure) error {
	return e.record(ctx, ActionActionFailed, SeverityError, OutcomeFailure,
		ResourceAction, f.ActionID.String(), CategoryOperation, f.Err,
		"user_id", f.UserID.String(),
		"type", f.ActionType,
		"source", f.Source,
	)
}

// OnSweepCompleted implements plugin.OnSweepCompleted.
func (e *Extension) OnSweepCompleted(ctx context.Context, r plugin.SweepReport) error {
	action, severity, outcome := ActionSweepCompleted, SeverityInfo, OutcomeSuccess
	if r.Failed > 0 {
		action, severity, outcome = ActionSweepPartialError, SeverityWarning, OutcomePartial
	}
	return e.record(ctx, action, severity, outcome,
		ResourceSweep, r.Sweep, CategoryOperation, nil,
		"processed", r.Processed,
		"failed", r.Failed,
		"elapsed_ms", r.Elapsed.Milliseconds(),
	)
}

func stateCode(s *fsm.State) string {
	if s == nil {
		return ""
	}
	return s.Code
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
