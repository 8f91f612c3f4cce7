package audithook

// Action constants for audit events.
const (
	// Credit actions
	ActionCreditsPurchased    = "credits.purchased"
	ActionCreditsSpent        = "credits.spent"
	ActionCreditsGranted      = "credits.granted"
	ActionCreditsRevoked      = "credits.revoked"
	ActionCreditsAdjusted     = "credits.adjusted"
	ActionCreditsZero         = "credits.zero"
	ActionCreditsInsufficient = "credits.insufficient"

	// Lifecycle actions
	ActionStateChanged = "lifecycle.transition"
	ActionImmersion    = "lifecycle.immersion"

	// Promotion actions
	ActionRuleMatched       = "rule.matched"
	ActionOverlayActivated  = "overlay.activated"
	ActionOverlayExpired    = "overlay.expired"
	ActionBonusGranted      = "bonus.granted"
	ActionBonusCompleted    = "bonus.completed"
	ActionBonusRevoked      = "bonus.revoked"
	ActionActionFailed      = "action.failed"
	ActionSweepCompleted    = "sweep.completed"
	ActionSweepPartialError = "sweep.partial"
)

// Resource constants for audit events.
const (
	ResourceUser    = "user"
	ResourceRule    = "rule"
	ResourceOverlay = "overlay"
	ResourceBonus   = "bonus"
	ResourceAction  = "action"
	ResourceSweep   = "sweep"
)

// Category constants for audit events.
const (
	CategoryCredits   = "credits"
	CategoryPayment   = "payment"
	CategoryLifecycle = "lifecycle"
	CategoryPromotion = "promotion"
	CategoryOperation = "operation"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)
