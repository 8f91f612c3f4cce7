package funnel

import (
	"errors"
	"fmt"

	"github.com/xraph/funnel/user"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("funnel: not found")
	ErrAlreadyExists = errors.New("funnel: already exists")
	ErrInvalidInput  = errors.New("funnel: invalid input")

	// Ledger errors
	ErrInsufficientCredits = user.ErrInsufficientCredits
	ErrUserNotFound        = errors.New("funnel: user not found")
	ErrInvalidAmount       = errors.New("funnel: amount must be positive")

	// Cost errors
	ErrTariffNotFound   = errors.New("funnel: tariff not found")
	ErrSettingsNotFound = errors.New("funnel: settings not found")

	// Lifecycle errors
	ErrVersionNotFound    = errors.New("funnel: fsm version not found")
	ErrNoActiveVersion    = errors.New("funnel: no active fsm version")
	ErrStateNotFound      = errors.New("funnel: fsm state not found")
	ErrNoInitialState     = errors.New("funnel: fsm version has no initial state")
	ErrTransitionNotFound = errors.New("funnel: fsm transition not found")

	// Rule errors
	ErrRuleNotFound = errors.New("funnel: rule not found")

	// Overlay errors
	ErrOverlayNotFound = errors.New("funnel: overlay not found")
	ErrNotEligible     = errors.New("funnel: user not eligible")

	// Bonus errors
	ErrTemplateNotFound = errors.New("funnel: bonus template not found")
	ErrBonusNotFound    = errors.New("funnel: bonus not found")

	// Store errors
	ErrConcurrentUpdate = errors.New("funnel: concurrent update")
	ErrStoreClosed      = errors.New("funnel: store is closed")
	ErrMigrationFailed  = errors.New("funnel: migration failed")

	// Dispatch errors
	ErrCascadeLimit = errors.New("funnel: event cascade limit reached")
)

// InsufficientCreditsError carries the required and available amounts of a
// rejected reservation or deduction. It matches ErrInsufficientCredits.
type InsufficientCreditsError = user.InsufficientCreditsError

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("funnel: validation failed for %s: %s", e.Field, e.Message)
}

// Is makes every ValidationError match ErrInvalidInput.
func (e ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// MultiError represents multiple errors that occurred.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "funnel: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("funnel: %d errors occurred", len(e.Errors))
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e MultiError) Unwrap() []error {
	return e.Errors
}

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// First returns the first error or nil.
func (e MultiError) First() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// ErrOrNil returns e when it holds errors and nil otherwise.
func (e *MultiError) ErrOrNil() error {
	if e == nil || !e.HasErrors() {
		return nil
	}
	return *e
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrTariffNotFound) ||
		errors.Is(err, ErrSettingsNotFound) ||
		errors.Is(err, ErrVersionNotFound) ||
		errors.Is(err, ErrNoActiveVersion) ||
		errors.Is(err, ErrStateNotFound) ||
		errors.Is(err, ErrTransitionNotFound) ||
		errors.Is(err, ErrRuleNotFound) ||
		errors.Is(err, ErrOverlayNotFound) ||
		errors.Is(err, ErrTemplateNotFound) ||
		errors.Is(err, ErrBonusNotFound)
}

// IsRetryable returns true if the error is temporary and the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentUpdate)
}
