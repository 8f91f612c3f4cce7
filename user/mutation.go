package user

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInsufficientCredits matches every InsufficientCreditsError.
var ErrInsufficientCredits = errors.New("funnel: insufficient credits")

// InsufficientCreditsError reports a rejected reservation or deduction.
type InsufficientCreditsError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("funnel: insufficient credits: required %s, available %s", e.Required, e.Available)
}

// Is makes errors.Is(err, ErrInsufficientCredits) hold.
func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// Mutation is one atomic change to a user's balance.
type Mutation struct {
	CreditsDelta   decimal.Decimal
	ReservedDelta  decimal.Decimal
	GeneratedDelta int64

	// MinAvailable rejects the mutation unless credits - reserved is at least
	// this much before it is applied.
	MinAvailable decimal.NullDecimal
	// MinCredits rejects the mutation unless credits is at least this much.
	MinCredits decimal.NullDecimal

	// Debit, when set, derives an extra amount to subtract from the balance
	// as read inside the atomic operation.
	Debit func(balance decimal.Decimal) decimal.Decimal

	// Transaction is appended with CreditsAdded set to the applied delta.
	Transaction *Transaction

	// At stamps UpdatedAt and LastActiveAt.
	At time.Time
}

// Apply checks the guards and applies m to u in place. It returns the credits
// delta actually applied. Reserved credits never drop below zero; credits may.
func (m Mutation) Apply(u *User) (decimal.Decimal, error) {
	if m.MinAvailable.Valid {
		if avail := u.Available(); avail.LessThan(m.MinAvailable.Decimal) {
			return decimal.Zero, &InsufficientCreditsError{Required: m.MinAvailable.Decimal, Available: avail}
		}
	}
	if m.MinCredits.Valid && u.Credits.LessThan(m.MinCredits.Decimal) {
		return decimal.Zero, &InsufficientCreditsError{Required: m.MinCredits.Decimal, Available: u.Credits}
	}

	delta := m.CreditsDelta
	if m.Debit != nil {
		delta = delta.Sub(m.Debit(u.Credits.Add(delta)))
	}

	u.Credits = u.Credits.Add(delta)
	u.ReservedCredits = decimal.Max(decimal.Zero, u.ReservedCredits.Add(m.ReservedDelta))
	u.TotalGenerated += m.GeneratedDelta
	if !m.At.IsZero() {
		u.UpdatedAt = m.At
		u.LastActiveAt = m.At
	}
	u.Version++

	if m.Transaction != nil {
		m.Transaction.UserID = u.ID
		m.Transaction.CreditsAdded = delta
		if m.Transaction.CreatedAt.IsZero() {
			m.Transaction.CreatedAt = m.At
		}
	}
	return delta, nil
}
