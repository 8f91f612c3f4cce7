package bonus

import "github.com/shopspring/decimal"

// RevocationPolicy decides how much of an expired bonus to take back from a
// balance. It returns the amount to subtract, never negative.
type RevocationPolicy interface {
	Name() string
	Revoke(balance, amount decimal.Decimal) decimal.Decimal
}

// Named policies.
const (
	PolicyClampAtZero = "clamp_at_zero"
	PolicyStrict      = "strict"
)

// ClampAtZero subtracts min(balance, amount), so revocation never drives a
// balance below zero. It is the default.
var ClampAtZero RevocationPolicy = clampAtZero{}

// Strict subtracts the full amount even if the balance goes negative.
var Strict RevocationPolicy = strict{}

type clampAtZero struct{}

func (clampAtZero) Name() string { return PolicyClampAtZero }

func (clampAtZero) Revoke(balance, amount decimal.Decimal) decimal.Decimal {
	if !balance.IsPositive() {
		return decimal.Zero
	}
	return decimal.Min(balance, amount)
}

type strict struct{}

func (strict) Name() string { return PolicyStrict }

func (strict) Revoke(_, amount decimal.Decimal) decimal.Decimal { return amount }

// PolicyByName resolves a policy from configuration. Unknown names fall back
// to ClampAtZero.
func PolicyByName(name string) RevocationPolicy {
	if name == PolicyStrict {
		return Strict
	}
	return ClampAtZero
}
