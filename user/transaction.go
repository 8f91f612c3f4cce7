package user

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/funnel/id"
)

// TxType classifies a ledger transaction.
type TxType string

// Transaction types.
const (
	TxPurchase       TxType = "PURCHASE"
	TxGenerationCost TxType = "GENERATION_COST"
	TxRefund         TxType = "REFUND"
	TxReferralBonus  TxType = "REFERRAL_BONUS"
	TxDailyBonus     TxType = "DAILY_BONUS"
	TxBurnableBonus  TxType = "BURNABLE_BONUS"
	TxBonusRevoked   TxType = "BONUS_REVOKED"
	TxAdjustment     TxType = "ADJUSTMENT"
	TxPaymentFailed  TxType = "PAYMENT_FAILED"
)

// Valid reports whether t is a known transaction type.
func (t TxType) Valid() bool {
	switch t {
	case TxPurchase, TxGenerationCost, TxRefund, TxReferralBonus, TxDailyBonus,
		TxBurnableBonus, TxBonusRevoked, TxAdjustment, TxPaymentFailed:
		return true
	}
	return false
}

// Status is the settlement status of a transaction.
type Status string

// Transaction statuses.
const (
	StatusCompleted Status = "COMPLETED"
	StatusPending   Status = "PENDING"
	StatusFailed    Status = "FAILED"
)

// Transaction is an immutable ledger record. CreditsAdded is signed.
type Transaction struct {
	ID            id.TransactionID  `json:"id"`
	UserID        id.UserID         `json:"user_id"`
	Type          TxType            `json:"type"`
	CreditsAdded  decimal.Decimal   `json:"credits_added"`
	PaymentMethod string            `json:"payment_method,omitempty"`
	Status        Status            `json:"status"`
	RefID         string            `json:"ref_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}
