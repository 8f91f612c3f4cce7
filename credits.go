package funnel

import (
	"context"
	"errors"
	"log/slog"
	"maps"

	"github.com/shopspring/decimal"

	"github.com/xraph/funnel/bonus"
	"github.com/xraph/funnel/event"
	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/plugin"
	"github.com/xraph/funnel/types"
	"github.com/xraph/funnel/user"
)

// CreditLedger owns a user's spendable balance. Every operation is one
// atomic store mutation scoped to the user.
//
// Commit and DeductCredits may leave the balance negative when the actual
// cost exceeds what was held, so a generation never fails halfway. Callers
// that must never go negative reserve first.
type CreditLedger struct {
	users   user.Store
	events  publisher
	costs   costOracle
	plugins *plugin.Registry
	logger  *slog.Logger
	clock   types.Clock
}

// NewCreditLedger creates a ledger over users.
func NewCreditLedger(users user.Store, events publisher, costs costOracle, plugins *plugin.Registry, logger *slog.Logger, clock types.Clock) *CreditLedger {
	return &CreditLedger{users: users, events: events, costs: costs, plugins: plugins, logger: logger, clock: clock}
}

// Reserve holds amount against the available balance.
func (l *CreditLedger) Reserve(ctx context.Context, userID id.UserID, amount decimal.Decimal) (*user.User, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	u, err := l.apply(ctx, userID, user.Mutation{
		ReservedDelta: amount,
		MinAvailable:  decimal.NewNullDecimal(amount),
	})
	if err != nil {
		return nil, err
	}
	l.plugins.EmitCreditsReserved(ctx, userID, amount, u.Available())
	return u, nil
}

// Commit settles a reservation: reservedAmount is released and actualCost
// is charged as a GENERATION_COST transaction.
func (l *CreditLedger) Commit(ctx context.Context, userID id.UserID, reservedAmount, actualCost decimal.Decimal, refID string, metadata map[string]string) (*user.User, error) {
	if reservedAmount.IsNegative() || actualCost.IsNegative() {
		return nil, ErrInvalidAmount
	}
	tx := l.newTx(user.TxGenerationCost, "", refID, metadata)
	u, err := l.apply(ctx, userID, user.Mutation{
		CreditsDelta:   actualCost.Neg(),
		ReservedDelta:  reservedAmount.Neg(),
		GeneratedDelta: 1,
		Transaction:    tx,
	})
	if err != nil {
		return nil, err
	}
	l.changed(ctx, u, tx, true)
	return u, nil
}

// Release returns a reservation without charging.
func (l *CreditLedger) Release(ctx context.Context, userID id.UserID, amount decimal.Decimal) (*user.User, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	return l.apply(ctx, userID, user.Mutation{ReservedDelta: amount.Neg()})
}

// AddCredits credits amount and records a txType transaction.
func (l *CreditLedger) AddCredits(ctx context.Context, userID id.UserID, amount decimal.Decimal, txType user.TxType, method string, metadata map[string]string) (*user.User, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if !txType.Valid() {
		return nil, ValidationError{Field: "type", Message: "unknown transaction type " + string(txType)}
	}
	tx := l.newTx(txType, method, "", metadata)
	u, err := l.apply(ctx, userID, user.Mutation{CreditsDelta: amount, Transaction: tx})
	if err != nil {
		return nil, err
	}
	l.changed(ctx, u, tx, false)
	return u, nil
}

// DeductCredits charges amount without a prior reservation. It fails when
// the balance is below amount.
func (l *CreditLedger) DeductCredits(ctx context.Context, userID id.UserID, amount decimal.Decimal, refID string, metadata map[string]string) (*user.User, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	tx := l.newTx(user.TxGenerationCost, "", refID, metadata)
	u, err := l.apply(ctx, userID, user.Mutation{
		CreditsDelta:   amount.Neg(),
		GeneratedDelta: 1,
		MinCredits:     decimal.NewNullDecimal(amount),
		Transaction:    tx,
	})
	if err != nil {
		return nil, err
	}
	l.changed(ctx, u, tx, true)
	return u, nil
}

// RecordPaymentFailure appends a PAYMENT_FAILED transaction. The balance is
// unchanged.
func (l *CreditLedger) RecordPaymentFailure(ctx context.Context, userID id.UserID, method string, metadata map[string]string) error {
	tx := l.newTx(user.TxPaymentFailed, method, "", metadata)
	tx.Status = user.StatusFailed
	_, err := l.apply(ctx, userID, user.Mutation{Transaction: tx})
	return err
}

// Revoke takes back up to amount according to policy and records a signed
// BONUS_REVOKED transaction. It returns the amount actually taken.
func (l *CreditLedger) Revoke(ctx context.Context, userID id.UserID, amount decimal.Decimal, policy bonus.RevocationPolicy, refID string) (decimal.Decimal, error) {
	if policy == nil {
		policy = bonus.ClampAtZero
	}
	tx := l.newTx(user.TxBonusRevoked, "", refID, map[string]string{"policy": policy.Name()})
	u, err := l.apply(ctx, userID, user.Mutation{
		Debit:       func(balance decimal.Decimal) decimal.Decimal { return policy.Revoke(balance, amount) },
		Transaction: tx,
	})
	if err != nil {
		return decimal.Zero, err
	}
	revoked := tx.CreditsAdded.Neg()
	if !revoked.IsZero() {
		l.changed(ctx, u, tx, true)
	}
	return revoked, nil
}

func (l *CreditLedger) newTx(t user.TxType, method, refID string, metadata map[string]string) *user.Transaction {
	return &user.Transaction{
		ID:            id.NewTransactionID(),
		Type:          t,
		PaymentMethod: method,
		Status:        user.StatusCompleted,
		RefID:         refID,
		Metadata:      maps.Clone(metadata),
		CreatedAt:     l.clock.Now(),
	}
}

func (l *CreditLedger) apply(ctx context.Context, userID id.UserID, m user.Mutation) (*user.User, error) {
	m.At = l.clock.Now()
	u, err := l.users.ApplyMutation(ctx, userID, m)
	if err != nil {
		var ie *InsufficientCreditsError
		if errors.As(err, &ie) {
			l.plugins.EmitInsufficientCredits(ctx, userID, ie.Required, ie.Available)
		}
		return nil, err
	}
	return u, nil
}

// changed publishes CREDITS_CHANGED and, for spending, CREDITS_ZERO when the
// balance fell below the cheapest operation.
func (l *CreditLedger) changed(ctx context.Context, u *user.User, tx *user.Transaction, spending bool) {
	l.plugins.EmitCreditsChanged(ctx, plugin.CreditsChange{
		UserID:      u.ID,
		Type:        tx.Type,
		Change:      tx.CreditsAdded,
		Balance:     u.Credits,
		Reserved:    u.ReservedCredits,
		Transaction: tx,
	})
	l.events.Publish(ctx, event.Event{
		UserID: u.ID,
		Name:   event.CreditsChanged,
		Payload: event.Payload{
			"newBalance": u.Credits,
			"change":     tx.CreditsAdded,
			"type":       string(tx.Type),
		},
	})

	if !spending {
		return
	}
	if cheapest := l.costs.CheapestOperationCost(ctx); u.Credits.LessThan(cheapest) {
		l.logger.Debug("balance below cheapest operation",
			"user_id", u.ID.String(),
			"balance", u.Credits.String(),
			"cheapest", cheapest.String(),
		)
		l.plugins.EmitCreditsZero(ctx, u.ID, u.Credits)
		l.events.Publish(ctx, event.Event{
			UserID:  u.ID,
			Name:    event.CreditsZero,
			Payload: event.Payload{"balance": u.Credits},
		})
	}
}
