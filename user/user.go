// Package user defines the funnel user, its credit balance and the
// append-only transaction log.
package user

import (
	"context"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/types"
)

// User is a funnel participant. Balance fields change only through
// ApplyMutation; LifecycleState caches the code of the current FSM state.
type User struct {
	types.Entity

	ID              id.UserID       `json:"id"`
	ExternalID      string          `json:"external_id"`
	Credits         decimal.Decimal `json:"credits"`
	ReservedCredits decimal.Decimal `json:"reserved_credits"`
	TotalGenerated  int64           `json:"total_generated"`
	Tags            []string        `json:"tags,omitempty"`
	LifecycleState  string          `json:"lifecycle_state,omitempty"`
	LastActiveAt    time.Time       `json:"last_active_at"`
	Version         int64           `json:"version"`
}

// Available returns credits not held by a reservation.
func (u *User) Available() decimal.Decimal {
	return u.Credits.Sub(u.ReservedCredits)
}

// HasTag reports whether the user carries tag.
func (u *User) HasTag(tag string) bool {
	return slices.Contains(u.Tags, tag)
}

// Clone returns a deep copy.
func (u *User) Clone() *User {
	c := *u
	c.Tags = slices.Clone(u.Tags)
	return &c
}

// ApplyTags returns tags with add appended and remove dropped, without
// duplicates. Order of existing tags is kept.
func ApplyTags(tags, add, remove []string) []string {
	out := make([]string, 0, len(tags)+len(add))
	for _, t := range tags {
		if !slices.Contains(remove, t) && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	for _, t := range add {
		if !slices.Contains(remove, t) && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

// ListOpts pages list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// Activity is the set of aggregates derived from the transaction log.
type Activity struct {
	TotalPayments     int64           `json:"total_payments"`
	TotalPaid         decimal.Decimal `json:"total_paid"`
	LastPaymentAt     *time.Time      `json:"last_payment_at,omitempty"`
	LastGenerationAt  *time.Time      `json:"last_generation_at,omitempty"`
	LastPaymentFailed bool            `json:"last_payment_failed"`
}

// Summarize folds a transaction log into Activity. Only completed purchases
// count as payments; the last payment failed when the newest purchase or
// PAYMENT_FAILED record is a failure.
func Summarize(txs []*Transaction) Activity {
	var (
		a          Activity
		lastFailed *time.Time
	)
	for _, tx := range txs {
		at := tx.CreatedAt
		switch tx.Type {
		case TxPurchase:
			if tx.Status != StatusCompleted {
				continue
			}
			a.TotalPayments++
			a.TotalPaid = a.TotalPaid.Add(tx.CreditsAdded)
			if a.LastPaymentAt == nil || at.After(*a.LastPaymentAt) {
				a.LastPaymentAt = &at
			}
		case TxGenerationCost:
			if a.LastGenerationAt == nil || at.After(*a.LastGenerationAt) {
				a.LastGenerationAt = &at
			}
		case TxPaymentFailed:
			if lastFailed == nil || at.After(*lastFailed) {
				lastFailed = &at
			}
		}
	}
	a.LastPaymentFailed = lastFailed != nil && (a.LastPaymentAt == nil || lastFailed.After(*a.LastPaymentAt))
	return a
}

// Store persists users and their transactions.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, userID id.UserID) (*User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*User, error)
	ListUsers(ctx context.Context, opts ListOpts) ([]*User, error)

	// ApplyMutation applies m to the user and appends m.Transaction as one
	// atomic operation. The guard, the deltas and the append succeed or fail
	// together.
	ApplyMutation(ctx context.Context, userID id.UserID, m Mutation) (*User, error)
	UpdateTags(ctx context.Context, userID id.UserID, add, remove []string) (*User, error)
	TouchUser(ctx context.Context, userID id.UserID, at time.Time) error

	ListTransactions(ctx context.Context, userID id.UserID, opts ListOpts) ([]*Transaction, error)
	GetActivity(ctx context.Context, userID id.UserID) (*Activity, error)
}
