package funnel

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/xraph/funnel/bonus"
	"github.com/xraph/funnel/event"
	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/notify"
	"github.com/xraph/funnel/overlay"
	"github.com/xraph/funnel/user"
)

// The components below depend on these narrow interfaces only. Funnel is
// the single place that knows every concrete component.

// publisher receives events raised by a component.
type publisher interface {
	Publish(ctx context.Context, e event.Event)
}

// notifier queues a user-facing message after a commit.
type notifier interface {
	Notify(ctx context.Context, n notify.Notification)
}

// creditor is the part of the ledger other components may call.
type creditor interface {
	AddCredits(ctx context.Context, userID id.UserID, amount decimal.Decimal, txType user.TxType, method string, metadata map[string]string) (*user.User, error)
	Revoke(ctx context.Context, userID id.UserID, amount decimal.Decimal, policy bonus.RevocationPolicy, refID string) (decimal.Decimal, error)
}

// overlayActivator is the part of the overlay manager actions may call.
type overlayActivator interface {
	Activate(ctx context.Context, userID id.UserID, t overlay.Type, opts ActivateOpts) (*overlay.Overlay, bool, error)
	ActivateTripwire(ctx context.Context, userID id.UserID, opts ActivateOpts) (*overlay.Overlay, bool, error)
	ActivateSpecialOffer(ctx context.Context, userID id.UserID, offerID string, opts ActivateOpts) (*overlay.Overlay, bool, error)
	EnableReferral(ctx context.Context, userID id.UserID, opts ActivateOpts) (*overlay.Overlay, bool, error)
	Deactivate(ctx context.Context, userID id.UserID, t overlay.Type) (bool, error)
	GetActiveOverlays(ctx context.Context, userID id.UserID) ([]*overlay.Overlay, error)
}

// bonusGranter is the part of the bonus tracker actions may call.
type bonusGranter interface {
	GrantBonus(ctx context.Context, userID id.UserID, template string) (*bonus.Bonus, error)
}

// costOracle prices the cheapest operation for low-balance checks.
type costOracle interface {
	CheapestOperationCost(ctx context.Context) decimal.Decimal
}

// publisherFunc adapts a function to publisher.
type publisherFunc func(ctx context.Context, e event.Event)

func (fn publisherFunc) Publish(ctx context.Context, e event.Event) { fn(ctx, e) }

// notifierFunc adapts a function to notifier.
type notifierFunc func(ctx context.Context, n notify.Notification)

func (fn notifierFunc) Notify(ctx context.Context, n notify.Notification) { fn(ctx, n) }
