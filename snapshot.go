package funnel

import (
	"context"
	"slices"
	"time"

	"github.com/xraph/funnel/condition"
	"github.com/xraph/funnel/event"
	"github.com/xraph/funnel/fsm"
	"github.com/xraph/funnel/types"
	"github.com/xraph/funnel/user"
)

// snapshotter builds the condition context shared by transitions and rules.
type snapshotter struct {
	users user.Store
	costs costOracle
	clock types.Clock
}

// build returns the context for u. us may be nil, in which case hoursInState
// is omitted. Time-since fields are omitted when the moment is unknown.
func (s *snapshotter) build(ctx context.Context, u *user.User, us *fsm.UserState, payload event.Payload) (condition.Context, error) {
	activity, err := s.users.GetActivity(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	cheapest := s.costs.CheapestOperationCost(ctx)

	lowBalance := u.Credits.LessThan(cheapest)
	c := condition.Context{
		"credits":           u.Credits,
		"reservedCredits":   u.ReservedCredits,
		"availableCredits":  u.Available(),
		"totalGenerations":  u.TotalGenerated,
		"totalPayments":     activity.TotalPayments,
		"totalPaid":         activity.TotalPaid,
		"tags":              slices.Clone(u.Tags),
		"lastPaymentFailed": activity.LastPaymentFailed,
		"lifecycle":         u.LifecycleState,
		"daysSinceCreated":  int(now.Sub(u.CreatedAt) / (24 * time.Hour)),
		"isPaidUser":        activity.TotalPayments > 0,
		"isLowBalance":      lowBalance,
		"isFreeloader":      u.TotalGenerated > 0 && activity.TotalPayments == 0 && lowBalance,
		"isDead":            u.TotalGenerated == 0,
	}
	if payload == nil {
		payload = event.Payload{}
	}
	c["payload"] = map[string]any(payload)

	setHours(c, "hoursSinceLastPay", now, activity.LastPaymentAt)
	setHours(c, "hoursSinceLastGen", now, activity.LastGenerationAt)
	if !u.LastActiveAt.IsZero() {
		setHours(c, "hoursSinceLastActivity", now, &u.LastActiveAt)
	}
	if us != nil {
		setHours(c, "hoursInState", now, &us.EnteredAt)
	}
	return c, nil
}

func setHours(c condition.Context, key string, now time.Time, at *time.Time) {
	if at == nil {
		return
	}
	c[key] = now.Sub(*at).Hours()
}
