package funnel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/funnel/action"
	"github.com/xraph/funnel/notify"
	"github.com/xraph/funnel/plugin"
	"github.com/xraph/funnel/types"
	"github.com/xraph/funnel/user"
)

// executor runs the actions attached to transitions and rules. Actions are
// best effort: a failure is logged and reported, and the next action runs.
type executor struct {
	users    user.Store
	overlays overlayActivator
	bonuses  bonusGranter
	notifier notifier
	plugins  *plugin.Registry
	logger   *slog.Logger
	clock    types.Clock
}

// run executes actions in order and returns the types that succeeded.
func (x *executor) run(ctx context.Context, u *user.User, actions []action.Action, source string) []string {
	var taken []string
	for _, a := range action.Sorted(actions) {
		if err := x.exec(ctx, u, a); err != nil {
			x.logger.Warn("action failed",
				"action_id", a.ID.String(),
				"action_type", string(a.Type),
				"user_id", u.ID.String(),
				"source", source,
				"error", err,
			)
			x.plugins.EmitActionFailed(ctx, plugin.ActionFailure{
				UserID:     u.ID,
				ActionID:   a.ID,
				ActionType: string(a.Type),
				Source:     source,
				Err:        err,
			})
			continue
		}
		taken = append(taken, string(a.Type))
	}
	return taken
}

func (x *executor) exec(ctx context.Context, u *user.User, a action.Action) error {
	switch cfg := a.Config.(type) {
	case *action.SendMessage:
		x.notifier.Notify(ctx, notify.Notification{
			UserID:        u.ID,
			ExternalID:    u.ExternalID,
			Text:          cfg.Text,
			PackageID:     cfg.PackageID,
			PaymentMethod: cfg.PaymentMethod,
			Source:        "action:" + a.ID.String(),
		})
		return nil

	case *action.GrantBonus:
		_, err := x.bonuses.GrantBonus(ctx, u.ID, cfg.Template)
		return err

	case *action.TagUser:
		add, remove := []string{cfg.Tag}, []string(nil)
		if cfg.Remove {
			add, remove = nil, []string{cfg.Tag}
		}
		_, err := x.users.UpdateTags(ctx, u.ID, add, remove)
		return err

	case *action.ForceShowTripwire:
		opts := x.offerOpts(cfg.Offer)
		opts.Force = true
		_, _, err := x.overlays.ActivateTripwire(ctx, u.ID, opts)
		return err

	case *action.ForceSpecialOffer:
		_, _, err := x.overlays.ActivateSpecialOffer(ctx, u.ID, cfg.OfferID, x.offerOpts(cfg.Offer))
		return err

	case *action.ForceEnableReferral:
		opts := x.offerOpts(cfg.Offer)
		opts.Force = true
		_, _, err := x.overlays.EnableReferral(ctx, u.ID, opts)
		return err

	case *action.ActivateOverlay:
		_, _, err := x.overlays.Activate(ctx, u.ID, cfg.OverlayType, x.offerOpts(cfg.Offer))
		return err

	case *action.DeactivateOverlay:
		_, err := x.overlays.Deactivate(ctx, u.ID, cfg.OverlayType)
		return err

	case *action.NoOp:
		return nil

	default:
		return fmt.Errorf("%w %q", action.ErrUnknownType, a.Type)
	}
}

func (x *executor) offerOpts(o action.Offer) ActivateOpts {
	opts := ActivateOpts{
		Metadata:      o.Metadata,
		Silent:        o.Silent,
		Message:       o.Message,
		PackageID:     o.PackageID,
		PaymentMethod: o.PaymentMethod,
	}
	if o.ExpiresInHours > 0 {
		at := x.clock.Now().Add(time.Duration(o.ExpiresInHours) * time.Hour)
		opts.ExpiresAt = &at
	}
	return opts
}

// actionIDs is used in logs for matched rules.
func actionIDs(actions []action.Action) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.ID.String()
	}
	return out
}
