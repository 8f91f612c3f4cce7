package funnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/xraph/funnel/bonus"
	"github.com/xraph/funnel/event"
	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/notify"
	"github.com/xraph/funnel/plugin"
	"github.com/xraph/funnel/types"
	"github.com/xraph/funnel/user"
)

// BonusTracker grants burnable bonuses and takes them back when their
// condition is not met by the deadline.
type BonusTracker struct {
	bonuses  bonus.Store
	users    user.Store
	credits  creditor
	events   publisher
	notifier notifier
	plugins  *plugin.Registry
	logger   *slog.Logger
	clock    types.Clock
	policy   bonus.RevocationPolicy
	batch    int
}

// NewBonusTracker creates a bonus tracker. A nil policy means ClampAtZero.
func NewBonusTracker(bonuses bonus.Store, users user.Store, credits creditor, events publisher, n notifier, plugins *plugin.Registry, logger *slog.Logger, clock types.Clock, policy bonus.RevocationPolicy, batch int) *BonusTracker {
	if policy == nil {
		policy = bonus.ClampAtZero
	}
	return &BonusTracker{
		bonuses:  bonuses,
		users:    users,
		credits:  credits,
		events:   events,
		notifier: n,
		plugins:  plugins,
		logger:   logger,
		clock:    clock,
		policy:   policy,
		batch:    batch,
	}
}

// Policy returns the revocation policy in use.
func (t *BonusTracker) Policy() bonus.RevocationPolicy { return t.policy }

// resolveTemplate finds a template by ID when ref looks like a template ID,
// else by name.
func (t *BonusTracker) resolveTemplate(ctx context.Context, ref string) (*bonus.Template, error) {
	if strings.HasPrefix(ref, string(id.PrefixTemplate)+"_") {
		if tid, err := id.ParseTemplateID(ref); err == nil {
			tpl, err := t.bonuses.GetTemplate(ctx, tid)
			if err == nil || !errors.Is(err, ErrTemplateNotFound) {
				return tpl, err
			}
		}
	}
	return t.bonuses.GetTemplateByName(ctx, ref)
}

// GrantBonus credits a burnable bonus from the template named or identified
// by template.
func (t *BonusTracker) GrantBonus(ctx context.Context, userID id.UserID, template string) (*bonus.Bonus, error) {
	tpl, err := t.resolveTemplate(ctx, template)
	if err != nil {
		return nil, fmt.Errorf("grant bonus %q: %w", template, err)
	}
	if !tpl.Amount.IsPositive() {
		return nil, ValidationError{Field: "amount", Message: "template " + tpl.Name + " has no positive amount"}
	}

	now := t.clock.Now()
	b := &bonus.Bonus{
		Entity:              types.NewEntityAt(now),
		ID:                  id.NewBonusID(),
		UserID:              userID,
		TemplateID:          tpl.ID,
		Amount:              tpl.Amount,
		Deadline:            tpl.Deadline(now),
		GenerationsRequired: tpl.ConditionGenerations,
		TopUpAmountRequired: tpl.ConditionTopUpAmount,
		Status:              bonus.StatusActive,
	}
	if err := t.bonuses.CreateBonus(ctx, b); err != nil {
		return nil, err
	}

	u, err := t.credits.AddCredits(ctx, userID, tpl.Amount, user.TxBurnableBonus, "", map[string]string{
		"bonus_id": b.ID.String(),
		"template": tpl.Name,
	})
	if err != nil {
		// Never leave an ACTIVE bonus that was not credited.
		if _, serr := t.bonuses.SetBonusStatus(ctx, b.ID, bonus.StatusActive, bonus.StatusExpired, decimal.Zero); serr != nil {
			t.logger.Error("failed to void uncredited bonus",
				"bonus_id", b.ID.String(),
				"error", serr,
			)
		}
		return nil, err
	}

	t.logger.Info("bonus granted",
		"user_id", userID.String(),
		"bonus_id", b.ID.String(),
		"amount", b.Amount.String(),
		"deadline", b.Deadline,
	)
	t.plugins.EmitBonusGranted(ctx, b)
	if tpl.Message != "" {
		t.notifier.Notify(ctx, notify.Notification{
			UserID:     userID,
			ExternalID: u.ExternalID,
			Text:       tpl.Message,
			Source:     "bonus:" + tpl.Name,
		})
	}
	t.events.Publish(ctx, event.Event{
		UserID: userID,
		Name:   event.BonusGranted,
		Payload: event.Payload{
			"bonusId":  b.ID.String(),
			"amount":   b.Amount,
			"template": tpl.Name,
		},
	})
	return b, nil
}

// OnGeneration records one generation against the user's active bonuses.
func (t *BonusTracker) OnGeneration(ctx context.Context, userID id.UserID) ([]*bonus.Bonus, error) {
	return t.progress(ctx, userID, bonus.Progress{Generations: 1})
}

// OnTopUp records a payment against the user's active bonuses.
func (t *BonusTracker) OnTopUp(ctx context.Context, userID id.UserID, amount decimal.Decimal) ([]*bonus.Bonus, error) {
	if !amount.IsPositive() {
		return nil, nil
	}
	return t.progress(ctx, userID, bonus.Progress{TopUp: amount})
}

// progress applies p and completes every bonus whose condition is now met.
// It returns the completed bonuses.
func (t *BonusTracker) progress(ctx context.Context, userID id.UserID, p bonus.Progress) ([]*bonus.Bonus, error) {
	updated, err := t.bonuses.AddBonusProgress(ctx, userID, p)
	if err != nil {
		return nil, err
	}
	var completed []*bonus.Bonus
	for _, b := range updated {
		if !b.Satisfied() {
			continue
		}
		ok, err := t.bonuses.SetBonusStatus(ctx, b.ID, bonus.StatusActive, bonus.StatusCompleted, decimal.Zero)
		if err != nil {
			return completed, err
		}
		if !ok {
			continue
		}
		b.Status = bonus.StatusCompleted
		completed = append(completed, b)
		t.logger.Info("bonus completed",
			"user_id", userID.String(),
			"bonus_id", b.ID.String(),
		)
		t.plugins.EmitBonusCompleted(ctx, b)
	}
	return completed, nil
}

// HandleBonusDeadlines revokes one batch of bonuses whose deadline passed
// with the condition unmet. A bonus is claimed before its credits are
// taken, so concurrent sweeps never revoke it twice. A bonus whose credits
// could not be taken is released again and retried by the next sweep.
func (t *BonusTracker) HandleBonusDeadlines(ctx context.Context) (int, error) {
	due, err := t.bonuses.ListExpiredBonuses(ctx, t.clock.Now(), t.batch)
	if err != nil {
		return 0, err
	}

	var (
		errs      MultiError
		processed int
	)
	for _, b := range due {
		if err := ctx.Err(); err != nil {
			errs.Add(err)
			break
		}
		ok, err := t.revoke(ctx, b)
		if err != nil {
			errs.Add(fmt.Errorf("bonus %s: %w", b.ID, err))
			continue
		}
		if ok {
			processed++
		}
	}
	return processed, errs.ErrOrNil()
}

func (t *BonusTracker) revoke(ctx context.Context, b *bonus.Bonus) (bool, error) {
	if b.Satisfied() {
		ok, err := t.bonuses.SetBonusStatus(ctx, b.ID, bonus.StatusActive, bonus.StatusCompleted, decimal.Zero)
		if ok {
			b.Status = bonus.StatusCompleted
			t.plugins.EmitBonusCompleted(ctx, b)
		}
		return ok, err
	}

	claimed, err := t.bonuses.SetBonusStatus(ctx, b.ID, bonus.StatusActive, bonus.StatusExpired, decimal.Zero)
	if err != nil || !claimed {
		return false, err
	}

	revoked, err := t.credits.Revoke(ctx, b.UserID, b.Amount, t.policy, b.ID.String())
	if err != nil {
		// Hand the claim back so the next sweep retries it.
		if _, rerr := t.bonuses.SetBonusStatus(ctx, b.ID, bonus.StatusExpired, bonus.StatusActive, decimal.Zero); rerr != nil {
			t.logger.Error("bonus left claimed after failed revocation",
				"bonus_id", b.ID.String(),
				"user_id", b.UserID.String(),
				"error", rerr,
			)
		}
		return false, err
	}
	if _, err := t.bonuses.SetBonusStatus(ctx, b.ID, bonus.StatusExpired, bonus.StatusExpired, revoked); err != nil {
		return false, err
	}
	b.Status = bonus.StatusExpired
	b.RevokedAmount = revoked

	t.logger.Info("bonus revoked",
		"user_id", b.UserID.String(),
		"bonus_id", b.ID.String(),
		"amount", b.Amount.String(),
		"revoked", revoked.String(),
		"policy", t.policy.Name(),
	)
	t.plugins.EmitBonusRevoked(ctx, b, revoked)
	t.events.Publish(ctx, event.Event{
		UserID: b.UserID,
		Name:   event.BonusExpired,
		Payload: event.Payload{
			"bonusId": b.ID.String(),
			"amount":  b.Amount,
			"revoked": revoked,
		},
	})
	return true, nil
}
