// Package bonus defines burnable bonuses: credits granted up front and
// revoked at a deadline unless the user meets a usage or top-up condition.
package bonus

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/types"
)

// Status is the bonus lifecycle.
type Status string

// Bonus statuses.
const (
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusExpired   Status = "EXPIRED"
)

// FallbackLifetime is the deadline used when a template sets neither an
// explicit expiry nor a lifetime in hours.
const FallbackLifetime = 30 * 24 * time.Hour

// Template describes a grantable bonus.
type Template struct {
	types.Entity

	ID                   id.TemplateID       `json:"id"`
	Name                 string              `json:"name"`
	Amount               decimal.Decimal     `json:"amount"`
	ExpiresAt            *time.Time          `json:"expires_at,omitempty"`
	ExpiresInHours       *int                `json:"expires_in_hours,omitempty"`
	ConditionGenerations *int                `json:"condition_generations,omitempty"`
	ConditionTopUpAmount decimal.NullDecimal `json:"condition_top_up_amount"`
	Message              string              `json:"message,omitempty"`
}

// Deadline computes the revocation deadline for a grant made at now.
func (t *Template) Deadline(now time.Time) time.Time {
	switch {
	case t.ExpiresAt != nil:
		return t.ExpiresAt.UTC()
	case t.ExpiresInHours != nil:
		return now.Add(time.Duration(*t.ExpiresInHours) * time.Hour)
	default:
		return now.Add(FallbackLifetime)
	}
}

// Bonus is one grant to one user.
type Bonus struct {
	types.Entity

	ID                  id.BonusID          `json:"id"`
	UserID              id.UserID           `json:"user_id"`
	TemplateID          id.TemplateID       `json:"template_id"`
	Amount              decimal.Decimal     `json:"amount"`
	Deadline            time.Time           `json:"deadline"`
	GenerationsRequired *int                `json:"generations_required,omitempty"`
	TopUpAmountRequired decimal.NullDecimal `json:"top_up_amount_required"`
	GenerationsMade     int                 `json:"generations_made"`
	TopUpMade           decimal.Decimal     `json:"top_up_made"`
	Status              Status              `json:"status"`
	RevokedAmount       decimal.Decimal     `json:"revoked_amount"`
}

// Satisfied reports whether the save condition has been met. A bonus with no
// condition is never satisfied and burns at its deadline.
func (b *Bonus) Satisfied() bool {
	if b.GenerationsRequired != nil && b.GenerationsMade >= *b.GenerationsRequired {
		return true
	}
	if b.TopUpAmountRequired.Valid && b.TopUpMade.GreaterThanOrEqual(b.TopUpAmountRequired.Decimal) {
		return true
	}
	return false
}

// Progress increments the counters of a bonus.
type Progress struct {
	Generations int
	TopUp       decimal.Decimal
}

// Store persists templates and bonuses.
type Store interface {
	CreateTemplate(ctx context.Context, t *Template) error
	GetTemplate(ctx context.Context, templateID id.TemplateID) (*Template, error)
	GetTemplateByName(ctx context.Context, name string) (*Template, error)
	ListTemplates(ctx context.Context) ([]*Template, error)

	CreateBonus(ctx context.Context, b *Bonus) error
	GetBonus(ctx context.Context, bonusID id.BonusID) (*Bonus, error)
	ListActiveBonuses(ctx context.Context, userID id.UserID) ([]*Bonus, error)
	// AddBonusProgress adds p to every ACTIVE bonus of the user and returns
	// the updated bonuses.
	AddBonusProgress(ctx context.Context, userID id.UserID, p Progress) ([]*Bonus, error)
	// SetBonusStatus moves a bonus from one status to another. It returns
	// false when the bonus was not in from.
	SetBonusStatus(ctx context.Context, bonusID id.BonusID, from, to Status, revoked decimal.Decimal) (bool, error)
	// ListExpiredBonuses returns up to limit ACTIVE bonuses whose deadline
	// is before now.
	ListExpiredBonuses(ctx context.Context, now time.Time, limit int) ([]*Bonus, error)
}
