// Package rule defines the multi-match rules that run beside the lifecycle
// graph. Every active rule whose conditions match a trigger executes.
package rule

import (
	"context"
	"fmt"
	"sort"

	"github.com/xraph/funnel/action"
	"github.com/xraph/funnel/condition"
	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/types"
)

// Rule is a trigger-scoped condition list with ordered actions. Priority
// orders execution only.
type Rule struct {
	types.Entity

	ID          id.RuleID             `json:"id"`
	Name        string                `json:"name"`
	Description string                `json:"description,omitempty"`
	Trigger     string                `json:"trigger"`
	Priority    int                   `json:"priority"`
	IsActive    bool                  `json:"is_active"`
	Conditions  []condition.Condition `json:"conditions,omitempty"`
	Actions     []action.Action       `json:"actions,omitempty"`
}

// Validate checks the rule is well formed.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule: name is required")
	}
	if r.Trigger == "" {
		return fmt.Errorf("rule %q: trigger is required", r.Name)
	}
	if err := condition.ValidateAll(r.Conditions); err != nil {
		return fmt.Errorf("rule %q: %w", r.Name, err)
	}
	if err := action.ValidateAll(r.Actions); err != nil {
		return fmt.Errorf("rule %q: %w", r.Name, err)
	}
	return nil
}

// ByPriority sorts rules by descending priority, then ID.
func ByPriority(rs []*Rule) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Priority != rs[j].Priority {
			return rs[i].Priority > rs[j].Priority
		}
		return id.Less(rs[i].ID, rs[j].ID)
	})
}

// Store persists rules.
type Store interface {
	CreateRule(ctx context.Context, r *Rule) error
	GetRule(ctx context.Context, ruleID id.RuleID) (*Rule, error)
	UpdateRule(ctx context.Context, r *Rule) error
	// ListActiveRules returns the active rules for trigger, highest
	// priority first.
	ListActiveRules(ctx context.Context, trigger string) ([]*Rule, error)
	ListRules(ctx context.Context) ([]*Rule, error)
}
