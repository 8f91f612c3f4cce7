package funnel

import (
	"context"
	"log/slog"

	"github.com/xraph/funnel/condition"
	"github.com/xraph/funnel/event"
	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/plugin"
	"github.com/xraph/funnel/rule"
	"github.com/xraph/funnel/types"
	"github.com/xraph/funnel/user"
)

// RuleEngine runs every active rule of a trigger whose conditions match.
// Unlike the lifecycle graph, matches do not exclude each other.
type RuleEngine struct {
	rules    rule.Store
	users    user.Store
	overlays overlayActivator
	snap     *snapshotter
	exec     *executor
	plugins  *plugin.Registry
	logger   *slog.Logger
	clock    types.Clock
}

// Process evaluates the rules of trigger for the user and executes the
// actions of each match in priority order. Every rule sees the context as it
// was before any rule ran. It returns the matched rules.
func (e *RuleEngine) Process(ctx context.Context, userID id.UserID, trigger string, payload event.Payload) ([]*rule.Rule, error) {
	rs, err := e.rules.ListActiveRules(ctx, trigger)
	if err != nil {
		return nil, err
	}
	if len(rs) == 0 {
		return nil, nil
	}
	rule.ByPriority(rs)

	u, err := e.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	snap, err := e.snap.build(ctx, u, nil, payload)
	if err != nil {
		return nil, err
	}
	active, err := e.overlays.GetActiveOverlays(ctx, userID)
	if err != nil {
		return nil, err
	}
	snap["overlay"] = overlayContext(active)

	var matched []*rule.Rule
	for _, r := range rs {
		if !condition.Evaluate(r.Conditions, snap) {
			continue
		}
		matched = append(matched, r)
		e.logger.Info("rule matched",
			"rule", r.Name,
			"user_id", userID.String(),
			"trigger", trigger,
			"actions", actionIDs(r.Actions),
		)
		e.plugins.EmitRuleMatched(ctx, userID, r)
		e.exec.run(ctx, u, r.Actions, "rule:"+r.Name)
	}
	return matched, nil
}

// CreateRule validates and stores r.
func (e *RuleEngine) CreateRule(ctx context.Context, r *rule.Rule) error {
	if r.ID.IsNil() {
		r.ID = id.NewRuleID()
	}
	if r.CreatedAt.IsZero() {
		r.Entity = types.NewEntityAt(e.clock.Now())
	}
	if err := r.Validate(); err != nil {
		return ValidationError{Field: "rule", Message: err.Error()}
	}
	return e.rules.CreateRule(ctx, r)
}

// SetActive enables or disables a rule.
func (e *RuleEngine) SetActive(ctx context.Context, ruleID id.RuleID, active bool) error {
	r, err := e.rules.GetRule(ctx, ruleID)
	if err != nil {
		return err
	}
	r.IsActive = active
	r.TouchAt(e.clock.Now())
	return e.rules.UpdateRule(ctx, r)
}

// ListRules returns every rule.
func (e *RuleEngine) ListRules(ctx context.Context) ([]*rule.Rule, error) {
	return e.rules.ListRules(ctx)
}
