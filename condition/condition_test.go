package condition_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/xraph/funnel/condition"
)

func TestMatchOperators(t *testing.T) {
	ctx := condition.Context{
		"credits":       decimal.NewFromInt(12),
		"lifecycle":     "ACTIVE_FREE",
		"tags":          []string{"vip", "beta"},
		"isPaidUser":    false,
		"totalPayments": 2,
		"payload": map[string]any{
			"amount": "150.5",
			"plan":   "pro",
		},
		"overlay": map[string]any{
			"TRIPWIRE": map[string]any{"state": "ACTIVE"},
		},
	}

	tests := []struct {
		name string
		cond condition.Condition
		want bool
	}{
		{"eq number vs int", condition.Condition{Field: "credits", Operator: condition.OpEq, Value: 12}, true},
		{"eq number vs string", condition.Condition{Field: "credits", Operator: condition.OpEq, Value: "12.00"}, true},
		{"ne string", condition.Condition{Field: "lifecycle", Operator: condition.OpNe, Value: "NEW"}, true},
		{"gt", condition.Condition{Field: "credits", Operator: condition.OpGt, Value: 10}, true},
		{"lt false", condition.Condition{Field: "credits", Operator: condition.OpLt, Value: 10}, false},
		{"gte boundary", condition.Condition{Field: "totalPayments", Operator: condition.OpGte, Value: 2}, true},
		{"lte float", condition.Condition{Field: "credits", Operator: condition.OpLte, Value: 12.0}, true},
		{"numeric fails closed", condition.Condition{Field: "lifecycle", Operator: condition.OpGt, Value: 1}, false},
		{"numeric payload string", condition.Condition{Field: "payload.amount", Operator: condition.OpGte, Value: 150}, true},
		{"contains slice", condition.Condition{Field: "tags", Operator: condition.OpContains, Value: "vip"}, true},
		{"contains substring", condition.Condition{Field: "lifecycle", Operator: condition.OpContains, Value: "FREE"}, true},
		{"not contains", condition.Condition{Field: "tags", Operator: condition.OpNotContains, Value: "churned"}, true},
		{"in", condition.Condition{Field: "lifecycle", Operator: condition.OpIn, Value: []any{"ACTIVE_FREE", "ACTIVATING"}}, true},
		{"bool eq", condition.Condition{Field: "isPaidUser", Operator: condition.OpEq, Value: false}, true},
		{"bool eq string", condition.Condition{Field: "isPaidUser", Operator: condition.OpEq, Value: "false"}, true},
		{"exists nested", condition.Condition{Field: "overlay.TRIPWIRE", Operator: condition.OpExists}, true},
		{"not exists nested", condition.Condition{Field: "overlay.REFERRAL", Operator: condition.OpNotExists}, true},
		{"exists missing", condition.Condition{Field: "overlay.REFERRAL", Operator: condition.OpExists}, false},
		{"deep path", condition.Condition{Field: "overlay.TRIPWIRE.state", Operator: condition.OpEq, Value: "ACTIVE"}, true},
		{"missing field fails", condition.Condition{Field: "nope", Operator: condition.OpEq, Value: "x"}, false},
		{"missing field ne fails", condition.Condition{Field: "nope", Operator: condition.OpNe, Value: "x"}, false},
		{"unknown operator fails", condition.Condition{Field: "credits", Operator: "~", Value: 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := condition.Match(tt.cond, ctx); got != tt.want {
				t.Errorf("Match(%+v) = %v, want %v", tt.cond, got, tt.want)
			}
		})
	}
}

func TestEvaluateGroups(t *testing.T) {
	conds := []condition.Condition{
		{Field: "credits", Operator: condition.OpGt, Value: 10, GroupID: "A"},
		{Field: "totalPayments", Operator: condition.OpGte, Value: 1, GroupID: "B"},
	}

	tests := []struct {
		name string
		ctx  condition.Context
		want bool
	}{
		{"only group A", condition.Context{"credits": 11, "totalPayments": 0}, true},
		{"only group B", condition.Context{"credits": 2, "totalPayments": 1}, true},
		{"both", condition.Context{"credits": 20, "totalPayments": 3}, true},
		{"neither", condition.Context{"credits": 2, "totalPayments": 0}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := condition.Evaluate(conds, tt.ctx); got != tt.want {
				t.Errorf("Evaluate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateAndWithinGroup(t *testing.T) {
	conds := []condition.Condition{
		{Field: "credits", Operator: condition.OpLt, Value: 5},
		{Field: "totalGenerations", Operator: condition.OpGte, Value: 3},
	}

	if condition.Evaluate(conds, condition.Context{"credits": 1, "totalGenerations": 2}) {
		t.Error("expected AND group to fail when one condition fails")
	}
	if !condition.Evaluate(conds, condition.Context{"credits": 1, "totalGenerations": 3}) {
		t.Error("expected AND group to match when all conditions match")
	}
}

func TestEvaluateEmptyMatches(t *testing.T) {
	if !condition.Evaluate(nil, condition.Context{}) {
		t.Error("an empty condition list should match")
	}
}

func TestGroupsPreserveOrder(t *testing.T) {
	groups := condition.Groups([]condition.Condition{
		{Field: "a", GroupID: "2"},
		{Field: "b", GroupID: "1"},
		{Field: "c", GroupID: "2"},
	})
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	if groups[0][0].Field != "a" || groups[0][1].Field != "c" || groups[1][0].Field != "b" {
		t.Errorf("unexpected grouping: %+v", groups)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cond    condition.Condition
		wantErr bool
	}{
		{"ok", condition.Condition{Field: "credits", Operator: condition.OpGt, Value: 1}, false},
		{"exists without value", condition.Condition{Field: "overlay.TRIPWIRE", Operator: condition.OpExists}, false},
		{"missing field", condition.Condition{Operator: condition.OpEq, Value: 1}, true},
		{"bad operator", condition.Condition{Field: "x", Operator: "LIKE", Value: 1}, true},
		{"missing value", condition.Condition{Field: "x", Operator: condition.OpEq}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cond.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
