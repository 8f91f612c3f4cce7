package definition_test

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/xraph/funnel"
	"github.com/xraph/funnel/cost"
	"github.com/xraph/funnel/definition"
	"github.com/xraph/funnel/store/memory"
)

const document = `
settings:
  system_margin: "0.2"
  credits_per_usd: "100"
  usd_rub_rate: "90"

tariffs:
  - model_id: img-1
    input_price: "2"
    output_price: "10"
    output_image_price: "40"
    model_margin: "0.1"
    input_tokens: 100
    low_res_tokens: 1000
    high_res_tokens: 4000

templates:
  - name: welcome
    amount: "50"
    expires_in_hours: 72
    condition_generations: 3
    message: "50 credits are yours for three days"

rules:
  - name: welcome-bonus
    trigger: USER_REGISTERED
    conditions:
      - field: isPaidUser
        operator: "="
        value: false
    actions:
      - type: GRANT_BURNABLE_BONUS
        config:
          template: welcome

graphs:
  - name: default
    number: 1
    activate: true
    states:
      - code: NEW
        initial: true
      - code: ACTIVE_FREE
      - code: PAID
        terminal: true
    transitions:
      - from: NEW
        to: ACTIVE_FREE
        event: USER_REGISTERED
        actions:
          - type: TAG_USER
            config:
              tag: onboarded
      - from: ACTIVE_FREE
        to: PAID
        event: PAYMENT_COMPLETED
        priority: 10
        conditions:
          - field: totalPaid
            operator: ">="
            value: 1
            group: paid
`

func TestParseBuildsEverything(t *testing.T) {
	set, err := definition.Parse([]byte(document))
	if err != nil {
		t.Fatal(err)
	}

	if len(set.Graphs) != 1 || !set.Graphs[0].Activate {
		t.Fatalf("graphs = %+v", set.Graphs)
	}
	g := set.Graphs[0]
	if len(g.States) != 3 || len(g.Transitions) != 2 {
		t.Fatalf("graph has %d states and %d transitions", len(g.States), len(g.Transitions))
	}
	if init, ok := g.Initial(); !ok || init.Code != "NEW" {
		t.Fatalf("initial = %v", init)
	}
	if len(set.Rules) != 1 || !set.Rules[0].IsActive {
		t.Fatalf("rules = %+v", set.Rules)
	}
	tpl := set.Templates[0]
	if !tpl.Amount.Equal(decimal.NewFromInt(50)) || *tpl.ConditionGenerations != 3 {
		t.Fatalf("template = %+v", tpl)
	}
	tariff, ok := set.Tariff("img-1")
	if !ok || !tariff.OutputImagePrice.Valid || !tariff.IsActive {
		t.Fatalf("tariff = %+v", tariff)
	}
	if set.Settings == nil || !set.Settings.USDRUBRate.Equal(decimal.NewFromInt(90)) {
		t.Fatalf("settings = %+v", set.Settings)
	}
}

func TestApplyInstallsIntoEngine(t *testing.T) {
	ctx := context.Background()
	set, err := definition.Load(strings.NewReader(document))
	if err != nil {
		t.Fatal(err)
	}
	f := funnel.New(memory.New())

	sum, err := set.Apply(ctx, f)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Graphs != 1 || sum.Activated != "default" || sum.Rules != 1 || sum.Templates != 1 || sum.Tariffs != 1 || !sum.Settings {
		t.Fatalf("summary = %+v", sum)
	}

	u, err := f.RegisterUser(ctx, "tg-1", decimal.Zero)
	if err != nil {
		t.Fatal(err)
	}
	if !u.Credits.Equal(decimal.NewFromInt(50)) {
		t.Errorf("credits = %s, want 50", u.Credits)
	}
	if u.LifecycleState != "ACTIVE_FREE" || !u.HasTag("onboarded") {
		t.Errorf("user = %s %v", u.LifecycleState, u.Tags)
	}

	est, err := f.EstimateReservation(ctx, u.ID, "img-1", cost.QualityLow, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !est.Sufficient {
		t.Errorf("estimate %s not sufficient for 50 credits", est.Amount)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "unknown field",
			doc:  "rulez: []",
			want: "rulez",
		},
		{
			name: "unknown operator",
			doc: `
rules:
  - name: r
    trigger: X
    conditions: [{field: credits, operator: LIKE, value: 1}]
    actions: [{type: NO_OP}]`,
			want: "unknown operator",
		},
		{
			name: "unknown action",
			doc: `
rules:
  - name: r
    trigger: X
    actions: [{type: LAUNCH_ROCKET}]`,
			want: "unknown type",
		},
		{
			name: "bad action config",
			doc: `
rules:
  - name: r
    trigger: X
    actions: [{type: TAG_USER, config: {label: vip}}]`,
			want: "label",
		},
		{
			name: "unknown state",
			doc: `
graphs:
  - name: g
    states: [{code: A, initial: true}]
    transitions: [{from: A, to: B, event: E}]`,
			want: `unknown to state "B"`,
		},
		{
			name: "no initial state",
			doc: `
graphs:
  - name: g
    states: [{code: A}]`,
			want: "initial",
		},
		{
			name: "two active graphs",
			doc: `
graphs:
  - {name: a, activate: true, states: [{code: A, initial: true}]}
  - {name: b, activate: true, states: [{code: A, initial: true}]}`,
			want: "at most one",
		},
		{
			name: "negative amount",
			doc:  `templates: [{name: t, amount: "-5"}]`,
			want: "amount",
		},
		{
			name: "missing settings rate",
			doc:  `settings: {system_margin: "0.1", credits_per_usd: "100"}`,
			want: "usd_rub_rate",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := definition.Parse([]byte(tt.doc))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestParseEmpty(t *testing.T) {
	set, err := definition.Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(set.Graphs)+len(set.Rules)+len(set.Templates)+len(set.Tariffs) != 0 || set.Settings != nil {
		t.Fatalf("set = %+v", set)
	}
}
