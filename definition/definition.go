// Package definition loads lifecycle graphs, rules, bonus templates and
// pricing from YAML documents and installs them into a funnel engine.
//
// Every condition operator and action config is validated while loading, so
// a document that loads cleanly installs without surprises at run time.
package definition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/xraph/funnel/action"
	"github.com/xraph/funnel/bonus"
	"github.com/xraph/funnel/condition"
	"github.com/xraph/funnel/cost"
	"github.com/xraph/funnel/fsm"
	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/rule"
	"github.com/xraph/funnel/types"
)

// File is the root of a definitions document.
type File struct {
	Graphs    []GraphDef    `yaml:"graphs,omitempty"`
	Rules     []RuleDef     `yaml:"rules,omitempty"`
	Templates []TemplateDef `yaml:"templates,omitempty"`
	Tariffs   []TariffDef   `yaml:"tariffs,omitempty"`
	Settings  *SettingsDef  `yaml:"settings,omitempty"`
}

// GraphDef is a lifecycle graph version. States are referenced by code.
type GraphDef struct {
	Name        string          `yaml:"name"`
	Number      int             `yaml:"number"`
	Description string          `yaml:"description,omitempty"`
	Activate    bool            `yaml:"activate,omitempty"`
	Reseed      bool            `yaml:"reseed,omitempty"`
	States      []StateDef      `yaml:"states"`
	Transitions []TransitionDef `yaml:"transitions"`
}

// StateDef is a graph node.
type StateDef struct {
	Code     string `yaml:"code"`
	Name     string `yaml:"name,omitempty"`
	Initial  bool   `yaml:"initial,omitempty"`
	Terminal bool   `yaml:"terminal,omitempty"`
}

// TransitionDef is a graph edge.
type TransitionDef struct {
	From           string                `yaml:"from"`
	To             string                `yaml:"to"`
	Event          string                `yaml:"event"`
	Priority       int                   `yaml:"priority,omitempty"`
	TimeoutMinutes int                   `yaml:"timeout_minutes,omitempty"`
	Conditions     []condition.Condition `yaml:"conditions,omitempty"`
	Actions        []ActionDef           `yaml:"actions,omitempty"`
}

// ActionDef is an action with its untyped config.
type ActionDef struct {
	Type   action.Type    `yaml:"type"`
	Order  int            `yaml:"order,omitempty"`
	Config map[string]any `yaml:"config,omitempty"`
}

// RuleDef is a rule engine entry. Rules are active unless Active is false.
type RuleDef struct {
	Name        string                `yaml:"name"`
	Description string                `yaml:"description,omitempty"`
	Trigger     string                `yaml:"trigger"`
	Priority    int                   `yaml:"priority,omitempty"`
	Active      *bool                 `yaml:"active,omitempty"`
	Conditions  []condition.Condition `yaml:"conditions,omitempty"`
	Actions     []ActionDef           `yaml:"actions"`
}

// TemplateDef is a burnable bonus template. Amounts are decimal strings.
type TemplateDef struct {
	Name                 string `yaml:"name"`
	Amount               string `yaml:"amount"`
	ExpiresAt            string `yaml:"expires_at,omitempty"`
	ExpiresInHours       *int   `yaml:"expires_in_hours,omitempty"`
	ConditionGenerations *int   `yaml:"condition_generations,omitempty"`
	ConditionTopUpAmount string `yaml:"condition_top_up_amount,omitempty"`
	Message              string `yaml:"message,omitempty"`
}

// TariffDef prices one model. Prices are USD per million tokens.
type TariffDef struct {
	ModelID          string `yaml:"model_id"`
	Name             string `yaml:"name,omitempty"`
	InputPrice       string `yaml:"input_price"`
	OutputPrice      string `yaml:"output_price"`
	OutputImagePrice string `yaml:"output_image_price,omitempty"`
	ModelMargin      string `yaml:"model_margin,omitempty"`
	CreditPriceUSD   string `yaml:"credit_price_usd,omitempty"`
	InputTokens      int64  `yaml:"input_tokens,omitempty"`
	LowResTokens     int64  `yaml:"low_res_tokens,omitempty"`
	HighResTokens    int64  `yaml:"high_res_tokens,omitempty"`
	Active           *bool  `yaml:"active,omitempty"`
}

// SettingsDef is the system pricing configuration.
type SettingsDef struct {
	SystemMargin  string `yaml:"system_margin"`
	CreditsPerUSD string `yaml:"credits_per_usd"`
	USDRUBRate    string `yaml:"usd_rub_rate"`
}

// Set is a validated, ready-to-install definitions document.
type Set struct {
	Graphs    []*Graph
	Rules     []*rule.Rule
	Templates []*bonus.Template
	Tariffs   []*cost.Tariff
	Settings  *cost.Settings
}

// Graph is a built lifecycle graph plus its activation flags.
type Graph struct {
	*fsm.Graph
	Activate bool
	Reseed   bool
}

// LoadFile reads and builds the document at path. Environment variables in
// the file are expanded.
func LoadFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("definition: read %s: %w", path, err)
	}
	set, err := Parse([]byte(os.ExpandEnv(string(data))))
	if err != nil {
		return nil, fmt.Errorf("definition: %s: %w", path, err)
	}
	return set, nil
}

// Load reads and builds a document from r.
func Load(r io.Reader) (*Set, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("definition: read: %w", err)
	}
	return Parse(data)
}

// Parse decodes data strictly and builds every definition in it.
func Parse(data []byte) (*Set, error) {
	var f File
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return f.Build()
}

// Build validates f and converts it to engine types. All problems are
// reported together.
func (f *File) Build() (*Set, error) {
	var errs []error
	set := &Set{}
	now := time.Now().UTC()

	for i := range f.Graphs {
		g, err := f.Graphs[i].build(now)
		if err != nil {
			errs = append(errs, fmt.Errorf("graph %q: %w", f.Graphs[i].Name, err))
			continue
		}
		set.Graphs = append(set.Graphs, g)
	}
	for i := range f.Rules {
		r, err := f.Rules[i].build(now)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", f.Rules[i].Name, err))
			continue
		}
		set.Rules = append(set.Rules, r)
	}
	for i := range f.Templates {
		t, err := f.Templates[i].build(now)
		if err != nil {
			errs = append(errs, fmt.Errorf("template %q: %w", f.Templates[i].Name, err))
			continue
		}
		set.Templates = append(set.Templates, t)
	}
	for i := range f.Tariffs {
		t, err := f.Tariffs[i].build()
		if err != nil {
			errs = append(errs, fmt.Errorf("tariff %q: %w", f.Tariffs[i].ModelID, err))
			continue
		}
		set.Tariffs = append(set.Tariffs, t)
	}
	if f.Settings != nil {
		s, err := f.Settings.build()
		if err != nil {
			errs = append(errs, fmt.Errorf("settings: %w", err))
		}
		set.Settings = s
	}

	if active := set.activeGraphs(); active > 1 {
		errs = append(errs, fmt.Errorf("%d graphs are marked activate, at most one may be", active))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return set, nil
}

func (s *Set) activeGraphs() int {
	n := 0
	for _, g := range s.Graphs {
		if g.Activate {
			n++
		}
	}
	return n
}

func (d *GraphDef) build(now time.Time) (*Graph, error) {
	if d.Name == "" {
		return nil, errors.New("name is required")
	}
	v := &fsm.Version{
		Entity:      types.NewEntityAt(now),
		ID:          id.NewVersionID(),
		Name:        d.Name,
		Number:      d.Number,
		Description: d.Description,
	}
	g := &fsm.Graph{Version: v}

	byCode := make(map[string]id.StateID, len(d.States))
	for _, sd := range d.States {
		if sd.Code == "" {
			return nil, errors.New("state code is required")
		}
		if _, dup := byCode[sd.Code]; dup {
			return nil, fmt.Errorf("duplicate state %s", sd.Code)
		}
		name := sd.Name
		if name == "" {
			name = sd.Code
		}
		s := &fsm.State{
			ID:         id.NewStateID(),
			VersionID:  v.ID,
			Name:       name,
			Code:       sd.Code,
			IsInitial:  sd.Initial,
			IsTerminal: sd.Terminal,
		}
		byCode[sd.Code] = s.ID
		g.States = append(g.States, s)
	}

	for i, td := range d.Transitions {
		from, ok := byCode[td.From]
		if !ok {
			return nil, fmt.Errorf("transition %d: unknown from state %q", i, td.From)
		}
		to, ok := byCode[td.To]
		if !ok {
			return nil, fmt.Errorf("transition %d: unknown to state %q", i, td.To)
		}
		if err := condition.ValidateAll(td.Conditions); err != nil {
			return nil, fmt.Errorf("transition %s->%s: %w", td.From, td.To, err)
		}
		actions, err := buildActions(td.Actions)
		if err != nil {
			return nil, fmt.Errorf("transition %s->%s: %w", td.From, td.To, err)
		}
		g.Transitions = append(g.Transitions, &fsm.Transition{
			ID:             id.NewTransitionID(),
			VersionID:      v.ID,
			FromStateID:    from,
			ToStateID:      to,
			TriggerEvent:   td.Event,
			Priority:       td.Priority,
			TimeoutMinutes: td.TimeoutMinutes,
			Conditions:     td.Conditions,
			Actions:        actions,
		})
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &Graph{Graph: g, Activate: d.Activate, Reseed: d.Reseed}, nil
}

func (d *RuleDef) build(now time.Time) (*rule.Rule, error) {
	if err := condition.ValidateAll(d.Conditions); err != nil {
		return nil, err
	}
	actions, err := buildActions(d.Actions)
	if err != nil {
		return nil, err
	}
	r := &rule.Rule{
		Entity:      types.NewEntityAt(now),
		ID:          id.NewRuleID(),
		Name:        d.Name,
		Description: d.Description,
		Trigger:     d.Trigger,
		Priority:    d.Priority,
		IsActive:    d.Active == nil || *d.Active,
		Conditions:  d.Conditions,
		Actions:     actions,
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func buildActions(defs []ActionDef) ([]action.Action, error) {
	out := make([]action.Action, 0, len(defs))
	for i, d := range defs {
		cfg, err := action.DecodeMap(d.Type, d.Config)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		order := d.Order
		if order == 0 {
			order = i
		}
		a, err := action.New(d.Type, order, cfg)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (d *TemplateDef) build(now time.Time) (*bonus.Template, error) {
	if d.Name == "" {
		return nil, errors.New("name is required")
	}
	amount, err := positive("amount", d.Amount)
	if err != nil {
		return nil, err
	}
	t := &bonus.Template{
		Entity:               types.NewEntityAt(now),
		ID:                   id.NewTemplateID(),
		Name:                 d.Name,
		Amount:               amount,
		ExpiresInHours:       d.ExpiresInHours,
		ConditionGenerations: d.ConditionGenerations,
		Message:              d.Message,
	}
	if d.ExpiresAt != "" {
		at, err := time.Parse(time.RFC3339, d.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("expires_at: %w", err)
		}
		t.ExpiresAt = &at
	}
	if d.ExpiresInHours != nil && *d.ExpiresInHours <= 0 {
		return nil, errors.New("expires_in_hours must be positive")
	}
	if d.ConditionGenerations != nil && *d.ConditionGenerations <= 0 {
		return nil, errors.New("condition_generations must be positive")
	}
	if t.ConditionTopUpAmount, err = optional("condition_top_up_amount", d.ConditionTopUpAmount); err != nil {
		return nil, err
	}
	return t, nil
}

func (d *TariffDef) build() (*cost.Tariff, error) {
	t := &cost.Tariff{
		ModelID:       d.ModelID,
		Name:          d.Name,
		InputTokens:   d.InputTokens,
		LowResTokens:  d.LowResTokens,
		HighResTokens: d.HighResTokens,
		IsActive:      d.Active == nil || *d.Active,
	}
	var err error
	if t.InputPrice, err = required("input_price", d.InputPrice); err != nil {
		return nil, err
	}
	if t.OutputPrice, err = required("output_price", d.OutputPrice); err != nil {
		return nil, err
	}
	if t.OutputImagePrice, err = optional("output_image_price", d.OutputImagePrice); err != nil {
		return nil, err
	}
	if t.CreditPriceUSD, err = optional("credit_price_usd", d.CreditPriceUSD); err != nil {
		return nil, err
	}
	if d.ModelMargin != "" {
		if t.ModelMargin, err = required("model_margin", d.ModelMargin); err != nil {
			return nil, err
		}
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (d *SettingsDef) build() (*cost.Settings, error) {
	s := &cost.Settings{}
	var err error
	if s.SystemMargin, err = required("system_margin", d.SystemMargin); err != nil {
		return nil, err
	}
	if s.CreditsPerUSD, err = positive("credits_per_usd", d.CreditsPerUSD); err != nil {
		return nil, err
	}
	if s.USDRUBRate, err = positive("usd_rub_rate", d.USDRUBRate); err != nil {
		return nil, err
	}
	return s, nil
}

func required(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, fmt.Errorf("%s is required", field)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", field, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}

func positive(field, s string) (decimal.Decimal, error) {
	d, err := required(field, s)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s must be positive", field)
	}
	return d, nil
}

func optional(field, s string) (decimal.NullDecimal, error) {
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := required(field, s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

// Target is the engine surface a Set installs into.
type Target interface {
	InstallGraph(ctx context.Context, g *fsm.Graph) error
	ActivateVersion(ctx context.Context, versionID id.VersionID, reseed bool) (int, error)
	CreateRule(ctx context.Context, r *rule.Rule) error
	CreateTemplate(ctx context.Context, t *bonus.Template) error
	PutTariff(ctx context.Context, t *cost.Tariff) error
	PutSettings(ctx context.Context, s *cost.Settings) error
}

// Summary counts what Apply installed.
type Summary struct {
	Graphs    int
	Activated string
	Reseeded  int
	Rules     int
	Templates int
	Tariffs   int
	Settings  bool
}

// Apply installs s into t. Pricing and templates go first so that rules and
// transitions referencing them resolve once the graph is activated.
func (s *Set) Apply(ctx context.Context, t Target) (Summary, error) {
	var sum Summary
	if s.Settings != nil {
		if err := t.PutSettings(ctx, s.Settings); err != nil {
			return sum, fmt.Errorf("definition: settings: %w", err)
		}
		sum.Settings = true
	}
	for _, tr := range s.Tariffs {
		if err := t.PutTariff(ctx, tr); err != nil {
			return sum, fmt.Errorf("definition: tariff %s: %w", tr.ModelID, err)
		}
		sum.Tariffs++
	}
	for _, tpl := range s.Templates {
		if err := t.CreateTemplate(ctx, tpl); err != nil {
			return sum, fmt.Errorf("definition: template %s: %w", tpl.Name, err)
		}
		sum.Templates++
	}
	for _, r := range s.Rules {
		if err := t.CreateRule(ctx, r); err != nil {
			return sum, fmt.Errorf("definition: rule %s: %w", r.Name, err)
		}
		sum.Rules++
	}
	for _, g := range s.Graphs {
		if err := t.InstallGraph(ctx, g.Graph); err != nil {
			return sum, fmt.Errorf("definition: graph %s: %w", g.Version.Name, err)
		}
		sum.Graphs++
	}
	for _, g := range s.Graphs {
		if !g.Activate {
			continue
		}
		n, err := t.ActivateVersion(ctx, g.Version.ID, g.Reseed)
		if err != nil {
			return sum, fmt.Errorf("definition: activate %s: %w", g.Version.Name, err)
		}
		sum.Activated = g.Version.Name
		sum.Reseeded = n
	}
	return sum, nil
}

// Tariff returns the tariff for modelID.
func (s *Set) Tariff(modelID string) (*cost.Tariff, bool) {
	for _, t := range s.Tariffs {
		if t.ModelID == modelID {
			return t, true
		}
	}
	return nil, false
}
