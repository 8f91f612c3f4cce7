package sqlite

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xraph/grove"

	"github.com/xraph/funnel/action"
	"github.com/xraph/funnel/bonus"
	"github.com/xraph/funnel/condition"
	"github.com/xraph/funnel/cost"
	"github.com/xraph/funnel/fsm"
	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/overlay"
	"github.com/xraph/funnel/rule"
	"github.com/xraph/funnel/types"
	"github.com/xraph/funnel/user"
)

// Timestamps are stored as unix nanoseconds so range scans compare numbers,
// and JSON documents as TEXT.

// ==================== User models ====================

type userModel struct {
	grove.BaseModel `grove:"table:funnel_users"`

	ID              string          `grove:"id,pk"`
	ExternalID      string          `grove:"external_id"`
	Credits         decimal.Decimal `grove:"credits"`
	ReservedCredits decimal.Decimal `grove:"reserved_credits"`
	TotalGenerated  int64           `grove:"total_generated"`
	Tags            string          `grove:"tags"`
	LifecycleState  string          `grove:"lifecycle_state"`
	LastActiveAt    int64           `grove:"last_active_at"`
	Version         int64           `grove:"version"`
	CreatedAt       int64           `grove:"created_at"`
	UpdatedAt       int64           `grove:"updated_at"`
}

func toUserModel(u *user.User) *userModel {
	return &userModel{
		ID:              u.ID.String(),
		ExternalID:      u.ExternalID,
		Credits:         u.Credits,
		ReservedCredits: u.ReservedCredits,
		TotalGenerated:  u.TotalGenerated,
		Tags:            encodeJSON(u.Tags, "[]"),
		LifecycleState:  u.LifecycleState,
		LastActiveAt:    toNanos(u.LastActiveAt),
		Version:         u.Version,
		CreatedAt:       toNanos(u.CreatedAt),
		UpdatedAt:       toNanos(u.UpdatedAt),
	}
}

func fromUserModel(m *userModel) (*user.User, error) {
	userID, err := id.ParseUserID(m.ID)
	if err != nil {
		return nil, err
	}
	var tags []string
	if err := decodeJSON(m.Tags, &tags); err != nil {
		return nil, err
	}
	return &user.User{
		Entity: types.Entity{
			CreatedAt: fromNanos(m.CreatedAt),
			UpdatedAt: fromNanos(m.UpdatedAt),
		},
		ID:              userID,
		ExternalID:      m.ExternalID,
		Credits:         m.Credits,
		ReservedCredits: m.ReservedCredits,
		TotalGenerated:  m.TotalGenerated,
		Tags:            tags,
		LifecycleState:  m.LifecycleState,
		LastActiveAt:    fromNanos(m.LastActiveAt),
		Version:         m.Version,
	}, nil
}

type transactionModel struct {
	grove.BaseModel `grove:"table:funnel_transactions"`

	ID            string          `grove:"id,pk"`
	UserID        string          `grove:"user_id"`
	Type          string          `grove:"type"`
	CreditsAdded  decimal.Decimal `grove:"credits_added"`
	PaymentMethod string          `grove:"payment_method"`
	Status        string          `grove:"status"`
	RefID         string          `grove:"ref_id"`
	Metadata      string          `grove:"metadata"`
	CreatedAt     int64           `grove:"created_at"`
}

func toTransactionModel(tx *user.Transaction) *transactionModel {
	return &transactionModel{
		ID:            tx.ID.String(),
		UserID:        tx.UserID.String(),
		Type:          string(tx.Type),
		CreditsAdded:  tx.CreditsAdded,
		PaymentMethod: tx.PaymentMethod,
		Status:        string(tx.Status),
		RefID:         tx.RefID,
		Metadata:      encodeJSON(tx.Metadata, "{}"),
		CreatedAt:     toNanos(tx.CreatedAt),
	}
}

func fromTransactionModel(m *transactionModel) (*user.Transaction, error) {
	txID, err := id.Parse(m.ID)
	if err != nil {
		return nil, err
	}
	userID, err := id.ParseUserID(m.UserID)
	if err != nil {
		return nil, err
	}
	var meta map[string]string
	if err := decodeJSON(m.Metadata, &meta); err != nil {
		return nil, err
	}
	if len(meta) == 0 {
		meta = nil
	}
	return &user.Transaction{
		ID:            txID,
		UserID:        userID,
		Type:          user.TxType(m.Type),
		CreditsAdded:  m.CreditsAdded,
		PaymentMethod: m.PaymentMethod,
		Status:        user.Status(m.Status),
		RefID:         m.RefID,
		Metadata:      meta,
		CreatedAt:     fromNanos(m.CreatedAt),
	}, nil
}

// ==================== Lifecycle models ====================

type versionModel struct {
	grove.BaseModel `grove:"table:funnel_fsm_versions"`

	ID          string `grove:"id,pk"`
	Name        string `grove:"name"`
	Number      int    `grove:"number"`
	Description string `grove:"description"`
	IsActive    bool   `grove:"is_active"`
	CreatedAt   int64  `grove:"created_at"`
	UpdatedAt   int64  `grove:"updated_at"`
}

func toVersionModel(v *fsm.Version) *versionModel {
	return &versionModel{
		ID:          v.ID.String(),
		Name:        v.Name,
		Number:      v.Number,
		Description: v.Description,
		IsActive:    v.IsActive,
		CreatedAt:   toNanos(v.CreatedAt),
		UpdatedAt:   toNanos(v.UpdatedAt),
	}
}

func fromVersionModel(m *versionModel) (*fsm.Version, error) {
	versionID, err := id.ParseVersionID(m.ID)
	if err != nil {
		return nil, err
	}
	return &fsm.Version{
		Entity: types.Entity{
			CreatedAt: fromNanos(m.CreatedAt),
			UpdatedAt: fromNanos(m.UpdatedAt),
		},
		ID:          versionID,
		Name:        m.Name,
		Number:      m.Number,
		Description: m.Description,
		IsActive:    m.IsActive,
	}, nil
}

type stateModel struct {
	grove.BaseModel `grove:"table:funnel_fsm_states"`

	ID         string `grove:"id,pk"`
	VersionID  string `grove:"version_id"`
	Name       string `grove:"name"`
	Code       string `grove:"code"`
	IsInitial  bool   `grove:"is_initial"`
	IsTerminal bool   `grove:"is_terminal"`
}

func toStateModel(s *fsm.State) *stateModel {
	return &stateModel{
		ID:         s.ID.String(),
		VersionID:  s.VersionID.String(),
		Name:       s.Name,
		Code:       s.Code,
		IsInitial:  s.IsInitial,
		IsTerminal: s.IsTerminal,
	}
}

func fromStateModel(m *stateModel) (*fsm.State, error) {
	stateID, err := id.ParseStateID(m.ID)
	if err != nil {
		return nil, err
	}
	versionID, err := id.ParseVersionID(m.VersionID)
	if err != nil {
		return nil, err
	}
	return &fsm.State{
		ID:         stateID,
		VersionID:  versionID,
		Name:       m.Name,
		Code:       m.Code,
		IsInitial:  m.IsInitial,
		IsTerminal: m.IsTerminal,
	}, nil
}

type transitionModel struct {
	grove.BaseModel `grove:"table:funnel_fsm_transitions"`

	ID             string `grove:"id,pk"`
	VersionID      string `grove:"version_id"`
	FromStateID    string `grove:"from_state_id"`
	ToStateID      string `grove:"to_state_id"`
	TriggerEvent   string `grove:"trigger_event"`
	Priority       int    `grove:"priority"`
	TimeoutMinutes int    `grove:"timeout_minutes"`
	Conditions     string `grove:"conditions"`
	Actions        string `grove:"actions"`
}

func toTransitionModel(t *fsm.Transition) (*transitionModel, error) {
	conds, acts, err := encodeLogic(t.Conditions, t.Actions)
	if err != nil {
		return nil, err
	}
	return &transitionModel{
		ID:             t.ID.String(),
		VersionID:      t.VersionID.String(),
		FromStateID:    t.FromStateID.String(),
		ToStateID:      t.ToStateID.String(),
		TriggerEvent:   t.TriggerEvent,
		Priority:       t.Priority,
		TimeoutMinutes: t.TimeoutMinutes,
		Conditions:     conds,
		Actions:        acts,
	}, nil
}

func fromTransitionModel(m *transitionModel) (*fsm.Transition, error) {
	transitionID, err := id.Parse(m.ID)
	if err != nil {
		return nil, err
	}
	versionID, err := id.ParseVersionID(m.VersionID)
	if err != nil {
		return nil, err
	}
	fromID, err := id.ParseStateID(m.FromStateID)
	if err != nil {
		return nil, err
	}
	toID, err := id.ParseStateID(m.ToStateID)
	if err != nil {
		return nil, err
	}
	conds, acts, err := decodeLogic(m.Conditions, m.Actions)
	if err != nil {
		return nil, err
	}
	return &fsm.Transition{
		ID:             transitionID,
		VersionID:      versionID,
		FromStateID:    fromID,
		ToStateID:      toID,
		TriggerEvent:   m.TriggerEvent,
		Priority:       m.Priority,
		TimeoutMinutes: m.TimeoutMinutes,
		Conditions:     conds,
		Actions:        acts,
	}, nil
}

type userStateModel struct {
	grove.BaseModel `grove:"table:funnel_user_states"`

	UserID    string `grove:"user_id,pk"`
	StateID   string `grove:"state_id"`
	VersionID string `grove:"version_id"`
	EnteredAt int64  `grove:"entered_at"`
	Version   int64  `grove:"version"`
}

func fromUserStateModel(m *userStateModel) (*fsm.UserState, error) {
	userID, err := id.ParseUserID(m.UserID)
	if err != nil {
		return nil, err
	}
	stateID, err := id.ParseStateID(m.StateID)
	if err != nil {
		return nil, err
	}
	versionID, err := id.ParseVersionID(m.VersionID)
	if err != nil {
		return nil, err
	}
	return &fsm.UserState{
		UserID:    userID,
		StateID:   stateID,
		VersionID: versionID,
		EnteredAt: fromNanos(m.EnteredAt),
		Version:   m.Version,
	}, nil
}

type historyModel struct {
	grove.BaseModel `grove:"table:funnel_fsm_history"`

	ID           string `grove:"id,pk"`
	UserID       string `grove:"user_id"`
	VersionID    string `grove:"version_id"`
	FromStateID  string `grove:"from_state_id"`
	ToStateID    string `grove:"to_state_id"`
	TriggerEvent string `grove:"trigger_event"`
	TransitionID string `grove:"transition_id"`
	ActionsTaken string `grove:"actions_taken"`
	At           int64  `grove:"at"`
}

func toHistoryModel(h *fsm.History) *historyModel {
	return &historyModel{
		ID:           h.ID.String(),
		UserID:       h.UserID.String(),
		VersionID:    h.VersionID.String(),
		FromStateID:  h.FromStateID.String(),
		ToStateID:    h.ToStateID.String(),
		TriggerEvent: h.TriggerEvent,
		TransitionID: h.TransitionID.String(),
		ActionsTaken: encodeJSON(h.ActionsTaken, "[]"),
		At:           toNanos(h.At),
	}
}

func fromHistoryModel(m *historyModel) (*fsm.History, error) {
	historyID, err := id.Parse(m.ID)
	if err != nil {
		return nil, err
	}
	userID, err := id.ParseUserID(m.UserID)
	if err != nil {
		return nil, err
	}
	versionID, err := id.ParseVersionID(m.VersionID)
	if err != nil {
		return nil, err
	}
	fromID, err := parseOptional(m.FromStateID)
	if err != nil {
		return nil, err
	}
	toID, err := id.ParseStateID(m.ToStateID)
	if err != nil {
		return nil, err
	}
	transitionID, err := parseOptional(m.TransitionID)
	if err != nil {
		return nil, err
	}
	var actions []string
	if err := decodeJSON(m.ActionsTaken, &actions); err != nil {
		return nil, err
	}
	return &fsm.History{
		ID:           historyID,
		UserID:       userID,
		VersionID:    versionID,
		FromStateID:  fromID,
		ToStateID:    toID,
		TriggerEvent: m.TriggerEvent,
		TransitionID: transitionID,
		ActionsTaken: actions,
		At:           fromNanos(m.At),
	}, nil
}

// ==================== Rule models ====================

type ruleModel struct {
	grove.BaseModel `grove:"table:funnel_rules"`

	ID          string `grove:"id,pk"`
	Name        string `grove:"name"`
	Description string `grove:"description"`
	Trigger     string `grove:"trigger_event"`
	Priority    int    `grove:"priority"`
	IsActive    bool   `grove:"is_active"`
	Conditions  string `grove:"conditions"`
	Actions     string `grove:"actions"`
	CreatedAt   int64  `grove:"created_at"`
	UpdatedAt   int64  `grove:"updated_at"`
}

func toRuleModel(r *rule.Rule) (*ruleModel, error) {
	conds, acts, err := encodeLogic(r.Conditions, r.Actions)
	if err != nil {
		return nil, err
	}
	return &ruleModel{
		ID:          r.ID.String(),
		Name:        r.Name,
		Description: r.Description,
		Trigger:     r.Trigger,
		Priority:    r.Priority,
		IsActive:    r.IsActive,
		Conditions:  conds,
		Actions:     acts,
		CreatedAt:   toNanos(r.CreatedAt),
		UpdatedAt:   toNanos(r.UpdatedAt),
	}, nil
}

func fromRuleModel(m *ruleModel) (*rule.Rule, error) {
	ruleID, err := id.ParseRuleID(m.ID)
	if err != nil {
		return nil, err
	}
	conds, acts, err := decodeLogic(m.Conditions, m.Actions)
	if err != nil {
		return nil, err
	}
	return &rule.Rule{
		Entity: types.Entity{
			CreatedAt: fromNanos(m.CreatedAt),
			UpdatedAt: fromNanos(m.UpdatedAt),
		},
		ID:          ruleID,
		Name:        m.Name,
		Description: m.Description,
		Trigger:     m.Trigger,
		Priority:    m.Priority,
		IsActive:    m.IsActive,
		Conditions:  conds,
		Actions:     acts,
	}, nil
}

// ==================== Overlay models ====================

type overlayModel struct {
	grove.BaseModel `grove:"table:funnel_overlays"`

	ID        string `grove:"id,pk"`
	UserID    string `grove:"user_id"`
	Type      string `grove:"type"`
	State     string `grove:"state"`
	ExpiresAt *int64 `grove:"expires_at"`
	Metadata  string `grove:"metadata"`
	CreatedAt int64  `grove:"created_at"`
	UpdatedAt int64  `grove:"updated_at"`
}

func toOverlayModel(o *overlay.Overlay) *overlayModel {
	return &overlayModel{
		ID:        o.ID.String(),
		UserID:    o.UserID.String(),
		Type:      string(o.Type),
		State:     string(o.State),
		ExpiresAt: toNanosPtr(o.ExpiresAt),
		Metadata:  encodeJSON(o.Metadata, "{}"),
		CreatedAt: toNanos(o.CreatedAt),
		UpdatedAt: toNanos(o.UpdatedAt),
	}
}

func fromOverlayModel(m *overlayModel) (*overlay.Overlay, error) {
	overlayID, err := id.ParseOverlayID(m.ID)
	if err != nil {
		return nil, err
	}
	userID, err := id.ParseUserID(m.UserID)
	if err != nil {
		return nil, err
	}
	var meta map[string]string
	if err := decodeJSON(m.Metadata, &meta); err != nil {
		return nil, err
	}
	if len(meta) == 0 {
		meta = nil
	}
	return &overlay.Overlay{
		Entity: types.Entity{
			CreatedAt: fromNanos(m.CreatedAt),
			UpdatedAt: fromNanos(m.UpdatedAt),
		},
		ID:        overlayID,
		UserID:    userID,
		Type:      overlay.Type(m.Type),
		State:     overlay.State(m.State),
		ExpiresAt: fromNanosPtr(m.ExpiresAt),
		Metadata:  meta,
	}, nil
}

// ==================== Bonus models ====================

type templateModel struct {
	grove.BaseModel `grove:"table:funnel_bonus_templates"`

	ID                   string              `grove:"id,pk"`
	Name                 string              `grove:"name"`
	Amount               decimal.Decimal     `grove:"amount"`
	ExpiresAt            *int64              `grove:"expires_at"`
	ExpiresInHours       *int                `grove:"expires_in_hours"`
	ConditionGenerations *int                `grove:"condition_generations"`
	ConditionTopUpAmount decimal.NullDecimal `grove:"condition_top_up_amount"`
	Message              string              `grove:"message"`
	CreatedAt            int64               `grove:"created_at"`
	UpdatedAt            int64               `grove:"updated_at"`
}

func toTemplateModel(t *bonus.Template) *templateModel {
	return &templateModel{
		ID:                   t.ID.String(),
		Name:                 t.Name,
		Amount:               t.Amount,
		ExpiresAt:            toNanosPtr(t.ExpiresAt),
		ExpiresInHours:       t.ExpiresInHours,
		ConditionGenerations: t.ConditionGenerations,
		ConditionTopUpAmount: t.ConditionTopUpAmount,
		Message:              t.Message,
		CreatedAt:            toNanos(t.CreatedAt),
		UpdatedAt:            toNanos(t.UpdatedAt),
	}
}

func fromTemplateModel(m *templateModel) (*bonus.Template, error) {
	templateID, err := id.ParseTemplateID(m.ID)
	if err != nil {
		return nil, err
	}
	return &bonus.Template{
		Entity: types.Entity{
			CreatedAt: fromNanos(m.CreatedAt),
			UpdatedAt: fromNanos(m.UpdatedAt),
		},
		ID:                   templateID,
		Name:                 m.Name,
		Amount:               m.Amount,
		ExpiresAt:            fromNanosPtr(m.ExpiresAt),
		ExpiresInHours:       m.ExpiresInHours,
		ConditionGenerations: m.ConditionGenerations,
		ConditionTopUpAmount: m.ConditionTopUpAmount,
		Message:              m.Message,
	}, nil
}

type bonusModel struct {
	grove.BaseModel `grove:"table:funnel_bonuses"`

	ID                  string              `grove:"id,pk"`
	UserID              string              `grove:"user_id"`
	TemplateID          string              `grove:"template_id"`
	Amount              decimal.Decimal     `grove:"amount"`
	Deadline            int64               `grove:"deadline"`
	GenerationsRequired *int                `grove:"generations_required"`
	TopUpAmountRequired decimal.NullDecimal `grove:"top_up_amount_required"`
	GenerationsMade     int                 `grove:"generations_made"`
	TopUpMade           decimal.Decimal     `grove:"top_up_made"`
	Status              string              `grove:"status"`
	RevokedAmount       decimal.Decimal     `grove:"revoked_amount"`
	CreatedAt           int64               `grove:"created_at"`
	UpdatedAt           int64               `grove:"updated_at"`
}

func toBonusModel(b *bonus.Bonus) *bonusModel {
	return &bonusModel{
		ID:                  b.ID.String(),
		UserID:              b.UserID.String(),
		TemplateID:          b.TemplateID.String(),
		Amount:              b.Amount,
		Deadline:            toNanos(b.Deadline),
		GenerationsRequired: b.GenerationsRequired,
		TopUpAmountRequired: b.TopUpAmountRequired,
		GenerationsMade:     b.GenerationsMade,
		TopUpMade:           b.TopUpMade,
		Status:              string(b.Status),
		RevokedAmount:       b.RevokedAmount,
		CreatedAt:           toNanos(b.CreatedAt),
		UpdatedAt:           toNanos(b.UpdatedAt),
	}
}

func fromBonusModel(m *bonusModel) (*bonus.Bonus, error) {
	bonusID, err := id.ParseBonusID(m.ID)
	if err != nil {
		return nil, err
	}
	userID, err := id.ParseUserID(m.UserID)
	if err != nil {
		return nil, err
	}
	templateID, err := parseOptional(m.TemplateID)
	if err != nil {
		return nil, err
	}
	return &bonus.Bonus{
		Entity: types.Entity{
			CreatedAt: fromNanos(m.CreatedAt),
			UpdatedAt: fromNanos(m.UpdatedAt),
		},
		ID:                  bonusID,
		UserID:              userID,
		TemplateID:          templateID,
		Amount:              m.Amount,
		Deadline:            fromNanos(m.Deadline),
		GenerationsRequired: m.GenerationsRequired,
		TopUpAmountRequired: m.TopUpAmountRequired,
		GenerationsMade:     m.GenerationsMade,
		TopUpMade:           m.TopUpMade,
		Status:              bonus.Status(m.Status),
		RevokedAmount:       m.RevokedAmount,
	}, nil
}

// ==================== Cost models ====================

type tariffModel struct {
	grove.BaseModel `grove:"table:funnel_tariffs"`

	ModelID          string              `grove:"model_id,pk"`
	Name             string              `grove:"name"`
	InputPrice       decimal.Decimal     `grove:"input_price"`
	OutputPrice      decimal.Decimal     `grove:"output_price"`
	OutputImagePrice decimal.NullDecimal `grove:"output_image_price"`
	ModelMargin      decimal.Decimal     `grove:"model_margin"`
	CreditPriceUSD   decimal.NullDecimal `grove:"credit_price_usd"`
	InputTokens      int64               `grove:"input_tokens"`
	LowResTokens     int64               `grove:"low_res_tokens"`
	HighResTokens    int64               `grove:"high_res_tokens"`
	IsActive         bool                `grove:"is_active"`
}

func toTariffModel(t *cost.Tariff) *tariffModel {
	return &tariffModel{
		ModelID:          t.ModelID,
		Name:             t.Name,
		InputPrice:       t.InputPrice,
		OutputPrice:      t.OutputPrice,
		OutputImagePrice: t.OutputImagePrice,
		ModelMargin:      t.ModelMargin,
		CreditPriceUSD:   t.CreditPriceUSD,
		InputTokens:      t.InputTokens,
		LowResTokens:     t.LowResTokens,
		HighResTokens:    t.HighResTokens,
		IsActive:         t.IsActive,
	}
}

func fromTariffModel(m *tariffModel) *cost.Tariff {
	return &cost.Tariff{
		ModelID:          m.ModelID,
		Name:             m.Name,
		InputPrice:       m.InputPrice,
		OutputPrice:      m.OutputPrice,
		OutputImagePrice: m.OutputImagePrice,
		ModelMargin:      m.ModelMargin,
		CreditPriceUSD:   m.CreditPriceUSD,
		InputTokens:      m.InputTokens,
		LowResTokens:     m.LowResTokens,
		HighResTokens:    m.HighResTokens,
		IsActive:         m.IsActive,
	}
}

type settingsModel struct {
	grove.BaseModel `grove:"table:funnel_settings"`

	ID            int             `grove:"id,pk"`
	SystemMargin  decimal.Decimal `grove:"system_margin"`
	CreditsPerUSD decimal.Decimal `grove:"credits_per_usd"`
	USDRUBRate    decimal.Decimal `grove:"usd_rub_rate"`
	UpdatedAt     int64           `grove:"updated_at"`
}

const settingsRow = 1

// ==================== Helpers ====================

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func toNanosPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	n := toNanos(*t)
	return &n
}

func fromNanosPtr(n *int64) *time.Time {
	if n == nil {
		return nil
	}
	t := fromNanos(*n)
	return &t
}

// encodeJSON marshals v, writing empty for nil values.
func encodeJSON(v any, empty string) string {
	raw, err := json.Marshal(v)
	if err != nil || string(raw) == "null" {
		return empty
	}
	return string(raw)
}

func decodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

func encodeLogic(conds []condition.Condition, acts []action.Action) (string, string, error) {
	c, err := json.Marshal(conds)
	if err != nil {
		return "", "", err
	}
	a, err := json.Marshal(acts)
	if err != nil {
		return "", "", err
	}
	return string(c), string(a), nil
}

func decodeLogic(rawConds, rawActs string) ([]condition.Condition, []action.Action, error) {
	var (
		conds []condition.Condition
		acts  []action.Action
	)
	if err := decodeJSON(rawConds, &conds); err != nil {
		return nil, nil, err
	}
	if err := decodeJSON(rawActs, &acts); err != nil {
		return nil, nil, err
	}
	return conds, acts, nil
}

// parseOptional parses an ID column that may be empty.
func parseOptional(s string) (id.ID, error) {
	if s == "" {
		return id.Nil, nil
	}
	return id.Parse(s)
}
