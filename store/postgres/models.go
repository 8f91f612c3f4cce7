package postgres

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

// ==================== User models ====================

type userModel struct {
	grove.BaseModel `grove:"table:funnel_users"`

	ID              string          `grove:"id,pk"`
	ExternalID      string          `grove:"external_id"`
	Credits         decimal.Decimal `grove:"credits"`
	ReservedCredits decimal.Decimal `grove:"reserved_credits"`
	TotalGenerated  int64           `grove:"total_generated"`
	Tags            []string        `grove:"tags,type:jsonb"`
	LifecycleState  string          `grove:"lifecycle_state"`
	LastActiveAt    time.Time       `grove:"last_active_at"`
	Version         int64           `grove:"version"`
	CreatedAt       time.Time       `grove:"created_at"`
	UpdatedAt       time.Time       `grove:"updated_at"`
}

func toUserModel(u *user.User) *userModel {
	tags := u.Tags
	if tags == nil {
		tags = []string{}
	}
	return &userModel{
		ID:              u.ID.String(),
		ExternalID:      u.ExternalID,
		Credits:         u.Credits,
		ReservedCredits: u.ReservedCredits,
		TotalGenerated:  u.TotalGenerated,
		Tags:            tags,
		LifecycleState:  u.LifecycleState,
		LastActiveAt:    u.LastActiveAt,
		Version:         u.Version,
		CreatedAt:       u.CreatedAt,
		UpdatedAt:       u.UpdatedAt,
	}
}

func fromUserModel(m *userModel) (*user.User, error) {
	userID, err := id.ParseUserID(m.ID)
	if err != nil {
		return nil, err
	}
	return &user.User{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:              userID,
		ExternalID:      m.ExternalID,
		Credits:         m.Credits,
		ReservedCredits: m.ReservedCredits,
		TotalGenerated:  m.TotalGenerated,
		Tags:            m.Tags,
		LifecycleState:  m.LifecycleState,
		LastActiveAt:    m.LastActiveAt,
		Version:         m.Version,
	}, nil
}

type transactionModel struct {
	grove.BaseModel `grove:"table:funnel_transactions"`

	ID            string            `grove:"id,pk"`
	UserID        string            `grove:"user_id"`
	Type          string            `grove:"type"`
	CreditsAdded  decimal.Decimal   `grove:"credits_added"`
	PaymentMethod string            `grove:"payment_method"`
	Status        string            `grove:"status"`
	RefID         string            `grove:"ref_id"`
	Metadata      map[string]string `grove:"metadata,type:jsonb"`
	CreatedAt     time.Time         `grove:"created_at"`
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
	return &user.Transaction{
		ID:            txID,
		UserID:        userID,
		Type:          user.TxType(m.Type),
		CreditsAdded:  m.CreditsAdded,
		PaymentMethod: m.PaymentMethod,
		Status:        user.Status(m.Status),
		RefID:         m.RefID,
		Metadata:      m.Metadata,
		CreatedAt:     m.CreatedAt,
	}, nil
}

// ==================== Lifecycle models ====================

type versionModel struct {
	grove.BaseModel `grove:"table:funnel_fsm_versions"`

	ID          string    `grove:"id,pk"`
	Name        string    `grove:"name"`
	Number      int       `grove:"number"`
	Description string    `grove:"description"`
	IsActive    bool      `grove:"is_active"`
	CreatedAt   time.Time `grove:"created_at"`
	UpdatedAt   time.Time `grove:"updated_at"`
}

func toVersionModel(v *fsm.Version) *versionModel {
	return &versionModel{
		ID:          v.ID.String(),
		Name:        v.Name,
		Number:      v.Number,
		Description: v.Description,
		IsActive:    v.IsActive,
		CreatedAt:   v.CreatedAt,
		UpdatedAt:   v.UpdatedAt,
	}
}

func fromVersionModel(m *versionModel) (*fsm.Version, error) {
	versionID, err := id.ParseVersionID(m.ID)
	if err != nil {
		return nil, err
	}
	return &fsm.Version{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
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

	ID             string          `grove:"id,pk"`
	VersionID      string          `grove:"version_id"`
	FromStateID    string          `grove:"from_state_id"`
	ToStateID      string          `grove:"to_state_id"`
	TriggerEvent   string          `grove:"trigger_event"`
	Priority       int             `grove:"priority"`
	TimeoutMinutes int             `grove:"timeout_minutes"`
	Conditions     json.RawMessage `grove:"conditions,type:jsonb"`
	Actions        json.RawMessage `grove:"actions,type:jsonb"`
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

	UserID    string    `grove:"user_id,pk"`
	StateID   string    `grove:"state_id"`
	VersionID string    `grove:"version_id"`
	EnteredAt time.Time `grove:"entered_at"`
	Version   int64     `grove:"version"`
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
		EnteredAt: m.EnteredAt,
		Version:   m.Version,
	}, nil
}

type historyModel struct {
	grove.BaseModel `grove:"table:funnel_fsm_history"`

	ID           string    `grove:"id,pk"`
	UserID       string    `grove:"user_id"`
	VersionID    string    `grove:"version_id"`
	FromStateID  string    `grove:"from_state_id"`
	ToStateID    string    `grove:"to_state_id"`
	TriggerEvent string    `grove:"trigger_event"`
	TransitionID string    `grove:"transition_id"`
	ActionsTaken []string  `grove:"actions_taken,type:jsonb"`
	At           time.Time `grove:"at"`
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
	return &fsm.History{
		ID:           historyID,
		UserID:       userID,
		VersionID:    versionID,
		FromStateID:  fromID,
		ToStateID:    toID,
		TriggerEvent: m.TriggerEvent,
		TransitionID: transitionID,
		ActionsTaken: m.ActionsTaken,
		At:           m.At,
	}, nil
}

// ==================== Rule models ====================

type ruleModel struct {
	grove.BaseModel `grove:"table:funnel_rules"`

	ID          string          `grove:"id,pk"`
	Name        string          `grove:"name"`
	Description string          `grove:"description"`
	Trigger     string          `grove:"trigger_event"`
	Priority    int             `grove:"priority"`
	IsActive    bool            `grove:"is_active"`
	Conditions  json.RawMessage `grove:"conditions,type:jsonb"`
	Actions     json.RawMessage `grove:"actions,type:jsonb"`
	CreatedAt   time.Time       `grove:"created_at"`
	UpdatedAt   time.Time       `grove:"updated_at"`
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
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
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
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
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

	ID        string            `grove:"id,pk"`
	UserID    string            `grove:"user_id"`
	Type      string            `grove:"type"`
	State     string            `grove:"state"`
	ExpiresAt *time.Time        `grove:"expires_at"`
	Metadata  map[string]string `grove:"metadata,type:jsonb"`
	CreatedAt time.Time         `grove:"created_at"`
	UpdatedAt time.Time         `grove:"updated_at"`
}

func toOverlayModel(o *overlay.Overlay) *overlayModel {
	return &overlayModel{
		ID:        o.ID.String(),
		UserID:    o.UserID.String(),
		Type:      string(o.Type),
		State:     string(o.State),
		ExpiresAt: o.ExpiresAt,
		Metadata:  o.Metadata,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
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
	return &overlay.Overlay{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:        overlayID,
		UserID:    userID,
		Type:      overlay.Type(m.Type),
		State:     overlay.State(m.State),
		ExpiresAt: m.ExpiresAt,
		Metadata:  m.Metadata,
	}, nil
}

// ==================== Bonus models ====================

type templateModel struct {
	grove.BaseModel `grove:"table:funnel_bonus_templates"`

	ID                   string              `grove:"id,pk"`
	Name                 string              `grove:"name"`
	Amount               decimal.Decimal     `grove:"amount"`
	ExpiresAt            *time.Time          `grove:"expires_at"`
	ExpiresInHours       *int                `grove:"expires_in_hours"`
	ConditionGenerations *int                `grove:"condition_generations"`
	ConditionTopUpAmount decimal.NullDecimal `grove:"condition_top_up_amount"`
	Message              string              `grove:"message"`
	CreatedAt            time.Time           `grove:"created_at"`
	UpdatedAt            time.Time           `grove:"updated_at"`
}

func toTemplateModel(t *bonus.Template) *templateModel {
	return &templateModel{
		ID:                   t.ID.String(),
		Name:                 t.Name,
		Amount:               t.Amount,
		ExpiresAt:            t.ExpiresAt,
		ExpiresInHours:       t.ExpiresInHours,
		ConditionGenerations: t.ConditionGenerations,
		ConditionTopUpAmount: t.ConditionTopUpAmount,
		Message:              t.Message,
		CreatedAt:            t.CreatedAt,
		UpdatedAt:            t.UpdatedAt,
	}
}

func fromTemplateModel(m *templateModel) (*bonus.Template, error) {
	templateID, err := id.ParseTemplateID(m.ID)
	if err != nil {
		return nil, err
	}
	return &bonus.Template{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                   templateID,
		Name:                 m.Name,
		Amount:               m.Amount,
		ExpiresAt:            m.ExpiresAt,
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
	Deadline            time.Time           `grove:"deadline"`
	GenerationsRequired *int                `grove:"generations_required"`
	TopUpAmountRequired decimal.NullDecimal `grove:"top_up_amount_required"`
	GenerationsMade     int                 `grove:"generations_made"`
	TopUpMade           decimal.Decimal     `grove:"top_up_made"`
	Status              string              `grove:"status"`
	RevokedAmount       decimal.Decimal     `grove:"revoked_amount"`
	CreatedAt           time.Time           `grove:"created_at"`
	UpdatedAt           time.Time           `grove:"updated_at"`
}

func toBonusModel(b *bonus.Bonus) *bonusModel {
	return &bonusModel{
		ID:                  b.ID.String(),
		UserID:              b.UserID.String(),
		TemplateID:          b.TemplateID.String(),
		Amount:              b.Amount,
		Deadline:            b.Deadline,
		GenerationsRequired: b.GenerationsRequired,
		TopUpAmountRequired: b.TopUpAmountRequired,
		GenerationsMade:     b.GenerationsMade,
		TopUpMade:           b.TopUpMade,
		Status:              string(b.Status),
		RevokedAmount:       b.RevokedAmount,
		CreatedAt:           b.CreatedAt,
		UpdatedAt:           b.UpdatedAt,
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
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                  bonusID,
		UserID:              userID,
		TemplateID:          templateID,
		Amount:              m.Amount,
		Deadline:            m.Deadline,
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

// settingsModel is a single-row table keyed by settingsRow.
type settingsModel struct {
	grove.BaseModel `grove:"table:funnel_settings"`

	ID            int             `grove:"id,pk"`
	SystemMargin  decimal.Decimal `grove:"system_margin"`
	CreditsPerUSD decimal.Decimal `grove:"credits_per_usd"`
	USDRUBRate    decimal.Decimal `grove:"usd_rub_rate"`
	UpdatedAt     time.Time       `grove:"updated_at"`
}

const settingsRow = 1

// ==================== Helpers ====================

func encodeLogic(conds []condition.Condition, acts []action.Action) (json.RawMessage, json.RawMessage, error) {
	if conds == nil {
		conds = []condition.Condition{}
	}
	if acts == nil {
		acts = []action.Action{}
	}
	c, err := json.Marshal(conds)
	if err != nil {
		return nil, nil, err
	}
	a, err := json.Marshal(acts)
	if err != nil {
		return nil, nil, err
	}
	return c, a, nil
}

func decodeLogic(rawConds, rawActs json.RawMessage) ([]condition.Condition, []action.Action, error) {
	var (
		conds []condition.Condition
		acts  []action.Action
	)
	if len(rawConds) > 0 {
		if err := json.Unmarshal(rawConds, &conds); err != nil {
			return nil, nil, err
		}
	}
	if len(rawActs) > 0 {
		if err := json.Unmarshal(rawActs, &acts); err != nil {
			return nil, nil, err
		}
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
