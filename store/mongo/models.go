package mongo

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

// Amounts are kept as decimal strings. Conditions and actions carry
// open-typed values and are stored as JSON documents.

// ==================== User models ====================

type userModel struct {
	grove.BaseModel `grove:"table:funnel_users"`

	ID              string    `grove:"id,pk"            bson:"_id"`
	ExternalID      string    `grove:"external_id"      bson:"external_id,omitempty"`
	Credits         string    `grove:"credits"          bson:"credits"`
	ReservedCredits string    `grove:"reserved_credits" bson:"reserved_credits"`
	TotalGenerated  int64     `grove:"total_generated"  bson:"total_generated"`
	Tags            []string  `grove:"tags"             bson:"tags"`
	LifecycleState  string    `grove:"lifecycle_state"  bson:"lifecycle_state"`
	LastActiveAt    time.Time `grove:"last_active_at"   bson:"last_active_at"`
	Version         int64     `grove:"version"          bson:"version"`
	CreatedAt       time.Time `grove:"created_at"       bson:"created_at"`
	UpdatedAt       time.Time `grove:"updated_at"       bson:"updated_at"`
}

func toUserModel(u *user.User) *userModel {
	tags := u.Tags
	if tags == nil {
		tags = []string{}
	}
	return &userModel{
		ID:              u.ID.String(),
		ExternalID:      u.ExternalID,
		Credits:         u.Credits.String(),
		ReservedCredits: u.ReservedCredits.String(),
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
	credits, err := parseDecimal(m.Credits)
	if err != nil {
		return nil, err
	}
	reserved, err := parseDecimal(m.ReservedCredits)
	if err != nil {
		return nil, err
	}
	var tags []string
	if len(m.Tags) > 0 {
		tags = m.Tags
	}
	return &user.User{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		ID:              userID,
		ExternalID:      m.ExternalID,
		Credits:         credits,
		ReservedCredits: reserved,
		TotalGenerated:  m.TotalGenerated,
		Tags:            tags,
		LifecycleState:  m.LifecycleState,
		LastActiveAt:    m.LastActiveAt.UTC(),
		Version:         m.Version,
	}, nil
}

type transactionModel struct {
	grove.BaseModel `grove:"table:funnel_transactions"`

	ID            string            `grove:"id,pk"          bson:"_id"`
	UserID        string            `grove:"user_id"        bson:"user_id"`
	Type          string            `grove:"type"           bson:"type"`
	CreditsAdded  string            `grove:"credits_added"  bson:"credits_added"`
	PaymentMethod string            `grove:"payment_method" bson:"payment_method,omitempty"`
	Status        string            `grove:"status"         bson:"status"`
	RefID         string            `grove:"ref_id"         bson:"ref_id,omitempty"`
	Metadata      map[string]string `grove:"metadata"       bson:"metadata,omitempty"`
	CreatedAt     time.Time         `grove:"created_at"     bson:"created_at"`
}

func toTransactionModel(tx *user.Transaction) *transactionModel {
	return &transactionModel{
		ID:            tx.ID.String(),
		UserID:        tx.UserID.String(),
		Type:          string(tx.Type),
		CreditsAdded:  tx.CreditsAdded.String(),
		PaymentMethod: tx.PaymentMethod,
		Status:        string(tx.Status),
		RefID:         tx.RefID,
		Metadata:      tx.Metadata,
		CreatedAt:     tx.CreatedAt,
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
	added, err := parseDecimal(m.CreditsAdded)
	if err != nil {
		return nil, err
	}
	return &user.Transaction{
		ID:            txID,
		UserID:        userID,
		Type:          user.TxType(m.Type),
		CreditsAdded:  added,
		PaymentMethod: m.PaymentMethod,
		Status:        user.Status(m.Status),
		RefID:         m.RefID,
		Metadata:      m.Metadata,
		CreatedAt:     m.CreatedAt.UTC(),
	}, nil
}

// ==================== Lifecycle models ====================

type versionModel struct {
	grove.BaseModel `grove:"table:funnel_fsm_versions"`

	ID          string    `grove:"id,pk"       bson:"_id"`
	Name        string    `grove:"name"        bson:"name"`
	Number      int       `grove:"number"      bson:"number"`
	Description string    `grove:"description" bson:"description,omitempty"`
	IsActive    bool      `grove:"is_active"   bson:"is_active"`
	CreatedAt   time.Time `grove:"created_at"  bson:"created_at"`
	UpdatedAt   time.Time `grove:"updated_at"  bson:"updated_at"`
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
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
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

	ID         string `grove:"id,pk"       bson:"_id"`
	VersionID  string `grove:"version_id"  bson:"version_id"`
	Name       string `grove:"name"        bson:"name"`
	Code       string `grove:"code"        bson:"code"`
	IsInitial  bool   `grove:"is_initial"  bson:"is_initial"`
	IsTerminal bool   `grove:"is_terminal" bson:"is_terminal"`
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

	ID             string `grove:"id,pk"           bson:"_id"`
	VersionID      string `grove:"version_id"      bson:"version_id"`
	FromStateID    string `grove:"from_state_id"   bson:"from_state_id"`
	ToStateID      string `grove:"to_state_id"     bson:"to_state_id"`
	TriggerEvent   string `grove:"trigger_event"   bson:"trigger_event"`
	Priority       int    `grove:"priority"        bson:"priority"`
	TimeoutMinutes int    `grove:"timeout_minutes" bson:"timeout_minutes"`
	Conditions     string `grove:"conditions"      bson:"conditions"`
	Actions        string `grove:"actions"         bson:"actions"`
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

// userStateModel is keyed by the user it places.
type userStateModel struct {
	grove.BaseModel `grove:"table:funnel_user_states"`

	UserID    string    `grove:"user_id,pk" bson:"_id"`
	StateID   string    `grove:"state_id"   bson:"state_id"`
	VersionID string    `grove:"version_id" bson:"version_id"`
	EnteredAt time.Time `grove:"entered_at" bson:"entered_at"`
	Version   int64     `grove:"version"    bson:"version"`
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
		EnteredAt: m.EnteredAt.UTC(),
		Version:   m.Version,
	}, nil
}

type historyModel struct {
	grove.BaseModel `grove:"table:funnel_fsm_history"`

	ID           string    `grove:"id,pk"         bson:"_id"`
	UserID       string    `grove:"user_id"       bson:"user_id"`
	VersionID    string    `grove:"version_id"    bson:"version_id"`
	FromStateID  string    `grove:"from_state_id" bson:"from_state_id,omitempty"`
	ToStateID    string    `grove:"to_state_id"   bson:"to_state_id"`
	TriggerEvent string    `grove:"trigger_event" bson:"trigger_event"`
	TransitionID string    `grove:"transition_id" bson:"transition_id,omitempty"`
	ActionsTaken []string  `grove:"actions_taken" bson:"actions_taken,omitempty"`
	At           time.Time `grove:"at"            bson:"at"`
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
		ActionsTaken: h.ActionsTaken,
		At:           h.At,
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
	return &fsm.History{
		ID:           historyID,
		UserID:       userID,
		VersionID:    versionID,
		FromStateID:  fromID,
		ToStateID:    toID,
		TriggerEvent: m.TriggerEvent,
		TransitionID: transitionID,
		ActionsTaken: m.ActionsTaken,
		At:           m.At.UTC(),
	}, nil
}

// ==================== Rule models ====================

type ruleModel struct {
	grove.BaseModel `grove:"table:funnel_rules"`

	ID          string    `grove:"id,pk"         bson:"_id"`
	Name        string    `grove:"name"          bson:"name"`
	Description string    `grove:"description"   bson:"description,omitempty"`
	Trigger     string    `grove:"trigger_event" bson:"trigger_event"`
	Priority    int       `grove:"priority"      bson:"priority"`
	IsActive    bool      `grove:"is_active"     bson:"is_active"`
	Conditions  string    `grove:"conditions"    bson:"conditions"`
	Actions     string    `grove:"actions"       bson:"actions"`
	CreatedAt   time.Time `grove:"created_at"    bson:"created_at"`
	UpdatedAt   time.Time `grove:"updated_at"    bson:"updated_at"`
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
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
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

	ID        string            `grove:"id,pk"      bson:"_id"`
	UserID    string            `grove:"user_id"    bson:"user_id"`
	Type      string            `grove:"type"       bson:"type"`
	State     string            `grove:"state"      bson:"state"`
	LiveKey   string            `grove:"live_key"   bson:"live_key,omitempty"`
	ExpiresAt *time.Time        `grove:"expires_at" bson:"expires_at,omitempty"`
	Metadata  map[string]string `grove:"metadata"   bson:"metadata,omitempty"`
	CreatedAt time.Time         `grove:"created_at" bson:"created_at"`
	UpdatedAt time.Time         `grove:"updated_at" bson:"updated_at"`
}

func toOverlayModel(o *overlay.Overlay) *overlayModel {
	m := &overlayModel{
		ID:        o.ID.String(),
		UserID:    o.UserID.String(),
		Type:      string(o.Type),
		State:     string(o.State),
		ExpiresAt: o.ExpiresAt,
		Metadata:  o.Metadata,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
	if o.State == overlay.StateActive || o.State == overlay.StateEligible {
		m.LiveKey = liveKey(o.UserID, o.Type)
	}
	return m
}

// liveKey is unique among live overlays; it is unset once an overlay ends.
func liveKey(userID id.UserID, t overlay.Type) string {
	return userID.String() + "/" + string(t)
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
	var expires *time.Time
	if m.ExpiresAt != nil {
		t := m.ExpiresAt.UTC()
		expires = &t
	}
	return &overlay.Overlay{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		ID:        overlayID,
		UserID:    userID,
		Type:      overlay.Type(m.Type),
		State:     overlay.State(m.State),
		ExpiresAt: expires,
		Metadata:  m.Metadata,
	}, nil
}

// ==================== Bonus models ====================

type templateModel struct {
	grove.BaseModel `grove:"table:funnel_bonus_templates"`

	ID                   string     `grove:"id,pk"                   bson:"_id"`
	Name                 string     `grove:"name"                    bson:"name"`
	Amount               string     `grove:"amount"                  bson:"amount"`
	ExpiresAt            *time.Time `grove:"expires_at"              bson:"expires_at,omitempty"`
	ExpiresInHours       *int       `grove:"expires_in_hours"        bson:"expires_in_hours,omitempty"`
	ConditionGenerations *int       `grove:"condition_generations"   bson:"condition_generations,omitempty"`
	ConditionTopUpAmount string     `grove:"condition_top_up_amount" bson:"condition_top_up_amount,omitempty"`
	Message              string     `grove:"message"                 bson:"message,omitempty"`
	CreatedAt            time.Time  `grove:"created_at"              bson:"created_at"`
	UpdatedAt            time.Time  `grove:"updated_at"              bson:"updated_at"`
}

func toTemplateModel(t *bonus.Template) *templateModel {
	return &templateModel{
		ID:                   t.ID.String(),
		Name:                 t.Name,
		Amount:               t.Amount.String(),
		ExpiresAt:            t.ExpiresAt,
		ExpiresInHours:       t.ExpiresInHours,
		ConditionGenerations: t.ConditionGenerations,
		ConditionTopUpAmount: nullDecimalString(t.ConditionTopUpAmount),
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
	amount, err := parseDecimal(m.Amount)
	if err != nil {
		return nil, err
	}
	topUp, err := parseNullDecimal(m.ConditionTopUpAmount)
	if err != nil {
		return nil, err
	}
	return &bonus.Template{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		ID:                   templateID,
		Name:                 m.Name,
		Amount:               amount,
		ExpiresAt:            m.ExpiresAt,
		ExpiresInHours:       m.ExpiresInHours,
		ConditionGenerations: m.ConditionGenerations,
		ConditionTopUpAmount: topUp,
		Message:              m.Message,
	}, nil
}

type bonusModel struct {
	grove.BaseModel `grove:"table:funnel_bonuses"`

	ID                  string    `grove:"id,pk"                  bson:"_id"`
	UserID              string    `grove:"user_id"                bson:"user_id"`
	TemplateID          string    `grove:"template_id"            bson:"template_id,omitempty"`
	Amount              string    `grove:"amount"                 bson:"amount"`
	Deadline            time.Time `grove:"deadline"               bson:"deadline"`
	GenerationsRequired *int      `grove:"generations_required"   bson:"generations_required,omitempty"`
	TopUpAmountRequired string    `grove:"top_up_amount_required" bson:"top_up_amount_required,omitempty"`
	GenerationsMade     int       `grove:"generations_made"       bson:"generations_made"`
	TopUpMade           string    `grove:"top_up_made"            bson:"top_up_made"`
	Status              string    `grove:"status"                 bson:"status"`
	RevokedAmount       string    `grove:"revoked_amount"         bson:"revoked_amount"`
	CreatedAt           time.Time `grove:"created_at"             bson:"created_at"`
	UpdatedAt           time.Time `grove:"updated_at"             bson:"updated_at"`
}

func toBonusModel(b *bonus.Bonus) *bonusModel {
	return &bonusModel{
		ID:                  b.ID.String(),
		UserID:              b.UserID.String(),
		TemplateID:          b.TemplateID.String(),
		Amount:              b.Amount.String(),
		Deadline:            b.Deadline,
		GenerationsRequired: b.GenerationsRequired,
		TopUpAmountRequired: nullDecimalString(b.TopUpAmountRequired),
		GenerationsMade:     b.GenerationsMade,
		TopUpMade:           b.TopUpMade.String(),
		Status:              string(b.Status),
		RevokedAmount:       b.RevokedAmount.String(),
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
	amount, err := parseDecimal(m.Amount)
	if err != nil {
		return nil, err
	}
	required, err := parseNullDecimal(m.TopUpAmountRequired)
	if err != nil {
		return nil, err
	}
	made, err := parseDecimal(m.TopUpMade)
	if err != nil {
		return nil, err
	}
	revoked, err := parseDecimal(m.RevokedAmount)
	if err != nil {
		return nil, err
	}
	return &bonus.Bonus{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		ID:                  bonusID,
		UserID:              userID,
		TemplateID:          templateID,
		Amount:              amount,
		Deadline:            m.Deadline.UTC(),
		GenerationsRequired: m.GenerationsRequired,
		TopUpAmountRequired: required,
		GenerationsMade:     m.GenerationsMade,
		TopUpMade:           made,
		Status:              bonus.Status(m.Status),
		RevokedAmount:       revoked,
	}, nil
}

// ==================== Cost models ====================

type tariffModel struct {
	grove.BaseModel `grove:"table:funnel_tariffs"`

	ModelID          string `grove:"model_id,pk"        bson:"_id"`
	Name             string `grove:"name"               bson:"name,omitempty"`
	InputPrice       string `grove:"input_price"        bson:"input_price"`
	OutputPrice      string `grove:"output_price"       bson:"output_price"`
	OutputImagePrice string `grove:"output_image_price" bson:"output_image_price,omitempty"`
	ModelMargin      string `grove:"model_margin"       bson:"model_margin"`
	CreditPriceUSD   string `grove:"credit_price_usd"   bson:"credit_price_usd,omitempty"`
	InputTokens      int64  `grove:"input_tokens"       bson:"input_tokens"`
	LowResTokens     int64  `grove:"low_res_tokens"     bson:"low_res_tokens"`
	HighResTokens    int64  `grove:"high_res_tokens"    bson:"high_res_tokens"`
	IsActive         bool   `grove:"is_active"          bson:"is_active"`
}

func toTariffModel(t *cost.Tariff) *tariffModel {
	return &tariffModel{
		ModelID:          t.ModelID,
		Name:             t.Name,
		InputPrice:       t.InputPrice.String(),
		OutputPrice:      t.OutputPrice.String(),
		OutputImagePrice: nullDecimalString(t.OutputImagePrice),
		ModelMargin:      t.ModelMargin.String(),
		CreditPriceUSD:   nullDecimalString(t.CreditPriceUSD),
		InputTokens:      t.InputTokens,
		LowResTokens:     t.LowResTokens,
		HighResTokens:    t.HighResTokens,
		IsActive:         t.IsActive,
	}
}

func fromTariffModel(m *tariffModel) (*cost.Tariff, error) {
	t := &cost.Tariff{
		ModelID:       m.ModelID,
		Name:          m.Name,
		InputTokens:   m.InputTokens,
		LowResTokens:  m.LowResTokens,
		HighResTokens: m.HighResTokens,
		IsActive:      m.IsActive,
	}
	var err error
	if t.InputPrice, err = parseDecimal(m.InputPrice); err != nil {
		return nil, err
	}
	if t.OutputPrice, err = parseDecimal(m.OutputPrice); err != nil {
		return nil, err
	}
	if t.ModelMargin, err = parseDecimal(m.ModelMargin); err != nil {
		return nil, err
	}
	if t.OutputImagePrice, err = parseNullDecimal(m.OutputImagePrice); err != nil {
		return nil, err
	}
	if t.CreditPriceUSD, err = parseNullDecimal(m.CreditPriceUSD); err != nil {
		return nil, err
	}
	return t, nil
}

type settingsModel struct {
	grove.BaseModel `grove:"table:funnel_settings"`

	ID            string    `grove:"id,pk"           bson:"_id"`
	SystemMargin  string    `grove:"system_margin"   bson:"system_margin"`
	CreditsPerUSD string    `grove:"credits_per_usd" bson:"credits_per_usd"`
	USDRUBRate    string    `grove:"usd_rub_rate"    bson:"usd_rub_rate"`
	UpdatedAt     time.Time `grove:"updated_at"      bson:"updated_at"`
}

const settingsDoc = "global"

// ==================== Helpers ====================

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func parseNullDecimal(s string) (decimal.NullDecimal, error) {
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func nullDecimalString(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.String()
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
	if rawConds != "" {
		if err := json.Unmarshal([]byte(rawConds), &conds); err != nil {
			return nil, nil, err
		}
	}
	if rawActs != "" {
		if err := json.Unmarshal([]byte(rawActs), &acts); err != nil {
			return nil, nil, err
		}
	}
	return conds, acts, nil
}

// parseOptional parses an ID field that may be empty.
func parseOptional(s string) (id.ID, error) {
	if s == "" {
		return id.Nil, nil
	}
	return id.Parse(s)
}
