// Package action defines the side effects attached to lifecycle transitions
// and rules.
//
// An Action carries a Type and a typed Config. Configs are decoded and
// validated when definitions are loaded, so execution never sees an unknown
// type or a malformed payload.
package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/overlay"
)

// Type names an action variant.
type Type string

// Action types.
const (
	TypeSendMessage         Type = "SEND_MESSAGE"
	TypeGrantBurnableBonus  Type = "GRANT_BURNABLE_BONUS"
	TypeGrantBonus          Type = "GRANT_BONUS"
	TypeTagUser             Type = "TAG_USER"
	TypeForceShowTripwire   Type = "FORCE_SHOW_TRIPWIRE"
	TypeForceSpecialOffer   Type = "FORCE_SPECIAL_OFFER"
	TypeForceEnableReferral Type = "FORCE_ENABLE_REFERRAL"
	TypeActivateOverlay     Type = "ACTIVATE_OVERLAY"
	TypeDeactivateOverlay   Type = "DEACTIVATE_OVERLAY"
	TypeNoOp                Type = "NO_OP"
)

// ErrUnknownType is returned when decoding an unregistered action type.
var ErrUnknownType = errors.New("action: unknown type")

// Config is the typed payload of an action.
type Config interface {
	Validate() error
}

// Action is one step executed after a transition or rule match.
type Action struct {
	ID     id.ActionID `json:"id"`
	Type   Type        `json:"type"`
	Order  int         `json:"order"`
	Config Config      `json:"config"`
}

// SendMessage sends a text to the user, optionally with a payment link.
type SendMessage struct {
	Text          string `json:"text"`
	PackageID     string `json:"package_id,omitempty"`
	PaymentMethod string `json:"payment_method,omitempty"`
}

func (c *SendMessage) Validate() error {
	if strings.TrimSpace(c.Text) == "" {
		return errors.New("text is required")
	}
	return nil
}

// GrantBonus grants a burnable bonus from a template, addressed by ID or name.
type GrantBonus struct {
	Template string `json:"template"`
}

func (c *GrantBonus) Validate() error {
	if c.Template == "" {
		return errors.New("template is required")
	}
	return nil
}

// TagUser adds or removes a user tag.
type TagUser struct {
	Tag    string `json:"tag"`
	Remove bool   `json:"remove,omitempty"`
}

func (c *TagUser) Validate() error {
	if strings.TrimSpace(c.Tag) == "" {
		return errors.New("tag is required")
	}
	return nil
}

// Offer carries the presentation shared by overlay-activating actions.
type Offer struct {
	ExpiresInHours int               `json:"expires_in_hours,omitempty"`
	Message        string            `json:"message,omitempty"`
	PackageID      string            `json:"package_id,omitempty"`
	PaymentMethod  string            `json:"payment_method,omitempty"`
	Silent         bool              `json:"silent,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func (o Offer) validate() error {
	if o.ExpiresInHours < 0 {
		return errors.New("expires_in_hours must not be negative")
	}
	return nil
}

// ForceShowTripwire activates the tripwire overlay without the eligibility
// check.
type ForceShowTripwire struct {
	Offer
}

func (c *ForceShowTripwire) Validate() error { return c.validate() }

// ForceSpecialOffer activates a special offer overlay.
type ForceSpecialOffer struct {
	Offer
	OfferID string `json:"offer_id"`
}

func (c *ForceSpecialOffer) Validate() error {
	if c.OfferID == "" {
		return errors.New("offer_id is required")
	}
	return c.validate()
}

// ForceEnableReferral unlocks the referral overlay.
type ForceEnableReferral struct {
	Offer
}

func (c *ForceEnableReferral) Validate() error { return c.validate() }

// ActivateOverlay activates an overlay of any type.
type ActivateOverlay struct {
	Offer
	OverlayType overlay.Type `json:"overlay_type"`
}

func (c *ActivateOverlay) Validate() error {
	if !c.OverlayType.Valid() {
		return fmt.Errorf("unknown overlay_type %q", c.OverlayType)
	}
	return c.validate()
}

// DeactivateOverlay expires the live overlay of a type.
type DeactivateOverlay struct {
	OverlayType overlay.Type `json:"overlay_type"`
}

func (c *DeactivateOverlay) Validate() error {
	if !c.OverlayType.Valid() {
		return fmt.Errorf("unknown overlay_type %q", c.OverlayType)
	}
	return nil
}

// NoOp does nothing. It lets a transition move state without side effects.
type NoOp struct{}

func (*NoOp) Validate() error { return nil }

var registry = map[Type]func() Config{
	TypeSendMessage:         func() Config { return &SendMessage{} },
	TypeGrantBurnableBonus:  func() Config { return &GrantBonus{} },
	TypeGrantBonus:          func() Config { return &GrantBonus{} },
	TypeTagUser:             func() Config { return &TagUser{} },
	TypeForceShowTripwire:   func() Config { return &ForceShowTripwire{} },
	TypeForceSpecialOffer:   func() Config { return &ForceSpecialOffer{} },
	TypeForceEnableReferral: func() Config { return &ForceEnableReferral{} },
	TypeActivateOverlay:     func() Config { return &ActivateOverlay{} },
	TypeDeactivateOverlay:   func() Config { return &DeactivateOverlay{} },
	TypeNoOp:                func() Config { return &NoOp{} },
}

// Valid reports whether t is a known action type.
func (t Type) Valid() bool {
	_, ok := registry[t]
	return ok
}

// Decode builds and validates the Config for t from its JSON encoding.
// An empty payload decodes to the zero config.
func Decode(t Type, raw []byte) (Config, error) {
	newFn, ok := registry[t]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownType, t)
	}
	cfg := newFn()
	if len(raw) > 0 && string(raw) != "null" {
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("action %s: decode config: %w", t, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("action %s: %w", t, err)
	}
	return cfg, nil
}

// DecodeMap builds a Config from a generic map such as one read from YAML or
// a document store.
func DecodeMap(t Type, m map[string]any) (Config, error) {
	if len(m) == 0 {
		return Decode(t, nil)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("action %s: encode config: %w", t, err)
	}
	return Decode(t, raw)
}

// New builds a validated action with a fresh ID.
func New(t Type, order int, cfg Config) (Action, error) {
	if cfg == nil {
		cfg = &NoOp{}
	}
	if !t.Valid() {
		return Action{}, fmt.Errorf("%w %q", ErrUnknownType, t)
	}
	if err := cfg.Validate(); err != nil {
		return Action{}, fmt.Errorf("action %s: %w", t, err)
	}
	return Action{ID: id.NewActionID(), Type: t, Order: order, Config: cfg}, nil
}

// Validate checks the action type and config.
func (a Action) Validate() error {
	if !a.Type.Valid() {
		return fmt.Errorf("%w %q", ErrUnknownType, a.Type)
	}
	if a.Config == nil {
		return fmt.Errorf("action %s: missing config", a.Type)
	}
	return a.Config.Validate()
}

type wireAction struct {
	ID     id.ActionID     `json:"id"`
	Type   Type            `json:"type"`
	Order  int             `json:"order"`
	Config json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON decodes the config according to the type field.
func (a *Action) UnmarshalJSON(data []byte) error {
	var w wireAction
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	cfg, err := Decode(w.Type, w.Config)
	if err != nil {
		return err
	}
	*a = Action{ID: w.ID, Type: w.Type, Order: w.Order, Config: cfg}
	return nil
}

// ConfigMap returns the config as a generic map for document stores.
func (a Action) ConfigMap() (map[string]any, error) {
	raw, err := json.Marshal(a.Config)
	if err != nil {
		return nil, err
	}
	m := map[string]any{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Sorted returns a copy of actions ordered by Order, stable for ties.
func Sorted(actions []Action) []Action {
	out := make([]Action, len(actions))
	copy(out, actions)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// ValidateAll validates every action in the list.
func ValidateAll(actions []Action) error {
	for i, a := range actions {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	return nil
}
