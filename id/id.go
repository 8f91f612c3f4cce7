// Package id defines TypeID-based identity types for funnel entities.
//
// Every entity uses a single ID struct with a prefix that identifies its
// kind. IDs are K-sortable (UUIDv7-based), globally unique and URL-safe in
// the format "prefix_suffix", so cursor pagination can order by ID.
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in a TypeID.
type Prefix string

// Prefix constants for funnel entity types.
const (
	PrefixUser        Prefix = "usr"  // End user with a credit balance
	PrefixTransaction Prefix = "txn"  // Ledger transaction
	PrefixVersion     Prefix = "fsmv" // Lifecycle graph version
	PrefixState       Prefix = "fsms" // Lifecycle state
	PrefixTransition  Prefix = "fsmt" // Lifecycle transition
	PrefixHistory     Prefix = "hist" // Lifecycle history entry
	PrefixRule        Prefix = "rule" // Rule engine rule
	PrefixAction      Prefix = "act"  // Transition or rule action
	PrefixOverlay     Prefix = "ovl"  // Promotional overlay
	PrefixBonus       Prefix = "bns"  // Burnable bonus grant
	PrefixTemplate    Prefix = "btpl" // Burnable bonus template
)

// ID is the primary identifier type for all funnel entities.
// It wraps a TypeID providing a prefix-qualified, globally unique,
// sortable, URL-safe identifier in the format "prefix_suffix".
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receivers for UnmarshalText/Scan.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates a new globally unique ID with the given prefix.
// It panics if prefix is not a valid TypeID prefix (programming error).
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}

	return ID{inner: tid, valid: true}
}

// Parse parses a TypeID string (e.g., "usr_01h2xcejqtf2nbrexx3vqjhp41")
// into an ID. Returns an error if the string is not valid.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}

	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}

	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses a TypeID string and validates that its prefix
// matches the expected value.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}

	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}

	return parsed, nil
}

// MustParse is like Parse but panics on error. Use for hardcoded ID values.
func MustParse(s string) ID {
	parsed, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse %q: %v", s, err))
	}

	return parsed
}

// MustParseWithPrefix is like ParseWithPrefix but panics on error.
func MustParseWithPrefix(s string, expected Prefix) ID {
	parsed, err := ParseWithPrefix(s, expected)
	if err != nil {
		panic(fmt.Sprintf("id: must parse with prefix %q: %v", expected, err))
	}

	return parsed
}

// ──────────────────────────────────────────────────
// Type aliases
// ──────────────────────────────────────────────────

// UserID identifies a user (prefix: "usr").
type UserID = ID

// TransactionID identifies a ledger transaction (prefix: "txn").
type TransactionID = ID

// VersionID identifies a lifecycle graph version (prefix: "fsmv").
type VersionID = ID

// StateID identifies a lifecycle state (prefix: "fsms").
type StateID = ID

// TransitionID identifies a lifecycle transition (prefix: "fsmt").
type TransitionID = ID

// HistoryID identifies a lifecycle history entry (prefix: "hist").
type HistoryID = ID

// RuleID identifies a rule (prefix: "rule").
type RuleID = ID

// ActionID identifies an action (prefix: "act").
type ActionID = ID

// OverlayID identifies an overlay (prefix: "ovl").
type OverlayID = ID

// BonusID identifies a burnable bonus grant (prefix: "bns").
type BonusID = ID

// TemplateID identifies a bonus template (prefix: "btpl").
type TemplateID = ID

// AnyID accepts any valid prefix.
type AnyID = ID

// ──────────────────────────────────────────────────
// Convenience constructors
// ──────────────────────────────────────────────────

func NewUserID() ID        { return New(PrefixUser) }
func NewTransactionID() ID { return New(PrefixTransaction) }
func NewVersionID() ID     { return New(PrefixVersion) }
func NewStateID() ID       { return New(PrefixState) }
func NewTransitionID() ID  { return New(PrefixTransition) }
func NewHistoryID() ID     { return New(PrefixHistory) }
func NewRuleID() ID        { return New(PrefixRule) }
func NewActionID() ID      { return New(PrefixAction) }
func NewOverlayID() ID     { return New(PrefixOverlay) }
func NewBonusID() ID       { return New(PrefixBonus) }
func NewTemplateID() ID    { return New(PrefixTemplate) }

// ──────────────────────────────────────────────────
// Convenience parsers
// ──────────────────────────────────────────────────

// ParseUserID parses a string and validates the "usr" prefix.
func ParseUserID(s string) (ID, error) { return ParseWithPrefix(s, PrefixUser) }

// ParseVersionID parses a string and validates the "fsmv" prefix.
func ParseVersionID(s string) (ID, error) { return ParseWithPrefix(s, PrefixVersion) }

// ParseStateID parses a string and validates the "fsms" prefix.
func ParseStateID(s string) (ID, error) { return ParseWithPrefix(s, PrefixState) }

// ParseRuleID parses a string and validates the "rule" prefix.
func ParseRuleID(s string) (ID, error) { return ParseWithPrefix(s, PrefixRule) }

// ParseOverlayID parses a string and validates the "ovl" prefix.
func ParseOverlayID(s string) (ID, error) { return ParseWithPrefix(s, PrefixOverlay) }

// ParseBonusID parses a string and validates the "bns" prefix.
func ParseBonusID(s string) (ID, error) { return ParseWithPrefix(s, PrefixBonus) }

// ParseTemplateID parses a string and validates the "btpl" prefix.
func ParseTemplateID(s string) (ID, error) { return ParseWithPrefix(s, PrefixTemplate) }

// ParseAny parses a string into an ID without checking the prefix.
func ParseAny(s string) (ID, error) { return Parse(s) }

// Less orders IDs by their string form, which for TypeIDs of the same
// prefix is creation order.
func Less(a, b ID) bool { return a.String() < b.String() }

// ──────────────────────────────────────────────────
// ID methods
// ──────────────────────────────────────────────────

// String returns the full TypeID string representation (prefix_suffix).
// Returns an empty string for the Nil ID.
func (i ID) String() string {
	if !i.valid {
		return ""
	}

	return i.inner.String()
}

// Prefix returns the prefix component of this ID.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}

	return Prefix(i.inner.Prefix())
}

// IsNil reports whether this ID is the zero value.
func (i ID) IsNil() bool {
	return !i.valid
}

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}

	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil

		return nil
	}

	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}

	*i = parsed

	return nil
}

// Value implements driver.Valuer for database storage.
// Returns nil for the Nil ID so that optional foreign key columns store NULL.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // nil is the canonical NULL for driver.Valuer
	}

	return i.inner.String(), nil
}

// Scan implements sql.Scanner for database retrieval.
func (i *ID) Scan(src any) error {
	if src == nil {
		*i = Nil

		return nil
	}

	switch v := src.(type) {
	case string:
		if v == "" {
			*i = Nil

			return nil
		}

		return i.UnmarshalText([]byte(v))
	case []byte:
		if len(v) == 0 {
			*i = Nil

			return nil
		}

		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}
