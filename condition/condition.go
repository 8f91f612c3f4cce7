// Package condition evaluates the field/operator/value conditions shared by
// lifecycle transitions and rules.
//
// Conditions are combined in groups: every condition in a group must match
// (AND) and a condition list matches when any of its groups matches (OR).
// An empty list always matches.
package condition

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Operator compares a resolved field value against a condition value.
type Operator string

// Supported operators.
const (
	OpEq          Operator = "="
	OpNe          Operator = "!="
	OpGt          Operator = ">"
	OpLt          Operator = "<"
	OpGte         Operator = ">="
	OpLte         Operator = "<="
	OpContains    Operator = "CONTAINS"
	OpNotContains Operator = "NOT_CONTAINS"
	OpIn          Operator = "IN"
	OpExists      Operator = "EXISTS"
	OpNotExists   Operator = "NOT_EXISTS"
)

var knownOperators = map[Operator]bool{
	OpEq: true, OpNe: true, OpGt: true, OpLt: true, OpGte: true, OpLte: true,
	OpContains: true, OpNotContains: true, OpIn: true, OpExists: true, OpNotExists: true,
}

// Valid reports whether op is a supported operator.
func (op Operator) Valid() bool { return knownOperators[op] }

// Condition is a single field comparison. GroupID places it in an AND group;
// conditions without a GroupID share the default group.
type Condition struct {
	Field    string   `json:"field"              yaml:"field"              bson:"field"`
	Operator Operator `json:"operator"           yaml:"operator"           bson:"operator"`
	Value    any      `json:"value,omitempty"    yaml:"value,omitempty"    bson:"value,omitempty"`
	GroupID  string   `json:"group_id,omitempty" yaml:"group,omitempty"    bson:"group_id,omitempty"`
}

// Validate checks the condition is well formed.
func (c Condition) Validate() error {
	if strings.TrimSpace(c.Field) == "" {
		return fmt.Errorf("condition: field is required")
	}
	if !c.Operator.Valid() {
		return fmt.Errorf("condition: unknown operator %q on field %q", c.Operator, c.Field)
	}
	if c.Operator != OpExists && c.Operator != OpNotExists && c.Value == nil {
		return fmt.Errorf("condition: operator %s on field %q needs a value", c.Operator, c.Field)
	}
	return nil
}

// ValidateAll validates every condition in the list.
func ValidateAll(conds []Condition) error {
	for i, c := range conds {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}
	return nil
}

// Evaluate reports whether conds match ctx: any group whose conditions all
// match is enough.
func Evaluate(conds []Condition, ctx Context) bool {
	if len(conds) == 0 {
		return true
	}
	for _, group := range Groups(conds) {
		if matchGroup(group, ctx) {
			return true
		}
	}
	return false
}

// Groups splits conds into AND groups, preserving first-appearance order.
func Groups(conds []Condition) [][]Condition {
	index := make(map[string]int)
	var groups [][]Condition
	for _, c := range conds {
		i, ok := index[c.GroupID]
		if !ok {
			i = len(groups)
			index[c.GroupID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], c)
	}
	return groups
}

func matchGroup(group []Condition, ctx Context) bool {
	for _, c := range group {
		if !Match(c, ctx) {
			return false
		}
	}
	return true
}

// Match evaluates a single condition against ctx. Unknown operators and
// non-numeric operands of numeric comparisons fail closed.
func Match(c Condition, ctx Context) bool {
	value, found := ctx.Resolve(c.Field)

	switch c.Operator {
	case OpExists:
		return found && !isNil(value)
	case OpNotExists:
		return !found || isNil(value)
	}
	if !found {
		return false
	}

	switch c.Operator {
	case OpEq:
		return equal(value, c.Value)
	case OpNe:
		return !equal(value, c.Value)
	case OpGt, OpLt, OpGte, OpLte:
		return compareNumeric(value, c.Value, c.Operator)
	case OpContains:
		return contains(value, c.Value)
	case OpNotContains:
		return !contains(value, c.Value)
	case OpIn:
		return contains(c.Value, value)
	default:
		return false
	}
}

func equal(a, b any) bool {
	if ad, ok := toDecimal(a); ok {
		if bd, ok := toDecimal(b); ok {
			return ad.Equal(bd)
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := toBool(b); ok {
			return ab == bb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compareNumeric(a, b any, op Operator) bool {
	ad, aOk := toDecimal(a)
	bd, bOk := toDecimal(b)
	if !aOk || !bOk {
		return false
	}

	cmp := ad.Cmp(bd)
	switch op {
	case OpGt:
		return cmp > 0
	case OpLt:
		return cmp < 0
	case OpGte:
		return cmp >= 0
	case OpLte:
		return cmp <= 0
	default:
		return false
	}
}

// contains reports substring containment for strings, membership for
// slices and key presence for maps.
func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case nil:
		return false
	case string:
		return strings.Contains(h, fmt.Sprint(needle))
	case []string:
		for _, v := range h {
			if equal(v, needle) {
				return true
			}
		}
		return false
	case []any:
		for _, v := range h {
			if equal(v, needle) {
				return true
			}
		}
		return false
	case map[string]any:
		_, ok := h[fmt.Sprint(needle)]
		return ok
	}

	rv := reflect.ValueOf(haystack)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := range rv.Len() {
			if equal(rv.Index(i).Interface(), needle) {
				return true
			}
		}
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			return rv.MapIndex(reflect.ValueOf(fmt.Sprint(needle)).Convert(rv.Type().Key())).IsValid()
		}
	}
	return false
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch val := v.(type) {
	case decimal.Decimal:
		return val, true
	case *decimal.Decimal:
		if val == nil {
			return decimal.Zero, false
		}
		return *val, true
	case int:
		return decimal.NewFromInt(int64(val)), true
	case int32:
		return decimal.NewFromInt32(val), true
	case int64:
		return decimal.NewFromInt(val), true
	case uint:
		return decimal.NewFromUint64(uint64(val)), true
	case uint64:
		return decimal.NewFromUint64(val), true
	case float32:
		return decimal.NewFromFloat32(val), true
	case float64:
		return decimal.NewFromFloat(val), true
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(val))
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	default:
		return decimal.Zero, false
	}
}

func toBool(v any) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		b, err := strconv.ParseBool(val)
		return b, err == nil
	default:
		return false, false
	}
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}
