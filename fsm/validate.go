package fsm

import (
	"errors"
	"fmt"

	"github.com/xraph/funnel/action"
	"github.com/xraph/funnel/condition"
	"github.com/xraph/funnel/id"
)

// Graph validation errors.
var (
	ErrNoInitial       = errors.New("fsm: no initial state")
	ErrMultipleInitial = errors.New("fsm: more than one initial state")
)

func validateGraph(g *Graph) error {
	if g.Version == nil {
		return errors.New("fsm: graph has no version")
	}

	initial := 0
	codes := make(map[string]bool, len(g.States))
	states := make(map[id.StateID]*State, len(g.States))
	for _, s := range g.States {
		if s.Code == "" {
			return fmt.Errorf("fsm: state %q has no code", s.Name)
		}
		if codes[s.Code] {
			return fmt.Errorf("fsm: duplicate state code %q", s.Code)
		}
		if s.VersionID != g.Version.ID {
			return fmt.Errorf("fsm: state %q belongs to another version", s.Code)
		}
		codes[s.Code] = true
		states[s.ID] = s
		if s.IsInitial {
			initial++
		}
	}
	switch {
	case initial == 0:
		return ErrNoInitial
	case initial > 1:
		return ErrMultipleInitial
	}

	for _, t := range g.Transitions {
		from, ok := states[t.FromStateID]
		if !ok {
			return fmt.Errorf("fsm: transition %s: unknown from state", t.ID)
		}
		if _, ok := states[t.ToStateID]; !ok {
			return fmt.Errorf("fsm: transition %s: unknown to state", t.ID)
		}
		if from.IsTerminal {
			return fmt.Errorf("fsm: transition %s leaves terminal state %q", t.ID, from.Code)
		}
		if t.TriggerEvent == "" {
			return fmt.Errorf("fsm: transition %s: trigger event is required", t.ID)
		}
		if t.TriggerEvent == EventTimeout && t.TimeoutMinutes <= 0 {
			return fmt.Errorf("fsm: transition %s: TIMEOUT requires timeout_minutes", t.ID)
		}
		if err := condition.ValidateAll(t.Conditions); err != nil {
			return fmt.Errorf("fsm: transition %s: %w", t.ID, err)
		}
		if err := action.ValidateAll(t.Actions); err != nil {
			return fmt.Errorf("fsm: transition %s: %w", t.ID, err)
		}
	}
	return nil
}
