// Package fsm defines the versioned lifecycle graph: versions, states,
// transitions, the per-user live state and the transition history.
//
// A graph version holds exactly one initial state. Terminal states absorb
// every event. Transitions leaving a state for the same event are tried in
// descending priority and the first whose conditions match wins.
package fsm

import (
	"context"
	"sort"
	"time"

	"github.com/xraph/funnel/action"
	"github.com/xraph/funnel/condition"
	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/types"
)

// Reserved trigger events.
const (
	EventTimeout   = "TIMEOUT"
	EventImmersion = "IMMERSION"
	EventInit      = "INIT"
)

// Version is a named graph. Exactly one version is active at a time.
type Version struct {
	types.Entity

	ID          id.VersionID `json:"id"`
	Name        string       `json:"name"`
	Number      int          `json:"number"`
	Description string       `json:"description,omitempty"`
	IsActive    bool         `json:"is_active"`
}

// State is a node of a version's graph. Code is the stable name cached on
// the user as LifecycleState.
type State struct {
	ID         id.StateID   `json:"id"`
	VersionID  id.VersionID `json:"version_id"`
	Name       string       `json:"name"`
	Code       string       `json:"code"`
	IsInitial  bool         `json:"is_initial"`
	IsTerminal bool         `json:"is_terminal"`
}

// Transition is an edge of a version's graph.
type Transition struct {
	ID             id.TransitionID       `json:"id"`
	VersionID      id.VersionID          `json:"version_id"`
	FromStateID    id.StateID            `json:"from_state_id"`
	ToStateID      id.StateID            `json:"to_state_id"`
	TriggerEvent   string                `json:"trigger_event"`
	Priority       int                   `json:"priority"`
	TimeoutMinutes int                   `json:"timeout_minutes,omitempty"`
	Conditions     []condition.Condition `json:"conditions,omitempty"`
	Actions        []action.Action       `json:"actions,omitempty"`
}

// Timeout returns the configured timeout as a duration.
func (t *Transition) Timeout() time.Duration {
	return time.Duration(t.TimeoutMinutes) * time.Minute
}

// IsTimeout reports whether t fires from the timeout sweep.
func (t *Transition) IsTimeout() bool {
	return t.TriggerEvent == EventTimeout && t.TimeoutMinutes > 0
}

// ByPriority sorts transitions by descending priority. Ties keep ID order
// so selection is deterministic.
func ByPriority(ts []*Transition) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].Priority != ts[j].Priority {
			return ts[i].Priority > ts[j].Priority
		}
		return id.Less(ts[i].ID, ts[j].ID)
	})
}

// UserState is the single live position of a user in a graph. Version is
// the compare-and-swap counter.
type UserState struct {
	UserID    id.UserID    `json:"user_id"`
	StateID   id.StateID   `json:"state_id"`
	VersionID id.VersionID `json:"version_id"`
	EnteredAt time.Time    `json:"entered_at"`
	Version   int64        `json:"version"`
}

// History is an append-only record of a state change. FromStateID is nil
// for the initial placement.
type History struct {
	ID           id.HistoryID    `json:"id"`
	UserID       id.UserID       `json:"user_id"`
	VersionID    id.VersionID    `json:"version_id"`
	FromStateID  id.StateID      `json:"from_state_id"`
	ToStateID    id.StateID      `json:"to_state_id"`
	TriggerEvent string          `json:"trigger_event"`
	TransitionID id.TransitionID `json:"transition_id"`
	ActionsTaken []string        `json:"actions_taken,omitempty"`
	At           time.Time       `json:"at"`
}

// Move is a compare-and-swap state change. The store applies it only if the
// user's live state still has ExpectVersion, then appends History and caches
// StateCode on the user, all atomically.
type Move struct {
	UserID        id.UserID
	ExpectVersion int64
	To            UserState
	StateCode     string
	History       *History
}

// Graph is a loaded version with its states and transitions.
type Graph struct {
	Version     *Version
	States      []*State
	Transitions []*Transition
}

// Validate checks graph integrity: one initial state, unique codes, every
// transition endpoint inside the version, valid conditions and actions.
func (g *Graph) Validate() error {
	return validateGraph(g)
}

// Initial returns the declared initial state.
func (g *Graph) Initial() (*State, bool) {
	for _, s := range g.States {
		if s.IsInitial {
			return s, true
		}
	}
	return nil, false
}

// State returns the state with stateID.
func (g *Graph) State(stateID id.StateID) (*State, bool) {
	for _, s := range g.States {
		if s.ID == stateID {
			return s, true
		}
	}
	return nil, false
}

// StateByCode returns the state with code.
func (g *Graph) StateByCode(code string) (*State, bool) {
	for _, s := range g.States {
		if s.Code == code {
			return s, true
		}
	}
	return nil, false
}

// Outgoing returns the transitions leaving from for event, by priority.
func (g *Graph) Outgoing(from id.StateID, event string) []*Transition {
	var out []*Transition
	for _, t := range g.Transitions {
		if t.FromStateID == from && t.TriggerEvent == event {
			out = append(out, t)
		}
	}
	ByPriority(out)
	return out
}

// ListOpts pages list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// Store persists graphs, user states and history.
type Store interface {
	CreateVersion(ctx context.Context, v *Version) error
	GetVersion(ctx context.Context, versionID id.VersionID) (*Version, error)
	GetActiveVersion(ctx context.Context) (*Version, error)
	ListVersions(ctx context.Context) ([]*Version, error)
	// ActivateVersion marks versionID active and every other version inactive.
	ActivateVersion(ctx context.Context, versionID id.VersionID) error

	CreateState(ctx context.Context, s *State) error
	GetState(ctx context.Context, stateID id.StateID) (*State, error)
	ListStates(ctx context.Context, versionID id.VersionID) ([]*State, error)

	CreateTransition(ctx context.Context, t *Transition) error
	// ListTransitions returns a state's outgoing transitions for event,
	// highest priority first.
	ListTransitions(ctx context.Context, fromStateID id.StateID, event string) ([]*Transition, error)
	ListVersionTransitions(ctx context.Context, versionID id.VersionID) ([]*Transition, error)

	GetUserState(ctx context.Context, userID id.UserID) (*UserState, error)
	// InitUserState places a user with no live state. It returns the
	// existing state unchanged when one is already present.
	InitUserState(ctx context.Context, us *UserState, stateCode string, h *History) (*UserState, error)
	// MoveUserState applies m or fails with a concurrent-update error.
	MoveUserState(ctx context.Context, m Move) (*UserState, error)
	// ListUserStatesInState returns up to limit users in stateID that
	// entered it before enteredBefore, ordered by user ID and starting after
	// the cursor. A nil cursor starts from the beginning.
	ListUserStatesInState(ctx context.Context, stateID id.StateID, enteredBefore time.Time, after id.UserID, limit int) ([]*UserState, error)

	ListHistory(ctx context.Context, userID id.UserID, opts ListOpts) ([]*History, error)
	// SetHistoryActions replaces the actions recorded on a history entry
	// once they have run.
	SetHistoryActions(ctx context.Context, historyID id.HistoryID, actions []string) error
}
