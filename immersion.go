package funnel

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/funnel/condition"
	"github.com/xraph/funnel/fsm"
	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/user"
)

// DefaultMaxImmersionHops caps the simulated walk of Immerse.
const DefaultMaxImmersionHops = 16

// Graph loads a version with its states and transitions.
func (m *StateMachine) Graph(ctx context.Context, versionID id.VersionID) (*fsm.Graph, error) {
	v, err := m.graphs.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	states, err := m.graphs.ListStates(ctx, versionID)
	if err != nil {
		return nil, err
	}
	ts, err := m.graphs.ListVersionTransitions(ctx, versionID)
	if err != nil {
		return nil, err
	}
	return &fsm.Graph{Version: v, States: states, Transitions: ts}, nil
}

// InstallGraph validates g and persists it as a new, inactive version.
func (m *StateMachine) InstallGraph(ctx context.Context, g *fsm.Graph) error {
	if err := g.Validate(); err != nil {
		return ValidationError{Field: "graph", Message: err.Error()}
	}
	v := *g.Version
	v.IsActive = false
	if err := m.graphs.CreateVersion(ctx, &v); err != nil {
		return fmt.Errorf("create version %s: %w", v.Name, err)
	}
	for _, s := range g.States {
		if err := m.graphs.CreateState(ctx, s); err != nil {
			return fmt.Errorf("create state %s: %w", s.Code, err)
		}
	}
	for _, t := range g.Transitions {
		if err := m.graphs.CreateTransition(ctx, t); err != nil {
			return fmt.Errorf("create transition %s: %w", t.ID, err)
		}
	}
	return nil
}

// ActivateVersion makes versionID the active graph. With reseed every user
// is immersed into it right away; otherwise users move lazily on their next
// event. It returns the number of users re-seeded.
func (m *StateMachine) ActivateVersion(ctx context.Context, versionID id.VersionID, reseed bool) (int, error) {
	g, err := m.Graph(ctx, versionID)
	if err != nil {
		return 0, err
	}
	if err := g.Validate(); err != nil {
		return 0, ValidationError{Field: "graph", Message: err.Error()}
	}
	if err := m.graphs.ActivateVersion(ctx, versionID); err != nil {
		return 0, err
	}
	m.logger.Info("lifecycle version activated",
		"version_id", versionID.String(),
		"name", g.Version.Name,
		"reseed", reseed,
	)
	if !reseed {
		return 0, nil
	}

	var (
		errs  MultiError
		count int
	)
	for offset := 0; ; offset += m.batch {
		users, err := m.users.ListUsers(ctx, user.ListOpts{Limit: m.batch, Offset: offset})
		if err != nil {
			errs.Add(err)
			break
		}
		for _, u := range users {
			if _, err := m.immerse(ctx, g, u); err != nil {
				errs.Add(fmt.Errorf("user %s: %w", u.ID, err))
				continue
			}
			count++
		}
		if len(users) < m.batch {
			break
		}
	}
	return count, errs.ErrOrNil()
}

// Immerse places the user into the state of versionID their history
// implies. The walk starts at the initial state and follows, hop by hop, the
// highest-priority non-timeout transition whose conditions hold against the
// user's aggregates. No actions run.
func (m *StateMachine) Immerse(ctx context.Context, userID id.UserID, versionID id.VersionID) (*fsm.UserState, error) {
	g, err := m.Graph(ctx, versionID)
	if err != nil {
		return nil, err
	}
	u, err := m.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return m.immerse(ctx, g, u)
}

func (m *StateMachine) immerse(ctx context.Context, g *fsm.Graph, u *user.User) (*fsm.UserState, error) {
	target, err := m.simulate(ctx, g, u)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	next := fsm.UserState{StateID: target.ID, VersionID: g.Version.ID, EnteredAt: now}
	h := &fsm.History{
		ID:           id.NewHistoryID(),
		UserID:       u.ID,
		VersionID:    g.Version.ID,
		ToStateID:    target.ID,
		TriggerEvent: fsm.EventImmersion,
		At:           now,
	}

	var from *fsm.State
	cur, err := m.graphs.GetUserState(ctx, u.ID)
	switch {
	case errors.Is(err, ErrStateNotFound):
		next.UserID = u.ID
		us, err := m.graphs.InitUserState(ctx, &next, target.Code, h)
		if err != nil {
			return nil, err
		}
		m.plugins.EmitTransition(ctx, h, nil, target)
		return us, nil
	case err != nil:
		return nil, err
	}

	h.FromStateID = cur.StateID
	if s, err := m.graphs.GetState(ctx, cur.StateID); err == nil {
		from = s
	}
	us, err := m.graphs.MoveUserState(ctx, fsm.Move{
		UserID:        u.ID,
		ExpectVersion: cur.Version,
		To:            next,
		StateCode:     target.Code,
		History:       h,
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("user immersed",
		"user_id", u.ID.String(),
		"version_id", g.Version.ID.String(),
		"state", target.Code,
	)
	m.plugins.EmitTransition(ctx, h, from, target)
	return us, nil
}

// simulate walks g from its initial state for u without side effects.
func (m *StateMachine) simulate(ctx context.Context, g *fsm.Graph, u *user.User) (*fsm.State, error) {
	cur, ok := g.Initial()
	if !ok {
		return nil, fmt.Errorf("version %s: %w", g.Version.Name, ErrNoInitialState)
	}
	snap, err := m.snap.build(ctx, u, nil, nil)
	if err != nil {
		return nil, err
	}

	for hop := 0; hop < m.maxHops && !cur.IsTerminal; hop++ {
		snap["lifecycle"] = cur.Code
		next := m.step(g, cur, snap)
		if next == nil || next.ID == cur.ID {
			break
		}
		cur = next
	}
	return cur, nil
}

func (m *StateMachine) step(g *fsm.Graph, cur *fsm.State, snap condition.Context) *fsm.State {
	var out []*fsm.Transition
	for _, t := range g.Transitions {
		if t.FromStateID == cur.ID && !t.IsTimeout() {
			out = append(out, t)
		}
	}
	fsm.ByPriority(out)
	for _, t := range out {
		if !condition.Evaluate(t.Conditions, snap) {
			continue
		}
		if s, ok := g.State(t.ToStateID); ok {
			return s
		}
	}
	return nil
}
