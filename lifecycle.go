package funnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/funnel/condition"
	"github.com/xraph/funnel/event"
	"github.com/xraph/funnel/fsm"
	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/plugin"
	"github.com/xraph/funnel/types"
	"github.com/xraph/funnel/user"
)

// StateMachine moves users through the active lifecycle graph. At most one
// transition fires per event.
type StateMachine struct {
	graphs  fsm.Store
	users   user.Store
	snap    *snapshotter
	exec    *executor
	plugins *plugin.Registry
	logger  *slog.Logger
	clock   types.Clock
	batch   int
	maxHops int
}

// Trigger evaluates event for the user and fires the highest-priority
// transition whose conditions match. It returns the history entry of the
// fired transition, or nil when nothing fired.
func (m *StateMachine) Trigger(ctx context.Context, userID id.UserID, ev string, payload event.Payload) (*fsm.History, error) {
	u, err := m.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	us, err := m.current(ctx, u)
	if err != nil {
		return nil, err
	}
	from, err := m.graphs.GetState(ctx, us.StateID)
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", us.StateID, err)
	}
	u.LifecycleState = from.Code
	if from.IsTerminal {
		return nil, nil
	}

	candidates, err := m.graphs.ListTransitions(ctx, from.ID, ev)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	if ev == fsm.EventTimeout {
		candidates = elapsed(candidates, now.Sub(us.EnteredAt))
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	snap, err := m.snap.build(ctx, u, us, payload)
	if err != nil {
		return nil, err
	}
	var winner *fsm.Transition
	for _, t := range candidates {
		if condition.Evaluate(t.Conditions, snap) {
			winner = t
			break
		}
	}
	if winner == nil {
		m.logger.Debug("no transition matched",
			"user_id", userID.String(),
			"state", from.Code,
			"event", ev,
		)
		return nil, nil
	}

	to, err := m.graphs.GetState(ctx, winner.ToStateID)
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", winner.ToStateID, err)
	}
	h := &fsm.History{
		ID:           id.NewHistoryID(),
		UserID:       userID,
		VersionID:    us.VersionID,
		FromStateID:  from.ID,
		ToStateID:    to.ID,
		TriggerEvent: ev,
		TransitionID: winner.ID,
		At:           now,
	}
	if _, err := m.graphs.MoveUserState(ctx, fsm.Move{
		UserID:        userID,
		ExpectVersion: us.Version,
		To:            fsm.UserState{StateID: to.ID, VersionID: us.VersionID, EnteredAt: now},
		StateCode:     to.Code,
		History:       h,
	}); err != nil {
		return nil, err
	}

	m.logger.Info("user transitioned",
		"user_id", userID.String(),
		"from", from.Code,
		"to", to.Code,
		"event", ev,
	)
	u.LifecycleState = to.Code
	h.ActionsTaken = m.exec.run(ctx, u, winner.Actions, "transition:"+winner.ID.String())
	if len(h.ActionsTaken) > 0 {
		if err := m.graphs.SetHistoryActions(ctx, h.ID, h.ActionsTaken); err != nil {
			m.logger.Warn("record transition actions",
				"user_id", userID.String(),
				"history_id", h.ID.String(),
				"error", err,
			)
		}
	}
	m.plugins.EmitTransition(ctx, h, from, to)
	return h, nil
}

// current returns the user's state, initializing it lazily and re-seeding
// users pinned to a version that is no longer active.
func (m *StateMachine) current(ctx context.Context, u *user.User) (*fsm.UserState, error) {
	us, err := m.graphs.GetUserState(ctx, u.ID)
	if errors.Is(err, ErrStateNotFound) {
		return m.initialize(ctx, u)
	}
	if err != nil {
		return nil, err
	}

	active, err := m.graphs.GetActiveVersion(ctx)
	if errors.Is(err, ErrNoActiveVersion) {
		return us, nil
	}
	if err != nil {
		return nil, err
	}
	if us.VersionID != active.ID {
		return m.Immerse(ctx, u.ID, active.ID)
	}
	return us, nil
}

func (m *StateMachine) initialize(ctx context.Context, u *user.User) (*fsm.UserState, error) {
	v, err := m.graphs.GetActiveVersion(ctx)
	if err != nil {
		return nil, err
	}
	states, err := m.graphs.ListStates(ctx, v.ID)
	if err != nil {
		return nil, err
	}
	g := fsm.Graph{Version: v, States: states}
	initial, ok := g.Initial()
	if !ok {
		return nil, fmt.Errorf("version %s: %w", v.Name, ErrNoInitialState)
	}

	now := m.clock.Now()
	us, err := m.graphs.InitUserState(ctx, &fsm.UserState{
		UserID:    u.ID,
		StateID:   initial.ID,
		VersionID: v.ID,
		EnteredAt: now,
	}, initial.Code, &fsm.History{
		ID:           id.NewHistoryID(),
		UserID:       u.ID,
		VersionID:    v.ID,
		ToStateID:    initial.ID,
		TriggerEvent: fsm.EventInit,
		At:           now,
	})
	if err != nil {
		return nil, err
	}
	m.logger.Debug("lifecycle initialized",
		"user_id", u.ID.String(),
		"state", initial.Code,
	)
	return us, nil
}

// elapsed keeps the TIMEOUT transitions whose timeout has passed.
func elapsed(ts []*fsm.Transition, inState time.Duration) []*fsm.Transition {
	out := ts[:0:0]
	for _, t := range ts {
		if t.IsTimeout() && inState >= t.Timeout() {
			out = append(out, t)
		}
	}
	return out
}

// HandleTimeouts fires TIMEOUT for every user who has stayed in a state
// longer than one of its timeout transitions allows. fire is called once per
// user; its errors are collected and do not stop the sweep.
func (m *StateMachine) HandleTimeouts(ctx context.Context, fire func(context.Context, id.UserID) error) (int, error) {
	v, err := m.graphs.GetActiveVersion(ctx)
	if errors.Is(err, ErrNoActiveVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	ts, err := m.graphs.ListVersionTransitions(ctx, v.ID)
	if err != nil {
		return 0, err
	}

	// Shortest timeout per state. Trigger re-checks every transition.
	shortest := make(map[id.StateID]time.Duration)
	var order []id.StateID
	for _, t := range ts {
		if !t.IsTimeout() {
			continue
		}
		cur, seen := shortest[t.FromStateID]
		if !seen {
			order = append(order, t.FromStateID)
		}
		if !seen || t.Timeout() < cur {
			shortest[t.FromStateID] = t.Timeout()
		}
	}

	var (
		errs      MultiError
		processed int
	)
	now := m.clock.Now()
	for _, stateID := range order {
		cutoff := now.Add(-shortest[stateID])
		after := id.Nil
		for {
			if err := ctx.Err(); err != nil {
				errs.Add(err)
				return processed, errs.ErrOrNil()
			}
			batch, err := m.graphs.ListUserStatesInState(ctx, stateID, cutoff, after, m.batch)
			if err != nil {
				errs.Add(fmt.Errorf("list state %s: %w", stateID, err))
				break
			}
			for _, us := range batch {
				after = us.UserID
				if err := fire(ctx, us.UserID); err != nil {
					m.logger.Error("timeout failed",
						"user_id", us.UserID.String(),
						"error", err,
					)
					errs.Add(fmt.Errorf("user %s: %w", us.UserID, err))
					continue
				}
				processed++
			}
			if len(batch) < m.batch {
				break
			}
		}
	}
	return processed, errs.ErrOrNil()
}

// History returns the user's transitions, newest first.
func (m *StateMachine) History(ctx context.Context, userID id.UserID, opts fsm.ListOpts) ([]*fsm.History, error) {
	return m.graphs.ListHistory(ctx, userID, opts)
}

// CurrentState returns the user's state, initializing it when needed.
func (m *StateMachine) CurrentState(ctx context.Context, userID id.UserID) (*fsm.State, error) {
	u, err := m.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	us, err := m.current(ctx, u)
	if err != nil {
		return nil, err
	}
	return m.graphs.GetState(ctx, us.StateID)
}
