package memory

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/xraph/funnel"
	"github.com/xraph/funnel/fsm"
	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/user"
)

func (s *Store) CreateVersion(_ context.Context, v *fsm.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.versions[v.ID.String()]; exists {
		return funnel.ErrAlreadyExists
	}
	c := *v
	s.versions[v.ID.String()] = &c
	return nil
}

func (s *Store) GetVersion(_ context.Context, versionID id.VersionID) (*fsm.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.versions[versionID.String()]; ok {
		c := *v
		return &c, nil
	}
	return nil, funnel.ErrVersionNotFound
}

func (s *Store) GetActiveVersion(_ context.Context) (*fsm.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, v := range s.versions {
		if v.IsActive {
			c := *v
			return &c, nil
		}
	}
	return nil, funnel.ErrNoActiveVersion
}

func (s *Store) ListVersions(_ context.Context) ([]*fsm.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*fsm.Version, 0, len(s.versions))
	for _, v := range s.versions {
		c := *v
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Number < result[j].Number })
	return result, nil
}

func (s *Store) ActivateVersion(_ context.Context, versionID id.VersionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.versions[versionID.String()]; !ok {
		return funnel.ErrVersionNotFound
	}
	for key, v := range s.versions {
		c := *v
		c.IsActive = key == versionID.String()
		s.versions[key] = &c
	}
	return nil
}

func (s *Store) CreateState(_ context.Context, st *fsm.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.states[st.ID.String()]; exists {
		return funnel.ErrAlreadyExists
	}
	c := *st
	s.states[st.ID.String()] = &c
	return nil
}

func (s *Store) GetState(_ context.Context, stateID id.StateID) (*fsm.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if st, ok := s.states[stateID.String()]; ok {
		c := *st
		return &c, nil
	}
	return nil, funnel.ErrStateNotFound
}

func (s *Store) ListStates(_ context.Context, versionID id.VersionID) ([]*fsm.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*fsm.State, 0)
	for _, st := range s.states {
		if st.VersionID == versionID {
			c := *st
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return id.Less(result[i].ID, result[j].ID) })
	return result, nil
}

func (s *Store) CreateTransition(_ context.Context, t *fsm.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transitions[t.ID.String()]; exists {
		return funnel.ErrAlreadyExists
	}
	c := *t
	s.transitions[t.ID.String()] = &c
	return nil
}

func (s *Store) ListTransitions(_ context.Context, fromStateID id.StateID, event string) ([]*fsm.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*fsm.Transition, 0)
	for _, t := range s.transitions {
		if t.FromStateID == fromStateID && t.TriggerEvent == event {
			c := *t
			result = append(result, &c)
		}
	}
	fsm.ByPriority(result)
	return result, nil
}

func (s *Store) ListVersionTransitions(_ context.Context, versionID id.VersionID) ([]*fsm.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*fsm.Transition, 0)
	for _, t := range s.transitions {
		if t.VersionID == versionID {
			c := *t
			result = append(result, &c)
		}
	}
	fsm.ByPriority(result)
	return result, nil
}

func (s *Store) GetUserState(_ context.Context, userID id.UserID) (*fsm.UserState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if us, ok := s.userStates[userID.String()]; ok {
		c := *us
		return &c, nil
	}
	return nil, funnel.ErrStateNotFound
}

func (s *Store) InitUserState(_ context.Context, us *fsm.UserState, stateCode string, h *fsm.History) (*fsm.UserState, error) {
	unlock := s.lockUser(us.UserID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	key := us.UserID.String()
	if existing, ok := s.userStates[key]; ok {
		c := *existing
		return &c, nil
	}
	u, ok := s.users[key]
	if !ok {
		return nil, funnel.ErrUserNotFound
	}

	c := *us
	c.Version = 1
	s.userStates[key] = &c
	s.setLifecycle(key, u, stateCode)
	if h != nil {
		hc := *h
		s.history[key] = append(s.history[key], &hc)
	}

	out := c
	return &out, nil
}

func (s *Store) MoveUserState(_ context.Context, m fsm.Move) (*fsm.UserState, error) {
	unlock := s.lockUser(m.UserID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	key := m.UserID.String()
	current, ok := s.userStates[key]
	if !ok {
		return nil, funnel.ErrStateNotFound
	}
	if current.Version != m.ExpectVersion {
		return nil, funnel.ErrConcurrentUpdate
	}

	next := m.To
	next.UserID = m.UserID
	next.Version = current.Version + 1
	s.userStates[key] = &next
	if u, ok := s.users[key]; ok {
		s.setLifecycle(key, u, m.StateCode)
	}
	if m.History != nil {
		hc := *m.History
		s.history[key] = append(s.history[key], &hc)
	}

	out := next
	return &out, nil
}

func (s *Store) ListUserStatesInState(_ context.Context, stateID id.StateID, enteredBefore time.Time, after id.UserID, limit int) ([]*fsm.UserState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*fsm.UserState, 0)
	for _, us := range s.userStates {
		if us.StateID != stateID || !us.EnteredAt.Before(enteredBefore) {
			continue
		}
		if !after.IsNil() && !id.Less(after, us.UserID) {
			continue
		}
		c := *us
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return id.Less(result[i].UserID, result[j].UserID) })
	return page(result, limit, 0), nil
}

// ListHistory returns the newest entries first.
func (s *Store) ListHistory(_ context.Context, userID id.UserID, opts fsm.ListOpts) ([]*fsm.History, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hs := s.history[userID.String()]
	result := make([]*fsm.History, 0, len(hs))
	for i := len(hs) - 1; i >= 0; i-- {
		c := *hs[i]
		result = append(result, &c)
	}
	return page(result, opts.Limit, opts.Offset), nil
}

func (s *Store) SetHistoryActions(_ context.Context, historyID id.HistoryID, actions []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, hs := range s.history {
		for i, h := range hs {
			if h.ID == historyID {
				c := *h
				c.ActionsTaken = slices.Clone(actions)
				hs[i] = &c
				return nil
			}
		}
	}
	return nil
}

// setLifecycle caches the state code on the user. Callers hold s.mu.
func (s *Store) setLifecycle(key string, u *user.User, code string) {
	next := u.Clone()
	next.LifecycleState = code
	s.users[key] = next
}
