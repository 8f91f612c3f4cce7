package memory

import (
	"context"
	"maps"
	"sort"
	"time"

	"github.com/xraph/funnel"
	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/user"
)

func (s *Store) CreateUser(_ context.Context, u *user.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[u.ID.String()]; exists {
		return funnel.ErrAlreadyExists
	}
	if u.ExternalID != "" {
		if _, exists := s.externalIDs[u.ExternalID]; exists {
			return funnel.ErrAlreadyExists
		}
		s.externalIDs[u.ExternalID] = u.ID.String()
	}
	s.users[u.ID.String()] = u.Clone()
	return nil
}

func (s *Store) GetUser(_ context.Context, userID id.UserID) (*user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if u, ok := s.users[userID.String()]; ok {
		return u.Clone(), nil
	}
	return nil, funnel.ErrUserNotFound
}

func (s *Store) GetUserByExternalID(_ context.Context, externalID string) (*user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if key, ok := s.externalIDs[externalID]; ok {
		return s.users[key].Clone(), nil
	}
	return nil, funnel.ErrUserNotFound
}

func (s *Store) ListUsers(_ context.Context, opts user.ListOpts) ([]*user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*user.User, 0, len(s.users))
	for _, u := range s.users {
		result = append(result, u.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return id.Less(result[i].ID, result[j].ID) })
	return page(result, opts.Limit, opts.Offset), nil
}

func (s *Store) ApplyMutation(_ context.Context, userID id.UserID, m user.Mutation) (*user.User, error) {
	unlock := s.lockUser(userID)
	defer unlock()

	s.mu.RLock()
	current, ok := s.users[userID.String()]
	s.mu.RUnlock()
	if !ok {
		return nil, funnel.ErrUserNotFound
	}

	next := current.Clone()
	if _, err := m.Apply(next); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.users[userID.String()] = next
	if m.Transaction != nil {
		tx := *m.Transaction
		tx.Metadata = maps.Clone(tx.Metadata)
		s.transactions[userID.String()] = append(s.transactions[userID.String()], &tx)
	}
	s.mu.Unlock()

	return next.Clone(), nil
}

func (s *Store) UpdateTags(_ context.Context, userID id.UserID, add, remove []string) (*user.User, error) {
	unlock := s.lockUser(userID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID.String()]
	if !ok {
		return nil, funnel.ErrUserNotFound
	}
	next := u.Clone()
	next.Tags = user.ApplyTags(u.Tags, add, remove)
	next.Version++
	s.users[userID.String()] = next
	return next.Clone(), nil
}

func (s *Store) TouchUser(_ context.Context, userID id.UserID, at time.Time) error {
	unlock := s.lockUser(userID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID.String()]
	if !ok {
		return funnel.ErrUserNotFound
	}
	if !at.After(u.LastActiveAt) {
		return nil
	}
	next := u.Clone()
	next.LastActiveAt = at
	s.users[userID.String()] = next
	return nil
}

// ListTransactions returns the newest transactions first.
func (s *Store) ListTransactions(_ context.Context, userID id.UserID, opts user.ListOpts) ([]*user.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txs := s.transactions[userID.String()]
	result := make([]*user.Transaction, 0, len(txs))
	for i := len(txs) - 1; i >= 0; i-- {
		tx := *txs[i]
		result = append(result, &tx)
	}
	return page(result, opts.Limit, opts.Offset), nil
}

func (s *Store) GetActivity(_ context.Context, userID id.UserID) (*user.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.users[userID.String()]; !ok {
		return nil, funnel.ErrUserNotFound
	}
	a := user.Summarize(s.transactions[userID.String()])
	return &a, nil
}
