package memory

import (
	"context"
	"sort"

	"github.com/xraph/funnel"
	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/rule"
)

func (s *Store) CreateRule(_ context.Context, r *rule.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[r.ID.String()]; exists {
		return funnel.ErrAlreadyExists
	}
	c := *r
	s.rules[r.ID.String()] = &c
	return nil
}

func (s *Store) GetRule(_ context.Context, ruleID id.RuleID) (*rule.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.rules[ruleID.String()]; ok {
		c := *r
		return &c, nil
	}
	return nil, funnel.ErrRuleNotFound
}

func (s *Store) UpdateRule(_ context.Context, r *rule.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[r.ID.String()]; !exists {
		return funnel.ErrRuleNotFound
	}
	c := *r
	s.rules[r.ID.String()] = &c
	return nil
}

func (s *Store) ListActiveRules(_ context.Context, trigger string) ([]*rule.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*rule.Rule, 0)
	for _, r := range s.rules {
		if r.IsActive && r.Trigger == trigger {
			c := *r
			result = append(result, &c)
		}
	}
	rule.ByPriority(result)
	return result, nil
}

func (s *Store) ListRules(_ context.Context) ([]*rule.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*rule.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		c := *r
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return id.Less(result[i].ID, result[j].ID) })
	return result, nil
}
