package memory

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/funnel"
	"github.com/xraph/funnel/bonus"
	"github.com/xraph/funnel/id"
)

func (s *Store) CreateTemplate(_ context.Context, t *bonus.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.templates[t.ID.String()]; exists {
		return funnel.ErrAlreadyExists
	}
	for _, existing := range s.templates {
		if existing.Name == t.Name {
			return funnel.ErrAlreadyExists
		}
	}
	c := *t
	s.templates[t.ID.String()] = &c
	return nil
}

func (s *Store) GetTemplate(_ context.Context, templateID id.TemplateID) (*bonus.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.templates[templateID.String()]; ok {
		c := *t
		return &c, nil
	}
	return nil, funnel.ErrTemplateNotFound
}

func (s *Store) GetTemplateByName(_ context.Context, name string) (*bonus.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.templates {
		if t.Name == name {
			c := *t
			return &c, nil
		}
	}
	return nil, funnel.ErrTemplateNotFound
}

func (s *Store) ListTemplates(_ context.Context) ([]*bonus.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*bonus.Template, 0, len(s.templates))
	for _, t := range s.templates {
		c := *t
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *Store) CreateBonus(_ context.Context, b *bonus.Bonus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bonuses[b.ID.String()]; exists {
		return funnel.ErrAlreadyExists
	}
	c := *b
	s.bonuses[b.ID.String()] = &c
	return nil
}

func (s *Store) GetBonus(_ context.Context, bonusID id.BonusID) (*bonus.Bonus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if b, ok := s.bonuses[bonusID.String()]; ok {
		c := *b
		return &c, nil
	}
	return nil, funnel.ErrBonusNotFound
}

func (s *Store) ListActiveBonuses(_ context.Context, userID id.UserID) ([]*bonus.Bonus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.activeBonuses(userID), nil
}

// activeBonuses returns copies of the user's ACTIVE bonuses. Callers hold s.mu.
func (s *Store) activeBonuses(userID id.UserID) []*bonus.Bonus {
	result := make([]*bonus.Bonus, 0)
	for _, b := range s.bonuses {
		if b.UserID == userID && b.Status == bonus.StatusActive {
			c := *b
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return id.Less(result[i].ID, result[j].ID) })
	return result
}

func (s *Store) AddBonusProgress(_ context.Context, userID id.UserID, p bonus.Progress) ([]*bonus.Bonus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.activeBonuses(userID)
	for _, b := range result {
		b.GenerationsMade += p.Generations
		b.TopUpMade = b.TopUpMade.Add(p.TopUp)
		c := *b
		s.bonuses[b.ID.String()] = &c
	}
	return result, nil
}

func (s *Store) SetBonusStatus(_ context.Context, bonusID id.BonusID, from, to bonus.Status, revoked decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bonuses[bonusID.String()]
	if !ok {
		return false, funnel.ErrBonusNotFound
	}
	if b.Status != from {
		return false, nil
	}
	c := *b
	c.Status = to
	c.RevokedAmount = revoked
	s.bonuses[bonusID.String()] = &c
	return true, nil
}

func (s *Store) ListExpiredBonuses(_ context.Context, now time.Time, limit int) ([]*bonus.Bonus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*bonus.Bonus, 0)
	for _, b := range s.bonuses {
		if b.Status == bonus.StatusActive && b.Deadline.Before(now) {
			c := *b
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Deadline.Before(result[j].Deadline) })
	return page(result, limit, 0), nil
}
