package memory

import (
	"context"
	"sort"

	"github.com/xraph/funnel"
	"github.com/xraph/funnel/cost"
)

func (s *Store) PutTariff(_ context.Context, t *cost.Tariff) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *t
	s.tariffs[t.ModelID] = &c
	return nil
}

func (s *Store) GetTariff(_ context.Context, modelID string) (*cost.Tariff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.tariffs[modelID]; ok {
		c := *t
		return &c, nil
	}
	return nil, funnel.ErrTariffNotFound
}

func (s *Store) ListTariffs(_ context.Context) ([]*cost.Tariff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*cost.Tariff, 0, len(s.tariffs))
	for _, t := range s.tariffs {
		c := *t
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ModelID < result[j].ModelID })
	return result, nil
}

func (s *Store) PutSettings(_ context.Context, st *cost.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *st
	s.settings = &c
	return nil
}

func (s *Store) GetSettings(_ context.Context) (*cost.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.settings == nil {
		return nil, funnel.ErrSettingsNotFound
	}
	c := *s.settings
	return &c, nil
}
