package memory

import (
	"context"
	"maps"
	"sort"
	"time"

	"github.com/xraph/funnel"
	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/overlay"
)

func cloneOverlay(o *overlay.Overlay) *overlay.Overlay {
	c := *o
	c.Metadata = maps.Clone(o.Metadata)
	if o.ExpiresAt != nil {
		t := *o.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// liveOverlay returns the user's live overlay of t. Callers hold s.mu.
func (s *Store) liveOverlay(userID id.UserID, t overlay.Type) *overlay.Overlay {
	for _, o := range s.overlays {
		if o.UserID == userID && o.Type == t && o.State.Live() {
			return o
		}
	}
	return nil
}

func (s *Store) ActivateOverlay(_ context.Context, o *overlay.Overlay) (*overlay.Overlay, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if live := s.liveOverlay(o.UserID, o.Type); live != nil {
		return cloneOverlay(live), false, nil
	}
	s.overlays[o.ID.String()] = cloneOverlay(o)
	return cloneOverlay(o), true, nil
}

func (s *Store) GetOverlay(_ context.Context, overlayID id.OverlayID) (*overlay.Overlay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if o, ok := s.overlays[overlayID.String()]; ok {
		return cloneOverlay(o), nil
	}
	return nil, funnel.ErrOverlayNotFound
}

func (s *Store) ListLiveOverlays(_ context.Context, userID id.UserID) ([]*overlay.Overlay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*overlay.Overlay, 0)
	for _, o := range s.overlays {
		if o.UserID == userID && o.State.Live() {
			result = append(result, cloneOverlay(o))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Type < result[j].Type })
	return result, nil
}

func (s *Store) HasOverlayEver(_ context.Context, userID id.UserID, t overlay.Type) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, o := range s.overlays {
		if o.UserID == userID && o.Type == t {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) DeactivateOverlay(_ context.Context, userID id.UserID, t overlay.Type, at time.Time) (*overlay.Overlay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.liveOverlay(userID, t)
	if live == nil {
		return nil, funnel.ErrOverlayNotFound
	}
	next := cloneOverlay(live)
	next.State = overlay.StateExpired
	next.UpdatedAt = at
	s.overlays[next.ID.String()] = next
	return cloneOverlay(next), nil
}

func (s *Store) ExpireOverlays(_ context.Context, now time.Time, limit int) ([]*overlay.Overlay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*overlay.Overlay, 0)
	for _, o := range s.overlays {
		if o.State.Live() && o.ExpiredAt(now) {
			due = append(due, o)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(*due[j].ExpiresAt) })
	due = page(due, limit, 0)

	result := make([]*overlay.Overlay, 0, len(due))
	for _, o := range due {
		next := cloneOverlay(o)
		next.State = overlay.StateExpired
		next.UpdatedAt = now
		s.overlays[next.ID.String()] = next
		result = append(result, cloneOverlay(next))
	}
	return result, nil
}
