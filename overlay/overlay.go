// Package overlay defines time-boxed promotional states layered on top of a
// user's lifecycle state.
package overlay

import (
	"context"
	"time"

	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/types"
)

// Type is an overlay kind. A user has at most one live overlay per type.
type Type string

// Overlay types.
const (
	TypeTripwire     Type = "TRIPWIRE"
	TypeReferral     Type = "REFERRAL"
	TypeBonus        Type = "BONUS"
	TypeSpecialOffer Type = "SPECIAL_OFFER"
	TypeDiscount     Type = "DISCOUNT"
)

// Valid reports whether t is a known overlay type.
func (t Type) Valid() bool {
	switch t {
	case TypeTripwire, TypeReferral, TypeBonus, TypeSpecialOffer, TypeDiscount:
		return true
	}
	return false
}

// State is the overlay lifecycle.
type State string

// Overlay states. ELIGIBLE and ACTIVE are live.
const (
	StateEligible State = "ELIGIBLE"
	StateActive   State = "ACTIVE"
	StateExpiring State = "EXPIRING"
	StateExpired  State = "EXPIRED"
)

// Live reports whether s blocks a second activation of the same type.
func (s State) Live() bool { return s == StateActive || s == StateEligible }

// LiveStates lists the states counted as live.
var LiveStates = []State{StateActive, StateEligible}

// Overlay is a user's promotional state of one type.
type Overlay struct {
	types.Entity

	ID        id.OverlayID      `json:"id"`
	UserID    id.UserID         `json:"user_id"`
	Type      Type              `json:"type"`
	State     State             `json:"state"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ExpiredAt reports whether the overlay has passed its expiry at now.
func (o *Overlay) ExpiredAt(now time.Time) bool {
	return o.ExpiresAt != nil && o.ExpiresAt.Before(now)
}

// Store persists overlays.
type Store interface {
	// ActivateOverlay inserts o unless the user already has a live overlay
	// of o.Type. It returns the live overlay and whether it was created.
	ActivateOverlay(ctx context.Context, o *Overlay) (*Overlay, bool, error)
	GetOverlay(ctx context.Context, overlayID id.OverlayID) (*Overlay, error)
	ListLiveOverlays(ctx context.Context, userID id.UserID) ([]*Overlay, error)
	// HasOverlayEver reports whether the user ever had an overlay of t in
	// any state.
	HasOverlayEver(ctx context.Context, userID id.UserID, t Type) (bool, error)
	// DeactivateOverlay moves the user's live overlay of t to EXPIRED.
	DeactivateOverlay(ctx context.Context, userID id.UserID, t Type, at time.Time) (*Overlay, error)
	// ExpireOverlays moves up to limit live overlays whose ExpiresAt is
	// before now to EXPIRED and returns them.
	ExpireOverlays(ctx context.Context, now time.Time, limit int) ([]*Overlay, error)
}
