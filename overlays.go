package funnel

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/funnel/event"
	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/notify"
	"github.com/xraph/funnel/overlay"
	"github.com/xraph/funnel/plugin"
	"github.com/xraph/funnel/types"
	"github.com/xraph/funnel/user"
)

// ActivateOpts controls a single overlay activation.
type ActivateOpts struct {
	ExpiresAt     *time.Time
	Metadata      map[string]string
	Silent        bool
	Message       string
	PackageID     string
	PaymentMethod string
	// Force skips eligibility checks for the specialized activations.
	Force bool
}

// TripwirePolicy decides which users may see the tripwire offer.
type TripwirePolicy struct {
	Lifecycles   []string
	MinGenerated int64
	// CreditsBelow is exclusive: a balance equal to it is not eligible.
	CreditsBelow decimal.Decimal
}

// DefaultTripwirePolicy targets free users who used the product a few times
// and are running out of credits.
func DefaultTripwirePolicy() TripwirePolicy {
	return TripwirePolicy{
		Lifecycles:   []string{"ACTIVE_FREE", "ACTIVATING"},
		MinGenerated: 3,
		CreditsBelow: decimal.NewFromInt(5),
	}
}

// Eligible reports whether u passes the policy.
func (p TripwirePolicy) Eligible(u *user.User) bool {
	if len(p.Lifecycles) > 0 && !slices.Contains(p.Lifecycles, u.LifecycleState) {
		return false
	}
	return u.TotalGenerated >= p.MinGenerated && u.Credits.LessThan(p.CreditsBelow)
}

// OverlayManager activates and expires promotional overlays. A user has at
// most one live overlay per type.
type OverlayManager struct {
	overlays overlay.Store
	users    user.Store
	events   publisher
	notifier notifier
	plugins  *plugin.Registry
	logger   *slog.Logger
	clock    types.Clock
	tripwire TripwirePolicy
	batch    int
}

// NewOverlayManager creates an overlay manager.
func NewOverlayManager(overlays overlay.Store, users user.Store, events publisher, n notifier, plugins *plugin.Registry, logger *slog.Logger, clock types.Clock, tripwire TripwirePolicy, batch int) *OverlayManager {
	return &OverlayManager{
		overlays: overlays,
		users:    users,
		events:   events,
		notifier: n,
		plugins:  plugins,
		logger:   logger,
		clock:    clock,
		tripwire: tripwire,
		batch:    batch,
	}
}

// Activate creates an ACTIVE overlay of type t. When the user already has a
// live overlay of t it is returned unchanged with created=false. A live
// overlay whose expiry has passed is expired first and does not block.
func (m *OverlayManager) Activate(ctx context.Context, userID id.UserID, t overlay.Type, opts ActivateOpts) (*overlay.Overlay, bool, error) {
	if !t.Valid() {
		return nil, false, ValidationError{Field: "type", Message: "unknown overlay type " + string(t)}
	}
	u, err := m.users.GetUser(ctx, userID)
	if err != nil {
		return nil, false, err
	}

	now := m.clock.Now()
	o := &overlay.Overlay{
		Entity:    types.NewEntityAt(now),
		ID:        id.NewOverlayID(),
		UserID:    userID,
		Type:      t,
		State:     overlay.StateActive,
		ExpiresAt: opts.ExpiresAt,
		Metadata:  maps.Clone(opts.Metadata),
	}
	live, created, err := m.overlays.ActivateOverlay(ctx, o)
	if err != nil {
		return nil, false, err
	}
	if !created && live.ExpiredAt(now) {
		// The sweep has not reached it yet. Expire it here and retry once.
		expired, derr := m.overlays.DeactivateOverlay(ctx, userID, t, now)
		if derr != nil && !errors.Is(derr, ErrOverlayNotFound) {
			return nil, false, derr
		}
		if derr == nil {
			m.announceExpired(ctx, expired)
		}
		live, created, err = m.overlays.ActivateOverlay(ctx, o)
		if err != nil {
			return nil, false, err
		}
	}
	if !created {
		return live, false, nil
	}

	m.logger.Info("overlay activated",
		"user_id", userID.String(),
		"type", string(t),
		"overlay_id", live.ID.String(),
	)
	m.plugins.EmitOverlayActivated(ctx, live)

	if !opts.Silent && opts.Message != "" {
		m.notifier.Notify(ctx, notify.Notification{
			UserID:        userID,
			ExternalID:    u.ExternalID,
			Text:          opts.Message,
			PackageID:     opts.PackageID,
			PaymentMethod: opts.PaymentMethod,
			Source:        "overlay:" + string(t),
		})
	}
	return live, true, nil
}

// CheckTripwireEligibility reports whether the tripwire policy admits the
// user.
func (m *OverlayManager) CheckTripwireEligibility(ctx context.Context, userID id.UserID) (bool, error) {
	u, err := m.users.GetUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return m.tripwire.Eligible(u), nil
}

// ActivateTripwire shows the tripwire offer. Without Force the user must
// pass the tripwire policy.
func (m *OverlayManager) ActivateTripwire(ctx context.Context, userID id.UserID, opts ActivateOpts) (*overlay.Overlay, bool, error) {
	if !opts.Force {
		ok, err := m.CheckTripwireEligibility(ctx, userID)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, ErrNotEligible
		}
	}
	return m.Activate(ctx, userID, overlay.TypeTripwire, opts)
}

// EnableReferral unlocks the referral program. It happens at most once per
// user and, without Force, only after a first payment.
func (m *OverlayManager) EnableReferral(ctx context.Context, userID id.UserID, opts ActivateOpts) (*overlay.Overlay, bool, error) {
	ever, err := m.overlays.HasOverlayEver(ctx, userID, overlay.TypeReferral)
	if err != nil {
		return nil, false, err
	}
	if ever {
		return nil, false, nil
	}
	if !opts.Force {
		a, err := m.users.GetActivity(ctx, userID)
		if err != nil {
			return nil, false, err
		}
		if a.TotalPayments < 1 {
			return nil, false, ErrNotEligible
		}
	}
	return m.Activate(ctx, userID, overlay.TypeReferral, opts)
}

// ActivateSpecialOffer shows the special offer identified by offerID.
func (m *OverlayManager) ActivateSpecialOffer(ctx context.Context, userID id.UserID, offerID string, opts ActivateOpts) (*overlay.Overlay, bool, error) {
	if offerID == "" {
		return nil, false, ValidationError{Field: "offer_id", Message: "required"}
	}
	md := maps.Clone(opts.Metadata)
	if md == nil {
		md = make(map[string]string, 1)
	}
	md["offer_id"] = offerID
	opts.Metadata = md
	return m.Activate(ctx, userID, overlay.TypeSpecialOffer, opts)
}

// Deactivate expires the user's live overlay of t. It reports false when
// there was none.
func (m *OverlayManager) Deactivate(ctx context.Context, userID id.UserID, t overlay.Type) (bool, error) {
	o, err := m.overlays.DeactivateOverlay(ctx, userID, t, m.clock.Now())
	if errors.Is(err, ErrOverlayNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	m.plugins.EmitOverlayExpired(ctx, o)
	return true, nil
}

// GetActiveOverlays returns the user's live overlays whose expiry has not
// passed. Overlays waiting for the expiry sweep are left out.
func (m *OverlayManager) GetActiveOverlays(ctx context.Context, userID id.UserID) ([]*overlay.Overlay, error) {
	live, err := m.overlays.ListLiveOverlays(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	return slices.DeleteFunc(live, func(o *overlay.Overlay) bool { return o.ExpiredAt(now) }), nil
}

// HasOverlay reports whether the user has an unexpired live overlay of t.
func (m *OverlayManager) HasOverlay(ctx context.Context, userID id.UserID, t overlay.Type) (bool, error) {
	active, err := m.GetActiveOverlays(ctx, userID)
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(active, func(o *overlay.Overlay) bool { return o.Type == t }), nil
}

// ExpireOverlays expires one batch of overdue overlays and publishes
// OVERLAY_EXPIRED for each. It returns the overlays it expired.
func (m *OverlayManager) ExpireOverlays(ctx context.Context) ([]*overlay.Overlay, error) {
	expired, err := m.overlays.ExpireOverlays(ctx, m.clock.Now(), m.batch)
	if err != nil {
		return nil, err
	}
	for _, o := range expired {
		m.announceExpired(ctx, o)
	}
	return expired, nil
}

func (m *OverlayManager) announceExpired(ctx context.Context, o *overlay.Overlay) {
	m.plugins.EmitOverlayExpired(ctx, o)
	m.events.Publish(ctx, event.Event{
		UserID: o.UserID,
		Name:   event.OverlayExpired,
		Payload: event.Payload{
			"overlayType": string(o.Type),
			"overlayId":   o.ID.String(),
		},
	})
}

// overlayContext maps live overlays by type for condition evaluation.
func overlayContext(active []*overlay.Overlay) map[string]any {
	out := make(map[string]any, len(active))
	for _, o := range active {
		entry := map[string]any{
			"id":    o.ID.String(),
			"state": string(o.State),
		}
		if o.ExpiresAt != nil {
			entry["expiresAt"] = *o.ExpiresAt
		}
		for k, v := range o.Metadata {
			entry[k] = v
		}
		out[string(o.Type)] = entry
	}
	return out
}
