package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/funnel/bonus"
	"github.com/xraph/funnel/fsm"
	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/overlay"
	"github.com/xraph/funnel/rule"
)

// DefaultHookTimeout bounds a single plugin call.
const DefaultHookTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// It uses type-cached discovery for O(1) dispatch performance.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	// Type-cached plugin lists for efficient dispatch
	onInit                []OnInit
	onShutdown            []OnShutdown
	onCreditsChanged      []OnCreditsChanged
	onCreditsZero         []OnCreditsZero
	onCreditsReserved     []OnCreditsReserved
	onInsufficientCredits []OnInsufficientCredits
	onTransition          []OnTransition
	onRuleMatched         []OnRuleMatched
	onOverlayActivated    []OnOverlayActivated
	onOverlayExpired      []OnOverlayExpired
	onBonusGranted        []OnBonusGranted
	onBonusCompleted      []OnBonusCompleted
	onBonusRevoked        []OnBonusRevoked
	onActionFailed        []OnActionFailed
	onSweepCompleted      []OnSweepCompleted
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultHookTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-call hook timeout.
func (r *Registry) WithTimeout(timeout time.Duration) *Registry {
	if timeout > 0 {
		r.timeout = timeout
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Check for duplicate
	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	cache(p, &r.onInit)
	cache(p, &r.onShutdown)
	cache(p, &r.onCreditsChanged)
	cache(p, &r.onCreditsZero)
	cache(p, &r.onCreditsReserved)
	cache(p, &r.onInsufficientCredits)
	cache(p, &r.onTransition)
	cache(p, &r.onRuleMatched)
	cache(p, &r.onOverlayActivated)
	cache(p, &r.onOverlayExpired)
	cache(p, &r.onBonusGranted)
	cache(p, &r.onBonusCompleted)
	cache(p, &r.onBonusRevoked)
	cache(p, &r.onActionFailed)
	cache(p, &r.onSweepCompleted)

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", implementedInterfaces(p),
	)

	return nil
}

func cache[T Plugin](p Plugin, list *[]T) {
	if v, ok := p.(T); ok {
		*list = append(*list, v)
	}
}

var hookTypes = []struct {
	name string
	typ  reflect.Type
}{
	{"OnInit", reflect.TypeFor[OnInit]()},
	{"OnShutdown", reflect.TypeFor[OnShutdown]()},
	{"OnCreditsChanged", reflect.TypeFor[OnCreditsChanged]()},
	{"OnCreditsZero", reflect.TypeFor[OnCreditsZero]()},
	{"OnCreditsReserved", reflect.TypeFor[OnCreditsReserved]()},
	{"OnInsufficientCredits", reflect.TypeFor[OnInsufficientCredits]()},
	{"OnTransition", reflect.TypeFor[OnTransition]()},
	{"OnRuleMatched", reflect.TypeFor[OnRuleMatched]()},
	{"OnOverlayActivated", reflect.TypeFor[OnOverlayActivated]()},
	{"OnOverlayExpired", reflect.TypeFor[OnOverlayExpired]()},
	{"OnBonusGranted", reflect.TypeFor[OnBonusGranted]()},
	{"OnBonusCompleted", reflect.TypeFor[OnBonusCompleted]()},
	{"OnBonusRevoked", reflect.TypeFor[OnBonusRevoked]()},
	{"OnActionFailed", reflect.TypeFor[OnActionFailed]()},
	{"OnSweepCompleted", reflect.TypeFor[OnSweepCompleted]()},
}

// implementedInterfaces returns the hook names implemented by the plugin.
func implementedInterfaces(p Plugin) []string {
	var names []string
	v := reflect.TypeOf(p)
	for _, h := range hookTypes {
		if v.Implements(h.typ) {
			names = append(names, h.name)
		}
	}
	return names
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// emit snapshots a cached hook list and calls fn for each entry, logging
// failures.
func emit[T Plugin](ctx context.Context, r *Registry, hook string, list *[]T, fn func(T) error) {
	r.mu.RLock()
	plugins := *list
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return fn(p)
		}); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	emit(ctx, r, "OnInit", &r.onInit, func(p OnInit) error { return p.OnInit(ctx, engine) })
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(ctx, r, "OnShutdown", &r.onShutdown, func(p OnShutdown) error { return p.OnShutdown(ctx) })
}

// EmitCreditsChanged emits a credits changed event.
func (r *Registry) EmitCreditsChanged(ctx context.Context, change CreditsChange) {
	emit(ctx, r, "OnCreditsChanged", &r.onCreditsChanged, func(p OnCreditsChanged) error {
		return p.OnCreditsChanged(ctx, change)
	})
}

// EmitCreditsZero emits a low balance event.
func (r *Registry) EmitCreditsZero(ctx context.Context, userID id.UserID, balance decimal.Decimal) {
	emit(ctx, r, "OnCreditsZero", &r.onCreditsZero, func(p OnCreditsZero) error {
		return p.OnCreditsZero(ctx, userID, balance)
	})
}

// EmitCreditsReserved emits a reservation event.
func (r *Registry) EmitCreditsReserved(ctx context.Context, userID id.UserID, amount, available decimal.Decimal) {
	emit(ctx, r, "OnCreditsReserved", &r.onCreditsReserved, func(p OnCreditsReserved) error {
		return p.OnCreditsReserved(ctx, userID, amount, available)
	})
}

// EmitInsufficientCredits emits a rejected reservation or deduction.
func (r *Registry) EmitInsufficientCredits(ctx context.Context, userID id.UserID, required, available decimal.Decimal) {
	emit(ctx, r, "OnInsufficientCredits", &r.onInsufficientCredits, func(p OnInsufficientCredits) error {
		return p.OnInsufficientCredits(ctx, userID, required, available)
	})
}

// EmitTransition emits a state change.
func (r *Registry) EmitTransition(ctx context.Context, h *fsm.History, from, to *fsm.State) {
	emit(ctx, r, "OnTransition", &r.onTransition, func(p OnTransition) error {
		return p.OnTransition(ctx, h, from, to)
	})
}

// EmitRuleMatched emits a rule match.
func (r *Registry) EmitRuleMatched(ctx context.Context, userID id.UserID, matched *rule.Rule) {
	emit(ctx, r, "OnRuleMatched", &r.onRuleMatched, func(p OnRuleMatched) error {
		return p.OnRuleMatched(ctx, userID, matched)
	})
}

// EmitOverlayActivated emits an overlay activation.
func (r *Registry) EmitOverlayActivated(ctx context.Context, o *overlay.Overlay) {
	emit(ctx, r, "OnOverlayActivated", &r.onOverlayActivated, func(p OnOverlayActivated) error {
		return p.OnOverlayActivated(ctx, o)
	})
}

// EmitOverlayExpired emits an overlay expiry.
func (r *Registry) EmitOverlayExpired(ctx context.Context, o *overlay.Overlay) {
	emit(ctx, r, "OnOverlayExpired", &r.onOverlayExpired, func(p OnOverlayExpired) error {
		return p.OnOverlayExpired(ctx, o)
	})
}

// EmitBonusGranted emits a bonus grant.
func (r *Registry) EmitBonusGranted(ctx context.Context, b *bonus.Bonus) {
	emit(ctx, r, "OnBonusGranted", &r.onBonusGranted, func(p OnBonusGranted) error {
		return p.OnBonusGranted(ctx, b)
	})
}

// EmitBonusCompleted emits a bonus completion.
func (r *Registry) EmitBonusCompleted(ctx context.Context, b *bonus.Bonus) {
	emit(ctx, r, "OnBonusCompleted", &r.onBonusCompleted, func(p OnBonusCompleted) error {
		return p.OnBonusCompleted(ctx, b)
	})
}

// EmitBonusRevoked emits a bonus revocation.
func (r *Registry) EmitBonusRevoked(ctx context.Context, b *bonus.Bonus, revoked decimal.Decimal) {
	emit(ctx, r, "OnBonusRevoked", &r.onBonusRevoked, func(p OnBonusRevoked) error {
		return p.OnBonusRevoked(ctx, b, revoked)
	})
}

// EmitActionFailed emits an action failure.
func (r *Registry) EmitActionFailed(ctx context.Context, f ActionFailure) {
	emit(ctx, r, "OnActionFailed", &r.onActionFailed, func(p OnActionFailed) error {
		return p.OnActionFailed(ctx, f)
	})
}

// EmitSweepCompleted emits a sweep report.
func (r *Registry) EmitSweepCompleted(ctx context.Context, report SweepReport) {
	emit(ctx, r, "OnSweepCompleted", &r.onSweepCompleted, func(p OnSweepCompleted) error {
		return p.OnSweepCompleted(ctx, report)
	})
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the funnel pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(r.timeout):
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
