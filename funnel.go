package funnel

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/funnel/bonus"
	"github.com/xraph/funnel/cost"
	"github.com/xraph/funnel/event"
	"github.com/xraph/funnel/fsm"
	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/notify"
	"github.com/xraph/funnel/plugin"
	"github.com/xraph/funnel/store"
	"github.com/xraph/funnel/types"
	"github.com/xraph/funnel/user"
)

// Defaults applied by New.
const (
	DefaultSweepBatchSize = 100
	DefaultMaxCascade     = 32
	DefaultNotifyBuffer   = 1024
	DefaultCostCacheTTL   = time.Minute
)

// Funnel is the monetization and lifecycle engine. It owns every component
// and routes the events they raise back into the lifecycle graph and the
// rule engine.
type Funnel struct {
	store   store.Store
	plugins *plugin.Registry
	logger  *slog.Logger
	clock   types.Clock

	// Configuration
	messenger    notify.Messenger
	linker       notify.PaymentLinker
	policy       bonus.RevocationPolicy
	tripwire     TripwirePolicy
	batchSize    int
	ruleTriggers map[string]string
	notifyBuffer int
	costCacheTTL time.Duration
	maxCascade   int
	maxHops      int
	migrate      bool

	costs      *cost.Cache
	dispatcher *notify.Dispatcher
	ledger     *CreditLedger
	machine    *StateMachine
	rules      *RuleEngine
	overlays   *OverlayManager
	bonuses    *BonusTracker
}

// New creates a Funnel over s.
func New(s store.Store, opts ...Option) *Funnel {
	f := &Funnel{
		store:        s,
		plugins:      plugin.NewRegistry(),
		logger:       slog.Default(),
		clock:        types.SystemClock,
		policy:       bonus.ClampAtZero,
		tripwire:     DefaultTripwirePolicy(),
		batchSize:    DefaultSweepBatchSize,
		ruleTriggers: event.DefaultRuleTriggers(),
		notifyBuffer: DefaultNotifyBuffer,
		costCacheTTL: DefaultCostCacheTTL,
		maxCascade:   DefaultMaxCascade,
		maxHops:      DefaultMaxImmersionHops,
		migrate:      true,
	}

	for _, opt := range opts {
		opt(f)
	}
	if c, ok := s.(store.Clocked); ok {
		c.SetClock(f.clock)
	}

	f.costs = cost.NewCache(s, f.clock, f.costCacheTTL)
	f.dispatcher = notify.NewDispatcher(f.messenger, f.linker,
		notify.WithLogger(f.logger),
		notify.WithBuffer(f.notifyBuffer),
	)

	events := publisherFunc(f.Publish)
	notifier := notifierFunc(f.Notify)

	f.ledger = NewCreditLedger(s, events, f, f.plugins, f.logger, f.clock)
	f.overlays = NewOverlayManager(s, s, events, notifier, f.plugins, f.logger, f.clock, f.tripwire, f.batchSize)
	f.bonuses = NewBonusTracker(s, s, f.ledger, events, notifier, f.plugins, f.logger, f.clock, f.policy, f.batchSize)

	snap := &snapshotter{users: s, costs: f, clock: f.clock}
	exec := &executor{
		users:    s,
		overlays: f.overlays,
		bonuses:  f.bonuses,
		notifier: notifier,
		plugins:  f.plugins,
		logger:   f.logger,
		clock:    f.clock,
	}
	f.machine = &StateMachine{
		graphs:  s,
		users:   s,
		snap:    snap,
		exec:    exec,
		plugins: f.plugins,
		logger:  f.logger,
		clock:   f.clock,
		batch:   f.batchSize,
		maxHops: f.maxHops,
	}
	f.rules = &RuleEngine{
		rules:    s,
		users:    s,
		overlays: f.overlays,
		snap:     snap,
		exec:     exec,
		plugins:  f.plugins,
		logger:   f.logger,
		clock:    f.clock,
	}

	return f
}

// Start migrates the store unless disabled, starts notification delivery and initializes
// plugins.
func (f *Funnel) Start(ctx context.Context) error {
	if f.migrate {
		if err := f.store.Migrate(ctx); err != nil {
			return err
		}
	}

	f.dispatcher.Start(ctx)
	f.plugins.EmitInit(ctx, f)

	f.logger.Info("funnel started",
		"sweep_batch_size", f.batchSize,
		"revocation_policy", f.policy.Name(),
		"max_cascade", f.maxCascade,
		"cost_cache_ttl", f.costCacheTTL,
	)
	return nil
}

// Stop drains pending notifications and closes the store.
func (f *Funnel) Stop() error {
	f.dispatcher.Stop()

	ctx := context.Background()
	f.plugins.EmitShutdown(ctx)

	return f.store.Close()
}

// Store returns the underlying store.
func (f *Funnel) Store() store.Store { return f.store }

// Plugins returns the plugin registry.
func (f *Funnel) Plugins() *plugin.Registry { return f.plugins }

// Ledger returns the credit ledger.
func (f *Funnel) Ledger() *CreditLedger { return f.ledger }

// Machine returns the lifecycle state machine.
func (f *Funnel) Machine() *StateMachine { return f.machine }

// Rules returns the rule engine.
func (f *Funnel) Rules() *RuleEngine { return f.rules }

// Overlays returns the overlay manager.
func (f *Funnel) Overlays() *OverlayManager { return f.overlays }

// Bonuses returns the burnable bonus tracker.
func (f *Funnel) Bonuses() *BonusTracker { return f.bonuses }

// ──────────────────────────────────────────────────
// Event routing
// ──────────────────────────────────────────────────

// Trigger delivers an event to the lifecycle graph and then to the rule
// engine. Events raised while it is processed are queued and handled after
// it, up to the cascade limit. Called from within a cascade, Trigger only
// queues the event and returns nil.
func (f *Funnel) Trigger(ctx context.Context, userID id.UserID, name string, payload event.Payload) error {
	return f.cascade(ctx, func(ctx context.Context) error {
		q, _ := event.QueueFrom(ctx)
		q.Push(event.Event{UserID: userID, Name: name, Payload: payload})
		return nil
	})
}

// Publish is Trigger for component-raised events: errors are logged.
func (f *Funnel) Publish(ctx context.Context, e event.Event) {
	if err := f.Trigger(ctx, e.UserID, e.Name, e.Payload); err != nil {
		f.logger.Error("event failed",
			"user_id", e.UserID.String(),
			"event", e.Name,
			"error", err,
		)
	}
}

// Notify queues a user-facing message. Delivery failures are logged.
func (f *Funnel) Notify(ctx context.Context, n notify.Notification) {
	if err := f.dispatcher.Enqueue(ctx, n); err != nil {
		f.logger.Warn("notification not queued",
			"user_id", n.UserID.String(),
			"source", n.Source,
			"error", err,
		)
	}
}

// cascade runs fn inside the caller's event queue, or in a new one that is
// drained once fn returns. The error of fn wins over event errors.
func (f *Funnel) cascade(ctx context.Context, fn func(context.Context) error) error {
	if _, ok := event.QueueFrom(ctx); ok {
		return fn(ctx)
	}
	q := &event.Queue{}
	ctx = event.WithQueue(ctx, q)
	err := fn(ctx)
	if derr := f.drain(ctx, q); err == nil {
		err = derr
	}
	return err
}

// commit is cascade for operations that change balances. Once fn has
// committed, failures of the events it raised are logged and not returned.
func (f *Funnel) commit(ctx context.Context, op string, fn func(context.Context) error) error {
	if _, ok := event.QueueFrom(ctx); ok {
		return fn(ctx)
	}
	q := &event.Queue{}
	ctx = event.WithQueue(ctx, q)
	err := fn(ctx)
	if derr := f.drain(ctx, q); derr != nil {
		f.logger.Error("events after "+op+" failed", "error", derr)
	}
	return err
}

func (f *Funnel) drain(ctx context.Context, q *event.Queue) error {
	var first error
	for depth := 0; ; depth++ {
		e, ok := q.Pop()
		if !ok {
			return first
		}
		if depth >= f.maxCascade {
			f.logger.Warn("event cascade limit reached",
				"user_id", e.UserID.String(),
				"event", e.Name,
				"dropped", q.Len()+1,
			)
			if first == nil {
				first = ErrCascadeLimit
			}
			return first
		}
		e.Depth = depth
		if err := f.process(ctx, e); err != nil {
			if first == nil {
				first = err
			}
			if depth > 0 {
				f.logger.Error("cascaded event failed",
					"user_id", e.UserID.String(),
					"event", e.Name,
					"depth", depth,
					"error", err,
				)
			}
		}
	}
}

// process hands e to the state machine, then to the rule engine when the
// event maps to a rule trigger. Rules run even when the state machine fails.
func (f *Funnel) process(ctx context.Context, e event.Event) error {
	_, err := f.machine.Trigger(ctx, e.UserID, e.Name, e.Payload)
	if errors.Is(err, ErrNoActiveVersion) {
		err = nil
	}

	trigger, ok := f.ruleTriggers[e.Name]
	if !ok {
		return err
	}
	if _, rerr := f.rules.Process(ctx, e.UserID, trigger, e.Payload); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

// ──────────────────────────────────────────────────
// Users
// ──────────────────────────────────────────────────

// RegisterUser creates a user with an optional starting balance and fires
// USER_REGISTERED.
func (f *Funnel) RegisterUser(ctx context.Context, externalID string, initialCredits decimal.Decimal) (*user.User, error) {
	if externalID == "" {
		return nil, ValidationError{Field: "external_id", Message: "required"}
	}
	if initialCredits.IsNegative() {
		return nil, ErrInvalidAmount
	}

	now := f.clock.Now()
	u := &user.User{
		Entity:       types.NewEntityAt(now),
		ID:           id.NewUserID(),
		ExternalID:   externalID,
		LastActiveAt: now,
	}
	err := f.commit(ctx, "registration", func(ctx context.Context) error {
		if err := f.store.CreateUser(ctx, u); err != nil {
			return err
		}
		if err := f.Trigger(ctx, u.ID, event.UserRegistered, event.Payload{"externalId": externalID}); err != nil {
			return err
		}
		if initialCredits.IsPositive() {
			if _, err := f.ledger.AddCredits(ctx, u.ID, initialCredits, user.TxAdjustment, "", map[string]string{"reason": "registration"}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	f.logger.Info("user registered",
		"user_id", u.ID.String(),
		"external_id", externalID,
	)
	return f.store.GetUser(ctx, u.ID)
}

// GetUser returns a user.
func (f *Funnel) GetUser(ctx context.Context, userID id.UserID) (*user.User, error) {
	return f.store.GetUser(ctx, userID)
}

// GetUserByExternalID returns the user with externalID.
func (f *Funnel) GetUserByExternalID(ctx context.Context, externalID string) (*user.User, error) {
	return f.store.GetUserByExternalID(ctx, externalID)
}

// Transactions returns the user's transaction log, newest first.
func (f *Funnel) Transactions(ctx context.Context, userID id.UserID, opts user.ListOpts) ([]*user.Transaction, error) {
	return f.store.ListTransactions(ctx, userID, opts)
}

// History returns the user's lifecycle history, newest first.
func (f *Funnel) History(ctx context.Context, userID id.UserID, opts fsm.ListOpts) ([]*fsm.History, error) {
	return f.machine.History(ctx, userID, opts)
}

// ──────────────────────────────────────────────────
// Payments and generations
// ──────────────────────────────────────────────────

// RecordPayment credits a completed purchase, counts it towards top-up
// bonuses, unlocks the referral program on the first payment and fires
// PAYMENT_COMPLETED.
func (f *Funnel) RecordPayment(ctx context.Context, userID id.UserID, amount decimal.Decimal, method string, metadata map[string]string) (*user.User, error) {
	var u *user.User
	err := f.commit(ctx, "payment", func(ctx context.Context) error {
		var err error
		u, err = f.ledger.AddCredits(ctx, userID, amount, user.TxPurchase, method, metadata)
		if err != nil {
			return err
		}
		if _, err := f.bonuses.OnTopUp(ctx, userID, amount); err != nil {
			f.logger.Error("bonus top-up progress failed", "user_id", userID.String(), "error", err)
		}
		if _, _, err := f.overlays.EnableReferral(ctx, userID, ActivateOpts{}); err != nil && !errors.Is(err, ErrNotEligible) {
			f.logger.Warn("referral unlock failed", "user_id", userID.String(), "error", err)
		}
		return f.Trigger(ctx, userID, event.PaymentCompleted, event.Payload{
			"amount": amount,
			"method": method,
		})
	})
	return u, err
}

// RecordPaymentFailure logs a failed payment and fires PAYMENT_FAILED.
func (f *Funnel) RecordPaymentFailure(ctx context.Context, userID id.UserID, method, reason string) error {
	return f.commit(ctx, "payment failure", func(ctx context.Context) error {
		md := map[string]string{}
		if reason != "" {
			md["reason"] = reason
		}
		if err := f.ledger.RecordPaymentFailure(ctx, userID, method, md); err != nil {
			return err
		}
		return f.Trigger(ctx, userID, event.PaymentFailed, event.Payload{
			"method": method,
			"reason": reason,
		})
	})
}

// CompleteGeneration commits a reservation, counts the generation towards
// bonuses and fires GENERATION_COMPLETED.
func (f *Funnel) CompleteGeneration(ctx context.Context, userID id.UserID, reservedAmount, actualCost decimal.Decimal, refID string, metadata map[string]string) (*user.User, error) {
	var u *user.User
	err := f.commit(ctx, "generation", func(ctx context.Context) error {
		var err error
		u, err = f.ledger.Commit(ctx, userID, reservedAmount, actualCost, refID, metadata)
		if err != nil {
			return err
		}
		if _, err := f.bonuses.OnGeneration(ctx, userID); err != nil {
			f.logger.Error("bonus generation progress failed", "user_id", userID.String(), "error", err)
		}
		return f.Trigger(ctx, userID, event.GenerationCompleted, event.Payload{
			"cost":  actualCost,
			"refId": refID,
		})
	})
	return u, err
}

// FailGeneration releases a reservation and fires GENERATION_FAILED.
func (f *Funnel) FailGeneration(ctx context.Context, userID id.UserID, reservedAmount decimal.Decimal, refID string) (*user.User, error) {
	var u *user.User
	err := f.commit(ctx, "generation failure", func(ctx context.Context) error {
		var err error
		u, err = f.ledger.Release(ctx, userID, reservedAmount)
		if err != nil {
			return err
		}
		return f.Trigger(ctx, userID, event.GenerationFailed, event.Payload{"refId": refID})
	})
	return u, err
}
