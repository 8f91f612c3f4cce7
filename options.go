package funnel

import (
	"log/slog"
	"time"

	"github.com/xraph/funnel/bonus"
	"github.com/xraph/funnel/event"
	"github.com/xraph/funnel/notify"
	"github.com/xraph/funnel/plugin"
	"github.com/xraph/funnel/types"
)

// Option configures a Funnel instance.
type Option func(*Funnel)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Funnel) {
		f.logger = logger
		f.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(f *Funnel) {
		_ = f.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithMessenger sets the gateway user messages are sent through.
func WithMessenger(m notify.Messenger) Option {
	return func(f *Funnel) { f.messenger = m }
}

// WithPaymentLinker sets the gateway that creates payment links.
func WithPaymentLinker(l notify.PaymentLinker) Option {
	return func(f *Funnel) { f.linker = l }
}

// WithClock replaces the wall clock.
func WithClock(c types.Clock) Option {
	return func(f *Funnel) {
		if c != nil {
			f.clock = c
		}
	}
}

// WithRevocationPolicy sets how expired bonuses are taken back.
func WithRevocationPolicy(p bonus.RevocationPolicy) Option {
	return func(f *Funnel) {
		if p != nil {
			f.policy = p
		}
	}
}

// WithTripwirePolicy replaces the tripwire eligibility policy.
func WithTripwirePolicy(p TripwirePolicy) Option {
	return func(f *Funnel) { f.tripwire = p }
}

// WithSweepBatchSize sets how many rows a sweep handles per query.
func WithSweepBatchSize(n int) Option {
	return func(f *Funnel) {
		if n > 0 {
			f.batchSize = n
		}
	}
}

// WithRuleTriggers overrides the event to rule trigger mapping. An empty
// value stops an event from reaching the rule engine.
func WithRuleTriggers(m map[string]string) Option {
	return func(f *Funnel) {
		f.ruleTriggers = event.MergeTriggers(f.ruleTriggers, m)
	}
}

// WithNotifyBuffer sets the notification queue capacity.
func WithNotifyBuffer(n int) Option {
	return func(f *Funnel) {
		if n > 0 {
			f.notifyBuffer = n
		}
	}
}

// WithCostCacheTTL sets how long tariffs and settings are cached.
func WithCostCacheTTL(ttl time.Duration) Option {
	return func(f *Funnel) { f.costCacheTTL = ttl }
}

// WithMaxCascade bounds the events handled per top-level call.
func WithMaxCascade(n int) Option {
	return func(f *Funnel) {
		if n > 0 {
			f.maxCascade = n
		}
	}
}

// WithMaxImmersionHops bounds the simulated walk of immersion.
func WithMaxImmersionHops(n int) Option {
	return func(f *Funnel) {
		if n > 0 {
			f.maxHops = n
		}
	}
}

// WithAutoMigrate controls whether Start migrates the store. On by default.
func WithAutoMigrate(on bool) Option {
	return func(f *Funnel) { f.migrate = on }
}
