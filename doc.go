// Package funnel provides a monetization and user-lifecycle engine for
// metered products.
//
// Funnel is designed as a library, not a service. Import it directly into
// your Go application, or run the cmd/funnel daemon for an HTTP surface. It
// provides:
//
//   - A per-user credit ledger with reserve, commit and release semantics
//   - A pure, decimal-exact generation cost calculator
//   - A versioned lifecycle state machine driven by events and timeouts
//   - A multi-match rule engine for promotional overlays
//   - Burnable bonuses that are taken back when their condition is unmet
//   - Plugin hooks for metrics and audit trails
//
// # Quick Start
//
// Create a funnel instance with your preferred store:
//
//	import (
//	    "github.com/xraph/funnel"
//	    "github.com/xraph/funnel/store/postgres"
//	)
//
//	store := postgres.New(db)
//
//	f := funnel.New(store,
//	    funnel.WithMessenger(telegram),
//	    funnel.WithRevocationPolicy(bonus.ClampAtZero),
//	)
//	if err := f.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer f.Stop()
//
// # Core Concepts
//
// Credits are held before work starts and settled when it finishes:
//
//	if _, err := f.Ledger().Reserve(ctx, userID, estimate); err != nil {
//	    // errors.Is(err, funnel.ErrInsufficientCredits)
//	}
//	f.CompleteGeneration(ctx, userID, estimate, actual, jobID, nil)
//
// Events move users through the active lifecycle graph. At most one
// transition fires per event; afterwards the same event reaches the rule
// engine, where every matching rule runs:
//
//	f.Trigger(ctx, userID, event.PaymentCompleted, event.Payload{"amount": 100})
//
// Sweeps are plain methods meant to be called by a scheduler:
//
//	f.HandleTimeouts(ctx)
//	f.ExpireOverlays(ctx)
//	f.HandleBonusDeadlines(ctx)
//
// # Concurrency
//
// Every balance change is a single atomic store operation scoped to one
// user, so concurrent reservations never oversell. Lifecycle moves use
// optimistic versioning and fail with ErrConcurrentUpdate instead of
// overwriting a concurrent move.
//
// # TypeID
//
// All entities use TypeID for globally unique, type-safe identifiers:
//
//	usr_01h2xcejqtf2nbrexx3vqjhp41   // User ID
//	fsms_01h2xcejqtf2nbrexx3vqjhp41  // Lifecycle state ID
//	bns_01h455vb4pex5vsknk084sn02q   // Burnable bonus ID
//
// TypeIDs are K-sortable, making them ideal for database indexes and
// providing natural time-ordering of entities.
package funnel
