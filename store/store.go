// Package store defines the unified persistence interface of the funnel
// engine. Backends live in the memory, postgres, sqlite and mongo
// subpackages.
package store

import (
	"context"

	"github.com/xraph/funnel/bonus"
	"github.com/xraph/funnel/cost"
	"github.com/xraph/funnel/fsm"
	"github.com/xraph/funnel/overlay"
	"github.com/xraph/funnel/rule"
	"github.com/xraph/funnel/types"
	"github.com/xraph/funnel/user"
)

// Store is the unified storage interface for all funnel entities. Every
// mutation of a user's balance or lifecycle position is one atomic
// operation scoped to that user.
type Store interface {
	user.Store
	fsm.Store
	rule.Store
	overlay.Store
	bonus.Store
	cost.Store

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Clocked is implemented by backends that stamp timestamps of their own.
// The engine hands them its clock so every timestamp comes from one source.
type Clocked interface {
	SetClock(c types.Clock)
}

// MaxCASAttempts bounds optimistic retry loops in SQL and document backends.
const MaxCASAttempts = 8
