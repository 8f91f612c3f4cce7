// Package memory is an in-process store for tests and single-node use.
//
// Maps are guarded by one RWMutex held only for the duration of a lookup or
// write. Read-modify-write operations on a user additionally hold that
// user's own mutex, so different users never contend.
package memory

import (
	"context"
	"sync"

	"github.com/xraph/funnel/bonus"
	"github.com/xraph/funnel/cost"
	"github.com/xraph/funnel/fsm"
	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/overlay"
	"github.com/xraph/funnel/rule"
	"github.com/xraph/funnel/store"
	"github.com/xraph/funnel/user"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	// User storage
	users        map[string]*user.User
	externalIDs  map[string]string
	transactions map[string][]*user.Transaction

	// Lifecycle storage
	versions    map[string]*fsm.Version
	states      map[string]*fsm.State
	transitions map[string]*fsm.Transition
	userStates  map[string]*fsm.UserState
	history     map[string][]*fsm.History

	rules     map[string]*rule.Rule
	overlays  map[string]*overlay.Overlay
	templates map[string]*bonus.Template
	bonuses   map[string]*bonus.Bonus

	tariffs  map[string]*cost.Tariff
	settings *cost.Settings

	userLocks sync.Map // user id -> *sync.Mutex
}

func New() *Store {
	return &Store{
		users:        make(map[string]*user.User),
		externalIDs:  make(map[string]string),
		transactions: make(map[string][]*user.Transaction),
		versions:     make(map[string]*fsm.Version),
		states:       make(map[string]*fsm.State),
		transitions:  make(map[string]*fsm.Transition),
		userStates:   make(map[string]*fsm.UserState),
		history:      make(map[string][]*fsm.History),
		rules:        make(map[string]*rule.Rule),
		overlays:     make(map[string]*overlay.Overlay),
		templates:    make(map[string]*bonus.Template),
		bonuses:      make(map[string]*bonus.Bonus),
		tariffs:      make(map[string]*cost.Tariff),
	}
}

// lockUser serializes read-modify-write operations on one user.
func (s *Store) lockUser(userID id.UserID) func() {
	v, _ := s.userLocks.LoadOrStore(userID.String(), &sync.Mutex{})
	m := v.(*sync.Mutex) //nolint:errcheck // only *sync.Mutex is stored
	m.Lock()
	return m.Unlock
}

// Core methods
func (s *Store) Migrate(_ context.Context) error {
	return nil
}

func (s *Store) Ping(_ context.Context) error {
	return nil
}

func (s *Store) Close() error {
	return nil
}

func page[T any](items []T, limit, offset int) []T {
	start := min(max(offset, 0), len(items))
	end := len(items)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return items[start:end]
}
