package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/funnel"
	"github.com/xraph/funnel/bonus"
	"github.com/xraph/funnel/cost"
	"github.com/xraph/funnel/fsm"
	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/overlay"
	"github.com/xraph/funnel/rule"
	funnelstore "github.com/xraph/funnel/store"
	"github.com/xraph/funnel/types"
	"github.com/xraph/funnel/user"
)

// compile-time interface check
var _ funnelstore.Store = (*Store)(nil)

// Store implements store.Store using SQLite via Grove ORM.
//
// SQLite has no data-modifying CTEs, so a balance write is a guarded update
// of the user row followed by the log append. The guard on the user's
// version serialises writers; the append runs only after the guard won.
type Store struct {
	db    *grove.DB
	sdb   *sqlitedriver.SqliteDB
	clock types.Clock
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:    db,
		sdb:   sqlitedriver.Unwrap(db),
		clock: types.SystemClock,
	}
}

// SetClock replaces the clock used for the timestamps the store stamps
// itself. Call it before the store is shared.
func (s *Store) SetClock(c types.Clock) {
	if c != nil {
		s.clock = c
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("funnel/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: sqlite: %w", funnel.ErrMigrationFailed, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== User Store ====================

func (s *Store) CreateUser(ctx context.Context, u *user.User) error {
	_, err := s.sdb.NewInsert(toUserModel(u)).Exec(ctx)
	if isUniqueViolation(err) {
		return funnel.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetUser(ctx context.Context, userID id.UserID) (*user.User, error) {
	m := new(userModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", userID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, funnel.ErrUserNotFound
		}
		return nil, err
	}
	return fromUserModel(m)
}

func (s *Store) GetUserByExternalID(ctx context.Context, externalID string) (*user.User, error) {
	if externalID == "" {
		return nil, funnel.ErrUserNotFound
	}
	m := new(userModel)
	err := s.sdb.NewSelect(m).
		Where("external_id = ?", externalID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, funnel.ErrUserNotFound
		}
		return nil, err
	}
	return fromUserModel(m)
}

func (s *Store) ListUsers(ctx context.Context, opts user.ListOpts) ([]*user.User, error) {
	var models []userModel
	q := s.sdb.NewSelect(&models).OrderExpr("id ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*user.User, len(models))
	for i := range models {
		u, err := fromUserModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = u
	}
	return result, nil
}

func (s *Store) ApplyMutation(ctx context.Context, userID id.UserID, m user.Mutation) (*user.User, error) {
	for range funnelstore.MaxCASAttempts {
		current, err := s.GetUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		next := current.Clone()
		if _, err := m.Apply(next); err != nil {
			return nil, err
		}

		ok, err := s.swapUser(ctx, current.Version, next)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if m.Transaction != nil {
			if _, err := s.sdb.NewInsert(toTransactionModel(m.Transaction)).Exec(ctx); err != nil {
				return nil, fmt.Errorf("funnel/sqlite: append transaction: %w", err)
			}
		}
		return next, nil
	}
	return nil, funnel.ErrConcurrentUpdate
}

// swapUser writes the balance columns of u if the stored version is still
// expect. It reports false when the version moved.
func (s *Store) swapUser(ctx context.Context, expect int64, u *user.User) (bool, error) {
	res, err := s.sdb.NewUpdate((*userModel)(nil)).
		Set("credits = ?", u.Credits.String()).
		Set("reserved_credits = ?", u.ReservedCredits.String()).
		Set("total_generated = ?", u.TotalGenerated).
		Set("last_active_at = ?", toNanos(u.LastActiveAt)).
		Set("updated_at = ?", toNanos(u.UpdatedAt)).
		Set("version = ?", u.Version).
		Where("id = ?", u.ID.String()).
		Where("version = ?", expect).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (s *Store) UpdateTags(ctx context.Context, userID id.UserID, add, remove []string) (*user.User, error) {
	for range funnelstore.MaxCASAttempts {
		current, err := s.GetUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		next := current.Clone()
		next.Tags = user.ApplyTags(current.Tags, add, remove)
		next.Version++
		next.UpdatedAt = s.now()

		res, err := s.sdb.NewUpdate((*userModel)(nil)).
			Set("tags = ?", encodeJSON(next.Tags, "[]")).
			Set("version = ?", next.Version).
			Set("updated_at = ?", toNanos(next.UpdatedAt)).
			Where("id = ?", userID.String()).
			Where("version = ?", current.Version).
			Exec(ctx)
		if err != nil {
			return nil, err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if rows == 1 {
			return next, nil
		}
	}
	return nil, funnel.ErrConcurrentUpdate
}

func (s *Store) TouchUser(ctx context.Context, userID id.UserID, at time.Time) error {
	res, err := s.sdb.NewUpdate((*userModel)(nil)).
		Set("last_active_at = MAX(last_active_at, ?)", toNanos(at)).
		Where("id = ?", userID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return funnel.ErrUserNotFound
	}
	return nil
}

// ListTransactions returns the newest transactions first.
func (s *Store) ListTransactions(ctx context.Context, userID id.UserID, opts user.ListOpts) ([]*user.Transaction, error) {
	var models []transactionModel
	q := s.sdb.NewSelect(&models).
		Where("user_id = ?", userID.String()).
		OrderExpr("created_at DESC, id DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromTransactionModels(models)
}

func (s *Store) GetActivity(ctx context.Context, userID id.UserID) (*user.Activity, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	var purchases []transactionModel
	err := s.sdb.NewSelect(&purchases).
		Where("user_id = ?", userID.String()).
		Where("type = ?", string(user.TxPurchase)).
		Where("status = ?", string(user.StatusCompleted)).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	models := purchases

	for _, t := range []user.TxType{user.TxGenerationCost, user.TxPaymentFailed} {
		var latest []transactionModel
		err := s.sdb.NewSelect(&latest).
			Where("user_id = ?", userID.String()).
			Where("type = ?", string(t)).
			OrderExpr("created_at DESC").
			Limit(1).
			Scan(ctx)
		if err != nil {
			return nil, err
		}
		models = append(models, latest...)
	}

	txs, err := fromTransactionModels(models)
	if err != nil {
		return nil, err
	}
	a := user.Summarize(txs)
	return &a, nil
}

func fromTransactionModels(models []transactionModel) ([]*user.Transaction, error) {
	result := make([]*user.Transaction, len(models))
	for i := range models {
		tx, err := fromTransactionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = tx
	}
	return result, nil
}

// ==================== Lifecycle Store ====================

func (s *Store) CreateVersion(ctx context.Context, v *fsm.Version) error {
	_, err := s.sdb.NewInsert(toVersionModel(v)).Exec(ctx)
	if isUniqueViolation(err) {
		return funnel.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetVersion(ctx context.Context, versionID id.VersionID) (*fsm.Version, error) {
	m := new(versionModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", versionID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, funnel.ErrVersionNotFound
		}
		return nil, err
	}
	return fromVersionModel(m)
}

func (s *Store) GetActiveVersion(ctx context.Context) (*fsm.Version, error) {
	m := new(versionModel)
	err := s.sdb.NewSelect(m).
		Where("is_active = 1").
		OrderExpr("updated_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, funnel.ErrNoActiveVersion
		}
		return nil, err
	}
	return fromVersionModel(m)
}

func (s *Store) ListVersions(ctx context.Context) ([]*fsm.Version, error) {
	var models []versionModel
	if err := s.sdb.NewSelect(&models).OrderExpr("number ASC").Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*fsm.Version, len(models))
	for i := range models {
		v, err := fromVersionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = v
	}
	return result, nil
}

// ActivateVersion flips every flag in one statement.
func (s *Store) ActivateVersion(ctx context.Context, versionID id.VersionID) error {
	if _, err := s.GetVersion(ctx, versionID); err != nil {
		return err
	}
	_, err := s.sdb.NewUpdate((*versionModel)(nil)).
		Set("is_active = (id = ?)", versionID.String()).
		Set("updated_at = ?", toNanos(s.now())).
		Where("(is_active = 1 OR id = ?)", versionID.String()).
		Exec(ctx)
	return err
}

func (s *Store) CreateState(ctx context.Context, st *fsm.State) error {
	_, err := s.sdb.NewInsert(toStateModel(st)).Exec(ctx)
	if isUniqueViolation(err) {
		return funnel.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetState(ctx context.Context, stateID id.StateID) (*fsm.State, error) {
	m := new(stateModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", stateID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, funnel.ErrStateNotFound
		}
		return nil, err
	}
	return fromStateModel(m)
}

func (s *Store) ListStates(ctx context.Context, versionID id.VersionID) ([]*fsm.State, error) {
	var models []stateModel
	err := s.sdb.NewSelect(&models).
		Where("version_id = ?", versionID.String()).
		OrderExpr("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]*fsm.State, len(models))
	for i := range models {
		st, err := fromStateModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = st
	}
	return result, nil
}

func (s *Store) CreateTransition(ctx context.Context, t *fsm.Transition) error {
	m, err := toTransitionModel(t)
	if err != nil {
		return err
	}
	_, err = s.sdb.NewInsert(m).Exec(ctx)
	if isUniqueViolation(err) {
		return funnel.ErrAlreadyExists
	}
	return err
}

func (s *Store) ListTransitions(ctx context.Context, fromStateID id.StateID, event string) ([]*fsm.Transition, error) {
	var models []transitionModel
	err := s.sdb.NewSelect(&models).
		Where("from_state_id = ?", fromStateID.String()).
		Where("trigger_event = ?", event).
		OrderExpr("priority DESC, id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return fromTransitionModels(models)
}

func (s *Store) ListVersionTransitions(ctx context.Context, versionID id.VersionID) ([]*fsm.Transition, error) {
	var models []transitionModel
	err := s.sdb.NewSelect(&models).
		Where("version_id = ?", versionID.String()).
		OrderExpr("priority DESC, id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return fromTransitionModels(models)
}

func fromTransitionModels(models []transitionModel) ([]*fsm.Transition, error) {
	result := make([]*fsm.Transition, len(models))
	for i := range models {
		t, err := fromTransitionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = t
	}
	return result, nil
}

func (s *Store) GetUserState(ctx context.Context, userID id.UserID) (*fsm.UserState, error) {
	m := new(userStateModel)
	err := s.sdb.NewSelect(m).
		Where("user_id = ?", userID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, funnel.ErrStateNotFound
		}
		return nil, err
	}
	return fromUserStateModel(m)
}

// InitUserState places the user unless a state already exists, in which
// case the existing one is returned untouched.
func (s *Store) InitUserState(ctx context.Context, us *fsm.UserState, stateCode string, h *fsm.History) (*fsm.UserState, error) {
	if _, err := s.GetUser(ctx, us.UserID); err != nil {
		return nil, err
	}

	m := &userStateModel{
		UserID:    us.UserID.String(),
		StateID:   us.StateID.String(),
		VersionID: us.VersionID.String(),
		EnteredAt: toNanos(us.EnteredAt),
		Version:   1,
	}
	res, err := s.sdb.NewInsert(m).OnConflict("(user_id) DO NOTHING").Exec(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 1 {
		if err := s.recordPlacement(ctx, us.UserID, stateCode, h); err != nil {
			return nil, err
		}
	}
	return s.GetUserState(ctx, us.UserID)
}

func (s *Store) MoveUserState(ctx context.Context, mv fsm.Move) (*fsm.UserState, error) {
	res, err := s.sdb.NewUpdate((*userStateModel)(nil)).
		Set("state_id = ?", mv.To.StateID.String()).
		Set("version_id = ?", mv.To.VersionID.String()).
		Set("entered_at = ?", toNanos(mv.To.EnteredAt)).
		Set("version = ?", mv.ExpectVersion+1).
		Where("user_id = ?", mv.UserID.String()).
		Where("version = ?", mv.ExpectVersion).
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		if _, err := s.GetUserState(ctx, mv.UserID); err != nil {
			return nil, err
		}
		return nil, funnel.ErrConcurrentUpdate
	}

	if err := s.recordPlacement(ctx, mv.UserID, mv.StateCode, mv.History); err != nil {
		return nil, err
	}
	return &fsm.UserState{
		UserID:    mv.UserID,
		StateID:   mv.To.StateID,
		VersionID: mv.To.VersionID,
		EnteredAt: mv.To.EnteredAt,
		Version:   mv.ExpectVersion + 1,
	}, nil
}

// recordPlacement caches the state code on the user and appends history.
func (s *Store) recordPlacement(ctx context.Context, userID id.UserID, stateCode string, h *fsm.History) error {
	_, err := s.sdb.NewUpdate((*userModel)(nil)).
		Set("lifecycle_state = ?", stateCode).
		Where("id = ?", userID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	if h == nil {
		return nil
	}
	_, err = s.sdb.NewInsert(toHistoryModel(h)).Exec(ctx)
	return err
}

func (s *Store) ListUserStatesInState(ctx context.Context, stateID id.StateID, enteredBefore time.Time, after id.UserID, limit int) ([]*fsm.UserState, error) {
	var models []userStateModel
	q := s.sdb.NewSelect(&models).
		Where("state_id = ?", stateID.String()).
		Where("entered_at < ?", toNanos(enteredBefore))
	if !after.IsNil() {
		q = q.Where("user_id > ?", after.String())
	}
	q = q.OrderExpr("user_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*fsm.UserState, len(models))
	for i := range models {
		us, err := fromUserStateModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = us
	}
	return result, nil
}

// ListHistory returns the newest entries first.
func (s *Store) ListHistory(ctx context.Context, userID id.UserID, opts fsm.ListOpts) ([]*fsm.History, error) {
	var models []historyModel
	q := s.sdb.NewSelect(&models).
		Where("user_id = ?", userID.String()).
		OrderExpr("at DESC, id DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*fsm.History, len(models))
	for i := range models {
		h, err := fromHistoryModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = h
	}
	return result, nil
}

func (s *Store) SetHistoryActions(ctx context.Context, historyID id.HistoryID, actions []string) error {
	_, err := s.sdb.NewUpdate((*historyModel)(nil)).
		Set("actions_taken = ?", encodeJSON(actions, "[]")).
		Where("id = ?", historyID.String()).
		Exec(ctx)
	return err
}

// ==================== Rule Store ====================

func (s *Store) CreateRule(ctx context.Context, r *rule.Rule) error {
	m, err := toRuleModel(r)
	if err != nil {
		return err
	}
	_, err = s.sdb.NewInsert(m).Exec(ctx)
	if isUniqueViolation(err) {
		return funnel.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetRule(ctx context.Context, ruleID id.RuleID) (*rule.Rule, error) {
	m := new(ruleModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", ruleID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, funnel.ErrRuleNotFound
		}
		return nil, err
	}
	return fromRuleModel(m)
}

func (s *Store) UpdateRule(ctx context.Context, r *rule.Rule) error {
	m, err := toRuleModel(r)
	if err != nil {
		return err
	}
	m.UpdatedAt = toNanos(s.now())
	res, err := s.sdb.NewUpdate(m).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return funnel.ErrRuleNotFound
	}
	return nil
}

func (s *Store) ListActiveRules(ctx context.Context, trigger string) ([]*rule.Rule, error) {
	var models []ruleModel
	err := s.sdb.NewSelect(&models).
		Where("trigger_event = ?", trigger).
		Where("is_active = 1").
		OrderExpr("priority DESC, id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return fromRuleModels(models)
}

func (s *Store) ListRules(ctx context.Context) ([]*rule.Rule, error) {
	var models []ruleModel
	if err := s.sdb.NewSelect(&models).OrderExpr("id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	return fromRuleModels(models)
}

func fromRuleModels(models []ruleModel) ([]*rule.Rule, error) {
	result := make([]*rule.Rule, len(models))
	for i := range models {
		r, err := fromRuleModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = r
	}
	return result, nil
}

// ==================== Overlay Store ====================

// ActivateOverlay relies on the partial unique index over live overlays.
func (s *Store) ActivateOverlay(ctx context.Context, o *overlay.Overlay) (*overlay.Overlay, bool, error) {
	m := toOverlayModel(o)
	for range funnelstore.MaxCASAttempts {
		res, err := s.sdb.NewInsert(m).
			OnConflict("(user_id, type) WHERE state IN ('ACTIVE', 'ELIGIBLE') DO NOTHING").
			Exec(ctx)
		if err != nil {
			return nil, false, err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return nil, false, err
		}
		if rows == 1 {
			c := *o
			return &c, true, nil
		}

		live, err := s.liveOverlay(ctx, o.UserID, o.Type)
		if err == nil {
			return live, false, nil
		}
		if !errors.Is(err, funnel.ErrOverlayNotFound) {
			return nil, false, err
		}
	}
	return nil, false, funnel.ErrConcurrentUpdate
}

func (s *Store) liveOverlay(ctx context.Context, userID id.UserID, t overlay.Type) (*overlay.Overlay, error) {
	m := new(overlayModel)
	err := s.sdb.NewSelect(m).
		Where("user_id = ?", userID.String()).
		Where("type = ?", string(t)).
		Where("state IN (?, ?)", string(overlay.StateActive), string(overlay.StateEligible)).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, funnel.ErrOverlayNotFound
		}
		return nil, err
	}
	return fromOverlayModel(m)
}

func (s *Store) GetOverlay(ctx context.Context, overlayID id.OverlayID) (*overlay.Overlay, error) {
	m := new(overlayModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", overlayID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, funnel.ErrOverlayNotFound
		}
		return nil, err
	}
	return fromOverlayModel(m)
}

func (s *Store) ListLiveOverlays(ctx context.Context, userID id.UserID) ([]*overlay.Overlay, error) {
	var models []overlayModel
	err := s.sdb.NewSelect(&models).
		Where("user_id = ?", userID.String()).
		Where("state IN (?, ?)", string(overlay.StateActive), string(overlay.StateEligible)).
		OrderExpr("type ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return fromOverlayModels(models)
}

func (s *Store) HasOverlayEver(ctx context.Context, userID id.UserID, t overlay.Type) (bool, error) {
	var n int64
	err := s.sdb.NewRaw(
		`SELECT COUNT(*) FROM funnel_overlays WHERE user_id = ? AND type = ?`,
		userID.String(), string(t),
	).Scan(ctx, &n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) DeactivateOverlay(ctx context.Context, userID id.UserID, t overlay.Type, at time.Time) (*overlay.Overlay, error) {
	live, err := s.liveOverlay(ctx, userID, t)
	if err != nil {
		return nil, err
	}
	ok, err := s.expireOverlay(ctx, live.ID, at)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, funnel.ErrOverlayNotFound
	}
	live.State = overlay.StateExpired
	live.UpdatedAt = at
	return live, nil
}

func (s *Store) ExpireOverlays(ctx context.Context, now time.Time, limit int) ([]*overlay.Overlay, error) {
	var models []overlayModel
	q := s.sdb.NewSelect(&models).
		Where("state IN (?, ?)", string(overlay.StateActive), string(overlay.StateEligible)).
		Where("expires_at IS NOT NULL").
		Where("expires_at < ?", toNanos(now)).
		OrderExpr("expires_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	due, err := fromOverlayModels(models)
	if err != nil {
		return nil, err
	}

	result := make([]*overlay.Overlay, 0, len(due))
	for _, o := range due {
		ok, err := s.expireOverlay(ctx, o.ID, now)
		if err != nil {
			return result, err
		}
		if !ok {
			continue
		}
		o.State = overlay.StateExpired
		o.UpdatedAt = now
		result = append(result, o)
	}
	return result, nil
}

// expireOverlay reports false when the overlay was no longer live.
func (s *Store) expireOverlay(ctx context.Context, overlayID id.OverlayID, at time.Time) (bool, error) {
	res, err := s.sdb.NewUpdate((*overlayModel)(nil)).
		Set("state = ?", string(overlay.StateExpired)).
		Set("updated_at = ?", toNanos(at)).
		Where("id = ?", overlayID.String()).
		Where("state IN (?, ?)", string(overlay.StateActive), string(overlay.StateEligible)).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func fromOverlayModels(models []overlayModel) ([]*overlay.Overlay, error) {
	result := make([]*overlay.Overlay, len(models))
	for i := range models {
		o, err := fromOverlayModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = o
	}
	return result, nil
}

// ==================== Bonus Store ====================

func (s *Store) CreateTemplate(ctx context.Context, t *bonus.Template) error {
	_, err := s.sdb.NewInsert(toTemplateModel(t)).Exec(ctx)
	if isUniqueViolation(err) {
		return funnel.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetTemplate(ctx context.Context, templateID id.TemplateID) (*bonus.Template, error) {
	m := new(templateModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", templateID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, funnel.ErrTemplateNotFound
		}
		return nil, err
	}
	return fromTemplateModel(m)
}

func (s *Store) GetTemplateByName(ctx context.Context, name string) (*bonus.Template, error) {
	m := new(templateModel)
	err := s.sdb.NewSelect(m).
		Where("name = ?", name).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, funnel.ErrTemplateNotFound
		}
		return nil, err
	}
	return fromTemplateModel(m)
}

func (s *Store) ListTemplates(ctx context.Context) ([]*bonus.Template, error) {
	var models []templateModel
	if err := s.sdb.NewSelect(&models).OrderExpr("name ASC").Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*bonus.Template, len(models))
	for i := range models {
		t, err := fromTemplateModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = t
	}
	return result, nil
}

func (s *Store) CreateBonus(ctx context.Context, b *bonus.Bonus) error {
	_, err := s.sdb.NewInsert(toBonusModel(b)).Exec(ctx)
	if isUniqueViolation(err) {
		return funnel.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetBonus(ctx context.Context, bonusID id.BonusID) (*bonus.Bonus, error) {
	m := new(bonusModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", bonusID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, funnel.ErrBonusNotFound
		}
		return nil, err
	}
	return fromBonusModel(m)
}

func (s *Store) ListActiveBonuses(ctx context.Context, userID id.UserID) ([]*bonus.Bonus, error) {
	var models []bonusModel
	err := s.sdb.NewSelect(&models).
		Where("user_id = ?", userID.String()).
		Where("status = ?", string(bonus.StatusActive)).
		OrderExpr("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return fromBonusModels(models)
}

// AddBonusProgress adds p to each active bonus of the user. Amounts are
// TEXT columns, so the sum is computed here and written back guarded by
// the previous value.
func (s *Store) AddBonusProgress(ctx context.Context, userID id.UserID, p bonus.Progress) ([]*bonus.Bonus, error) {
	active, err := s.ListActiveBonuses(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, b := range active {
		if err := s.addProgress(ctx, b, p); err != nil {
			return nil, err
		}
	}
	return s.ListActiveBonuses(ctx, userID)
}

func (s *Store) addProgress(ctx context.Context, b *bonus.Bonus, p bonus.Progress) error {
	for range funnelstore.MaxCASAttempts {
		res, err := s.sdb.NewUpdate((*bonusModel)(nil)).
			Set("generations_made = ?", b.GenerationsMade+p.Generations).
			Set("top_up_made = ?", b.TopUpMade.Add(p.TopUp).String()).
			Set("updated_at = ?", toNanos(s.now())).
			Where("id = ?", b.ID.String()).
			Where("status = ?", string(bonus.StatusActive)).
			Where("generations_made = ?", b.GenerationsMade).
			Where("top_up_made = ?", b.TopUpMade.String()).
			Exec(ctx)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 1 {
			return nil
		}

		fresh, err := s.GetBonus(ctx, b.ID)
		if err != nil {
			return err
		}
		if fresh.Status != bonus.StatusActive {
			return nil
		}
		b = fresh
	}
	return funnel.ErrConcurrentUpdate
}

func (s *Store) SetBonusStatus(ctx context.Context, bonusID id.BonusID, from, to bonus.Status, revoked decimal.Decimal) (bool, error) {
	res, err := s.sdb.NewUpdate((*bonusModel)(nil)).
		Set("status = ?", string(to)).
		Set("revoked_amount = ?", revoked.String()).
		Set("updated_at = ?", toNanos(s.now())).
		Where("id = ?", bonusID.String()).
		Where("status = ?", string(from)).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 1 {
		return true, nil
	}
	if _, err := s.GetBonus(ctx, bonusID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) ListExpiredBonuses(ctx context.Context, now time.Time, limit int) ([]*bonus.Bonus, error) {
	var models []bonusModel
	q := s.sdb.NewSelect(&models).
		Where("status = ?", string(bonus.StatusActive)).
		Where("deadline < ?", toNanos(now)).
		OrderExpr("deadline ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromBonusModels(models)
}

func fromBonusModels(models []bonusModel) ([]*bonus.Bonus, error) {
	result := make([]*bonus.Bonus, len(models))
	for i := range models {
		b, err := fromBonusModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = b
	}
	return result, nil
}

// ==================== Cost Store ====================

func (s *Store) PutTariff(ctx context.Context, t *cost.Tariff) error {
	_, err := s.sdb.NewInsert(toTariffModel(t)).
		OnConflict("(model_id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("input_price = EXCLUDED.input_price").
		Set("output_price = EXCLUDED.output_price").
		Set("output_image_price = EXCLUDED.output_image_price").
		Set("model_margin = EXCLUDED.model_margin").
		Set("credit_price_usd = EXCLUDED.credit_price_usd").
		Set("input_tokens = EXCLUDED.input_tokens").
		Set("low_res_tokens = EXCLUDED.low_res_tokens").
		Set("high_res_tokens = EXCLUDED.high_res_tokens").
		Set("is_active = EXCLUDED.is_active").
		Exec(ctx)
	return err
}

func (s *Store) GetTariff(ctx context.Context, modelID string) (*cost.Tariff, error) {
	m := new(tariffModel)
	err := s.sdb.NewSelect(m).
		Where("model_id = ?", modelID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, funnel.ErrTariffNotFound
		}
		return nil, err
	}
	return fromTariffModel(m), nil
}

func (s *Store) ListTariffs(ctx context.Context) ([]*cost.Tariff, error) {
	var models []tariffModel
	if err := s.sdb.NewSelect(&models).OrderExpr("model_id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	result := make([]*cost.Tariff, len(models))
	for i := range models {
		result[i] = fromTariffModel(&models[i])
	}
	return result, nil
}

func (s *Store) PutSettings(ctx context.Context, st *cost.Settings) error {
	m := &settingsModel{
		ID:            settingsRow,
		SystemMargin:  st.SystemMargin,
		CreditsPerUSD: st.CreditsPerUSD,
		USDRUBRate:    st.USDRUBRate,
		UpdatedAt:     toNanos(s.now()),
	}
	_, err := s.sdb.NewInsert(m).
		OnConflict("(id) DO UPDATE").
		Set("system_margin = EXCLUDED.system_margin").
		Set("credits_per_usd = EXCLUDED.credits_per_usd").
		Set("usd_rub_rate = EXCLUDED.usd_rub_rate").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *Store) GetSettings(ctx context.Context) (*cost.Settings, error) {
	m := new(settingsModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", settingsRow).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, funnel.ErrSettingsNotFound
		}
		return nil, err
	}
	return &cost.Settings{
		SystemMargin:  m.SystemMargin,
		CreditsPerUSD: m.CreditsPerUSD,
		USDRUBRate:    m.USDRUBRate,
	}, nil
}

// ==================== Helpers ====================

// now returns the current UTC time.
func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isUniqueViolation matches SQLite's UNIQUE and PRIMARY KEY constraint errors.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}
