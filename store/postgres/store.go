package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
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

// Store implements store.Store using PostgreSQL via Grove ORM.
//
// Balance and lifecycle writes are single statements: the compare-and-swap
// on the user's version and the append to the log run inside one
// data-modifying CTE, so they commit or fail together.
type Store struct {
	db    *grove.DB
	pg    *pgdriver.PgDB
	clock types.Clock
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:    db,
		pg:    pgdriver.Unwrap(db),
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
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("funnel/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: postgres: %w", funnel.ErrMigrationFailed, err)
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
	_, err := s.pg.NewInsert(toUserModel(u)).Exec(ctx)
	if isUniqueViolation(err) {
		return funnel.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetUser(ctx context.Context, userID id.UserID) (*user.User, error) {
	m := new(userModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", userID.String()).
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
	m := new(userModel)
	err := s.pg.NewSelect(m).
		Where("external_id = $1", externalID).
		Where("external_id <> ''").
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
	q := s.pg.NewSelect(&models).OrderExpr("id ASC")
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

// ApplyMutation reads the user, applies m in memory and writes it back
// guarded by the version it read. A lost race re-reads and retries.
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

		ok, err := s.swapUser(ctx, current.Version, next, m.Transaction)
		if err != nil {
			return nil, err
		}
		if ok {
			return next, nil
		}
	}
	return nil, funnel.ErrConcurrentUpdate
}

// swapUser writes u if the stored version is still expect, appending tx in
// the same statement. It reports false when the version moved.
func (s *Store) swapUser(ctx context.Context, expect int64, u *user.User, tx *user.Transaction) (bool, error) {
	const update = `UPDATE funnel_users
	SET credits = $1::numeric, reserved_credits = $2::numeric, total_generated = $3,
	    last_active_at = $4, updated_at = $5, version = $6
	WHERE id = $7 AND version = $8
	RETURNING id`

	query := update
	args := []any{
		u.Credits.String(), u.ReservedCredits.String(), u.TotalGenerated,
		u.LastActiveAt, u.UpdatedAt, u.Version,
		u.ID.String(), expect,
	}
	if tx != nil {
		meta, err := json.Marshal(metadataOrEmpty(tx.Metadata))
		if err != nil {
			return false, err
		}
		query = `WITH upd AS (` + update + `)
INSERT INTO funnel_transactions (id, user_id, type, credits_added, payment_method, status, ref_id, metadata, created_at)
SELECT $9, id, $10, $11::numeric, $12, $13, $14, $15::jsonb, $16 FROM upd
RETURNING id`
		args = append(args,
			tx.ID.String(), string(tx.Type), tx.CreditsAdded.String(), tx.PaymentMethod,
			string(tx.Status), tx.RefID, string(meta), tx.CreatedAt,
		)
	}

	var got string
	if err := s.pg.NewRaw(query, args...).Scan(ctx, &got); err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
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

		tags, err := json.Marshal(next.Tags)
		if err != nil {
			return nil, err
		}
		res, err := s.pg.NewUpdate((*userModel)(nil)).
			Set("tags = $1::jsonb", string(tags)).
			Set("version = $2", next.Version).
			Set("updated_at = $3", next.UpdatedAt).
			Where("id = $4", userID.String()).
			Where("version = $5", current.Version).
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
	res, err := s.pg.NewUpdate((*userModel)(nil)).
		Set("last_active_at = GREATEST(last_active_at, $1)", at).
		Where("id = $2", userID.String()).
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
	q := s.pg.NewSelect(&models).
		Where("user_id = $1", userID.String()).
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

// GetActivity loads every completed purchase plus the newest generation and
// payment failure, then folds them with user.Summarize.
func (s *Store) GetActivity(ctx context.Context, userID id.UserID) (*user.Activity, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	var purchases []transactionModel
	err := s.pg.NewSelect(&purchases).
		Where("user_id = $1", userID.String()).
		Where("type = $2", string(user.TxPurchase)).
		Where("status = $3", string(user.StatusCompleted)).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	models := purchases

	for _, t := range []user.TxType{user.TxGenerationCost, user.TxPaymentFailed} {
		var latest []transactionModel
		err := s.pg.NewSelect(&latest).
			Where("user_id = $1", userID.String()).
			Where("type = $2", string(t)).
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
	_, err := s.pg.NewInsert(toVersionModel(v)).Exec(ctx)
	if isUniqueViolation(err) {
		return funnel.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetVersion(ctx context.Context, versionID id.VersionID) (*fsm.Version, error) {
	m := new(versionModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", versionID.String()).
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
	err := s.pg.NewSelect(m).
		Where("is_active = TRUE").
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
	if err := s.pg.NewSelect(&models).OrderExpr("number ASC").Scan(ctx); err != nil {
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

// ActivateVersion flips every flag in one statement so there is never a
// moment with two active versions.
func (s *Store) ActivateVersion(ctx context.Context, versionID id.VersionID) error {
	if _, err := s.GetVersion(ctx, versionID); err != nil {
		return err
	}
	_, err := s.pg.NewUpdate((*versionModel)(nil)).
		Set("is_active = (id = $1)", versionID.String()).
		Set("updated_at = $2", s.now()).
		Where("(is_active OR id = $3)", versionID.String()).
		Exec(ctx)
	return err
}

func (s *Store) CreateState(ctx context.Context, st *fsm.State) error {
	_, err := s.pg.NewInsert(toStateModel(st)).Exec(ctx)
	if isUniqueViolation(err) {
		return funnel.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetState(ctx context.Context, stateID id.StateID) (*fsm.State, error) {
	m := new(stateModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", stateID.String()).
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
	err := s.pg.NewSelect(&models).
		Where("version_id = $1", versionID.String()).
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
	_, err = s.pg.NewInsert(m).Exec(ctx)
	if isUniqueViolation(err) {
		return funnel.ErrAlreadyExists
	}
	return err
}

func (s *Store) ListTransitions(ctx context.Context, fromStateID id.StateID, event string) ([]*fsm.Transition, error) {
	var models []transitionModel
	err := s.pg.NewSelect(&models).
		Where("from_state_id = $1", fromStateID.String()).
		Where("trigger_event = $2", event).
		OrderExpr("priority DESC, id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return fromTransitionModels(models)
}

func (s *Store) ListVersionTransitions(ctx context.Context, versionID id.VersionID) ([]*fsm.Transition, error) {
	var models []transitionModel
	err := s.pg.NewSelect(&models).
		Where("version_id = $1", versionID.String()).
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
	err := s.pg.NewSelect(m).
		Where("user_id = $1", userID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, funnel.ErrStateNotFound
		}
		return nil, err
	}
	return fromUserStateModel(m)
}

// InitUserState inserts the live state, caches the code on the user and
// appends history in one statement. A concurrent placement wins and is
// returned as is.
func (s *Store) InitUserState(ctx context.Context, us *fsm.UserState, stateCode string, h *fsm.History) (*fsm.UserState, error) {
	if _, err := s.GetUser(ctx, us.UserID); err != nil {
		return nil, err
	}

	query := `WITH ins AS (
	INSERT INTO funnel_user_states (user_id, state_id, version_id, entered_at, version)
	VALUES ($1, $2, $3, $4, 1)
	ON CONFLICT (user_id) DO NOTHING
	RETURNING user_id
), usr AS (
	UPDATE funnel_users SET lifecycle_state = $5 WHERE id IN (SELECT user_id FROM ins)
)`
	args := []any{us.UserID.String(), us.StateID.String(), us.VersionID.String(), us.EnteredAt, stateCode}
	if h != nil {
		hq, hargs, err := historyInsert(h, len(args)+1, "ins")
		if err != nil {
			return nil, err
		}
		query += `, hist AS (` + hq + `)`
		args = append(args, hargs...)
	}
	query += `
SELECT user_id FROM ins`

	var placed string
	if err := s.pg.NewRaw(query, args...).Scan(ctx, &placed); err != nil && !isNoRows(err) {
		return nil, err
	}
	return s.GetUserState(ctx, us.UserID)
}

func (s *Store) MoveUserState(ctx context.Context, m fsm.Move) (*fsm.UserState, error) {
	query := `WITH mv AS (
	UPDATE funnel_user_states
	SET state_id = $1, version_id = $2, entered_at = $3, version = version + 1
	WHERE user_id = $4 AND version = $5
	RETURNING user_id, version
), usr AS (
	UPDATE funnel_users SET lifecycle_state = $6 WHERE id IN (SELECT user_id FROM mv)
)`
	args := []any{
		m.To.StateID.String(), m.To.VersionID.String(), m.To.EnteredAt,
		m.UserID.String(), m.ExpectVersion, m.StateCode,
	}
	if m.History != nil {
		hq, hargs, err := historyInsert(m.History, len(args)+1, "mv")
		if err != nil {
			return nil, err
		}
		query += `, hist AS (` + hq + `)`
		args = append(args, hargs...)
	}
	query += `
SELECT version FROM mv`

	var version int64
	if err := s.pg.NewRaw(query, args...).Scan(ctx, &version); err != nil {
		if !isNoRows(err) {
			return nil, err
		}
		if _, err := s.GetUserState(ctx, m.UserID); err != nil {
			return nil, err
		}
		return nil, funnel.ErrConcurrentUpdate
	}

	return &fsm.UserState{
		UserID:    m.UserID,
		StateID:   m.To.StateID,
		VersionID: m.To.VersionID,
		EnteredAt: m.To.EnteredAt,
		Version:   version,
	}, nil
}

// historyInsert renders an INSERT of h selecting user_id from the CTE named
// from. Placeholders start at $first.
func historyInsert(h *fsm.History, first int, from string) (string, []any, error) {
	actions := h.ActionsTaken
	if actions == nil {
		actions = []string{}
	}
	raw, err := json.Marshal(actions)
	if err != nil {
		return "", nil, err
	}
	q := fmt.Sprintf(`INSERT INTO funnel_fsm_history
		(id, user_id, version_id, from_state_id, to_state_id, trigger_event, transition_id, actions_taken, at)
	SELECT $%d, user_id, $%d, $%d, $%d, $%d, $%d, $%d::jsonb, $%d FROM %s`,
		first, first+1, first+2, first+3, first+4, first+5, first+6, first+7, from)
	args := []any{
		h.ID.String(), h.VersionID.String(), h.FromStateID.String(), h.ToStateID.String(),
		h.TriggerEvent, h.TransitionID.String(), string(raw), h.At,
	}
	return q, args, nil
}

func (s *Store) ListUserStatesInState(ctx context.Context, stateID id.StateID, enteredBefore time.Time, after id.UserID, limit int) ([]*fsm.UserState, error) {
	var models []userStateModel
	q := s.pg.NewSelect(&models).
		Where("state_id = $1", stateID.String()).
		Where("entered_at < $2", enteredBefore)
	if !after.IsNil() {
		q = q.Where("user_id > $3", after.String())
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
	q := s.pg.NewSelect(&models).
		Where("user_id = $1", userID.String()).
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
	if actions == nil {
		actions = []string{}
	}
	raw, err := json.Marshal(actions)
	if err != nil {
		return err
	}
	_, err = s.pg.NewUpdate((*historyModel)(nil)).
		Set("actions_taken = $1::jsonb", string(raw)).
		Where("id = $2", historyID.String()).
		Exec(ctx)
	return err
}

// ==================== Rule Store ====================

func (s *Store) CreateRule(ctx context.Context, r *rule.Rule) error {
	m, err := toRuleModel(r)
	if err != nil {
		return err
	}
	_, err = s.pg.NewInsert(m).Exec(ctx)
	if isUniqueViolation(err) {
		return funnel.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetRule(ctx context.Context, ruleID id.RuleID) (*rule.Rule, error) {
	m := new(ruleModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", ruleID.String()).
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
	m.UpdatedAt = s.now()
	res, err := s.pg.NewUpdate(m).WherePK().Exec(ctx)
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
	err := s.pg.NewSelect(&models).
		Where("trigger_event = $1", trigger).
		Where("is_active = TRUE").
		OrderExpr("priority DESC, id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return fromRuleModels(models)
}

func (s *Store) ListRules(ctx context.Context) ([]*rule.Rule, error) {
	var models []ruleModel
	if err := s.pg.NewSelect(&models).OrderExpr("id ASC").Scan(ctx); err != nil {
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

// ActivateOverlay relies on the partial unique index over live overlays:
// the insert is skipped when one exists and the survivor is returned.
func (s *Store) ActivateOverlay(ctx context.Context, o *overlay.Overlay) (*overlay.Overlay, bool, error) {
	m := toOverlayModel(o)
	if m.Metadata == nil {
		m.Metadata = map[string]string{}
	}
	for range funnelstore.MaxCASAttempts {
		res, err := s.pg.NewInsert(m).
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
	err := s.pg.NewSelect(m).
		Where("user_id = $1", userID.String()).
		Where("type = $2", string(t)).
		Where("state IN ($3, $4)", string(overlay.StateActive), string(overlay.StateEligible)).
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
	err := s.pg.NewSelect(m).
		Where("id = $1", overlayID.String()).
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
	err := s.pg.NewSelect(&models).
		Where("user_id = $1", userID.String()).
		Where("state IN ($2, $3)", string(overlay.StateActive), string(overlay.StateEligible)).
		OrderExpr("type ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return fromOverlayModels(models)
}

func (s *Store) HasOverlayEver(ctx context.Context, userID id.UserID, t overlay.Type) (bool, error) {
	var n int64
	err := s.pg.NewRaw(
		`SELECT COUNT(*) FROM funnel_overlays WHERE user_id = $1 AND type = $2`,
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
	q := s.pg.NewSelect(&models).
		Where("state IN ($1, $2)", string(overlay.StateActive), string(overlay.StateEligible)).
		Where("expires_at < $3", now).
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

// expireOverlay moves a live overlay to EXPIRED. It reports false when the
// overlay was no longer live.
func (s *Store) expireOverlay(ctx context.Context, overlayID id.OverlayID, at time.Time) (bool, error) {
	res, err := s.pg.NewUpdate((*overlayModel)(nil)).
		Set("state = $1", string(overlay.StateExpired)).
		Set("updated_at = $2", at).
		Where("id = $3", overlayID.String()).
		Where("state IN ($4, $5)", string(overlay.StateActive), string(overlay.StateEligible)).
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
	_, err := s.pg.NewInsert(toTemplateModel(t)).Exec(ctx)
	if isUniqueViolation(err) {
		return funnel.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetTemplate(ctx context.Context, templateID id.TemplateID) (*bonus.Template, error) {
	m := new(templateModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", templateID.String()).
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
	err := s.pg.NewSelect(m).
		Where("name = $1", name).
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
	if err := s.pg.NewSelect(&models).OrderExpr("name ASC").Scan(ctx); err != nil {
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
	_, err := s.pg.NewInsert(toBonusModel(b)).Exec(ctx)
	if isUniqueViolation(err) {
		return funnel.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetBonus(ctx context.Context, bonusID id.BonusID) (*bonus.Bonus, error) {
	m := new(bonusModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", bonusID.String()).
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
	err := s.pg.NewSelect(&models).
		Where("user_id = $1", userID.String()).
		Where("status = $2", string(bonus.StatusActive)).
		OrderExpr("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return fromBonusModels(models)
}

// AddBonusProgress increments the counters in SQL so concurrent progress
// reports never overwrite each other.
func (s *Store) AddBonusProgress(ctx context.Context, userID id.UserID, p bonus.Progress) ([]*bonus.Bonus, error) {
	_, err := s.pg.NewUpdate((*bonusModel)(nil)).
		Set("generations_made = generations_made + $1", p.Generations).
		Set("top_up_made = top_up_made + $2::numeric", p.TopUp.String()).
		Set("updated_at = $3", s.now()).
		Where("user_id = $4", userID.String()).
		Where("status = $5", string(bonus.StatusActive)).
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	return s.ListActiveBonuses(ctx, userID)
}

func (s *Store) SetBonusStatus(ctx context.Context, bonusID id.BonusID, from, to bonus.Status, revoked decimal.Decimal) (bool, error) {
	res, err := s.pg.NewUpdate((*bonusModel)(nil)).
		Set("status = $1", string(to)).
		Set("revoked_amount = $2::numeric", revoked.String()).
		Set("updated_at = $3", s.now()).
		Where("id = $4", bonusID.String()).
		Where("status = $5", string(from)).
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
	q := s.pg.NewSelect(&models).
		Where("status = $1", string(bonus.StatusActive)).
		Where("deadline < $2", now).
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
	_, err := s.pg.NewInsert(toTariffModel(t)).
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
	err := s.pg.NewSelect(m).
		Where("model_id = $1", modelID).
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
	if err := s.pg.NewSelect(&models).OrderExpr("model_id ASC").Scan(ctx); err != nil {
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
		UpdatedAt:     s.now(),
	}
	_, err := s.pg.NewInsert(m).
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
	err := s.pg.NewSelect(m).
		Where("id = $1", settingsRow).
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

func metadataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isUniqueViolation reports a unique_violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
