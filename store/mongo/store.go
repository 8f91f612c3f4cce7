package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

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

// Collection name constants.
const (
	colUsers        = "funnel_users"
	colTransactions = "funnel_transactions"
	colVersions     = "funnel_fsm_versions"
	colStates       = "funnel_fsm_states"
	colTransitions  = "funnel_fsm_transitions"
	colUserStates   = "funnel_user_states"
	colHistory      = "funnel_fsm_history"
	colRules        = "funnel_rules"
	colOverlays     = "funnel_overlays"
	colTemplates    = "funnel_bonus_templates"
	colBonuses      = "funnel_bonuses"
)

// compile-time interface check
var _ funnelstore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM.
//
// Balance writes are guarded single-document updates on the user's version
// followed by the log append.
type Store struct {
	db    *grove.DB
	mdb   *mongodriver.MongoDB
	clock types.Clock
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:    db,
		mdb:   mongodriver.Unwrap(db),
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

// Migrate creates indexes for all funnel collections.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := migrationIndexes()

	for col, models := range indexes {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("%w: mongo: %s indexes: %w", funnel.ErrMigrationFailed, col, err)
		}
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
	_, err := s.mdb.NewInsert(toUserModel(u)).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return funnel.ErrAlreadyExists
		}
		return fmt.Errorf("funnel/mongo: create user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, userID id.UserID) (*user.User, error) {
	var m userModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": userID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, funnel.ErrUserNotFound
		}
		return nil, fmt.Errorf("funnel/mongo: get user: %w", err)
	}
	return fromUserModel(&m)
}

func (s *Store) GetUserByExternalID(ctx context.Context, externalID string) (*user.User, error) {
	if externalID == "" {
		return nil, funnel.ErrUserNotFound
	}
	var m userModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"external_id": externalID}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, funnel.ErrUserNotFound
		}
		return nil, fmt.Errorf("funnel/mongo: get user by external id: %w", err)
	}
	return fromUserModel(&m)
}

func (s *Store) ListUsers(ctx context.Context, opts user.ListOpts) ([]*user.User, error) {
	var models []userModel
	q := s.mdb.NewFind(&models).
		Filter(bson.M{}).
		Sort(bson.D{{Key: "_id", Value: 1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("funnel/mongo: list users: %w", err)
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

		res, err := s.mdb.NewUpdate((*userModel)(nil)).
			Filter(bson.M{"_id": userID.String(), "version": current.Version}).
			Set("credits", next.Credits.String()).
			Set("reserved_credits", next.ReservedCredits.String()).
			Set("total_generated", next.TotalGenerated).
			Set("last_active_at", next.LastActiveAt).
			Set("updated_at", next.UpdatedAt).
			Set("version", next.Version).
			Exec(ctx)
		if err != nil {
			return nil, fmt.Errorf("funnel/mongo: apply mutation: %w", err)
		}
		if res.MatchedCount() == 0 {
			continue
		}
		if m.Transaction != nil {
			if _, err := s.mdb.NewInsert(toTransactionModel(m.Transaction)).Exec(ctx); err != nil {
				return nil, fmt.Errorf("funnel/mongo: append transaction: %w", err)
			}
		}
		return next, nil
	}
	return nil, funnel.ErrConcurrentUpdate
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

		tags := next.Tags
		if tags == nil {
			tags = []string{}
		}
		res, err := s.mdb.NewUpdate((*userModel)(nil)).
			Filter(bson.M{"_id": userID.String(), "version": current.Version}).
			Set("tags", tags).
			Set("version", next.Version).
			Set("updated_at", next.UpdatedAt).
			Exec(ctx)
		if err != nil {
			return nil, fmt.Errorf("funnel/mongo: update tags: %w", err)
		}
		if res.MatchedCount() == 1 {
			return next, nil
		}
	}
	return nil, funnel.ErrConcurrentUpdate
}

func (s *Store) TouchUser(ctx context.Context, userID id.UserID, at time.Time) error {
	_, err := s.mdb.NewUpdate((*userModel)(nil)).
		Filter(bson.M{"_id": userID.String(), "last_active_at": bson.M{"$lt": at}}).
		Set("last_active_at", at).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("funnel/mongo: touch user: %w", err)
	}
	_, err = s.GetUser(ctx, userID)
	return err
}

// ListTransactions returns the newest transactions first.
func (s *Store) ListTransactions(ctx context.Context, userID id.UserID, opts user.ListOpts) ([]*user.Transaction, error) {
	var models []transactionModel
	q := s.mdb.NewFind(&models).
		Filter(bson.M{"user_id": userID.String()}).
		Sort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("funnel/mongo: list transactions: %w", err)
	}
	return fromTransactionModels(models)
}

func (s *Store) GetActivity(ctx context.Context, userID id.UserID) (*user.Activity, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	var models []transactionModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{
			"user_id": userID.String(),
			"type":    string(user.TxPurchase),
			"status":  string(user.StatusCompleted),
		}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("funnel/mongo: activity purchases: %w", err)
	}

	for _, t := range []user.TxType{user.TxGenerationCost, user.TxPaymentFailed} {
		var latest []transactionModel
		err := s.mdb.NewFind(&latest).
			Filter(bson.M{"user_id": userID.String(), "type": string(t)}).
			Sort(bson.D{{Key: "created_at", Value: -1}}).
			Limit(1).
			Scan(ctx)
		if err != nil {
			return nil, fmt.Errorf("funnel/mongo: activity %s: %w", t, err)
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
	_, err := s.mdb.NewInsert(toVersionModel(v)).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return funnel.ErrAlreadyExists
		}
		return fmt.Errorf("funnel/mongo: create version: %w", err)
	}
	return nil
}

func (s *Store) GetVersion(ctx context.Context, versionID id.VersionID) (*fsm.Version, error) {
	var m versionModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": versionID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, funnel.ErrVersionNotFound
		}
		return nil, fmt.Errorf("funnel/mongo: get version: %w", err)
	}
	return fromVersionModel(&m)
}

func (s *Store) GetActiveVersion(ctx context.Context) (*fsm.Version, error) {
	var m versionModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"is_active": true}).
		Sort(bson.D{{Key: "updated_at", Value: -1}}).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, funnel.ErrNoActiveVersion
		}
		return nil, fmt.Errorf("funnel/mongo: get active version: %w", err)
	}
	return fromVersionModel(&m)
}

func (s *Store) ListVersions(ctx context.Context) ([]*fsm.Version, error) {
	var models []versionModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{}).
		Sort(bson.D{{Key: "number", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("funnel/mongo: list versions: %w", err)
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

// ActivateVersion marks the target active first, then clears the others.
// Readers that catch both flags set pick the most recently updated.
func (s *Store) ActivateVersion(ctx context.Context, versionID id.VersionID) error {
	t := s.now()
	res, err := s.mdb.NewUpdate((*versionModel)(nil)).
		Filter(bson.M{"_id": versionID.String()}).
		Set("is_active", true).
		Set("updated_at", t).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("funnel/mongo: activate version: %w", err)
	}
	if res.MatchedCount() == 0 {
		return funnel.ErrVersionNotFound
	}

	var others []versionModel
	err = s.mdb.NewFind(&others).
		Filter(bson.M{"is_active": true, "_id": bson.M{"$ne": versionID.String()}}).
		Scan(ctx)
	if err != nil {
		return fmt.Errorf("funnel/mongo: list active versions: %w", err)
	}
	for i := range others {
		_, err := s.mdb.NewUpdate((*versionModel)(nil)).
			Filter(bson.M{"_id": others[i].ID}).
			Set("is_active", false).
			Set("updated_at", t).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("funnel/mongo: deactivate version: %w", err)
		}
	}
	return nil
}

func (s *Store) CreateState(ctx context.Context, st *fsm.State) error {
	_, err := s.mdb.NewInsert(toStateModel(st)).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return funnel.ErrAlreadyExists
		}
		return fmt.Errorf("funnel/mongo: create state: %w", err)
	}
	return nil
}

func (s *Store) GetState(ctx context.Context, stateID id.StateID) (*fsm.State, error) {
	var m stateModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": stateID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, funnel.ErrStateNotFound
		}
		return nil, fmt.Errorf("funnel/mongo: get state: %w", err)
	}
	return fromStateModel(&m)
}

func (s *Store) ListStates(ctx context.Context, versionID id.VersionID) ([]*fsm.State, error) {
	var models []stateModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"version_id": versionID.String()}).
		Sort(bson.D{{Key: "_id", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("funnel/mongo: list states: %w", err)
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
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return funnel.ErrAlreadyExists
		}
		return fmt.Errorf("funnel/mongo: create transition: %w", err)
	}
	return nil
}

func (s *Store) ListTransitions(ctx context.Context, fromStateID id.StateID, event string) ([]*fsm.Transition, error) {
	var models []transitionModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"from_state_id": fromStateID.String(), "trigger_event": event}).
		Sort(bson.D{{Key: "priority", Value: -1}, {Key: "_id", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("funnel/mongo: list transitions: %w", err)
	}
	return fromTransitionModels(models)
}

func (s *Store) ListVersionTransitions(ctx context.Context, versionID id.VersionID) ([]*fsm.Transition, error) {
	var models []transitionModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"version_id": versionID.String()}).
		Sort(bson.D{{Key: "priority", Value: -1}, {Key: "_id", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("funnel/mongo: list version transitions: %w", err)
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
	var m userStateModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": userID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, funnel.ErrStateNotFound
		}
		return nil, fmt.Errorf("funnel/mongo: get user state: %w", err)
	}
	return fromUserStateModel(&m)
}

// InitUserState keys the document by user, so a concurrent placement
// surfaces as a duplicate and the winner is returned.
func (s *Store) InitUserState(ctx context.Context, us *fsm.UserState, stateCode string, h *fsm.History) (*fsm.UserState, error) {
	if _, err := s.GetUser(ctx, us.UserID); err != nil {
		return nil, err
	}

	m := &userStateModel{
		UserID:    us.UserID.String(),
		StateID:   us.StateID.String(),
		VersionID: us.VersionID.String(),
		EnteredAt: us.EnteredAt,
		Version:   1,
	}
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return s.GetUserState(ctx, us.UserID)
		}
		return nil, fmt.Errorf("funnel/mongo: init user state: %w", err)
	}
	if err := s.recordPlacement(ctx, us.UserID, stateCode, h); err != nil {
		return nil, err
	}
	return s.GetUserState(ctx, us.UserID)
}

func (s *Store) MoveUserState(ctx context.Context, mv fsm.Move) (*fsm.UserState, error) {
	res, err := s.mdb.NewUpdate((*userStateModel)(nil)).
		Filter(bson.M{"_id": mv.UserID.String(), "version": mv.ExpectVersion}).
		Set("state_id", mv.To.StateID.String()).
		Set("version_id", mv.To.VersionID.String()).
		Set("entered_at", mv.To.EnteredAt).
		Set("version", mv.ExpectVersion+1).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("funnel/mongo: move user state: %w", err)
	}
	if res.MatchedCount() == 0 {
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

func (s *Store) recordPlacement(ctx context.Context, userID id.UserID, stateCode string, h *fsm.History) error {
	_, err := s.mdb.NewUpdate((*userModel)(nil)).
		Filter(bson.M{"_id": userID.String()}).
		Set("lifecycle_state", stateCode).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("funnel/mongo: cache lifecycle state: %w", err)
	}
	if h == nil {
		return nil
	}
	if _, err := s.mdb.NewInsert(toHistoryModel(h)).Exec(ctx); err != nil {
		return fmt.Errorf("funnel/mongo: append history: %w", err)
	}
	return nil
}

func (s *Store) ListUserStatesInState(ctx context.Context, stateID id.StateID, enteredBefore time.Time, after id.UserID, limit int) ([]*fsm.UserState, error) {
	filter := bson.M{
		"state_id":   stateID.String(),
		"entered_at": bson.M{"$lt": enteredBefore},
	}
	if !after.IsNil() {
		filter["_id"] = bson.M{"$gt": after.String()}
	}

	var models []userStateModel
	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		q = q.Limit(int64(limit))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("funnel/mongo: list user states: %w", err)
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
	q := s.mdb.NewFind(&models).
		Filter(bson.M{"user_id": userID.String()}).
		Sort(bson.D{{Key: "at", Value: -1}, {Key: "_id", Value: -1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("funnel/mongo: list history: %w", err)
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
	_, err := s.mdb.NewUpdate((*historyModel)(nil)).
		Filter(bson.M{"_id": historyID.String()}).
		Set("actions_taken", actions).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("funnel/mongo: set history actions: %w", err)
	}
	return nil
}

// ==================== Rule Store ====================

func (s *Store) CreateRule(ctx context.Context, r *rule.Rule) error {
	m, err := toRuleModel(r)
	if err != nil {
		return err
	}
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return funnel.ErrAlreadyExists
		}
		return fmt.Errorf("funnel/mongo: create rule: %w", err)
	}
	return nil
}

func (s *Store) GetRule(ctx context.Context, ruleID id.RuleID) (*rule.Rule, error) {
	var m ruleModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": ruleID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, funnel.ErrRuleNotFound
		}
		return nil, fmt.Errorf("funnel/mongo: get rule: %w", err)
	}
	return fromRuleModel(&m)
}

func (s *Store) UpdateRule(ctx context.Context, r *rule.Rule) error {
	m, err := toRuleModel(r)
	if err != nil {
		return err
	}
	m.UpdatedAt = s.now()

	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("funnel/mongo: update rule: %w", err)
	}
	if res.MatchedCount() == 0 {
		return funnel.ErrRuleNotFound
	}
	return nil
}

func (s *Store) ListActiveRules(ctx context.Context, trigger string) ([]*rule.Rule, error) {
	var models []ruleModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"trigger_event": trigger, "is_active": true}).
		Sort(bson.D{{Key: "priority", Value: -1}, {Key: "_id", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("funnel/mongo: list active rules: %w", err)
	}
	return fromRuleModels(models)
}

func (s *Store) ListRules(ctx context.Context) ([]*rule.Rule, error) {
	var models []ruleModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{}).
		Sort(bson.D{{Key: "_id", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("funnel/mongo: list rules: %w", err)
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

// ActivateOverlay relies on the unique live_key index: a second live
// overlay of the same type is rejected and the survivor returned.
func (s *Store) ActivateOverlay(ctx context.Context, o *overlay.Overlay) (*overlay.Overlay, bool, error) {
	for range funnelstore.MaxCASAttempts {
		_, err := s.mdb.NewInsert(toOverlayModel(o)).Exec(ctx)
		if err == nil {
			c := *o
			return &c, true, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return nil, false, fmt.Errorf("funnel/mongo: activate overlay: %w", err)
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
	var m overlayModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"live_key": liveKey(userID, t)}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, funnel.ErrOverlayNotFound
		}
		return nil, fmt.Errorf("funnel/mongo: get live overlay: %w", err)
	}
	return fromOverlayModel(&m)
}

func (s *Store) GetOverlay(ctx context.Context, overlayID id.OverlayID) (*overlay.Overlay, error) {
	var m overlayModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": overlayID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, funnel.ErrOverlayNotFound
		}
		return nil, fmt.Errorf("funnel/mongo: get overlay: %w", err)
	}
	return fromOverlayModel(&m)
}

func (s *Store) ListLiveOverlays(ctx context.Context, userID id.UserID) ([]*overlay.Overlay, error) {
	var models []overlayModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"user_id": userID.String(), "state": bson.M{"$in": liveStates()}}).
		Sort(bson.D{{Key: "type", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("funnel/mongo: list live overlays: %w", err)
	}
	return fromOverlayModels(models)
}

func (s *Store) HasOverlayEver(ctx context.Context, userID id.UserID, t overlay.Type) (bool, error) {
	var models []overlayModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"user_id": userID.String(), "type": string(t)}).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return false, fmt.Errorf("funnel/mongo: overlay history: %w", err)
	}
	return len(models) > 0, nil
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
	q := s.mdb.NewFind(&models).
		Filter(bson.M{
			"state":      bson.M{"$in": liveStates()},
			"expires_at": bson.M{"$lt": now},
		}).
		Sort(bson.D{{Key: "expires_at", Value: 1}})
	if limit > 0 {
		q = q.Limit(int64(limit))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("funnel/mongo: list expired overlays: %w", err)
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

// expireOverlay ends a live overlay and frees its live_key. It reports
// false when the overlay was no longer live.
func (s *Store) expireOverlay(ctx context.Context, overlayID id.OverlayID, at time.Time) (bool, error) {
	res, err := s.mdb.NewUpdate((*overlayModel)(nil)).
		Filter(bson.M{"_id": overlayID.String(), "state": bson.M{"$in": liveStates()}}).
		SetUpdate(bson.M{
			"$set":   bson.M{"state": string(overlay.StateExpired), "updated_at": at},
			"$unset": bson.M{"live_key": ""},
		}).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("funnel/mongo: expire overlay: %w", err)
	}
	return res.MatchedCount() == 1, nil
}

func liveStates() bson.A {
	return bson.A{string(overlay.StateActive), string(overlay.StateEligible)}
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
	_, err := s.mdb.NewInsert(toTemplateModel(t)).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return funnel.ErrAlreadyExists
		}
		return fmt.Errorf("funnel/mongo: create template: %w", err)
	}
	return nil
}

func (s *Store) GetTemplate(ctx context.Context, templateID id.TemplateID) (*bonus.Template, error) {
	var m templateModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": templateID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, funnel.ErrTemplateNotFound
		}
		return nil, fmt.Errorf("funnel/mongo: get template: %w", err)
	}
	return fromTemplateModel(&m)
}

func (s *Store) GetTemplateByName(ctx context.Context, name string) (*bonus.Template, error) {
	var m templateModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"name": name}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, funnel.ErrTemplateNotFound
		}
		return nil, fmt.Errorf("funnel/mongo: get template by name: %w", err)
	}
	return fromTemplateModel(&m)
}

func (s *Store) ListTemplates(ctx context.Context) ([]*bonus.Template, error) {
	var models []templateModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{}).
		Sort(bson.D{{Key: "name", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("funnel/mongo: list templates: %w", err)
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
	_, err := s.mdb.NewInsert(toBonusModel(b)).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return funnel.ErrAlreadyExists
		}
		return fmt.Errorf("funnel/mongo: create bonus: %w", err)
	}
	return nil
}

func (s *Store) GetBonus(ctx context.Context, bonusID id.BonusID) (*bonus.Bonus, error) {
	var m bonusModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": bonusID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, funnel.ErrBonusNotFound
		}
		return nil, fmt.Errorf("funnel/mongo: get bonus: %w", err)
	}
	return fromBonusModel(&m)
}

func (s *Store) ListActiveBonuses(ctx context.Context, userID id.UserID) ([]*bonus.Bonus, error) {
	var models []bonusModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"user_id": userID.String(), "status": string(bonus.StatusActive)}).
		Sort(bson.D{{Key: "_id", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("funnel/mongo: list active bonuses: %w", err)
	}
	return fromBonusModels(models)
}

// AddBonusProgress adds p to every active bonus of the user. The top-up
// counter is a decimal string, so each bonus is rewritten guarded by the
// counters it was read with.
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
		res, err := s.mdb.NewUpdate((*bonusModel)(nil)).
			Filter(bson.M{
				"_id":              b.ID.String(),
				"status":           string(bonus.StatusActive),
				"generations_made": b.GenerationsMade,
				"top_up_made":      b.TopUpMade.String(),
			}).
			Set("generations_made", b.GenerationsMade+p.Generations).
			Set("top_up_made", b.TopUpMade.Add(p.TopUp).String()).
			Set("updated_at", s.now()).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("funnel/mongo: add bonus progress: %w", err)
		}
		if res.MatchedCount() == 1 {
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
	res, err := s.mdb.NewUpdate((*bonusModel)(nil)).
		Filter(bson.M{"_id": bonusID.String(), "status": string(from)}).
		Set("status", string(to)).
		Set("revoked_amount", revoked.String()).
		Set("updated_at", s.now()).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("funnel/mongo: set bonus status: %w", err)
	}
	if res.MatchedCount() == 1 {
		return true, nil
	}
	if _, err := s.GetBonus(ctx, bonusID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) ListExpiredBonuses(ctx context.Context, now time.Time, limit int) ([]*bonus.Bonus, error) {
	var models []bonusModel
	q := s.mdb.NewFind(&models).
		Filter(bson.M{
			"status":   string(bonus.StatusActive),
			"deadline": bson.M{"$lt": now},
		}).
		Sort(bson.D{{Key: "deadline", Value: 1}})
	if limit > 0 {
		q = q.Limit(int64(limit))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("funnel/mongo: list expired bonuses: %w", err)
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
	m := toTariffModel(t)
	_, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ModelID}).
		SetUpdate(bson.M{"$set": bson.M{
			"_id":                m.ModelID,
			"name":               m.Name,
			"input_price":        m.InputPrice,
			"output_price":       m.OutputPrice,
			"output_image_price": m.OutputImagePrice,
			"model_margin":       m.ModelMargin,
			"credit_price_usd":   m.CreditPriceUSD,
			"input_tokens":       m.InputTokens,
			"low_res_tokens":     m.LowResTokens,
			"high_res_tokens":    m.HighResTokens,
			"is_active":          m.IsActive,
		}}).
		Upsert().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("funnel/mongo: put tariff: %w", err)
	}
	return nil
}

func (s *Store) GetTariff(ctx context.Context, modelID string) (*cost.Tariff, error) {
	var m tariffModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": modelID}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, funnel.ErrTariffNotFound
		}
		return nil, fmt.Errorf("funnel/mongo: get tariff: %w", err)
	}
	return fromTariffModel(&m)
}

func (s *Store) ListTariffs(ctx context.Context) ([]*cost.Tariff, error) {
	var models []tariffModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{}).
		Sort(bson.D{{Key: "_id", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("funnel/mongo: list tariffs: %w", err)
	}

	result := make([]*cost.Tariff, len(models))
	for i := range models {
		t, err := fromTariffModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = t
	}
	return result, nil
}

func (s *Store) PutSettings(ctx context.Context, st *cost.Settings) error {
	m := &settingsModel{ID: settingsDoc}
	_, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": settingsDoc}).
		SetUpdate(bson.M{"$set": bson.M{
			"_id":             settingsDoc,
			"system_margin":   st.SystemMargin.String(),
			"credits_per_usd": st.CreditsPerUSD.String(),
			"usd_rub_rate":    st.USDRUBRate.String(),
			"updated_at":      s.now(),
		}}).
		Upsert().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("funnel/mongo: put settings: %w", err)
	}
	return nil
}

func (s *Store) GetSettings(ctx context.Context) (*cost.Settings, error) {
	var m settingsModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": settingsDoc}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, funnel.ErrSettingsNotFound
		}
		return nil, fmt.Errorf("funnel/mongo: get settings: %w", err)
	}

	st := &cost.Settings{}
	if st.SystemMargin, err = parseDecimal(m.SystemMargin); err != nil {
		return nil, err
	}
	if st.CreditsPerUSD, err = parseDecimal(m.CreditsPerUSD); err != nil {
		return nil, err
	}
	if st.USDRUBRate, err = parseDecimal(m.USDRUBRate); err != nil {
		return nil, err
	}
	return st, nil
}

// ==================== Helpers ====================

// now returns the current UTC time.
func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all funnel collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colUsers: {
			{
				Keys:    bson.D{{Key: "external_id", Value: 1}},
				Options: options.Index().SetUnique(true).SetSparse(true),
			},
		},
		colTransactions: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "type", Value: 1}}},
		},
		colVersions: {
			{Keys: bson.D{{Key: "is_active", Value: 1}, {Key: "updated_at", Value: -1}}},
		},
		colStates: {
			{
				Keys:    bson.D{{Key: "version_id", Value: 1}, {Key: "code", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colTransitions: {
			{Keys: bson.D{{Key: "from_state_id", Value: 1}, {Key: "trigger_event", Value: 1}, {Key: "priority", Value: -1}}},
			{Keys: bson.D{{Key: "version_id", Value: 1}}},
		},
		colUserStates: {
			{Keys: bson.D{{Key: "state_id", Value: 1}, {Key: "entered_at", Value: 1}}},
		},
		colHistory: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "at", Value: -1}}},
		},
		colRules: {
			{Keys: bson.D{{Key: "trigger_event", Value: 1}, {Key: "is_active", Value: 1}, {Key: "priority", Value: -1}}},
		},
		colOverlays: {
			{
				Keys:    bson.D{{Key: "live_key", Value: 1}},
				Options: options.Index().SetUnique(true).SetSparse(true),
			},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "type", Value: 1}}},
			{Keys: bson.D{{Key: "state", Value: 1}, {Key: "expires_at", Value: 1}}},
		},
		colTemplates: {
			{
				Keys:    bson.D{{Key: "name", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colBonuses: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "deadline", Value: 1}}},
		},
	}
}
