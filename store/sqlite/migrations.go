package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the Funnel store (SQLite).
// Amounts are TEXT so decimals keep their precision; timestamps are unix
// nanoseconds.
var Migrations = migrate.NewGroup("funnel")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_funnel_users",
			Version: "20250101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS funnel_users (
    id               TEXT PRIMARY KEY,
    external_id      TEXT NOT NULL DEFAULT '',
    credits          TEXT NOT NULL DEFAULT '0',
    reserved_credits TEXT NOT NULL DEFAULT '0',
    total_generated  INTEGER NOT NULL DEFAULT 0,
    tags             TEXT NOT NULL DEFAULT '[]',
    lifecycle_state  TEXT NOT NULL DEFAULT '',
    last_active_at   INTEGER NOT NULL DEFAULT 0,
    version          INTEGER NOT NULL DEFAULT 0,
    created_at       INTEGER NOT NULL DEFAULT 0,
    updated_at       INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_funnel_users_external ON funnel_users (external_id) WHERE external_id <> '';

CREATE TABLE IF NOT EXISTS funnel_transactions (
    id             TEXT PRIMARY KEY,
    user_id        TEXT NOT NULL REFERENCES funnel_users (id),
    type           TEXT NOT NULL,
    credits_added  TEXT NOT NULL,
    payment_method TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL DEFAULT 'COMPLETED',
    ref_id         TEXT NOT NULL DEFAULT '',
    metadata       TEXT NOT NULL DEFAULT '{}',
    created_at     INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_funnel_tx_user_created ON funnel_transactions (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_funnel_tx_user_type ON funnel_transactions (user_id, type);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
DROP TABLE IF EXISTS funnel_transactions;
DROP TABLE IF EXISTS funnel_users;
`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_funnel_fsm",
			Version: "20250101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS funnel_fsm_versions (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    number      INTEGER NOT NULL DEFAULT 0,
    description TEXT NOT NULL DEFAULT '',
    is_active   INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL DEFAULT 0,
    updated_at  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_funnel_fsm_versions_active ON funnel_fsm_versions (is_active) WHERE is_active = 1;

CREATE TABLE IF NOT EXISTS funnel_fsm_states (
    id          TEXT PRIMARY KEY,
    version_id  TEXT NOT NULL REFERENCES funnel_fsm_versions (id),
    name        TEXT NOT NULL DEFAULT '',
    code        TEXT NOT NULL,
    is_initial  INTEGER NOT NULL DEFAULT 0,
    is_terminal INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_funnel_fsm_states_code ON funnel_fsm_states (version_id, code);

CREATE TABLE IF NOT EXISTS funnel_fsm_transitions (
    id              TEXT PRIMARY KEY,
    version_id      TEXT NOT NULL REFERENCES funnel_fsm_versions (id),
    from_state_id   TEXT NOT NULL REFERENCES funnel_fsm_states (id),
    to_state_id     TEXT NOT NULL REFERENCES funnel_fsm_states (id),
    trigger_event   TEXT NOT NULL,
    priority        INTEGER NOT NULL DEFAULT 0,
    timeout_minutes INTEGER NOT NULL DEFAULT 0,
    conditions      TEXT NOT NULL DEFAULT '[]',
    actions         TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_funnel_fsm_transitions_from ON funnel_fsm_transitions (from_state_id, trigger_event);
CREATE INDEX IF NOT EXISTS idx_funnel_fsm_transitions_version ON funnel_fsm_transitions (version_id);

CREATE TABLE IF NOT EXISTS funnel_user_states (
    user_id    TEXT PRIMARY KEY REFERENCES funnel_users (id),
    state_id   TEXT NOT NULL REFERENCES funnel_fsm_states (id),
    version_id TEXT NOT NULL REFERENCES funnel_fsm_versions (id),
    entered_at INTEGER NOT NULL DEFAULT 0,
    version    INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_funnel_user_states_state ON funnel_user_states (state_id, entered_at);

CREATE TABLE IF NOT EXISTS funnel_fsm_history (
    id            TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL REFERENCES funnel_users (id),
    version_id    TEXT NOT NULL,
    from_state_id TEXT NOT NULL DEFAULT '',
    to_state_id   TEXT NOT NULL,
    trigger_event TEXT NOT NULL DEFAULT '',
    transition_id TEXT NOT NULL DEFAULT '',
    actions_taken TEXT NOT NULL DEFAULT '[]',
    at            INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_funnel_fsm_history_user ON funnel_fsm_history (user_id, at DESC);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
DROP TABLE IF EXISTS funnel_fsm_history;
DROP TABLE IF EXISTS funnel_user_states;
DROP TABLE IF EXISTS funnel_fsm_transitions;
DROP TABLE IF EXISTS funnel_fsm_states;
DROP TABLE IF EXISTS funnel_fsm_versions;
`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_funnel_rules",
			Version: "20250101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS funnel_rules (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    description   TEXT NOT NULL DEFAULT '',
    trigger_event TEXT NOT NULL,
    priority      INTEGER NOT NULL DEFAULT 0,
    is_active     INTEGER NOT NULL DEFAULT 1,
    conditions    TEXT NOT NULL DEFAULT '[]',
    actions       TEXT NOT NULL DEFAULT '[]',
    created_at    INTEGER NOT NULL DEFAULT 0,
    updated_at    INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_funnel_rules_trigger ON funnel_rules (trigger_event, is_active, priority DESC);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS funnel_rules`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_funnel_overlays",
			Version: "20250101000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS funnel_overlays (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL REFERENCES funnel_users (id),
    type       TEXT NOT NULL,
    state      TEXT NOT NULL,
    expires_at INTEGER,
    metadata   TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_funnel_overlays_live ON funnel_overlays (user_id, type) WHERE state IN ('ACTIVE', 'ELIGIBLE');
CREATE INDEX IF NOT EXISTS idx_funnel_overlays_expiry ON funnel_overlays (state, expires_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS funnel_overlays`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_funnel_bonuses",
			Version: "20250101000005",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS funnel_bonus_templates (
    id                      TEXT PRIMARY KEY,
    name                    TEXT NOT NULL,
    amount                  TEXT NOT NULL,
    expires_at              INTEGER,
    expires_in_hours        INTEGER,
    condition_generations   INTEGER,
    condition_top_up_amount TEXT,
    message                 TEXT NOT NULL DEFAULT '',
    created_at              INTEGER NOT NULL DEFAULT 0,
    updated_at              INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_funnel_bonus_templates_name ON funnel_bonus_templates (name);

CREATE TABLE IF NOT EXISTS funnel_bonuses (
    id                     TEXT PRIMARY KEY,
    user_id                TEXT NOT NULL REFERENCES funnel_users (id),
    template_id            TEXT NOT NULL DEFAULT '',
    amount                 TEXT NOT NULL,
    deadline               INTEGER NOT NULL,
    generations_required   INTEGER,
    top_up_amount_required TEXT,
    generations_made       INTEGER NOT NULL DEFAULT 0,
    top_up_made            TEXT NOT NULL DEFAULT '0',
    status                 TEXT NOT NULL DEFAULT 'ACTIVE',
    revoked_amount         TEXT NOT NULL DEFAULT '0',
    created_at             INTEGER NOT NULL DEFAULT 0,
    updated_at             INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_funnel_bonuses_user ON funnel_bonuses (user_id, status);
CREATE INDEX IF NOT EXISTS idx_funnel_bonuses_deadline ON funnel_bonuses (status, deadline);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
DROP TABLE IF EXISTS funnel_bonuses;
DROP TABLE IF EXISTS funnel_bonus_templates;
`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_funnel_cost",
			Version: "20250101000006",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS funnel_tariffs (
    model_id           TEXT PRIMARY KEY,
    name               TEXT NOT NULL DEFAULT '',
    input_price        TEXT NOT NULL DEFAULT '0',
    output_price       TEXT NOT NULL DEFAULT '0',
    output_image_price TEXT,
    model_margin       TEXT NOT NULL DEFAULT '0',
    credit_price_usd   TEXT,
    input_tokens       INTEGER NOT NULL DEFAULT 0,
    low_res_tokens     INTEGER NOT NULL DEFAULT 0,
    high_res_tokens    INTEGER NOT NULL DEFAULT 0,
    is_active          INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS funnel_settings (
    id              INTEGER PRIMARY KEY,
    system_margin   TEXT NOT NULL,
    credits_per_usd TEXT NOT NULL,
    usd_rub_rate    TEXT NOT NULL,
    updated_at      INTEGER NOT NULL DEFAULT 0
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
DROP TABLE IF EXISTS funnel_settings;
DROP TABLE IF EXISTS funnel_tariffs;
`)
				return err
			},
		},
	)
}
