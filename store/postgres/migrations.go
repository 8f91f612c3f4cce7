package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the Funnel store.
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
    credits          NUMERIC NOT NULL DEFAULT 0,
    reserved_credits NUMERIC NOT NULL DEFAULT 0,
    total_generated  BIGINT NOT NULL DEFAULT 0,
    tags             JSONB NOT NULL DEFAULT '[]',
    lifecycle_state  TEXT NOT NULL DEFAULT '',
    last_active_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    version          BIGINT NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT funnel_users_reserved_nonneg CHECK (reserved_credits >= 0)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_funnel_users_external ON funnel_users (external_id) WHERE external_id <> '';

CREATE TABLE IF NOT EXISTS funnel_transactions (
    id             TEXT PRIMARY KEY,
    user_id        TEXT NOT NULL REFERENCES funnel_users (id),
    type           TEXT NOT NULL,
    credits_added  NUMERIC NOT NULL,
    payment_method TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL DEFAULT 'COMPLETED',
    ref_id         TEXT NOT NULL DEFAULT '',
    metadata       JSONB NOT NULL DEFAULT '{}',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
    name        TEXT NOT NULL DEFAULT '',
    number      INT NOT NULL DEFAULT 0,
    description TEXT NOT NULL DEFAULT '',
    is_active   BOOLEAN NOT NULL DEFAULT FALSE,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_funnel_fsm_versions_active ON funnel_fsm_versions (is_active) WHERE is_active;

CREATE TABLE IF NOT EXISTS funnel_fsm_states (
    id          TEXT PRIMARY KEY,
    version_id  TEXT NOT NULL REFERENCES funnel_fsm_versions (id),
    name        TEXT NOT NULL DEFAULT '',
    code        TEXT NOT NULL,
    is_initial  BOOLEAN NOT NULL DEFAULT FALSE,
    is_terminal BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_funnel_fsm_states_code ON funnel_fsm_states (version_id, code);

CREATE TABLE IF NOT EXISTS funnel_fsm_transitions (
    id              TEXT PRIMARY KEY,
    version_id      TEXT NOT NULL REFERENCES funnel_fsm_versions (id),
    from_state_id   TEXT NOT NULL REFERENCES funnel_fsm_states (id),
    to_state_id     TEXT NOT NULL REFERENCES funnel_fsm_states (id),
    trigger_event   TEXT NOT NULL,
    priority        INT NOT NULL DEFAULT 0,
    timeout_minutes INT NOT NULL DEFAULT 0,
    conditions      JSONB NOT NULL DEFAULT '[]',
    actions         JSONB NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_funnel_fsm_transitions_from ON funnel_fsm_transitions (from_state_id, trigger_event, priority DESC);
CREATE INDEX IF NOT EXISTS idx_funnel_fsm_transitions_version ON funnel_fsm_transitions (version_id);

CREATE TABLE IF NOT EXISTS funnel_user_states (
    user_id    TEXT PRIMARY KEY REFERENCES funnel_users (id),
    state_id   TEXT NOT NULL REFERENCES funnel_fsm_states (id),
    version_id TEXT NOT NULL REFERENCES funnel_fsm_versions (id),
    entered_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    version    BIGINT NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_funnel_user_states_state ON funnel_user_states (state_id, entered_at);

CREATE TABLE IF NOT EXISTS funnel_fsm_history (
    id            TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL REFERENCES funnel_users (id),
    version_id    TEXT NOT NULL,
    from_state_id TEXT NOT NULL DEFAULT '',
    to_state_id   TEXT NOT NULL,
    trigger_event TEXT NOT NULL,
    transition_id TEXT NOT NULL DEFAULT '',
    actions_taken JSONB NOT NULL DEFAULT '[]',
    at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
    priority      INT NOT NULL DEFAULT 0,
    is_active     BOOLEAN NOT NULL DEFAULT TRUE,
    conditions    JSONB NOT NULL DEFAULT '[]',
    actions       JSONB NOT NULL DEFAULT '[]',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_funnel_rules_trigger ON funnel_rules (trigger_event, priority DESC) WHERE is_active;
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
    expires_at TIMESTAMPTZ,
    metadata   JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_funnel_overlays_live ON funnel_overlays (user_id, type) WHERE state IN ('ACTIVE', 'ELIGIBLE');
CREATE INDEX IF NOT EXISTS idx_funnel_overlays_expiry ON funnel_overlays (expires_at) WHERE state IN ('ACTIVE', 'ELIGIBLE');
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
    amount                  NUMERIC NOT NULL,
    expires_at              TIMESTAMPTZ,
    expires_in_hours        INT,
    condition_generations   INT,
    condition_top_up_amount NUMERIC,
    message                 TEXT NOT NULL DEFAULT '',
    created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_funnel_bonus_templates_name ON funnel_bonus_templates (name);

CREATE TABLE IF NOT EXISTS funnel_bonuses (
    id                     TEXT PRIMARY KEY,
    user_id                TEXT NOT NULL REFERENCES funnel_users (id),
    template_id            TEXT NOT NULL DEFAULT '',
    amount                 NUMERIC NOT NULL,
    deadline               TIMESTAMPTZ NOT NULL,
    generations_required   INT,
    top_up_amount_required NUMERIC,
    generations_made       INT NOT NULL DEFAULT 0,
    top_up_made            NUMERIC NOT NULL DEFAULT 0,
    status                 TEXT NOT NULL DEFAULT 'ACTIVE',
    revoked_amount         NUMERIC NOT NULL DEFAULT 0,
    created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_funnel_bonuses_user ON funnel_bonuses (user_id, status);
CREATE INDEX IF NOT EXISTS idx_funnel_bonuses_deadline ON funnel_bonuses (deadline) WHERE status = 'ACTIVE';
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
			Name:    "create_funnel_pricing",
			Version: "20250101000006",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS funnel_tariffs (
    model_id           TEXT PRIMARY KEY,
    name               TEXT NOT NULL DEFAULT '',
    input_price        NUMERIC NOT NULL DEFAULT 0,
    output_price       NUMERIC NOT NULL DEFAULT 0,
    output_image_price NUMERIC,
    model_margin       NUMERIC NOT NULL DEFAULT 0,
    credit_price_usd   NUMERIC,
    input_tokens       BIGINT NOT NULL DEFAULT 0,
    low_res_tokens     BIGINT NOT NULL DEFAULT 0,
    high_res_tokens    BIGINT NOT NULL DEFAULT 0,
    is_active          BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS funnel_settings (
    id              INT PRIMARY KEY,
    system_margin   NUMERIC NOT NULL DEFAULT 0,
    credits_per_usd NUMERIC NOT NULL DEFAULT 0,
    usd_rub_rate    NUMERIC NOT NULL DEFAULT 0,
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
