package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema mirrors the four persisted aggregates: workflows, workflow_steps
// (cascade delete with the workflow), workflow_executions, and
// step_executions (one row per attempt, cascade delete with the execution).
const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id            UUID PRIMARY KEY,
	name          TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	workflow_type TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'draft',
	config        JSONB,
	tags          TEXT[] NOT NULL DEFAULT '{}',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS workflow_steps (
	id              UUID PRIMARY KEY,
	workflow_id     UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
	name            TEXT NOT NULL,
	step_type       TEXT NOT NULL DEFAULT '',
	agent_ref       TEXT NOT NULL,
	config          JSONB,
	dependencies    TEXT[] NOT NULL DEFAULT '{}',
	timeout_seconds INT NOT NULL,
	retry_count     INT NOT NULL DEFAULT 0,
	step_order      INT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (workflow_id, name)
);

CREATE TABLE IF NOT EXISTS workflow_executions (
	id               UUID PRIMARY KEY,
	workflow_id      UUID NOT NULL REFERENCES workflows(id),
	status           TEXT NOT NULL DEFAULT 'pending',
	input_data       JSONB,
	output_data      JSONB,
	error            TEXT NOT NULL DEFAULT '',
	started_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at     TIMESTAMPTZ,
	duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS step_executions (
	id           UUID PRIMARY KEY,
	execution_id UUID NOT NULL REFERENCES workflow_executions(id) ON DELETE CASCADE,
	step_id      UUID NOT NULL,
	step_name    TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	attempt      INT NOT NULL DEFAULT 1,
	iteration    INT NOT NULL DEFAULT 0,
	result       JSONB,
	error        TEXT NOT NULL DEFAULT '',
	started_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_workflow_steps_workflow
	ON workflow_steps(workflow_id);
CREATE INDEX IF NOT EXISTS idx_workflow_executions_workflow
	ON workflow_executions(workflow_id);
CREATE INDEX IF NOT EXISTS idx_workflow_executions_status
	ON workflow_executions(status);
CREATE INDEX IF NOT EXISTS idx_step_executions_execution
	ON step_executions(execution_id);
`

// Migrate applies the schema. Statements are idempotent so the command can
// run on every deploy.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
