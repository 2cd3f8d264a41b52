package storage

// schemaDDL bootstraps the relational schema. Statements are idempotent
// so startup can run them unconditionally. The steps uniqueness
// constraints are deferrable: order densification renumbers several
// rows in one transaction and must not trip the constraint mid-shift.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS workflows (
    id             UUID PRIMARY KEY,
    name           TEXT NOT NULL,
    slug           TEXT NOT NULL,
    webhook_secret TEXT,
    enabled        BOOLEAN NOT NULL DEFAULT true,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT workflows_slug_key UNIQUE (slug)
);

CREATE TABLE IF NOT EXISTS steps (
    id           UUID PRIMARY KEY,
    workflow_id  UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
    "order"      INTEGER NOT NULL CHECK ("order" >= 0),
    name         TEXT NOT NULL,
    type         TEXT NOT NULL CHECK (type IN ('http', 'transform', 'ai', 'delay')),
    config       JSONB NOT NULL,
    retry_policy JSONB,
    timeout_ms   INTEGER,
    enabled      BOOLEAN NOT NULL DEFAULT true,
    CONSTRAINT steps_workflow_order_key UNIQUE (workflow_id, "order") DEFERRABLE INITIALLY IMMEDIATE,
    CONSTRAINT steps_workflow_name_key UNIQUE (workflow_id, name) DEFERRABLE INITIALLY IMMEDIATE
);

CREATE TABLE IF NOT EXISTS runs (
    id                 UUID PRIMARY KEY,
    workflow_id        UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
    status             TEXT NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
    trigger_data       JSONB NOT NULL,
    context            JSONB NOT NULL,
    current_step_index INTEGER NOT NULL DEFAULT 0,
    started_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at       TIMESTAMPTZ,
    error              JSONB
);

CREATE INDEX IF NOT EXISTS idx_runs_workflow_started ON runs (workflow_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs (status);

CREATE TABLE IF NOT EXISTS step_executions (
    id           UUID PRIMARY KEY,
    run_id       UUID NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    step_id      UUID NOT NULL REFERENCES steps(id) ON DELETE CASCADE,
    step_name    TEXT NOT NULL,
    status       TEXT NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed')),
    attempt      INTEGER NOT NULL CHECK (attempt >= 1),
    input        JSONB NOT NULL,
    output       JSONB,
    error        JSONB,
    started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at TIMESTAMPTZ,
    duration_ms  BIGINT,
    CONSTRAINT step_executions_attempt_key UNIQUE (run_id, step_id, attempt)
);

CREATE INDEX IF NOT EXISTS idx_step_executions_run ON step_executions (run_id, started_at);

CREATE TABLE IF NOT EXISTS idempotency_keys (
    key        TEXT PRIMARY KEY,
    run_id     UUID NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_idempotency_keys_expires ON idempotency_keys (expires_at);
`
