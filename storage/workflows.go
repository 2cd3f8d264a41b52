package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hookflow/hookflow/workflow"
)

// CreateWorkflow inserts a workflow and its steps in one transaction.
// Missing IDs are filled in; step order is taken from the given slice
// when unset.
func (s *Store) CreateWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	wf.CreatedAt = now
	wf.UpdatedAt = now

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create workflow: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (id, name, slug, webhook_secret, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		wf.ID, wf.Name, wf.Slug, nullString(wf.WebhookSecret), wf.Enabled, wf.CreatedAt, wf.UpdatedAt)
	if err != nil {
		return mapError(fmt.Errorf("insert workflow: %w", err))
	}

	for i := range wf.Steps {
		step := &wf.Steps[i]
		step.WorkflowID = wf.ID
		if step.ID == "" {
			step.ID = uuid.NewString()
		}
		if step.Order == 0 {
			step.Order = i
		}
		if err := insertStep(ctx, tx, step); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create workflow: %w", err)
	}
	return nil
}

func insertStep(ctx context.Context, tx *sqlx.Tx, step *workflow.Step) error {
	config, err := marshalJSON(step.Config)
	if err != nil {
		return err
	}
	policy, err := marshalJSON(step.RetryPolicy)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO steps (id, workflow_id, "order", name, type, config, retry_policy, timeout_ms, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		step.ID, step.WorkflowID, step.Order, step.Name, string(step.Type),
		config, policy, nullInt32(step.TimeoutMs), step.Enabled)
	if err != nil {
		return mapError(fmt.Errorf("insert step: %w", err))
	}
	return nil
}

// GetWorkflow loads a workflow and its steps ordered by position.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	var row workflowRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, name, slug, webhook_secret, enabled, created_at, updated_at
		FROM workflows WHERE id = $1`, id)
	if err != nil {
		return nil, mapError(fmt.Errorf("get workflow: %w", err))
	}
	return s.loadSteps(ctx, &row)
}

// GetWorkflowBySlug loads a workflow by its webhook slug.
func (s *Store) GetWorkflowBySlug(ctx context.Context, slug string) (*workflow.Workflow, error) {
	var row workflowRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, name, slug, webhook_secret, enabled, created_at, updated_at
		FROM workflows WHERE slug = $1`, slug)
	if err != nil {
		return nil, mapError(fmt.Errorf("get workflow by slug: %w", err))
	}
	return s.loadSteps(ctx, &row)
}

func (s *Store) loadSteps(ctx context.Context, row *workflowRow) (*workflow.Workflow, error) {
	wf, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	var stepRows []stepRow
	err = s.db.SelectContext(ctx, &stepRows, `
		SELECT id, workflow_id, "order", name, type, config, retry_policy, timeout_ms, enabled
		FROM steps WHERE workflow_id = $1 ORDER BY "order"`, wf.ID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	wf.Steps = make([]workflow.Step, 0, len(stepRows))
	for i := range stepRows {
		step, err := stepRows[i].toDomain()
		if err != nil {
			return nil, err
		}
		wf.Steps = append(wf.Steps, step)
	}
	return wf, nil
}

// ListWorkflows returns workflows ordered by creation time, newest
// first. Steps are not loaded.
func (s *Store) ListWorkflows(ctx context.Context, limit, offset int) ([]*workflow.Workflow, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []workflowRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, name, slug, webhook_secret, enabled, created_at, updated_at
		FROM workflows ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	out := make([]*workflow.Workflow, 0, len(rows))
	for i := range rows {
		wf, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}

// UpdateWorkflow updates mutable workflow fields. Steps are managed
// through AddStep, UpdateStep and DeleteStep.
func (s *Store) UpdateWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	wf.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET name = $2, slug = $3, webhook_secret = $4, enabled = $5, updated_at = $6
		WHERE id = $1`,
		wf.ID, wf.Name, wf.Slug, nullString(wf.WebhookSecret), wf.Enabled, wf.UpdatedAt)
	if err != nil {
		return mapError(fmt.Errorf("update workflow: %w", err))
	}
	return requireAffected(res, "workflow")
}

// DeleteWorkflow removes a workflow; steps, runs and idempotency keys
// go with it through ON DELETE CASCADE.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	return requireAffected(res, "workflow")
}

// AddStep appends a step at the next free position. The workflow row
// is locked so concurrent appends cannot race the order computation or
// the step limit. maxSteps <= 0 means unlimited.
func (s *Store) AddStep(ctx context.Context, workflowID string, step *workflow.Step, maxSteps int) error {
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	step.WorkflowID = workflowID

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add step: %w", err)
	}
	defer tx.Rollback()

	var exists string
	if err := tx.GetContext(ctx, &exists, `SELECT id FROM workflows WHERE id = $1 FOR UPDATE`, workflowID); err != nil {
		return mapError(fmt.Errorf("lock workflow: %w", err))
	}

	var count int
	if err := tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM steps WHERE workflow_id = $1`, workflowID); err != nil {
		return fmt.Errorf("count steps: %w", err)
	}
	if maxSteps > 0 && count >= maxSteps {
		return &workflow.ValidationError{Field: "steps", Message: fmt.Sprintf("workflow already has the maximum of %d steps", maxSteps)}
	}

	var next sql.NullInt32
	if err := tx.GetContext(ctx, &next, `SELECT MAX("order") + 1 FROM steps WHERE workflow_id = $1`, workflowID); err != nil {
		return fmt.Errorf("next step order: %w", err)
	}
	step.Order = int(next.Int32)

	if err := insertStep(ctx, tx, step); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit add step: %w", err)
	}
	return nil
}

// UpdateStep replaces a step's mutable fields. Position is not changed
// here; DeleteStep keeps positions dense.
func (s *Store) UpdateStep(ctx context.Context, step *workflow.Step) error {
	config, err := marshalJSON(step.Config)
	if err != nil {
		return err
	}
	policy, err := marshalJSON(step.RetryPolicy)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE steps SET name = $2, type = $3, config = $4, retry_policy = $5, timeout_ms = $6, enabled = $7
		WHERE id = $1`,
		step.ID, step.Name, string(step.Type), config, policy, nullInt32(step.TimeoutMs), step.Enabled)
	if err != nil {
		return mapError(fmt.Errorf("update step: %w", err))
	}
	return requireAffected(res, "step")
}

// DeleteStep removes a step and shifts later steps down so positions
// stay dense. The unique constraint on (workflow_id, "order") is
// deferred for the shift; it is checked again at commit.
func (s *Store) DeleteStep(ctx context.Context, workflowID, stepID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete step: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SET CONSTRAINTS steps_workflow_order_key DEFERRED`); err != nil {
		return fmt.Errorf("defer order constraint: %w", err)
	}

	var order int
	err = tx.GetContext(ctx, &order, `
		SELECT "order" FROM steps WHERE id = $1 AND workflow_id = $2 FOR UPDATE`, stepID, workflowID)
	if err != nil {
		return mapError(fmt.Errorf("get step order: %w", err))
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE id = $1`, stepID); err != nil {
		return fmt.Errorf("delete step: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE steps SET "order" = "order" - 1 WHERE workflow_id = $1 AND "order" > $2`, workflowID, order)
	if err != nil {
		return fmt.Errorf("shift step order: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete step: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt32(v int) sql.NullInt32 {
	return sql.NullInt32{Int32: int32(v), Valid: v != 0}
}

func requireAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
