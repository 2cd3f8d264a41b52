package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hookflow/hookflow/workflow"
)

const executionColumns = `id, run_id, step_id, step_name, status, attempt, input, output, error, started_at, completed_at, duration_ms`

// CreateStepExecution records the start of one step attempt. The ID
// and start time are filled in when unset. Re-creating an existing
// (run, step, attempt) row resets it to pending and adopts its ID, so
// a redelivered message re-claims the attempt a dead worker left
// half-written instead of violating the uniqueness constraint.
func (s *Store) CreateStepExecution(ctx context.Context, exec *workflow.StepExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	}
	if exec.Status == "" {
		exec.Status = workflow.ExecStatusPending
	}
	input, err := marshalJSON(exec.Input)
	if err != nil {
		return err
	}
	err = s.db.GetContext(ctx, &exec.ID, `
		INSERT INTO step_executions (id, run_id, step_id, step_name, status, attempt, input, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, step_id, attempt) DO UPDATE
		SET status = EXCLUDED.status, input = EXCLUDED.input,
		    started_at = EXCLUDED.started_at, output = NULL, error = NULL,
		    completed_at = NULL, duration_ms = NULL
		RETURNING id`,
		exec.ID, exec.RunID, exec.StepID, exec.StepName, string(exec.Status),
		exec.Attempt, input, exec.StartedAt)
	if err != nil {
		return mapError(fmt.Errorf("insert step execution: %w", err))
	}
	return nil
}

// MarkExecutionRunning flips a pending execution to running.
func (s *Store) MarkExecutionRunning(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE step_executions SET status = $2 WHERE id = $1`,
		id, string(workflow.ExecStatusRunning))
	if err != nil {
		return fmt.Errorf("mark execution running: %w", err)
	}
	return requireAffected(res, "step execution")
}

// CompleteExecution stores the step output and closes the attempt.
func (s *Store) CompleteExecution(ctx context.Context, id string, output any, durationMs int64) error {
	outputJSON, err := marshalJSON(output)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE step_executions SET status = $2, output = $3, completed_at = $4, duration_ms = $5
		WHERE id = $1`,
		id, string(workflow.ExecStatusCompleted), outputJSON, time.Now().UTC(), durationMs)
	if err != nil {
		return fmt.Errorf("complete execution: %w", err)
	}
	return requireAffected(res, "step execution")
}

// FailExecution records the classified error and closes the attempt.
func (s *Store) FailExecution(ctx context.Context, id string, stepErr *workflow.StepError, durationMs int64) error {
	errJSON, err := marshalJSON(stepErr)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE step_executions SET status = $2, error = $3, completed_at = $4, duration_ms = $5
		WHERE id = $1`,
		id, string(workflow.ExecStatusFailed), errJSON, time.Now().UTC(), durationMs)
	if err != nil {
		return fmt.Errorf("fail execution: %w", err)
	}
	return requireAffected(res, "step execution")
}

// ListExecutions returns every attempt of a run in start order, so the
// retry history of each step reads top to bottom.
func (s *Store) ListExecutions(ctx context.Context, runID string) ([]*workflow.StepExecution, error) {
	var rows []executionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+executionColumns+` FROM step_executions
		WHERE run_id = $1 ORDER BY started_at, attempt`, runID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	out := make([]*workflow.StepExecution, 0, len(rows))
	for i := range rows {
		exec, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}
