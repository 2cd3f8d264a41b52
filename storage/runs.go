package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hookflow/hookflow/workflow"
)

const runColumns = `id, workflow_id, status, trigger_data, context, current_step_index, started_at, completed_at, error`

// CreateRun inserts a pending run seeded with the trigger payload as
// its initial execution context.
func (s *Store) CreateRun(ctx context.Context, workflowID string, trigger workflow.TriggerData) (*workflow.Run, error) {
	run := &workflow.Run{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		Status:      workflow.RunStatusPending,
		TriggerData: trigger,
		Context:     workflow.NewExecutionContext(trigger),
		StartedAt:   time.Now().UTC(),
	}
	triggerJSON, err := marshalJSON(run.TriggerData)
	if err != nil {
		return nil, err
	}
	contextJSON, err := marshalJSON(run.Context)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, workflow_id, status, trigger_data, context, current_step_index, started_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)`,
		run.ID, run.WorkflowID, string(run.Status), triggerJSON, contextJSON, run.StartedAt)
	if err != nil {
		return nil, mapError(fmt.Errorf("insert run: %w", err))
	}
	return run, nil
}

// GetRun loads a single run.
func (s *Store) GetRun(ctx context.Context, id string) (*workflow.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	if err != nil {
		return nil, mapError(fmt.Errorf("get run: %w", err))
	}
	return row.toDomain()
}

// RunFilter narrows ListRuns. Zero values mean no filtering.
type RunFilter struct {
	WorkflowID string
	Status     workflow.RunStatus
	Limit      int
	Offset     int
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, filter RunFilter) ([]*workflow.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var conds []string
	var args []any
	if filter.WorkflowID != "" {
		args = append(args, filter.WorkflowID)
		conds = append(conds, "workflow_id = $"+strconv.Itoa(len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, "status = $"+strconv.Itoa(len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += " ORDER BY started_at DESC LIMIT $" + strconv.Itoa(len(args))
	args = append(args, filter.Offset)
	query += " OFFSET $" + strconv.Itoa(len(args))

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	out := make([]*workflow.Run, 0, len(rows))
	for i := range rows {
		run, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

// MarkRunRunning moves a pending run to running. Returns false when
// the run was already picked up or cancelled.
func (s *Store) MarkRunRunning(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = $2 WHERE id = $1 AND status = $3`,
		id, string(workflow.RunStatusRunning), string(workflow.RunStatusPending))
	if err != nil {
		return false, fmt.Errorf("mark run running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// AdvanceRun persists the context produced by a completed step and
// moves the cursor to newIndex. The write only lands while the run is
// still running and the cursor moves forward, so a cancel or a
// duplicate delivery that lost the race changes nothing. Returns false
// when the guard rejected the write.
func (s *Store) AdvanceRun(ctx context.Context, id string, newIndex int, newContext workflow.ExecutionContext) (bool, error) {
	contextJSON, err := marshalJSON(newContext)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET context = $2, current_step_index = $3
		WHERE id = $1 AND status = $4 AND current_step_index < $3`,
		id, contextJSON, newIndex, string(workflow.RunStatusRunning))
	if err != nil {
		return false, fmt.Errorf("advance run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// CompleteRun marks a running run completed with its final context.
func (s *Store) CompleteRun(ctx context.Context, id string, finalContext workflow.ExecutionContext) (bool, error) {
	contextJSON, err := marshalJSON(finalContext)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = $2, context = $3, completed_at = $4
		WHERE id = $1 AND status = $5`,
		id, string(workflow.RunStatusCompleted), contextJSON, time.Now().UTC(),
		string(workflow.RunStatusRunning))
	if err != nil {
		return false, fmt.Errorf("complete run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// FailRun marks a run failed and records the terminal error. Pending
// runs can fail too (workflow deleted between trigger and start).
func (s *Store) FailRun(ctx context.Context, id string, runErr *workflow.RunError) (bool, error) {
	errJSON, err := marshalJSON(runErr)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = $2, error = $3, completed_at = $4
		WHERE id = $1 AND status IN ($5, $6)`,
		id, string(workflow.RunStatusFailed), errJSON, time.Now().UTC(),
		string(workflow.RunStatusPending), string(workflow.RunStatusRunning))
	if err != nil {
		return false, fmt.Errorf("fail run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// CancelRun marks a pending or running run cancelled. Returns false
// when the run is already terminal.
func (s *Store) CancelRun(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = $2, completed_at = $3
		WHERE id = $1 AND status IN ($4, $5)`,
		id, string(workflow.RunStatusCancelled), time.Now().UTC(),
		string(workflow.RunStatusPending), string(workflow.RunStatusRunning))
	if err != nil {
		return false, fmt.Errorf("cancel run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteRun removes a run and its executions. Used to discard the
// loser of an idempotency race before it is ever enqueued.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}

// CountActiveRuns reports how many runs are pending or running.
func (s *Store) CountActiveRuns(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM runs WHERE status IN ($1, $2)`,
		string(workflow.RunStatusPending), string(workflow.RunStatusRunning))
	if err != nil {
		return 0, fmt.Errorf("count active runs: %w", err)
	}
	return n, nil
}
