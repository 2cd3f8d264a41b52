package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hookflow/hookflow/workflow"
)

// Row types mirror the schema; JSON columns travel as raw bytes and are
// decoded at the domain boundary.

type workflowRow struct {
	ID            string         `db:"id"`
	Name          string         `db:"name"`
	Slug          string         `db:"slug"`
	WebhookSecret sql.NullString `db:"webhook_secret"`
	Enabled       bool           `db:"enabled"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func (r *workflowRow) toDomain() (*workflow.Workflow, error) {
	return &workflow.Workflow{
		ID:            r.ID,
		Name:          r.Name,
		Slug:          r.Slug,
		WebhookSecret: r.WebhookSecret.String,
		Enabled:       r.Enabled,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}, nil
}

type stepRow struct {
	ID          string        `db:"id"`
	WorkflowID  string        `db:"workflow_id"`
	Order       int           `db:"order"`
	Name        string        `db:"name"`
	Type        string        `db:"type"`
	Config      []byte        `db:"config"`
	RetryPolicy []byte        `db:"retry_policy"`
	TimeoutMs   sql.NullInt32 `db:"timeout_ms"`
	Enabled     bool          `db:"enabled"`
}

func (r *stepRow) toDomain() (workflow.Step, error) {
	step := workflow.Step{
		ID:         r.ID,
		WorkflowID: r.WorkflowID,
		Order:      r.Order,
		Name:       r.Name,
		Type:       workflow.StepType(r.Type),
		TimeoutMs:  int(r.TimeoutMs.Int32),
		Enabled:    r.Enabled,
	}
	if len(r.Config) > 0 {
		if err := json.Unmarshal(r.Config, &step.Config); err != nil {
			return workflow.Step{}, fmt.Errorf("decode step config: %w", err)
		}
	}
	if len(r.RetryPolicy) > 0 {
		var policy workflow.RetryPolicy
		if err := json.Unmarshal(r.RetryPolicy, &policy); err != nil {
			return workflow.Step{}, fmt.Errorf("decode retry policy: %w", err)
		}
		step.RetryPolicy = &policy
	}
	return step, nil
}

type runRow struct {
	ID               string       `db:"id"`
	WorkflowID       string       `db:"workflow_id"`
	Status           string       `db:"status"`
	TriggerData      []byte       `db:"trigger_data"`
	Context          []byte       `db:"context"`
	CurrentStepIndex int          `db:"current_step_index"`
	StartedAt        time.Time    `db:"started_at"`
	CompletedAt      sql.NullTime `db:"completed_at"`
	Error            []byte       `db:"error"`
}

func (r *runRow) toDomain() (*workflow.Run, error) {
	run := &workflow.Run{
		ID:               r.ID,
		WorkflowID:       r.WorkflowID,
		Status:           workflow.RunStatus(r.Status),
		CurrentStepIndex: r.CurrentStepIndex,
		StartedAt:        r.StartedAt,
	}
	if err := json.Unmarshal(r.TriggerData, &run.TriggerData); err != nil {
		return nil, fmt.Errorf("decode trigger data: %w", err)
	}
	if err := json.Unmarshal(r.Context, &run.Context); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		run.CompletedAt = &t
	}
	if len(r.Error) > 0 {
		var runErr workflow.RunError
		if err := json.Unmarshal(r.Error, &runErr); err != nil {
			return nil, fmt.Errorf("decode run error: %w", err)
		}
		run.Error = &runErr
	}
	return run, nil
}

type executionRow struct {
	ID          string        `db:"id"`
	RunID       string        `db:"run_id"`
	StepID      string        `db:"step_id"`
	StepName    string        `db:"step_name"`
	Status      string        `db:"status"`
	Attempt     int           `db:"attempt"`
	Input       []byte        `db:"input"`
	Output      []byte        `db:"output"`
	Error       []byte        `db:"error"`
	StartedAt   time.Time     `db:"started_at"`
	CompletedAt sql.NullTime  `db:"completed_at"`
	DurationMs  sql.NullInt64 `db:"duration_ms"`
}

func (r *executionRow) toDomain() (*workflow.StepExecution, error) {
	exec := &workflow.StepExecution{
		ID:        r.ID,
		RunID:     r.RunID,
		StepID:    r.StepID,
		StepName:  r.StepName,
		Status:    workflow.ExecStatus(r.Status),
		Attempt:   r.Attempt,
		StartedAt: r.StartedAt,
	}
	if len(r.Input) > 0 {
		if err := json.Unmarshal(r.Input, &exec.Input); err != nil {
			return nil, fmt.Errorf("decode execution input: %w", err)
		}
	}
	if len(r.Output) > 0 {
		if err := json.Unmarshal(r.Output, &exec.Output); err != nil {
			return nil, fmt.Errorf("decode execution output: %w", err)
		}
	}
	if len(r.Error) > 0 {
		var stepErr workflow.StepError
		if err := json.Unmarshal(r.Error, &stepErr); err != nil {
			return nil, fmt.Errorf("decode execution error: %w", err)
		}
		exec.Error = &stepErr
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		exec.CompletedAt = &t
	}
	if r.DurationMs.Valid {
		d := r.DurationMs.Int64
		exec.DurationMs = &d
	}
	return exec, nil
}

// marshalJSON encodes a value for a JSONB parameter, keeping NULL for
// nils so nullable columns stay null.
func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return raw, nil
}
