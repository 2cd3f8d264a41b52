package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hookflow/hookflow/workflow"
)

type stepRequest struct {
	Name        string                `json:"name"`
	Type        string                `json:"type"`
	Config      map[string]any        `json:"config"`
	RetryPolicy *workflow.RetryPolicy `json:"retryPolicy,omitempty"`
	TimeoutMs   int                   `json:"timeoutMs,omitempty"`
	Order       *int                  `json:"order,omitempty"`
	Enabled     *bool                 `json:"enabled,omitempty"`
}

func (r stepRequest) toDomain(position int) workflow.Step {
	step := workflow.Step{
		Name:        r.Name,
		Type:        workflow.StepType(r.Type),
		Config:      r.Config,
		RetryPolicy: r.RetryPolicy,
		TimeoutMs:   r.TimeoutMs,
		Order:       position,
		Enabled:     true,
	}
	if r.Order != nil {
		step.Order = *r.Order
	}
	if r.Enabled != nil {
		step.Enabled = *r.Enabled
	}
	return step
}

// checkStepTimeout rejects authored timeouts past the configured
// ceiling. The engine caps the effective deadline at run time as well;
// rejecting here surfaces the bound to the author instead of silently
// shortening the step.
func (s *Server) checkStepTimeout(step *workflow.Step) error {
	if step.TimeoutMs > s.cfg.MaxStepTimeoutMs {
		return &workflow.ValidationError{
			Field:   "timeoutMs",
			Message: fmt.Sprintf("must be at most %d", s.cfg.MaxStepTimeoutMs),
		}
	}
	return nil
}

type workflowRequest struct {
	Name          string        `json:"name"`
	Slug          string        `json:"slug"`
	WebhookSecret string        `json:"webhookSecret,omitempty"`
	Enabled       *bool         `json:"enabled,omitempty"`
	Steps         []stepRequest `json:"steps,omitempty"`
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}
	if len(req.Steps) > s.cfg.MaxStepsPerWorkflow {
		s.writeStoreError(w, &workflow.ValidationError{
			Field:   "steps",
			Message: "too many steps",
		})
		return
	}

	wf := &workflow.Workflow{
		Name:          req.Name,
		Slug:          req.Slug,
		WebhookSecret: req.WebhookSecret,
		Enabled:       true,
	}
	if req.Enabled != nil {
		wf.Enabled = *req.Enabled
	}
	for i, sr := range req.Steps {
		wf.Steps = append(wf.Steps, sr.toDomain(i))
	}
	if err := wf.Validate(); err != nil {
		s.writeStoreError(w, err)
		return
	}
	for i := range wf.Steps {
		if err := s.checkStepTimeout(&wf.Steps[i]); err != nil {
			s.writeStoreError(w, err)
			return
		}
	}
	if err := s.store.CreateWorkflow(r.Context(), wf); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.logger.Info("Workflow created", "workflow_id", wf.ID, "slug", wf.Slug)
	s.writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 50, 200)
	offset := intQuery(r, "offset", 0, 1<<30)
	workflows, err := s.store.ListWorkflows(r.Context(), limit, offset)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, workflows)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.store.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wf)
}

// handleUpdateWorkflow patches name, enabled and webhookSecret. The slug
// is immutable so existing webhook URLs keep working.
func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          *string `json:"name,omitempty"`
		Enabled       *bool   `json:"enabled,omitempty"`
		WebhookSecret *string `json:"webhookSecret,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}

	wf, err := s.store.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if req.Name != nil {
		wf.Name = *req.Name
	}
	if req.Enabled != nil {
		wf.Enabled = *req.Enabled
	}
	if req.WebhookSecret != nil {
		wf.WebhookSecret = *req.WebhookSecret
	}
	if err := wf.Validate(); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.store.UpdateWorkflow(r.Context(), wf); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteWorkflow(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.logger.Info("Workflow deleted", "workflow_id", chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

// handleAddStep appends a step to the workflow. The position is assigned
// by the store; a submitted order is ignored.
func (s *Server) handleAddStep(w http.ResponseWriter, r *http.Request) {
	var req stepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}
	step := req.toDomain(0)
	if err := step.Validate(); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.checkStepTimeout(&step); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.store.AddStep(r.Context(), chi.URLParam(r, "id"), &step, s.cfg.MaxStepsPerWorkflow); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, step)
}

// handleUpdateStep patches a step's handler-visible fields in place.
func (s *Server) handleUpdateStep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        *string               `json:"name,omitempty"`
		Type        *string               `json:"type,omitempty"`
		Config      map[string]any        `json:"config,omitempty"`
		RetryPolicy *workflow.RetryPolicy `json:"retryPolicy,omitempty"`
		TimeoutMs   *int                  `json:"timeoutMs,omitempty"`
		Enabled     *bool                 `json:"enabled,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}

	wf, err := s.store.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	var step *workflow.Step
	for i := range wf.Steps {
		if wf.Steps[i].ID == chi.URLParam(r, "stepId") {
			step = &wf.Steps[i]
			break
		}
	}
	if step == nil {
		s.writeError(w, http.StatusNotFound, "not_found", "unknown step")
		return
	}

	if req.Name != nil {
		step.Name = *req.Name
	}
	if req.Type != nil {
		step.Type = workflow.StepType(*req.Type)
	}
	if req.Config != nil {
		step.Config = req.Config
	}
	if req.RetryPolicy != nil {
		step.RetryPolicy = req.RetryPolicy
	}
	if req.TimeoutMs != nil {
		step.TimeoutMs = *req.TimeoutMs
	}
	if req.Enabled != nil {
		step.Enabled = *req.Enabled
	}
	if err := step.Validate(); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.checkStepTimeout(step); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.store.UpdateStep(r.Context(), step); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, step)
}

func (s *Server) handleDeleteStep(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteStep(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "stepId"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
