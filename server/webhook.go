package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hookflow/hookflow/metrics"
	"github.com/hookflow/hookflow/queue"
	"github.com/hookflow/hookflow/storage"
	"github.com/hookflow/hookflow/workflow"
)

type webhookAccepted struct {
	RunID      string `json:"runId"`
	Status     string `json:"status"`
	WorkflowID string `json:"workflowId"`
}

type webhookReplay struct {
	RunID   string `json:"runId"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// handleWebhook admits a trigger delivery: resolve the slug, verify the
// HMAC signature when the workflow has a secret, honor idempotency-key
// replays, then create the run and enqueue its start message.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slug := chi.URLParam(r, "slug")

	wf, err := s.store.GetWorkflowBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			metrics.WebhooksTotal.WithLabelValues("not_found").Inc()
			s.writeError(w, http.StatusNotFound, "not_found", "unknown workflow")
			return
		}
		s.writeStoreError(w, err)
		return
	}
	if !wf.Enabled {
		metrics.WebhooksTotal.WithLabelValues("disabled").Inc()
		s.writeError(w, http.StatusBadRequest, "workflow_disabled", "workflow is disabled")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues("rejected").Inc()
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds limit")
			return
		}
		s.writeError(w, http.StatusBadRequest, "invalid_body", "could not read request body")
		return
	}

	if wf.WebhookSecret != "" && !validSignature(wf.WebhookSecret, rawBody, r.Header.Get("X-Webhook-Signature")) {
		metrics.WebhooksTotal.WithLabelValues("invalid_signature").Inc()
		s.writeError(w, http.StatusUnauthorized, "invalid_signature", "missing or invalid webhook signature")
		return
	}

	idemKey := r.Header.Get("X-Idempotency-Key")
	if len(idemKey) > workflow.MaxIdempotencyKeyLength {
		metrics.WebhooksTotal.WithLabelValues("rejected").Inc()
		s.writeError(w, http.StatusBadRequest, "invalid_idempotency_key", "idempotency key exceeds 256 characters")
		return
	}
	if idemKey != "" {
		runID, err := s.store.GetIdempotentRun(ctx, idemKey)
		switch {
		case err == nil:
			s.replayRun(w, r, runID)
			return
		case !errors.Is(err, storage.ErrNotFound):
			s.writeStoreError(w, err)
			return
		}
	}

	var body any
	if len(rawBody) > 0 {
		if err := json.Unmarshal(rawBody, &body); err != nil {
			metrics.WebhooksTotal.WithLabelValues("rejected").Inc()
			s.writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
			return
		}
	}

	trigger := workflow.TriggerData{
		Method:     r.Method,
		Headers:    flattenHeaders(r.Header),
		Body:       body,
		Query:      flattenQuery(r.URL.Query()),
		ReceivedAt: time.Now().UTC(),
		SourceIP:   clientIP(r),
	}

	run, err := s.store.CreateRun(ctx, wf.ID, trigger)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	if idemKey != "" {
		owner, bound, err := s.store.BindIdempotencyKey(ctx, idemKey, run.ID, workflow.IdempotencyKeyTTL)
		if err != nil {
			s.logger.Error("Idempotency bind failed", "run_id", run.ID, "error", err)
			s.discardRun(r, run.ID)
			s.writeError(w, http.StatusInternalServerError, "internal_error", "")
			return
		}
		if !bound {
			// Another delivery with the same key won the race. Drop the
			// run we just created and answer with the winner.
			s.discardRun(r, run.ID)
			s.replayRun(w, r, owner)
			return
		}
	}

	msg := queue.NewStartRun(run.ID, wf.ID)
	if err := s.enqueuer.Enqueue(ctx, queue.QueueExecute, msg, 0); err != nil {
		s.logger.Error("Run enqueue failed", "run_id", run.ID, "error", err)
		s.discardRun(r, run.ID)
		s.writeError(w, http.StatusInternalServerError, "enqueue_failed", "could not schedule run")
		return
	}

	metrics.WebhooksTotal.WithLabelValues("accepted").Inc()
	s.logger.Info("Webhook accepted", "workflow_id", wf.ID, "slug", slug, "run_id", run.ID)
	s.writeJSON(w, http.StatusAccepted, webhookAccepted{
		RunID:      run.ID,
		Status:     string(run.Status),
		WorkflowID: wf.ID,
	})
}

// replayRun answers an idempotent re-delivery with the existing run.
func (s *Server) replayRun(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	metrics.WebhooksTotal.WithLabelValues("duplicate").Inc()
	s.writeJSON(w, http.StatusOK, webhookReplay{
		RunID:   run.ID,
		Status:  string(run.Status),
		Message: "Duplicate request",
	})
}

// discardRun deletes a run that was created but never scheduled.
func (s *Server) discardRun(r *http.Request, runID string) {
	if err := s.store.DeleteRun(r.Context(), runID); err != nil {
		s.logger.Warn("Orphan run cleanup failed", "run_id", runID, "error", err)
	}
}

func validSignature(secret string, body []byte, header string) bool {
	if header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(header), []byte(expected))
}

// flattenHeaders keeps the first value per header under its lower-cased
// name, matching how trigger data is addressed from expressions.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) > 0 {
			out[strings.ToLower(name)] = values[0]
		}
	}
	return out
}

func flattenQuery(q map[string][]string) map[string]string {
	out := make(map[string]string, len(q))
	for name, values := range q {
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}

// clientIP strips the port when one is present. middleware.RealIP has
// already folded X-Forwarded-For into RemoteAddr.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
