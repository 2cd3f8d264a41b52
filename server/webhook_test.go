package server_test

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookflow/hookflow/queue"
	"github.com/hookflow/hookflow/server"
	"github.com/hookflow/hookflow/workflow"
)

func TestWebhookAcceptsAndEnqueues(t *testing.T) {
	f := newFixture(t, server.DefaultConfig())
	wf := seedWorkflow(t, f.store, "", true)

	rec := f.do(t, http.MethodPost, "/webhooks/order-intake?source=shop", map[string]any{"orderId": "ord_42"},
		map[string]string{"Content-Type": "application/json"})

	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, wf.ID, body["workflowId"])
	runID, _ := body["runId"].(string)
	require.NotEmpty(t, runID)

	entries := f.queue.all()
	require.Len(t, entries, 1)
	assert.Equal(t, queue.QueueExecute, entries[0].queueName)
	assert.Equal(t, queue.TypeStartRun, entries[0].msg.Type)
	assert.Equal(t, runID, entries[0].msg.RunID)
	assert.Equal(t, time.Duration(0), entries[0].delay)

	run, err := f.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunStatusPending, run.Status)
	assert.Equal(t, "POST", run.TriggerData.Method)
	assert.Equal(t, map[string]any{"orderId": "ord_42"}, run.TriggerData.Body)
	assert.Equal(t, "application/json", run.TriggerData.Headers["content-type"])
	assert.Equal(t, "shop", run.TriggerData.Query["source"])
	assert.False(t, run.TriggerData.ReceivedAt.IsZero())
}

func TestWebhookUnknownSlug(t *testing.T) {
	f := newFixture(t, server.DefaultConfig())

	rec := f.do(t, http.MethodPost, "/webhooks/no-such-flow", map[string]any{}, nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody(t, rec)["error"])
	assert.Empty(t, f.queue.all())
}

func TestWebhookDisabledWorkflow(t *testing.T) {
	f := newFixture(t, server.DefaultConfig())
	seedWorkflow(t, f.store, "", false)

	rec := f.do(t, http.MethodPost, "/webhooks/order-intake", map[string]any{}, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "workflow_disabled", decodeBody(t, rec)["error"])
}

func TestWebhookSignature(t *testing.T) {
	f := newFixture(t, server.DefaultConfig())
	seedWorkflow(t, f.store, "s3cret", true)
	payload := []byte(`{"orderId":"ord_42"}`)

	rec := f.do(t, http.MethodPost, "/webhooks/order-intake", payload, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code, "missing signature must be rejected")
	assert.Equal(t, "invalid_signature", decodeBody(t, rec)["error"])

	rec = f.do(t, http.MethodPost, "/webhooks/order-intake", payload,
		map[string]string{"X-Webhook-Signature": "sha256=deadbeef"})
	require.Equal(t, http.StatusUnauthorized, rec.Code, "wrong signature must be rejected")

	rec = f.do(t, http.MethodPost, "/webhooks/order-intake", payload,
		map[string]string{"X-Webhook-Signature": sign("s3cret", payload)})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, f.queue.all(), 1)
}

func TestWebhookIdempotentReplay(t *testing.T) {
	f := newFixture(t, server.DefaultConfig())
	seedWorkflow(t, f.store, "", true)
	headers := map[string]string{"X-Idempotency-Key": "delivery-7"}

	first := f.do(t, http.MethodPost, "/webhooks/order-intake", map[string]any{"n": 1}, headers)
	require.Equal(t, http.StatusAccepted, first.Code)
	runID := decodeBody(t, first)["runId"]

	second := f.do(t, http.MethodPost, "/webhooks/order-intake", map[string]any{"n": 2}, headers)
	require.Equal(t, http.StatusOK, second.Code)
	body := decodeBody(t, second)
	assert.Equal(t, runID, body["runId"])
	assert.Equal(t, "Duplicate request", body["message"])
	assert.Equal(t, "pending", body["status"])

	assert.Len(t, f.queue.all(), 1, "replay must not enqueue a second start")
	assert.Len(t, f.store.runs, 1, "replay must not create a second run")
}

func TestWebhookOversizedIdempotencyKey(t *testing.T) {
	f := newFixture(t, server.DefaultConfig())
	seedWorkflow(t, f.store, "", true)

	rec := f.do(t, http.MethodPost, "/webhooks/order-intake", map[string]any{},
		map[string]string{"X-Idempotency-Key": strings.Repeat("k", workflow.MaxIdempotencyKeyLength+1)})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_idempotency_key", decodeBody(t, rec)["error"])
}

func TestWebhookBindRaceReturnsWinner(t *testing.T) {
	f := newFixture(t, server.DefaultConfig())
	wf := seedWorkflow(t, f.store, "", true)

	// A concurrent delivery claims the key between our lookup miss and
	// our bind. The run we created must be discarded and the winner
	// answered instead.
	winner, err := f.store.CreateRun(context.Background(), wf.ID, workflow.TriggerData{Method: "POST"})
	require.NoError(t, err)
	f.store.bindLosesTo = winner.ID

	rec := f.do(t, http.MethodPost, "/webhooks/order-intake", map[string]any{"n": 2},
		map[string]string{"X-Idempotency-Key": "delivery-7"})

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, winner.ID, body["runId"])
	assert.Equal(t, "Duplicate request", body["message"])
	assert.Empty(t, f.queue.all())
	assert.Len(t, f.store.deletedRuns, 1, "losing run must be discarded")
}

func TestWebhookInvalidJSON(t *testing.T) {
	f := newFixture(t, server.DefaultConfig())
	seedWorkflow(t, f.store, "", true)

	rec := f.do(t, http.MethodPost, "/webhooks/order-intake", []byte("{not json"), nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_json", decodeBody(t, rec)["error"])
	assert.Empty(t, f.queue.all())
}

func TestWebhookEmptyBodyAdmitted(t *testing.T) {
	f := newFixture(t, server.DefaultConfig())
	seedWorkflow(t, f.store, "", true)

	rec := f.do(t, http.MethodPost, "/webhooks/order-intake", nil, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	runID := decodeBody(t, rec)["runId"].(string)
	run, err := f.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Nil(t, run.TriggerData.Body)
}

func TestWebhookPayloadTooLarge(t *testing.T) {
	cfg := server.DefaultConfig()
	cfg.MaxBodyBytes = 16
	f := newFixture(t, cfg)
	seedWorkflow(t, f.store, "", true)

	rec := f.do(t, http.MethodPost, "/webhooks/order-intake", []byte(strings.Repeat("x", 64)), nil)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "payload_too_large", decodeBody(t, rec)["error"])
}

func TestWebhookEnqueueFailureDiscardsRun(t *testing.T) {
	f := newFixture(t, server.DefaultConfig())
	seedWorkflow(t, f.store, "", true)
	f.queue.err = context.DeadlineExceeded

	rec := f.do(t, http.MethodPost, "/webhooks/order-intake", map[string]any{}, nil)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "enqueue_failed", decodeBody(t, rec)["error"])
	assert.Len(t, f.store.deletedRuns, 1, "unscheduled run must be cleaned up")
	assert.Empty(t, f.store.runs)
}
