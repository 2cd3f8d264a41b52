package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("write fixture %s: %v", name, err)
	}
}

func TestLoadFixturesBaseOnly(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "default.json", `{"summary":"ok"}`)
	writeFixture(t, dir, "classify.json", `{"label":"spam"}`)

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}
	if len(fixtures.sequences) != 2 {
		t.Fatalf("expected 2 models, got %d", len(fixtures.sequences))
	}
	for model, seq := range fixtures.sequences {
		if len(seq) != 1 {
			t.Errorf("model %q: expected 1 fixture, got %d", model, len(seq))
		}
	}
}

func TestLoadFixturesSequentialOrder(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "summarize.1.json", `{"pass":1}`)
	writeFixture(t, dir, "summarize.2.json", `{"pass":2}`)
	writeFixture(t, dir, "summarize.json", `{"pass":"fallback"}`)

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}
	seq := fixtures.sequences["summarize"]
	if len(seq) != 3 {
		t.Fatalf("expected 3 fixtures, got %d", len(seq))
	}
	if !strings.Contains(seq[0], `"pass":1`) || !strings.Contains(seq[1], `"pass":2`) {
		t.Errorf("numbered fixtures out of order: %v", seq)
	}
	if !strings.Contains(seq[2], "fallback") {
		t.Errorf("base fixture must come last, got: %s", seq[2])
	}
}

func TestLoadFixturesFailureSidecar(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "flaky.json", `{"answer":42}`)
	writeFixture(t, dir, "flaky.fail.2.json", `{}`)

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}
	if fixtures.failures["flaky"] != 2 {
		t.Errorf("expected 2 injected failures, got %d", fixtures.failures["flaky"])
	}
	if len(fixtures.sequences["flaky"]) != 1 {
		t.Errorf("sidecar must not become a fixture, got %v", fixtures.sequences["flaky"])
	}
}

func TestLoadFixturesRejectsInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "broken.json", `{not json`)

	if _, err := loadFixtures(dir); err == nil {
		t.Error("expected error for invalid fixture JSON")
	}
}

func TestLoadFixturesEmptyDir(t *testing.T) {
	if _, err := loadFixtures(t.TempDir()); err == nil {
		t.Error("expected error for empty fixture directory")
	}
}

func postChat(t *testing.T, s *server, model string) *httptest.ResponseRecorder {
	t.Helper()
	body := `{"model":"` + model + `","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleChatCompletions(rec, req)
	return rec
}

func TestChatCompletionsServesFixture(t *testing.T) {
	s := newServer(&fixtureSet{
		sequences: map[string][]string{"default": {`{"summary":"ok"}`}},
		failures:  map[string]int{},
	})

	rec := postChat(t, s, "default")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("expected 1 choice, got %d", len(resp.Choices))
	}
	if resp.Choices[0].Message.Content != `{"summary":"ok"}` {
		t.Errorf("content = %s", resp.Choices[0].Message.Content)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %s", resp.Choices[0].FinishReason)
	}
	if resp.Object != "chat.completion" {
		t.Errorf("object = %s", resp.Object)
	}
}

func TestChatCompletionsSequence(t *testing.T) {
	s := newServer(&fixtureSet{
		sequences: map[string][]string{"summarize": {`{"pass":1}`, `{"pass":2}`}},
		failures:  map[string]int{},
	})

	want := []string{`{"pass":1}`, `{"pass":2}`, `{"pass":2}`}
	for i, expected := range want {
		rec := postChat(t, s, "summarize")
		var resp chatResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("call %d: decode: %v", i+1, err)
		}
		if got := resp.Choices[0].Message.Content; got != expected {
			t.Errorf("call %d: content = %s, want %s", i+1, got, expected)
		}
	}
}

func TestChatCompletionsFailureInjection(t *testing.T) {
	s := newServer(&fixtureSet{
		sequences: map[string][]string{"flaky": {`{"answer":42}`}},
		failures:  map[string]int{"flaky": 2},
	})

	for i := 1; i <= 2; i++ {
		rec := postChat(t, s, "flaky")
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("call %d: status = %d, want 500", i, rec.Code)
		}
	}
	rec := postChat(t, s, "flaky")
	if rec.Code != http.StatusOK {
		t.Fatalf("call 3: status = %d, want 200", rec.Code)
	}
	var resp chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Choices[0].Message.Content != `{"answer":42}` {
		t.Errorf("content after failures = %s", resp.Choices[0].Message.Content)
	}
}

func TestChatCompletionsUnknownModel(t *testing.T) {
	s := newServer(&fixtureSet{sequences: map[string][]string{}, failures: map[string]int{}})

	rec := postChat(t, s, "missing")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestStatsCountsCalls(t *testing.T) {
	s := newServer(&fixtureSet{
		sequences: map[string][]string{"default": {`{}`}, "classify": {`{}`}},
		failures:  map[string]int{},
	})
	postChat(t, s, "default")
	postChat(t, s, "default")
	postChat(t, s, "classify")

	rec := httptest.NewRecorder()
	s.handleStats(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	var stats struct {
		TotalCalls   int            `json:"total_calls"`
		CallsByModel map[string]int `json:"calls_by_model"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalCalls != 3 {
		t.Errorf("total_calls = %d, want 3", stats.TotalCalls)
	}
	if stats.CallsByModel["default"] != 2 || stats.CallsByModel["classify"] != 1 {
		t.Errorf("calls_by_model = %v", stats.CallsByModel)
	}
}

func TestSwapResetsSequences(t *testing.T) {
	s := newServer(&fixtureSet{
		sequences: map[string][]string{"summarize": {`{"pass":1}`, `{"pass":2}`}},
		failures:  map[string]int{},
	})
	postChat(t, s, "summarize")
	postChat(t, s, "summarize")

	s.swap(&fixtureSet{
		sequences: map[string][]string{"summarize": {`{"pass":"fresh"}`}},
		failures:  map[string]int{},
	})

	rec := postChat(t, s, "summarize")
	var resp chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Choices[0].Message.Content != `{"pass":"fresh"}` {
		t.Errorf("content after swap = %s", resp.Choices[0].Message.Content)
	}

	total, _ := s.stats()
	if total != 1 {
		t.Errorf("swap must reset counters, total = %d", total)
	}
}

func TestHealth(t *testing.T) {
	s := newServer(&fixtureSet{sequences: map[string][]string{}, failures: map[string]int{}})
	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
