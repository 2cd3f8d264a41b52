// Package main implements a mock LLM server standing in for LM Studio
// during hookflow development and testing. It serves OpenAI-compatible
// /v1/chat/completions responses from JSON fixture files, routed by the
// "model" field of the request, so ai steps run fast, deterministic, and
// offline.
//
// Usage:
//
//	mock-llm -fixtures ./fixtures -port 1234
//
// Fixture files are named by model: "default.json" answers model
// "default". Numbered files ("summarize.1.json", "summarize.2.json")
// script sequential calls; after the numbered fixtures run out the base
// file repeats. A "model.fail.N.json" sidecar makes the first N calls
// for that model return 500 before the fixtures take over, which is how
// retry behavior is exercised end to end. The fixture directory is
// watched and reloaded on change; a reload resets call counters so
// scripted sequences restart cleanly.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// fixtureSet is one immutable snapshot of the fixture directory.
type fixtureSet struct {
	// sequences maps model name to its ordered responses.
	sequences map[string][]string
	// failures maps model name to how many leading calls return 500.
	failures map[string]int
}

type server struct {
	mu       sync.Mutex
	fixtures *fixtureSet
	calls    map[string]int
	total    int
}

func newServer(fixtures *fixtureSet) *server {
	return &server{fixtures: fixtures, calls: map[string]int{}}
}

// swap replaces the fixture set and restarts all call sequences.
func (s *server) swap(fixtures *fixtureSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fixtures = fixtures
	s.calls = map[string]int{}
}

// next picks the response for one call to model: either an injected
// failure (fail=true) or the fixture content for the current position.
func (s *server) next(model string) (content string, fail, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, found := s.fixtures.sequences[model]
	failing := s.fixtures.failures[model]
	if !found && failing == 0 {
		return "", false, false
	}

	call := s.calls[model]
	s.calls[model] = call + 1
	s.total++

	if call < failing {
		return "", true, true
	}
	call -= failing
	if len(seq) == 0 {
		return "", true, true
	}
	if call >= len(seq) {
		call = len(seq) - 1
	}
	return seq[call], false, true
}

func (s *server) stats() (total int, byModel map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byModel = make(map[string]int, len(s.calls))
	for model, n := range s.calls {
		byModel[model] = n
	}
	return s.total, byModel
}

func (s *server) models() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.fixtures.sequences))
	for name := range s.fixtures.sequences {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing fixture response files")
	port := flag.Int("port", 1234, "port to listen on")
	flag.Parse()

	if *fixtureDir == "" {
		*fixtureDir = os.Getenv("MOCK_LLM_FIXTURES")
	}
	if *fixtureDir == "" {
		*fixtureDir = "fixtures"
	}

	fixtures, err := loadFixtures(*fixtureDir)
	if err != nil {
		log.Fatalf("Failed to load fixtures from %s: %v", *fixtureDir, err)
	}
	logFixtures(*fixtureDir, fixtures)

	s := newServer(fixtures)
	go watchFixtures(*fixtureDir, s)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/stats", s.handleStats)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock LLM server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func logFixtures(dir string, fixtures *fixtureSet) {
	log.Printf("Loaded %d model(s) from %s", len(fixtures.sequences), dir)
	for model, seq := range fixtures.sequences {
		if n := fixtures.failures[model]; n > 0 {
			log.Printf("  model: %s (%d fixture(s), first %d call(s) fail)", model, len(seq), n)
		} else {
			log.Printf("  model: %s (%d fixture(s))", model, len(seq))
		}
	}
}

// watchFixtures reloads the fixture set whenever a JSON file in dir
// changes. Events arrive in bursts on most editors, so reloads are
// debounced briefly.
func watchFixtures(dir string, s *server) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("Fixture watch disabled: %v", err)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		log.Printf("Fixture watch disabled: %v", err)
		return
	}

	var timer *time.Timer
	for {
		select {
		case event, open := <-watcher.Events:
			if !open {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(100*time.Millisecond, func() {
				fixtures, err := loadFixtures(dir)
				if err != nil {
					log.Printf("Fixture reload failed: %v", err)
					return
				}
				s.swap(fixtures)
				logFixtures(dir, fixtures)
			})
		case err, open := <-watcher.Errors:
			if !open {
				return
			}
			log.Printf("Fixture watch error: %v", err)
		}
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	content, fail, ok := s.next(req.Model)
	if !ok {
		log.Printf("No fixture for model %q", req.Model)
		http.Error(w, fmt.Sprintf("no fixture for model %q", req.Model), http.StatusNotFound)
		return
	}
	if fail {
		log.Printf("Injected failure for model %q", req.Model)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"message": "injected failure",
				"type":    "server_error",
			},
		})
		return
	}

	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     len(content) / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      len(content) / 2,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	var models []modelEntry
	for _, name := range s.models() {
		models = append(models, modelEntry{ID: name, Object: "model", OwnedBy: "mock-llm"})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": models})
}

func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	total, byModel := s.stats()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_calls":    total,
		"calls_by_model": byModel,
	})
}

var (
	// numberedFileRe matches "summarize.1.json", "summarize.2.json".
	numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.json$`)
	// failFileRe matches "summarize.fail.3.json".
	failFileRe = regexp.MustCompile(`^(.+)\.fail\.(\d+)\.json$`)
)

// loadFixtures reads the fixture directory into one snapshot. Per model
// the sequence is the numbered files in numeric order followed by the
// base file as a repeating fallback; a fail sidecar sets how many
// leading calls error out.
func loadFixtures(dir string) (*fixtureSet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read fixture dir: %w", err)
	}

	baseFiles := map[string]string{}
	numberedFiles := map[string]map[int]string{}
	failures := map[string]int{}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		if m := failFileRe.FindStringSubmatch(name); m != nil {
			n, err := strconv.Atoi(m[2])
			if err != nil || n < 1 {
				return nil, fmt.Errorf("bad failure count in %s", name)
			}
			failures[m[1]] = n
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("invalid JSON in %s", name)
		}

		if m := numberedFileRe.FindStringSubmatch(name); m != nil {
			index, _ := strconv.Atoi(m[2])
			if numberedFiles[m[1]] == nil {
				numberedFiles[m[1]] = map[int]string{}
			}
			numberedFiles[m[1]][index] = string(data)
			continue
		}

		baseFiles[strings.TrimSuffix(name, ".json")] = string(data)
	}

	sequences := map[string][]string{}
	for model, base := range baseFiles {
		sequences[model] = append(sequences[model], base)
	}
	for model, numbered := range numberedFiles {
		indices := make([]int, 0, len(numbered))
		for idx := range numbered {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		seq := make([]string, 0, len(numbered)+1)
		for _, idx := range indices {
			seq = append(seq, numbered[idx])
		}
		if base, ok := baseFiles[model]; ok {
			seq = append(seq, base)
		}
		sequences[model] = seq
	}

	if len(sequences) == 0 && len(failures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return &fixtureSet{sequences: sequences, failures: failures}, nil
}
