// Package main implements a mock LLM server for local development and
// wiring tests. It serves OpenAI-compatible /v1/chat/completions responses
// so the kernel's analysis and validation workers can run offline.
//
// Usage:
//
//	mock-llm -port 11434 [-fixtures /path/to/fixtures]
//
// Without fixtures the server inspects the prompt and returns a canned
// document profile or quality assessment. With a fixtures directory, JSON
// files named by model ("qwen.json" serves model "qwen") take precedence.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
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

// Canned responses matching the worker prompt contracts.
const (
	cannedProfile = `{"category": "act", "strategy": "html", "summary": "Mock classification of a regulatory document."}`
	cannedReview  = `{"score": 0.9, "issues": []}`
)

type server struct {
	fixtures map[string]string // model name -> response content
	calls    atomic.Int64

	mu           sync.Mutex
	callsByModel map[string]int64
}

func newServer(fixtures map[string]string) *server {
	return &server{
		fixtures:     fixtures,
		callsByModel: make(map[string]int64),
	}
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory of per-model JSON response files (optional)")
	port := flag.Int("port", 11434, "port to listen on")
	flag.Parse()

	if envDir := os.Getenv("MOCK_LLM_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}

	fixtures := map[string]string{}
	if *fixtureDir != "" {
		var err error
		fixtures, err = loadFixtures(*fixtureDir)
		if err != nil {
			log.Fatalf("Failed to load fixtures from %s: %v", *fixtureDir, err)
		}
		log.Printf("Loaded %d model fixture(s) from %s", len(fixtures), *fixtureDir)
	}

	s := newServer(fixtures)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /stats", s.handleStats)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock LLM server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	callNum := s.calls.Add(1)
	s.mu.Lock()
	s.callsByModel[req.Model]++
	s.mu.Unlock()

	content := s.respond(req)
	log.Printf("[call %d] model=%s messages=%d bytes=%d", callNum, req.Model, len(req.Messages), len(content))

	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{
			{
				Message:      chatMessage{Role: "assistant", Content: content},
				FinishReason: "stop",
			},
		},
		Usage: chatUsage{
			PromptTokens:     len(content) / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      len(content) / 2,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// respond picks a fixture for the model, falling back to canned responses
// selected by prompt shape.
func (s *server) respond(req chatRequest) string {
	if content, ok := s.fixtures[req.Model]; ok {
		return content
	}
	for _, m := range req.Messages {
		if strings.Contains(m.Content, `"score"`) {
			return cannedReview
		}
	}
	return cannedProfile
}

// handleStats returns call counts for test assertions.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	byModel := make(map[string]int64, len(s.callsByModel))
	for model, n := range s.callsByModel {
		byModel[model] = n
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_calls":    s.calls.Load(),
		"calls_by_model": byModel,
	})
}

// loadFixtures reads model.json files from dir into a model-keyed map.
func loadFixtures(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	fixtures := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("invalid JSON in %s", e.Name())
		}
		fixtures[strings.TrimSuffix(e.Name(), ".json")] = string(data)
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}
