package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// stubProvider speaks a minimal JSON protocol against httptest servers.
type stubProvider struct {
	name string
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) BuildURL(baseURL string) string { return baseURL }

func (p *stubProvider) SetHeaders(_ *http.Request) {}

func (p *stubProvider) BuildRequestBody(model string, messages []Message, _ *float64, _ int, _ []ToolDefinition) ([]byte, error) {
	return json.Marshal(map[string]any{"model": model, "messages": messages})
}

func (p *stubProvider) ParseResponse(body []byte, model string) (*Response, error) {
	var resp struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return &Response{Content: resp.Content, Model: model}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        10 * time.Millisecond,
	}
}

func newTestClient(t *testing.T, providerName, url string) (*Client, *Registry) {
	t.Helper()
	RegisterProvider(&stubProvider{name: providerName})

	reg := NewRegistry(
		map[Capability]*CapabilityConfig{
			CapabilityExtraction: {Preferred: []string{"primary"}},
		},
		map[string]*EndpointConfig{
			"primary": {Provider: providerName, URL: url, Model: "test-model"},
		},
	)
	return NewClient(reg, WithRetryConfig(fastRetry()), WithLogger(testLogger())), reg
}

func TestComplete_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "test-model" {
			t.Errorf("expected model test-model, got %s", req.Model)
		}
		_, _ = w.Write([]byte(`{"content":"hello"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, "stub-success", srv.URL)

	resp, err := c.Complete(context.Background(), Request{
		Capability: "extraction",
		Messages:   []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("expected content hello, got %q", resp.Content)
	}
}

func TestComplete_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"content":"recovered"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, "stub-retry", srv.URL)

	resp, err := c.Complete(context.Background(), Request{
		Capability: "extraction",
		Messages:   []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("expected recovery after retries, got %v", err)
	}
	if resp.Content != "recovered" {
		t.Errorf("got %q", resp.Content)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestComplete_FatalErrorStopsImmediately(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, "stub-fatal", srv.URL)

	_, err := c.Complete(context.Background(), Request{
		Capability: "extraction",
		Messages:   []Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsFatal(err) {
		t.Errorf("expected fatal error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("fatal errors must not be retried, got %d attempts", calls.Load())
	}
}

func TestComplete_FallsBackToNextModel(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"content":"from fallback"}`))
	}))
	defer good.Close()

	RegisterProvider(&stubProvider{name: "stub-fallback"})
	reg := NewRegistry(
		map[Capability]*CapabilityConfig{
			CapabilityExtraction: {
				Preferred: []string{"flaky"},
				Fallback:  []string{"steady"},
			},
		},
		map[string]*EndpointConfig{
			"flaky":  {Provider: "stub-fallback", URL: bad.URL, Model: "m1"},
			"steady": {Provider: "stub-fallback", URL: good.URL, Model: "m2"},
		},
	)
	c := NewClient(reg, WithRetryConfig(fastRetry()), WithLogger(testLogger()))

	resp, err := c.Complete(context.Background(), Request{
		Capability: "extraction",
		Messages:   []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Content != "from fallback" {
		t.Errorf("expected fallback response, got %q", resp.Content)
	}
}

func TestComplete_SessionAffinity(t *testing.T) {
	var primaryCalls, fallbackCalls atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Fails only on the first request of the workflow; without
		// affinity the second request would land here again.
		if primaryCalls.Add(1) <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"content":"from primary"}`))
	}))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fallbackCalls.Add(1)
		_, _ = w.Write([]byte(`{"content":"from fallback"}`))
	}))
	defer fallback.Close()

	RegisterProvider(&stubProvider{name: "stub-affinity"})
	reg := NewRegistry(
		map[Capability]*CapabilityConfig{
			CapabilityExtraction: {
				Preferred: []string{"flaky"},
				Fallback:  []string{"steady"},
			},
		},
		map[string]*EndpointConfig{
			"flaky":  {Provider: "stub-affinity", URL: primary.URL, Model: "m1"},
			"steady": {Provider: "stub-affinity", URL: fallback.URL, Model: "m2"},
		},
	)
	c := NewClient(reg,
		WithRetryConfig(fastRetry()),
		WithSessions(NewSessionStore(time.Minute)),
		WithLogger(testLogger()))

	req := Request{
		Capability:    "extraction",
		Messages:      []Message{{Role: "user", Content: "hi"}},
		CorrelationID: "wf-affinity",
	}
	resp, err := c.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("first complete: %v", err)
	}
	if resp.Model != "m2" {
		t.Fatalf("first call should have fallen back, got %s", resp.Model)
	}

	resp, err = c.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if resp.Model != "m2" {
		t.Errorf("second call should stay on the fallback model, got %s", resp.Model)
	}
	if fallbackCalls.Load() != 2 {
		t.Errorf("fallback calls = %d, want 2", fallbackCalls.Load())
	}
	if primaryCalls.Load() != 3 {
		t.Errorf("primary must not be retried on the second call, calls = %d", primaryCalls.Load())
	}
}

func TestFrontload(t *testing.T) {
	tests := []struct {
		name  string
		chain []string
		model string
		want  string
	}{
		{"moves to front", []string{"a", "b", "c"}, "c", "c"},
		{"already front", []string{"a", "b"}, "a", "a"},
		{"absent keeps order", []string{"a", "b"}, "x", "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := frontload(tt.chain, tt.model)
			if len(got) != len(tt.chain) {
				t.Fatalf("length changed: %v", got)
			}
			if got[0] != tt.want {
				t.Errorf("head = %s, want %s", got[0], tt.want)
			}
		})
	}
}

func TestComplete_Validation(t *testing.T) {
	c, _ := newTestClient(t, "stub-validate", "http://localhost:0")

	if _, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "x"}}}); err == nil {
		t.Error("expected error for missing capability")
	}
	if _, err := c.Complete(context.Background(), Request{Capability: "extraction"}); err == nil {
		t.Error("expected error for empty messages")
	}
}

func TestClassifyHTTPError(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadGateway, true},
		{http.StatusInternalServerError, true},
		{http.StatusUnauthorized, false},
		{http.StatusForbidden, false},
		{http.StatusBadRequest, false},
		{http.StatusTeapot, false},
	}
	for _, tt := range tests {
		err := classifyHTTPError(tt.status, []byte("boom"))
		if IsTransient(err) != tt.transient {
			t.Errorf("status %d: transient=%v, want %v", tt.status, IsTransient(err), tt.transient)
		}
	}
}

func TestErrorWrapping(t *testing.T) {
	base := errors.New("root cause")

	te := NewTransientError(base)
	if !errors.Is(te, base) {
		t.Error("transient error must unwrap to the cause")
	}
	if !IsTransient(te) || IsFatal(te) {
		t.Error("transient classification broken")
	}

	fe := NewFatalError(base)
	if !IsFatal(fe) || IsTransient(fe) {
		t.Error("fatal classification broken")
	}
	if !strings.Contains(fe.Error(), "root cause") {
		t.Errorf("message lost: %q", fe.Error())
	}
}
