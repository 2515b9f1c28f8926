package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/lexstream/bus"
	"github.com/c360studio/lexstream/message"
	"github.com/c360studio/lexstream/router"
)

type fakeExec struct {
	role    string
	kind    message.Kind
	execute func(ctx context.Context, job *message.StepAssignment) (map[string]any, error)
}

func (f *fakeExec) Role() string              { return f.role }
func (f *fakeExec) ResultKind() message.Kind  { return f.kind }
func (f *fakeExec) Execute(ctx context.Context, job *message.StepAssignment) (map[string]any, error) {
	return f.execute(ctx, job)
}

type fakeRegistrar struct {
	mu           sync.Mutex
	registered   []string
	unregistered []string
}

func (f *fakeRegistrar) RegisterWorker(id, _ string, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, id)
	return nil
}

func (f *fakeRegistrar) UnregisterWorker(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered = append(f.unregistered, id)
}

// collector records messages delivered to the engine queue.
type collector struct {
	mu   sync.Mutex
	msgs []*message.Message
}

func (c *collector) handle(_ context.Context, msg *message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) byKind(kind message.Kind) []*message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*message.Message
	for _, m := range c.msgs {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testRig struct {
	bus       *bus.Bus
	router    *router.Router
	collector *collector
	registrar *fakeRegistrar
}

func newTestRig(t *testing.T, role string) *testRig {
	t.Helper()

	b := bus.New(bus.WithLogger(testLogger()))
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start bus: %v", err)
	}
	t.Cleanup(func() { _ = b.Stop(time.Second) })

	r := router.New(b, router.WithLogger(testLogger()))
	for _, q := range []string{role, "engine"} {
		if err := r.AddQueue(router.QueueConfig{Name: q}); err != nil {
			t.Fatalf("add queue %s: %v", q, err)
		}
	}
	for _, kind := range []message.Kind{
		message.KindJobStarted,
		message.KindJobFailed,
		message.KindAgentHealthCheck,
		message.KindWebsiteAnalyzed,
		message.KindContentExtracted,
		message.KindContentValidated,
		message.KindValidationCompleted,
	} {
		if err := r.Bind(kind, "engine"); err != nil {
			t.Fatalf("bind %s: %v", kind, err)
		}
	}

	col := &collector{}
	if err := b.SubscribeQueue("engine", col.handle); err != nil {
		t.Fatalf("subscribe engine: %v", err)
	}

	return &testRig{bus: b, router: r, collector: col, registrar: &fakeRegistrar{}}
}

func (rig *testRig) dispatch(t *testing.T, role string, job *message.StepAssignment) {
	t.Helper()
	msg, err := message.New(message.KindJobCreated, "engine", role, job)
	if err != nil {
		t.Fatalf("build assignment: %v", err)
	}
	if !rig.router.Send(role, msg) {
		t.Fatal("assignment not routed")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestWorker_PublishesStartedThenResult(t *testing.T) {
	rig := newTestRig(t, message.RoleHTMLExtractor)
	exec := &fakeExec{
		role: message.RoleHTMLExtractor,
		kind: message.KindContentExtracted,
		execute: func(_ context.Context, job *message.StepAssignment) (map[string]any, error) {
			return map[string]any{"title": "Rule 12", "url": job.URL}, nil
		},
	}

	w, err := New("w-1", exec, rig.bus, rig.router, rig.registrar, WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	defer w.Stop(time.Second)

	rig.dispatch(t, message.RoleHTMLExtractor, &message.StepAssignment{
		WorkflowID: "wf-1",
		StepID:     "html_extraction",
		Role:       message.RoleHTMLExtractor,
		URL:        "https://example.gov/rule",
	})

	waitFor(t, func() bool {
		return len(rig.collector.byKind(message.KindContentExtracted)) == 1
	})

	if len(rig.collector.byKind(message.KindJobStarted)) != 1 {
		t.Error("expected a job-started message before the result")
	}

	results := rig.collector.byKind(message.KindContentExtracted)
	var res message.StepResult
	if err := results[0].Decode(&res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.StepID != "html_extraction" || res.WorkerID != "w-1" {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Output["title"] != "Rule 12" {
		t.Errorf("output lost: %+v", res.Output)
	}
}

func TestWorkerPool_OnlyAddressedWorkerExecutes(t *testing.T) {
	rig := newTestRig(t, message.RoleHTMLExtractor)

	var mu sync.Mutex
	executions := 0
	startWorker := func(id string) *Worker {
		exec := &fakeExec{
			role: message.RoleHTMLExtractor,
			kind: message.KindContentExtracted,
			execute: func(context.Context, *message.StepAssignment) (map[string]any, error) {
				mu.Lock()
				executions++
				mu.Unlock()
				return map[string]any{"by": id}, nil
			},
		}
		w, err := New(id, exec, rig.bus, rig.router, rig.registrar, WithLogger(testLogger()))
		if err != nil {
			t.Fatalf("new worker %s: %v", id, err)
		}
		if err := w.Start(context.Background()); err != nil {
			t.Fatalf("start worker %s: %v", id, err)
		}
		t.Cleanup(func() { _ = w.Stop(time.Second) })
		return w
	}

	// Both pool members consume the shared role queue.
	startWorker("w-a")
	startWorker("w-b")

	rig.dispatch(t, message.RoleHTMLExtractor, &message.StepAssignment{
		WorkflowID: "wf-1",
		StepID:     "html_extraction",
		Role:       message.RoleHTMLExtractor,
		WorkerID:   "w-a",
		URL:        "https://example.gov/rule",
	})

	waitFor(t, func() bool {
		return len(rig.collector.byKind(message.KindContentExtracted)) >= 1
	})
	// Let the unaddressed worker observe the assignment too.
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	n := executions
	mu.Unlock()
	if n != 1 {
		t.Fatalf("executions = %d, want exactly 1", n)
	}

	results := rig.collector.byKind(message.KindContentExtracted)
	if len(results) != 1 {
		t.Fatalf("results = %d, want exactly 1", len(results))
	}
	var res message.StepResult
	if err := results[0].Decode(&res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.WorkerID != "w-a" {
		t.Errorf("result from %q, want w-a", res.WorkerID)
	}
}

func TestWorker_PublishesFailure(t *testing.T) {
	rig := newTestRig(t, message.RoleAnalysis)
	exec := &fakeExec{
		role: message.RoleAnalysis,
		kind: message.KindWebsiteAnalyzed,
		execute: func(context.Context, *message.StepAssignment) (map[string]any, error) {
			return nil, errors.New("site unreachable")
		},
	}

	w, err := New("w-2", exec, rig.bus, rig.router, rig.registrar, WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	defer w.Stop(time.Second)

	rig.dispatch(t, message.RoleAnalysis, &message.StepAssignment{
		WorkflowID: "wf-1",
		StepID:     "analysis",
		Role:       message.RoleAnalysis,
	})

	waitFor(t, func() bool {
		return len(rig.collector.byKind(message.KindJobFailed)) == 1
	})

	var failure message.StepFailure
	if err := rig.collector.byKind(message.KindJobFailed)[0].Decode(&failure); err != nil {
		t.Fatalf("decode failure: %v", err)
	}
	if failure.Reason != "site unreachable" {
		t.Errorf("reason = %q", failure.Reason)
	}
	if failure.Timeout {
		t.Error("execution error must not be marked as timeout")
	}
}

func TestWorker_StepTimeoutMarksFailure(t *testing.T) {
	rig := newTestRig(t, message.RoleValidator)
	exec := &fakeExec{
		role: message.RoleValidator,
		kind: message.KindContentValidated,
		execute: func(ctx context.Context, _ *message.StepAssignment) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	w, err := New("w-3", exec, rig.bus, rig.router, rig.registrar,
		WithLogger(testLogger()), WithStepTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	defer w.Stop(time.Second)

	rig.dispatch(t, message.RoleValidator, &message.StepAssignment{
		WorkflowID: "wf-1",
		StepID:     "validation",
		Role:       message.RoleValidator,
	})

	waitFor(t, func() bool {
		return len(rig.collector.byKind(message.KindJobFailed)) == 1
	})

	var failure message.StepFailure
	if err := rig.collector.byKind(message.KindJobFailed)[0].Decode(&failure); err != nil {
		t.Fatalf("decode failure: %v", err)
	}
	if !failure.Timeout {
		t.Error("deadline-exceeded failure must carry the timeout flag")
	}
}

func TestWorker_Heartbeats(t *testing.T) {
	rig := newTestRig(t, message.RoleAnalysis)
	exec := &fakeExec{
		role: message.RoleAnalysis,
		kind: message.KindWebsiteAnalyzed,
		execute: func(context.Context, *message.StepAssignment) (map[string]any, error) {
			return nil, nil
		},
	}

	w, err := New("w-4", exec, rig.bus, rig.router, rig.registrar,
		WithLogger(testLogger()), WithHeartbeatInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	defer w.Stop(time.Second)

	waitFor(t, func() bool {
		return len(rig.collector.byKind(message.KindAgentHealthCheck)) >= 2
	})

	var hb message.Heartbeat
	if err := rig.collector.byKind(message.KindAgentHealthCheck)[0].Decode(&hb); err != nil {
		t.Fatalf("decode heartbeat: %v", err)
	}
	if hb.WorkerID != "w-4" || hb.Role != message.RoleAnalysis {
		t.Errorf("unexpected heartbeat %+v", hb)
	}
}

func TestWorker_RegistersAndUnregisters(t *testing.T) {
	rig := newTestRig(t, message.RoleAnalysis)
	exec := &fakeExec{
		role: message.RoleAnalysis,
		kind: message.KindWebsiteAnalyzed,
		execute: func(context.Context, *message.StepAssignment) (map[string]any, error) {
			return nil, nil
		},
	}

	w, err := New("w-5", exec, rig.bus, rig.router, rig.registrar, WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	if err := w.Stop(time.Second); err != nil {
		t.Fatalf("stop worker: %v", err)
	}

	rig.registrar.mu.Lock()
	defer rig.registrar.mu.Unlock()
	if len(rig.registrar.registered) != 1 || rig.registrar.registered[0] != "w-5" {
		t.Errorf("registered = %v", rig.registrar.registered)
	}
	if len(rig.registrar.unregistered) != 1 {
		t.Errorf("unregistered = %v", rig.registrar.unregistered)
	}
}

func TestWorker_RejectsUnknownRole(t *testing.T) {
	rig := newTestRig(t, message.RoleAnalysis)
	exec := &fakeExec{role: "barista", kind: message.KindWebsiteAnalyzed}
	if _, err := New("w-6", exec, rig.bus, rig.router, rig.registrar); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestToolRegistry(t *testing.T) {
	reg := NewToolRegistry()

	err := reg.Register(Tool{
		Name:        "lookup_definition",
		Description: "Look up a defined term",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"term":{"type":"string"}}}`),
		Fn: func(_ context.Context, input json.RawMessage) (any, error) {
			var in struct {
				Term string `json:"term"`
			}
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			return "definition of " + in.Term, nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := reg.Register(Tool{Name: "lookup_definition", Fn: func(context.Context, json.RawMessage) (any, error) { return nil, nil }}); err == nil {
		t.Error("duplicate registration must fail")
	}
	if err := reg.Register(Tool{Name: ""}); err == nil {
		t.Error("empty name must fail")
	}

	out, err := reg.Call(context.Background(), "lookup_definition", json.RawMessage(`{"term":"covered entity"}`))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out != "definition of covered entity" {
		t.Errorf("out = %v", out)
	}

	if _, err := reg.Call(context.Background(), "nope", nil); err == nil {
		t.Error("unknown tool must fail")
	}

	defs := reg.Definitions()
	if len(defs) != 1 || defs[0].Name != "lookup_definition" {
		t.Errorf("definitions = %+v", defs)
	}
	if names := reg.Names(); len(names) != 1 || names[0] != "lookup_definition" {
		t.Errorf("names = %v", names)
	}
}
