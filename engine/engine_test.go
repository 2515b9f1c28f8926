package engine

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/c360studio/lexstream/bus"
	"github.com/c360studio/lexstream/message"
	"github.com/c360studio/lexstream/router"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEngine wires a started bus and a router with one queue per role
// plus the engine and notification queues. The engine is not started;
// tests drive dispatchOnce and the handlers directly.
func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()

	b := bus.New(bus.WithLogger(discardLogger()))
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start bus: %v", err)
	}
	t.Cleanup(func() { _ = b.Stop(time.Second) })

	r := router.New(b, router.WithLogger(discardLogger()))
	for _, role := range message.Roles {
		if err := r.AddQueue(router.QueueConfig{Name: role, Capacity: 100}); err != nil {
			t.Fatalf("add queue: %v", err)
		}
	}
	_ = r.AddQueue(router.QueueConfig{Name: Queue, Capacity: 100})
	_ = r.AddQueue(router.QueueConfig{Name: "notifications", Capacity: 100})
	_ = r.Bind(message.KindWorkflowCompleted, "notifications")
	_ = r.Bind(message.KindWorkflowCreated, "notifications")

	base := []Option{WithLogger(discardLogger())}
	return New(b, r, append(base, opts...)...)
}

func stepView(t *testing.T, e *Engine, workflowID, stepID string) StepView {
	t.Helper()
	view, err := e.Status(workflowID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, s := range view.Steps {
		if s.ID == stepID {
			return s
		}
	}
	t.Fatalf("step %s not found in workflow %s", stepID, workflowID)
	return StepView{}
}

func TestSubmit_DefaultDAGShape(t *testing.T) {
	e := newTestEngine(t)

	// include_pdfs defaults to true, include_images to false.
	id, err := e.Submit("https://example.gov", JobConfig{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	view, err := e.Status(id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}

	got := make(map[string][]string)
	for _, s := range view.Steps {
		got[s.ID] = s.Prerequisites
	}

	want := map[string][]string{
		StepAnalysis:       nil,
		StepOrchestration:  {StepAnalysis},
		StepHTMLExtraction: {StepOrchestration},
		StepPDFAnalysis:    {StepOrchestration},
		StepValidation:     {StepHTMLExtraction, StepPDFAnalysis},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d steps, got %d: %v", len(want), len(got), got)
	}
	for id, prereqs := range want {
		gp, ok := got[id]
		if !ok {
			t.Fatalf("missing step %s", id)
		}
		if len(gp) != len(prereqs) {
			t.Errorf("step %s: prerequisites %v, want %v", id, gp, prereqs)
			continue
		}
		for i := range prereqs {
			if gp[i] != prereqs[i] {
				t.Errorf("step %s: prerequisites %v, want %v", id, gp, prereqs)
				break
			}
		}
	}
	if _, ok := got[StepVisionProcessing]; ok {
		t.Error("vision_processing must be absent when include_images is false")
	}
}

func TestSubmit_OptionalBranches(t *testing.T) {
	e := newTestEngine(t)

	off := false
	id, err := e.Submit("https://example.gov", JobConfig{
		IncludePDFs:   &off,
		IncludeImages: true,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	view, _ := e.Status(id)
	ids := make(map[string]bool)
	var validationPrereqs []string
	for _, s := range view.Steps {
		ids[s.ID] = true
		if s.ID == StepValidation {
			validationPrereqs = s.Prerequisites
		}
	}

	if ids[StepPDFAnalysis] {
		t.Error("pdf_analysis must be absent when include_pdfs is false")
	}
	if !ids[StepVisionProcessing] {
		t.Error("vision_processing must be present when include_images is true")
	}
	want := []string{StepHTMLExtraction, StepVisionProcessing}
	if len(validationPrereqs) != len(want) {
		t.Fatalf("validation prerequisites %v, want %v", validationPrereqs, want)
	}
	for i := range want {
		if validationPrereqs[i] != want[i] {
			t.Errorf("validation prerequisites %v, want %v", validationPrereqs, want)
		}
	}
}

func TestDispatch_PrerequisiteGating(t *testing.T) {
	e := newTestEngine(t)

	if err := e.RegisterWorker("worker-a", message.RoleHTMLExtractor, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := e.RegisterWorker("worker-b", message.RoleValidator, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	id, err := e.SubmitCustom("https://example.gov", JobConfig{}, []StepSpec{
		{ID: "x", Role: message.RoleHTMLExtractor},
		{ID: "y", Role: message.RoleValidator, Prerequisites: []string{"x"}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	e.dispatchOnce()

	if s := stepView(t, e, id, "x"); s.Status != StatusRunning || s.WorkerID != "worker-a" {
		t.Fatalf("expected x running on worker-a, got %s on %q", s.Status, s.WorkerID)
	}
	if s := stepView(t, e, id, "y"); s.Status != StatusPending {
		t.Fatalf("y must not run before x completes, got %s", s.Status)
	}

	e.handleResult(&message.StepResult{WorkflowID: id, StepID: "x", WorkerID: "worker-a"})

	if s := stepView(t, e, id, "x"); s.Status != StatusCompleted {
		t.Fatalf("expected x completed, got %s", s.Status)
	}

	e.dispatchOnce()

	if s := stepView(t, e, id, "y"); s.Status != StatusRunning || s.WorkerID != "worker-b" {
		t.Fatalf("expected y running on worker-b, got %s on %q", s.Status, s.WorkerID)
	}

	e.handleResult(&message.StepResult{WorkflowID: id, StepID: "y", WorkerID: "worker-b"})

	view, _ := e.Status(id)
	if view.Status != StatusCompleted {
		t.Errorf("expected workflow completed, got %s", view.Status)
	}
	if view.Progress != 1.0 {
		t.Errorf("expected progress 1.0, got %f", view.Progress)
	}
}

func TestOrchestrationResolvedByEngine(t *testing.T) {
	e := newTestEngine(t)

	// The roles the binary ships executors for; no orchestrator worker
	// ever registers.
	_ = e.RegisterWorker("a-1", message.RoleAnalysis, nil)
	_ = e.RegisterWorker("h-1", message.RoleHTMLExtractor, nil)
	_ = e.RegisterWorker("p-1", message.RolePDFAnalyzer, nil)
	_ = e.RegisterWorker("v-1", message.RoleValidator, nil)

	id, err := e.Submit("https://example.gov", JobConfig{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	e.dispatchOnce()
	if s := stepView(t, e, id, StepAnalysis); s.Status != StatusRunning {
		t.Fatalf("expected analysis running, got %s", s.Status)
	}

	e.handleResult(&message.StepResult{WorkflowID: id, StepID: StepAnalysis, WorkerID: "a-1"})
	e.dispatchOnce()

	orch := stepView(t, e, id, StepOrchestration)
	if orch.Status != StatusCompleted {
		t.Fatalf("expected orchestration completed without a worker, got %s", orch.Status)
	}
	if orch.WorkerID != "" {
		t.Errorf("orchestration must not consume a worker, got %q", orch.WorkerID)
	}
	planned, _ := orch.Output["planned_steps"].([]string)
	if len(planned) != 2 {
		t.Errorf("expected 2 planned extractors, got %v", orch.Output["planned_steps"])
	}

	// The extractors it gates dispatch in the same pass.
	if s := stepView(t, e, id, StepHTMLExtraction); s.Status != StatusRunning {
		t.Fatalf("expected html_extraction running, got %s", s.Status)
	}
	if s := stepView(t, e, id, StepPDFAnalysis); s.Status != StatusRunning {
		t.Fatalf("expected pdf_analysis running, got %s", s.Status)
	}

	e.handleResult(&message.StepResult{WorkflowID: id, StepID: StepHTMLExtraction, WorkerID: "h-1"})
	e.handleResult(&message.StepResult{WorkflowID: id, StepID: StepPDFAnalysis, WorkerID: "p-1"})
	e.dispatchOnce()
	e.handleResult(&message.StepResult{WorkflowID: id, StepID: StepValidation, WorkerID: "v-1"})

	view, _ := e.Status(id)
	if view.Status != StatusCompleted {
		t.Errorf("expected workflow completed, got %s", view.Status)
	}
}

func TestRetryExhaustion(t *testing.T) {
	e := newTestEngine(t)
	_ = e.RegisterWorker("worker-a", message.RoleHTMLExtractor, nil)

	id, err := e.SubmitCustom("https://example.gov", JobConfig{}, []StepSpec{
		{ID: "x", Role: message.RoleHTMLExtractor, MaxRetries: 3},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	fail := func() {
		e.dispatchOnce()
		e.handleFailure(&message.StepFailure{
			WorkflowID: id, StepID: "x", WorkerID: "worker-a", Reason: "parse error",
		})
	}

	fail()
	if s := stepView(t, e, id, "x"); s.Status != StatusPending || s.RetryCount != 1 {
		t.Fatalf("after 1st failure: %s retries=%d", s.Status, s.RetryCount)
	}
	fail()
	if s := stepView(t, e, id, "x"); s.Status != StatusPending || s.RetryCount != 2 {
		t.Fatalf("after 2nd failure: %s retries=%d", s.Status, s.RetryCount)
	}
	fail()
	s := stepView(t, e, id, "x")
	if s.Status != StatusFailed || s.RetryCount != 3 {
		t.Fatalf("after 3rd failure expected failed with retries=3, got %s retries=%d", s.Status, s.RetryCount)
	}

	// A fourth failure for the same step is ignored.
	e.handleFailure(&message.StepFailure{
		WorkflowID: id, StepID: "x", WorkerID: "worker-a", Reason: "late",
	})
	if s := stepView(t, e, id, "x"); s.RetryCount != 3 || s.Error != "parse error" {
		t.Errorf("fourth failure must be ignored: retries=%d error=%q", s.RetryCount, s.Error)
	}

	view, _ := e.Status(id)
	if view.Status != StatusFailed {
		t.Errorf("expected workflow failed, got %s", view.Status)
	}
}

func TestCancel_LateResultIgnored(t *testing.T) {
	e := newTestEngine(t)
	_ = e.RegisterWorker("worker-a", message.RoleHTMLExtractor, nil)
	_ = e.RegisterWorker("worker-b", message.RoleValidator, nil)

	id, _ := e.SubmitCustom("https://example.gov", JobConfig{}, []StepSpec{
		{ID: "x", Role: message.RoleHTMLExtractor},
		{ID: "y", Role: message.RoleValidator, Prerequisites: []string{"x"}},
	})

	e.dispatchOnce()
	if s := stepView(t, e, id, "x"); s.Status != StatusRunning {
		t.Fatalf("expected x running, got %s", s.Status)
	}

	if err := e.Cancel(id, "user"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	view, _ := e.Status(id)
	if view.Status != StatusCancelled {
		t.Fatalf("expected workflow cancelled, got %s", view.Status)
	}
	for _, s := range view.Steps {
		if s.Status != StatusCancelled {
			t.Errorf("step %s: expected cancelled, got %s", s.ID, s.Status)
		}
	}

	// A late result for x must not revive the workflow.
	e.handleResult(&message.StepResult{WorkflowID: id, StepID: "x", WorkerID: "worker-a"})

	view, _ = e.Status(id)
	if view.Status != StatusCancelled {
		t.Errorf("late result revived the workflow: %s", view.Status)
	}
	if s := stepView(t, e, id, "x"); s.Status != StatusCancelled {
		t.Errorf("late result changed step state: %s", s.Status)
	}

	// Cancelling twice is an error.
	if err := e.Cancel(id, "again"); err == nil {
		t.Error("expected error cancelling a terminal workflow")
	}
}

func TestSubmitCustom_RejectsInvalidDAGs(t *testing.T) {
	tests := []struct {
		name    string
		steps   []StepSpec
		wantErr string
	}{
		{
			name: "unknown prerequisite",
			steps: []StepSpec{
				{ID: "a", Role: message.RoleAnalysis},
				{ID: "b", Role: message.RoleValidator, Prerequisites: []string{"ghost"}},
			},
			wantErr: "non-existent",
		},
		{
			name: "cycle",
			steps: []StepSpec{
				{ID: "a", Role: message.RoleAnalysis, Prerequisites: []string{"b"}},
				{ID: "b", Role: message.RoleValidator, Prerequisites: []string{"a"}},
			},
			wantErr: "circular",
		},
		{
			name: "unknown role",
			steps: []StepSpec{
				{ID: "a", Role: "sorcerer"},
			},
			wantErr: "unknown worker role",
		},
		{
			name: "duplicate step id",
			steps: []StepSpec{
				{ID: "a", Role: message.RoleAnalysis},
				{ID: "a", Role: message.RoleValidator},
			},
			wantErr: "duplicate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t)
			id, err := e.SubmitCustom("https://example.gov", JobConfig{}, tt.steps)
			if err == nil {
				t.Fatal("expected rejection")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}

			// The rejected workflow is observable and failed immediately.
			view, serr := e.Status(id)
			if serr != nil {
				t.Fatalf("status: %v", serr)
			}
			if view.Status != StatusFailed {
				t.Errorf("expected failed, got %s", view.Status)
			}
		})
	}
}

func TestRegisterWorker_ReplacesRecord(t *testing.T) {
	e := newTestEngine(t)

	_ = e.RegisterWorker("w1", message.RoleHTMLExtractor, []string{"html"})
	_ = e.RegisterWorker("w1", message.RoleValidator, []string{"schema"})

	workers := e.Workers()
	if len(workers) != 1 {
		t.Fatalf("expected 1 worker record, got %d", len(workers))
	}
	if workers[0].Role != message.RoleValidator {
		t.Errorf("expected replaced role validator, got %s", workers[0].Role)
	}

	if err := e.RegisterWorker("w2", "sorcerer", nil); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestDuplicateResultIgnored(t *testing.T) {
	e := newTestEngine(t)
	_ = e.RegisterWorker("worker-a", message.RoleHTMLExtractor, nil)

	id, _ := e.SubmitCustom("https://example.gov", JobConfig{}, []StepSpec{
		{ID: "x", Role: message.RoleHTMLExtractor},
	})

	e.dispatchOnce()
	e.handleResult(&message.StepResult{WorkflowID: id, StepID: "x", WorkerID: "worker-a"})
	e.handleResult(&message.StepResult{WorkflowID: id, StepID: "x", WorkerID: "worker-a"})

	if n := e.Stats().CompletedWorkflows; n != 1 {
		t.Errorf("duplicate result double-finalized the workflow: completed=%d", n)
	}
}

func TestLateDuplicateResultKeepsWorkerBusy(t *testing.T) {
	e := newTestEngine(t)
	_ = e.RegisterWorker("worker-a", message.RoleHTMLExtractor, nil)

	id, _ := e.SubmitCustom("https://example.gov", JobConfig{}, []StepSpec{
		{ID: "x", Role: message.RoleHTMLExtractor},
		{ID: "y", Role: message.RoleHTMLExtractor, Prerequisites: []string{"x"}},
	})

	e.dispatchOnce()
	e.handleResult(&message.StepResult{WorkflowID: id, StepID: "x", WorkerID: "worker-a"})
	e.dispatchOnce()

	if s := stepView(t, e, id, "y"); s.Status != StatusRunning || s.WorkerID != "worker-a" {
		t.Fatalf("expected y running on worker-a, got %s on %q", s.Status, s.WorkerID)
	}

	// A redelivered result for x must not free the worker from y.
	e.handleResult(&message.StepResult{WorkflowID: id, StepID: "x", WorkerID: "worker-a"})

	w := e.Workers()[0]
	if w.Status != WorkerBusy || w.StepID != "y" {
		t.Errorf("expected worker-a still busy on y, got %s on %q", w.Status, w.StepID)
	}
	if s := stepView(t, e, id, "y"); s.Status != StatusRunning {
		t.Errorf("duplicate result disturbed y: %s", s.Status)
	}
}

func TestDispatch_ConcurrencyCapAndFIFO(t *testing.T) {
	e := newTestEngine(t, WithMaxConcurrent(1))
	_ = e.RegisterWorker("worker-a", message.RoleHTMLExtractor, nil)

	first, _ := e.SubmitCustom("https://a.gov", JobConfig{}, []StepSpec{
		{ID: "x", Role: message.RoleHTMLExtractor},
	})
	second, _ := e.SubmitCustom("https://b.gov", JobConfig{}, []StepSpec{
		{ID: "x", Role: message.RoleHTMLExtractor},
	})

	e.dispatchOnce()

	v1, _ := e.Status(first)
	v2, _ := e.Status(second)
	if v1.Status != StatusRunning {
		t.Fatalf("expected first workflow running, got %s", v1.Status)
	}
	if v2.Status != StatusPending {
		t.Fatalf("expected second workflow queued, got %s", v2.Status)
	}
	if q := e.Stats().QueuedWorkflows; q != 1 {
		t.Errorf("expected 1 queued workflow, got %d", q)
	}

	e.handleResult(&message.StepResult{WorkflowID: first, StepID: "x", WorkerID: "worker-a"})
	e.dispatchOnce()

	v2, _ = e.Status(second)
	if v2.Status != StatusRunning {
		t.Errorf("expected second workflow promoted, got %s", v2.Status)
	}
}

func TestWorkerSelection_ErrorCountAndRegistrationOrder(t *testing.T) {
	e := newTestEngine(t)
	_ = e.RegisterWorker("w1", message.RoleHTMLExtractor, nil)
	_ = e.RegisterWorker("w2", message.RoleHTMLExtractor, nil)
	_ = e.RegisterWorker("w3", message.RoleHTMLExtractor, nil)

	e.mu.Lock()
	e.workers["w1"].errorCount = 2
	e.mu.Unlock()

	id, _ := e.SubmitCustom("https://example.gov", JobConfig{}, []StepSpec{
		{ID: "x", Role: message.RoleHTMLExtractor},
	})
	e.dispatchOnce()

	// w2 and w3 tie on (queue length, error count); w2 registered first.
	if s := stepView(t, e, id, "x"); s.WorkerID != "w2" {
		t.Errorf("expected w2 selected, got %q", s.WorkerID)
	}
}

func TestFailureCascadesToDependents(t *testing.T) {
	e := newTestEngine(t)
	_ = e.RegisterWorker("worker-a", message.RoleHTMLExtractor, nil)
	_ = e.RegisterWorker("worker-b", message.RoleValidator, nil)

	id, _ := e.SubmitCustom("https://example.gov", JobConfig{}, []StepSpec{
		{ID: "x", Role: message.RoleHTMLExtractor, MaxRetries: 1},
		{ID: "y", Role: message.RoleValidator, Prerequisites: []string{"x"}},
	})

	e.dispatchOnce()
	e.handleFailure(&message.StepFailure{
		WorkflowID: id, StepID: "x", WorkerID: "worker-a", Reason: "fetch failed",
	})

	if s := stepView(t, e, id, "x"); s.Status != StatusFailed {
		t.Fatalf("expected x failed, got %s", s.Status)
	}
	s := stepView(t, e, id, "y")
	if s.Status != StatusFailed {
		t.Fatalf("expected y failed via cascade, got %s", s.Status)
	}
	if !strings.Contains(s.Error, "prerequisite") {
		t.Errorf("expected prerequisite failure error, got %q", s.Error)
	}

	view, _ := e.Status(id)
	if view.Status != StatusFailed {
		t.Errorf("expected workflow failed, got %s", view.Status)
	}
}

func TestHealth_StaleWorkerFailsStep(t *testing.T) {
	e := newTestEngine(t, WithHeartbeatTimeout(time.Minute))
	_ = e.RegisterWorker("worker-a", message.RoleHTMLExtractor, nil)

	id, _ := e.SubmitCustom("https://example.gov", JobConfig{}, []StepSpec{
		{ID: "x", Role: message.RoleHTMLExtractor, MaxRetries: 1},
	})
	e.dispatchOnce()

	e.mu.Lock()
	e.workers["worker-a"].lastHeartbeat = time.Now().Add(-2 * time.Minute)
	e.mu.Unlock()

	e.healthOnce(time.Now())

	workers := e.Workers()
	if workers[0].Status != WorkerOffline {
		t.Errorf("expected worker offline, got %s", workers[0].Status)
	}
	s := stepView(t, e, id, "x")
	if s.Status != StatusFailed {
		t.Fatalf("expected step failed on heartbeat timeout, got %s", s.Status)
	}
	if !strings.Contains(s.Error, "timeout") {
		t.Errorf("expected timeout error, got %q", s.Error)
	}

	// A heartbeat brings the worker back to idle.
	e.handleHeartbeat(&message.Heartbeat{WorkerID: "worker-a"})
	if w := e.Workers()[0]; w.Status != WorkerIdle {
		t.Errorf("expected worker idle after heartbeat, got %s", w.Status)
	}
}

func TestEngine_BusIntegration(t *testing.T) {
	e := newTestEngine(t, WithDispatchInterval(10*time.Millisecond))
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = e.Stop(time.Second) })

	_ = e.RegisterWorker("worker-a", message.RoleHTMLExtractor, nil)

	id, err := e.SubmitCustom("https://example.gov", JobConfig{}, []StepSpec{
		{ID: "x", Role: message.RoleHTMLExtractor},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, func() bool {
		s, err := e.Status(id)
		return err == nil && len(s.Steps) == 1 && s.Steps[0].Status == StatusRunning
	}, "step dispatched")

	// Worker publishes its result onto the engine queue.
	result, err := message.New(message.KindContentExtracted, "worker-a", Queue, &message.StepResult{
		WorkflowID: id,
		StepID:     "x",
		WorkerID:   "worker-a",
	})
	if err != nil {
		t.Fatalf("build result: %v", err)
	}
	if !e.bus.Publish(result) {
		t.Fatal("publish result rejected")
	}

	waitFor(t, func() bool {
		s, err := e.Status(id)
		return err == nil && s.Status == StatusCompleted
	}, "workflow completed")
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
