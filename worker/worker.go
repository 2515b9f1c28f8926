// Package worker provides the runtime shared by every specialist worker:
// queue consumption, lifecycle, heartbeats, and result publication. Role
// packages supply an Executor with the actual extraction logic.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/lexstream/bus"
	"github.com/c360studio/lexstream/message"
	"github.com/c360studio/lexstream/router"
)

const (
	// DefaultHeartbeatInterval keeps workers well inside the engine's
	// five-minute staleness window.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultStepTimeout bounds a single step execution.
	DefaultStepTimeout = 30 * time.Minute
)

// Executor is the role-specific half of a worker.
type Executor interface {
	// Role names the worker pool and the queue assignments arrive on.
	Role() string

	// ResultKind is the message kind successful results publish under.
	ResultKind() message.Kind

	// Execute runs one step. The context carries the step timeout;
	// implementations must honor cancellation.
	Execute(ctx context.Context, job *message.StepAssignment) (map[string]any, error)
}

// Registrar is the engine-side registration surface.
type Registrar interface {
	RegisterWorker(id, role string, capabilities []string) error
	UnregisterWorker(id string)
}

// Worker wires an Executor to the bus: it consumes its role queue, reports
// job-started, publishes results or failures, and heartbeats so the engine
// can detect it going stale.
type Worker struct {
	id           string
	exec         Executor
	bus          *bus.Bus
	router       *router.Router
	registrar    Registrar
	capabilities []string
	tools        *ToolRegistry
	logger       *slog.Logger

	heartbeatEvery time.Duration
	stepTimeout    time.Duration

	mu          sync.Mutex
	currentStep string

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// Option configures a Worker.
type Option func(*Worker)

// WithCapabilities sets the capability list reported at registration.
func WithCapabilities(caps ...string) Option {
	return func(w *Worker) { w.capabilities = caps }
}

// WithHeartbeatInterval overrides the heartbeat cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(w *Worker) { w.heartbeatEvery = d }
}

// WithStepTimeout overrides the per-step execution deadline.
func WithStepTimeout(d time.Duration) Option {
	return func(w *Worker) { w.stepTimeout = d }
}

// WithTools attaches a tool registry.
func WithTools(tools *ToolRegistry) Option {
	return func(w *Worker) { w.tools = tools }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// New creates a worker for the given executor.
func New(id string, exec Executor, b *bus.Bus, r *router.Router, reg Registrar, opts ...Option) (*Worker, error) {
	if id == "" {
		return nil, errors.New("worker id is required")
	}
	if exec == nil {
		return nil, errors.New("executor is required")
	}
	if !message.ValidRole(exec.Role()) {
		return nil, fmt.Errorf("unknown worker role %q", exec.Role())
	}

	w := &Worker{
		id:             id,
		exec:           exec,
		bus:            b,
		router:         r,
		registrar:      reg,
		tools:          NewToolRegistry(),
		logger:         slog.Default(),
		heartbeatEvery: DefaultHeartbeatInterval,
		stepTimeout:    DefaultStepTimeout,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("worker_id", id, "role", exec.Role())
	return w, nil
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.id }

// Tools returns the worker's tool registry.
func (w *Worker) Tools() *ToolRegistry { return w.tools }

// Start registers the worker, subscribes to its role queue, and starts the
// heartbeat loop.
func (w *Worker) Start(ctx context.Context) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()
	if w.running {
		return errors.New("worker already started")
	}

	if w.registrar != nil {
		if err := w.registrar.RegisterWorker(w.id, w.exec.Role(), w.capabilities); err != nil {
			return fmt.Errorf("register worker: %w", err)
		}
	}

	if err := w.bus.SubscribeQueue(w.exec.Role(), w.handle); err != nil {
		if w.registrar != nil {
			w.registrar.UnregisterWorker(w.id)
		}
		return fmt.Errorf("subscribe %s queue: %w", w.exec.Role(), err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.running = true

	w.wg.Add(1)
	go w.heartbeatLoop(runCtx)

	w.logger.Info("worker started")
	return nil
}

// Stop unregisters the worker and waits for in-flight work up to timeout.
func (w *Worker) Stop(timeout time.Duration) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()
	if !w.running {
		return nil
	}
	w.running = false

	if w.registrar != nil {
		w.registrar.UnregisterWorker(w.id)
	}
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return fmt.Errorf("worker %s did not stop within %s", w.id, timeout)
	}

	w.logger.Info("worker stopped")
	return nil
}

// handle consumes one step assignment from the role queue.
func (w *Worker) handle(ctx context.Context, msg *message.Message) error {
	if msg.Kind != message.KindJobCreated {
		return nil
	}

	var job message.StepAssignment
	if err := msg.Decode(&job); err != nil {
		w.logger.Error("bad step assignment", "error", err)
		return err
	}

	// The role queue is shared by the whole pool; only the worker the
	// engine selected executes the assignment.
	if job.WorkerID != "" && job.WorkerID != w.id {
		return nil
	}

	w.setCurrentStep(job.StepID)
	defer w.setCurrentStep("")

	w.publishStarted(msg, &job)

	execCtx, cancel := context.WithTimeout(ctx, w.stepTimeout)
	defer cancel()

	start := time.Now()
	output, err := w.exec.Execute(execCtx, &job)
	if err != nil {
		w.logger.Warn("step failed",
			"workflow_id", job.WorkflowID,
			"step_id", job.StepID,
			"error", err)
		w.publishFailure(msg, &job, err)
		return nil
	}

	w.logger.Info("step completed",
		"workflow_id", job.WorkflowID,
		"step_id", job.StepID,
		"duration", time.Since(start))
	w.publishResult(msg, &job, output, time.Since(start))
	return nil
}

func (w *Worker) publishStarted(msg *message.Message, job *message.StepAssignment) {
	started, err := msg.Reply(message.KindJobStarted, w.id, msg.Sender, &message.StepResult{
		WorkflowID: job.WorkflowID,
		StepID:     job.StepID,
		WorkerID:   w.id,
	})
	if err != nil {
		w.logger.Error("build job-started", "error", err)
		return
	}
	w.router.Route(started)
}

func (w *Worker) publishResult(msg *message.Message, job *message.StepAssignment, output map[string]any, dur time.Duration) {
	result, err := msg.Reply(w.exec.ResultKind(), w.id, msg.Sender, &message.StepResult{
		WorkflowID: job.WorkflowID,
		StepID:     job.StepID,
		WorkerID:   w.id,
		Output:     output,
		Duration:   dur,
	})
	if err != nil {
		w.logger.Error("build result", "error", err)
		return
	}
	if !w.router.Route(result) {
		w.logger.Error("result not routed",
			"workflow_id", job.WorkflowID,
			"step_id", job.StepID)
	}
}

func (w *Worker) publishFailure(msg *message.Message, job *message.StepAssignment, execErr error) {
	failure, err := msg.Reply(message.KindJobFailed, w.id, msg.Sender, &message.StepFailure{
		WorkflowID: job.WorkflowID,
		StepID:     job.StepID,
		WorkerID:   w.id,
		Reason:     execErr.Error(),
		Timeout:    errors.Is(execErr, context.DeadlineExceeded),
	})
	if err != nil {
		w.logger.Error("build job-failed", "error", err)
		return
	}
	w.router.Route(failure)
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.heartbeat()
		}
	}
}

func (w *Worker) heartbeat() {
	hb, err := message.New(message.KindAgentHealthCheck, w.id, "", &message.Heartbeat{
		WorkerID: w.id,
		Role:     w.exec.Role(),
		StepID:   w.CurrentStep(),
		At:       time.Now(),
	})
	if err != nil {
		w.logger.Error("build heartbeat", "error", err)
		return
	}
	w.router.Route(hb)
}

func (w *Worker) setCurrentStep(id string) {
	w.mu.Lock()
	w.currentStep = id
	w.mu.Unlock()
}

// CurrentStep returns the step the worker is executing, or "".
func (w *Worker) CurrentStep() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentStep
}
