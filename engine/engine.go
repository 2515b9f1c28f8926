package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/lexstream/bus"
	"github.com/c360studio/lexstream/message"
	"github.com/c360studio/lexstream/router"
)

// Queue is the bus queue the engine consumes result, failure, and
// heartbeat messages from.
const Queue = "engine"

// Defaults for the background loops and timeouts.
const (
	DefaultMaxConcurrentWorkflows = 10
	DefaultDispatchInterval       = 5 * time.Second
	DefaultHealthInterval         = 60 * time.Second
	DefaultMetricsInterval        = 30 * time.Second
	DefaultStepTimeout            = 30 * time.Minute
	DefaultHeartbeatTimeout       = 5 * time.Minute
)

// Engine is the workflow scheduler. One coarse mutex guards workflow,
// queue, and worker state so a step transition and the matching worker
// transition are observed together.
type Engine struct {
	bus    *bus.Bus
	router *router.Router
	logger *slog.Logger

	maxConcurrent    int
	dispatchInterval time.Duration
	healthInterval   time.Duration
	metricsInterval  time.Duration
	stepTimeout      time.Duration
	heartbeatTimeout time.Duration

	mu        sync.Mutex
	workflows map[string]*Workflow
	queue     []string
	runningN  int
	workers   map[string]*workerState
	workerSeq int

	totalN     int64
	completedN int64
	failedN    int64
	cancelled  int64

	durationSum   time.Duration
	durationCount int64

	utilization map[string]float64
	lastMetrics time.Time

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	kickCh      chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMaxConcurrent caps concurrently running workflows.
func WithMaxConcurrent(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxConcurrent = n
		}
	}
}

// WithDispatchInterval sets the dispatch tick period.
func WithDispatchInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.dispatchInterval = d
		}
	}
}

// WithHealthInterval sets the worker health tick period.
func WithHealthInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.healthInterval = d
		}
	}
}

// WithMetricsInterval sets the metrics tick period.
func WithMetricsInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.metricsInterval = d
		}
	}
}

// WithStepTimeout sets the per-step execution budget.
func WithStepTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.stepTimeout = d
		}
	}
}

// WithHeartbeatTimeout sets how long a worker may go silent before it is
// considered stale.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.heartbeatTimeout = d
		}
	}
}

// New creates an engine over the bus and router. Call Start to launch the
// dispatch, health, and metrics loops.
func New(b *bus.Bus, r *router.Router, opts ...Option) *Engine {
	e := &Engine{
		bus:              b,
		router:           r,
		logger:           slog.Default(),
		maxConcurrent:    DefaultMaxConcurrentWorkflows,
		dispatchInterval: DefaultDispatchInterval,
		healthInterval:   DefaultHealthInterval,
		metricsInterval:  DefaultMetricsInterval,
		stepTimeout:      DefaultStepTimeout,
		heartbeatTimeout: DefaultHeartbeatTimeout,
		workflows:        make(map[string]*Workflow),
		workers:          make(map[string]*workerState),
		utilization:      make(map[string]float64),
		kickCh:           make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start subscribes the engine to its bus queue and launches the background
// loops.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.running {
		return fmt.Errorf("engine already running")
	}

	if err := e.bus.SubscribeQueue(Queue, e.handleMessage); err != nil {
		return fmt.Errorf("subscribe engine queue: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true

	e.mu.Lock()
	e.lastMetrics = time.Now()
	e.mu.Unlock()

	e.wg.Add(3)
	go e.dispatchLoop(loopCtx)
	go e.healthLoop(loopCtx)
	go e.metricsLoop(loopCtx)

	e.logger.Info("engine started",
		"max_concurrent", e.maxConcurrent,
		"dispatch_interval", e.dispatchInterval,
	)
	return nil
}

// Stop halts the background loops, waiting up to timeout.
func (e *Engine) Stop(timeout time.Duration) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if !e.running {
		return nil
	}
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return fmt.Errorf("engine stop timed out after %s", timeout)
	}

	e.running = false
	e.logger.Info("engine stopped")
	return nil
}

// SetMaxConcurrent adjusts the workflow concurrency cap at runtime.
// Values below one are ignored. Lowering the cap does not interrupt
// running workflows; admission simply pauses until they drain.
func (e *Engine) SetMaxConcurrent(n int) {
	if n <= 0 {
		return
	}
	e.mu.Lock()
	e.maxConcurrent = n
	e.mu.Unlock()
	e.kick()
}

// Submit creates a workflow with the default extraction DAG and returns
// its id. The workflow starts on the next dispatch tick, or queues when
// the concurrency cap is reached.
func (e *Engine) Submit(url string, cfg JobConfig) (string, error) {
	if url == "" {
		return "", fmt.Errorf("url is required")
	}
	return e.admit(url, cfg, buildExtractionSteps(url, cfg))
}

// SubmitCustom creates a workflow from caller-supplied steps. Unknown
// roles, unresolved prerequisites, and cycles reject the workflow before
// any step is dispatched; the rejected workflow is recorded as failed.
func (e *Engine) SubmitCustom(url string, cfg JobConfig, specs []StepSpec) (string, error) {
	if len(specs) == 0 {
		return "", fmt.Errorf("at least one step is required")
	}

	steps := make([]*Step, 0, len(specs))
	var buildErr error
	for _, spec := range specs {
		if !message.ValidRole(spec.Role) {
			buildErr = fmt.Errorf("step %s: unknown worker role %q", spec.ID, spec.Role)
			break
		}
		maxRetries := spec.MaxRetries
		if maxRetries <= 0 {
			maxRetries = DefaultMaxStepRetries
		}
		steps = append(steps, &Step{
			ID:            spec.ID,
			Role:          spec.Role,
			Prerequisites: spec.Prerequisites,
			Input:         spec.Input,
			Status:        StatusPending,
			MaxRetries:    maxRetries,
		})
	}
	if buildErr == nil {
		buildErr = validateDAG(steps)
	}
	if buildErr != nil {
		// The workflow is recorded so callers can observe the rejection
		// through the status surface.
		id := e.recordRejected(url, cfg, steps, buildErr)
		return id, buildErr
	}
	return e.admit(url, cfg, steps)
}

func (e *Engine) admit(url string, cfg JobConfig, steps []*Step) (string, error) {
	wf := &Workflow{
		ID:        uuid.New().String(),
		URL:       url,
		Config:    cfg,
		Status:    StatusPending,
		steps:     make(map[string]*Step, len(steps)),
		CreatedAt: time.Now(),
	}
	for _, s := range steps {
		wf.steps[s.ID] = s
		wf.order = append(wf.order, s.ID)
	}

	e.mu.Lock()
	e.workflows[wf.ID] = wf
	e.queue = append(e.queue, wf.ID)
	e.totalN++
	e.mu.Unlock()

	e.logger.Info("workflow submitted", "workflow_id", wf.ID, "url", url, "steps", len(steps))
	e.kick()
	return wf.ID, nil
}

func (e *Engine) recordRejected(url string, cfg JobConfig, steps []*Step, cause error) string {
	wf := &Workflow{
		ID:          uuid.New().String(),
		URL:         url,
		Config:      cfg,
		Status:      StatusFailed,
		Error:       cause.Error(),
		steps:       make(map[string]*Step, len(steps)),
		CreatedAt:   time.Now(),
		CompletedAt: time.Now(),
	}
	for _, s := range steps {
		s.Status = StatusFailed
		s.Error = "workflow rejected"
		wf.steps[s.ID] = s
		wf.order = append(wf.order, s.ID)
	}

	e.mu.Lock()
	e.workflows[wf.ID] = wf
	e.totalN++
	e.failedN++
	e.mu.Unlock()

	e.logger.Warn("workflow rejected", "workflow_id", wf.ID, "error", cause)
	return wf.ID
}

// Cancel marks every non-terminal step cancelled with the reason and
// finalizes the workflow. Cancellation is cooperative: in-progress worker
// calls are not interrupted, but their late results are not observed.
func (e *Engine) Cancel(workflowID, reason string) error {
	e.mu.Lock()
	wf, ok := e.workflows[workflowID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("workflow %s not found", workflowID)
	}
	if wf.Status.Terminal() {
		e.mu.Unlock()
		return fmt.Errorf("workflow %s already %s", workflowID, wf.Status)
	}

	for _, id := range wf.order {
		s := wf.steps[id]
		if s.Status.Terminal() {
			continue
		}
		if s.Status == StatusRunning && s.WorkerID != "" {
			e.releaseWorkerLocked(s.WorkerID, false)
		}
		s.Status = StatusCancelled
		s.Error = reason
		s.WorkerID = ""
		s.CompletedAt = time.Now()
	}
	e.dropFromQueueLocked(workflowID)
	outcome := e.finalizeLocked(wf)
	e.mu.Unlock()

	e.publishOutcome(outcome)
	e.logger.Info("workflow cancelled", "workflow_id", workflowID, "reason", reason)
	return nil
}

// Status returns a snapshot of the workflow.
func (e *Engine) Status(workflowID string) (WorkflowView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	wf, ok := e.workflows[workflowID]
	if !ok {
		return WorkflowView{}, fmt.Errorf("workflow %s not found", workflowID)
	}
	return e.viewLocked(wf), nil
}

// Workflows returns snapshots of every known workflow.
func (e *Engine) Workflows() []WorkflowView {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]WorkflowView, 0, len(e.workflows))
	for _, wf := range e.workflows {
		out = append(out, e.viewLocked(wf))
	}
	return out
}

func (e *Engine) viewLocked(wf *Workflow) WorkflowView {
	v := WorkflowView{
		ID:        wf.ID,
		URL:       wf.URL,
		Status:    wf.Status,
		Progress:  wf.progress(),
		Error:     wf.Error,
		CreatedAt: wf.CreatedAt,
	}
	for _, id := range wf.order {
		s := wf.steps[id]
		v.Steps = append(v.Steps, StepView{
			ID:            s.ID,
			Role:          s.Role,
			Prerequisites: s.Prerequisites,
			Status:        s.Status,
			WorkerID:      s.WorkerID,
			RetryCount:    s.RetryCount,
			MaxRetries:    s.MaxRetries,
			Error:         s.Error,
			Output:        s.Output,
		})
	}
	return v
}

// kick requests an immediate dispatch pass.
func (e *Engine) kick() {
	select {
	case e.kickCh <- struct{}{}:
	default:
	}
}

func (e *Engine) dispatchLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.dispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.dispatchOnce()
		case <-e.kickCh:
			e.dispatchOnce()
		}
	}
}

// assignment pairs a dispatched message with the state to revert when the
// publish fails.
type assignment struct {
	workflowID string
	stepID     string
	workerID   string
	role       string
	msg        *message.Message
}

// dispatchOnce promotes queued workflows into running slots, then
// dispatches every ready step that has an idle worker of its role.
func (e *Engine) dispatchOnce() {
	e.mu.Lock()

	for e.runningN < e.maxConcurrent && len(e.queue) > 0 {
		id := e.queue[0]
		e.queue = e.queue[1:]
		wf := e.workflows[id]
		if wf == nil || wf.Status != StatusPending {
			continue
		}
		wf.Status = StatusRunning
		wf.StartedAt = time.Now()
		e.runningN++
		e.logger.Info("workflow started", "workflow_id", wf.ID)
	}

	var dispatched []assignment
	var outcomes []*message.Message
	for _, wf := range e.workflows {
		if wf.Status != StatusRunning {
			continue
		}
		for _, id := range wf.order {
			s := wf.steps[id]
			if s.Status != StatusPending || !wf.ready(s) {
				continue
			}
			if s.Role == message.RoleOrchestrator {
				// Orchestration is the engine's own decision point: the DAG
				// already fixes which extractors run, so the step records
				// the plan and completes without a worker. Steps it
				// unblocks dispatch in this same pass.
				e.completeOrchestrationLocked(wf, s)
				if wf.terminal() {
					outcomes = append(outcomes, e.finalizeLocked(wf))
				}
				continue
			}
			w := e.pickWorkerLocked(s.Role)
			if w == nil {
				continue
			}

			e.assignWorkerLocked(w, wf.ID, s.ID)
			s.Status = StatusRunning
			s.WorkerID = w.id
			s.StartedAt = time.Now()

			payload := &message.StepAssignment{
				WorkflowID: wf.ID,
				StepID:     s.ID,
				Role:       s.Role,
				WorkerID:   w.id,
				URL:        wf.URL,
				Input:      s.Input,
				Priority:   wf.Config.Priority,
				Attempt:    s.RetryCount + 1,
			}
			msg, err := message.New(message.KindJobCreated, Queue, s.Role, payload)
			if err != nil {
				e.logger.Error("build step assignment", "step", s.ID, "error", err)
				s.Status = StatusPending
				s.WorkerID = ""
				e.releaseWorkerLocked(w.id, false)
				continue
			}
			dispatched = append(dispatched, assignment{
				workflowID: wf.ID,
				stepID:     s.ID,
				workerID:   w.id,
				role:       s.Role,
				msg:        msg,
			})
		}
	}
	e.mu.Unlock()

	for _, out := range outcomes {
		e.publishOutcome(out)
	}
	for _, a := range dispatched {
		if e.router.Send(a.role, a.msg) {
			e.logger.Debug("step dispatched",
				"workflow_id", a.workflowID,
				"step", a.stepID,
				"worker", a.workerID,
			)
			continue
		}
		// Routing failed; put the step back and free the worker so the
		// next tick retries.
		e.mu.Lock()
		if wf := e.workflows[a.workflowID]; wf != nil {
			if s := wf.step(a.stepID); s != nil && s.Status == StatusRunning && s.WorkerID == a.workerID {
				s.Status = StatusPending
				s.WorkerID = ""
			}
		}
		e.releaseWorkerLocked(a.workerID, false)
		e.mu.Unlock()
		e.logger.Warn("step dispatch rejected by router",
			"workflow_id", a.workflowID, "step", a.stepID)
	}
}

// completeOrchestrationLocked resolves an orchestrator-role step in place.
// Its output lists the steps it gates. Requires e.mu.
func (e *Engine) completeOrchestrationLocked(wf *Workflow, s *Step) {
	var planned []string
	for _, id := range wf.order {
		dep := wf.steps[id]
		for _, p := range dep.Prerequisites {
			if p == s.ID {
				planned = append(planned, dep.ID)
				break
			}
		}
	}

	now := time.Now()
	s.Status = StatusCompleted
	s.StartedAt = now
	s.CompletedAt = now
	s.Output = map[string]any{"planned_steps": planned}
	e.logger.Info("orchestration resolved",
		"workflow_id", wf.ID, "step", s.ID, "planned_steps", planned)
}

// handleMessage is the engine's bus consumer.
func (e *Engine) handleMessage(_ context.Context, msg *message.Message) error {
	switch msg.Kind {
	case message.KindJobStarted:
		var r message.StepResult
		if err := msg.Decode(&r); err == nil {
			e.touchWorker(r.WorkerID)
		}
	case message.KindJobCompleted,
		message.KindWebsiteAnalyzed,
		message.KindContentExtracted,
		message.KindContentValidated,
		message.KindValidationCompleted:
		var r message.StepResult
		if err := msg.Decode(&r); err != nil {
			return fmt.Errorf("decode step result: %w", err)
		}
		e.handleResult(&r)
	case message.KindJobFailed:
		var f message.StepFailure
		if err := msg.Decode(&f); err != nil {
			return fmt.Errorf("decode step failure: %w", err)
		}
		e.handleFailure(&f)
	case message.KindAgentHealthCheck:
		var h message.Heartbeat
		if err := msg.Decode(&h); err != nil {
			return fmt.Errorf("decode heartbeat: %w", err)
		}
		e.handleHeartbeat(&h)
	case message.KindWorkflowRequest:
		var req message.WorkflowRequest
		if err := msg.Decode(&req); err != nil {
			return fmt.Errorf("decode workflow request: %w", err)
		}
		e.handleWorkflowRequest(msg, &req)
	default:
		e.logger.Debug("ignoring message kind", "kind", msg.Kind)
	}
	return nil
}

// handleResult completes a running step. Results for terminal steps or
// workflows are dropped; the reporting worker still returns to idle.
func (e *Engine) handleResult(r *message.StepResult) {
	e.mu.Lock()
	wf, s := e.findStepLocked(r.WorkflowID, r.StepID)
	if s == nil || s.Status != StatusRunning || wf.Status.Terminal() {
		// Only release the reporter if it is still assigned to this step;
		// a worker that has since been handed another step stays busy.
		if w := e.workers[r.WorkerID]; w != nil && w.stepID == r.StepID {
			e.releaseWorkerLocked(r.WorkerID, false)
		}
		e.mu.Unlock()
		e.logger.Debug("ignoring late or duplicate result",
			"workflow_id", r.WorkflowID, "step", r.StepID)
		return
	}

	s.Status = StatusCompleted
	s.Output = r.Output
	s.CompletedAt = time.Now()
	e.releaseWorkerLocked(s.WorkerID, false)

	var outcome *message.Message
	if wf.terminal() {
		outcome = e.finalizeLocked(wf)
	}
	e.mu.Unlock()

	e.logger.Info("step completed",
		"workflow_id", wf.ID, "step", s.ID, "worker", r.WorkerID)
	e.publishOutcome(outcome)
	e.kick()
}

// handleFailure applies the retry budget to a running step. A failure for
// a step that is not running is ignored.
func (e *Engine) handleFailure(f *message.StepFailure) {
	e.mu.Lock()
	wf, s := e.findStepLocked(f.WorkflowID, f.StepID)
	if s == nil || s.Status != StatusRunning || wf.Status.Terminal() {
		e.mu.Unlock()
		e.logger.Debug("ignoring failure for non-running step", "step", f.StepID)
		return
	}

	e.releaseWorkerLocked(s.WorkerID, true)
	outcome := e.failStepLocked(wf, s, f.Reason)
	e.mu.Unlock()

	e.publishOutcome(outcome)
	e.kick()
}

// failStepLocked increments the retry count and either re-queues the step
// or marks it failed, cascading the failure to dependents. Requires e.mu.
// Returns a finalization message when the workflow reached a sink.
func (e *Engine) failStepLocked(wf *Workflow, s *Step, reason string) *message.Message {
	s.RetryCount++
	s.WorkerID = ""

	if s.RetryCount < s.MaxRetries {
		s.Status = StatusPending
		e.logger.Warn("step failed, re-queued",
			"workflow_id", wf.ID,
			"step", s.ID,
			"retry", s.RetryCount,
			"max_retries", s.MaxRetries,
			"reason", reason,
		)
		return nil
	}

	s.Status = StatusFailed
	s.Error = reason
	s.CompletedAt = time.Now()
	e.logger.Error("step failed permanently",
		"workflow_id", wf.ID, "step", s.ID, "reason", reason)

	// Steps downstream of a permanent failure can never become ready.
	for _, depID := range wf.dependentsOf(s.ID) {
		dep := wf.steps[depID]
		if dep.Status == StatusRunning && dep.WorkerID != "" {
			e.releaseWorkerLocked(dep.WorkerID, false)
		}
		dep.Status = StatusFailed
		dep.Error = fmt.Sprintf("prerequisite %s failed", s.ID)
		dep.WorkerID = ""
		dep.CompletedAt = time.Now()
	}

	if wf.terminal() {
		return e.finalizeLocked(wf)
	}
	return nil
}

func (e *Engine) handleHeartbeat(h *message.Heartbeat) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.workers[h.WorkerID]
	if !ok {
		return
	}
	w.lastHeartbeat = time.Now()
	if w.status == WorkerOffline && w.stepID == "" {
		w.status = WorkerIdle
	}
}

func (e *Engine) handleWorkflowRequest(msg *message.Message, req *message.WorkflowRequest) {
	var cfg JobConfig
	if len(req.Config) > 0 {
		if err := decodeConfig(req.Config, &cfg); err != nil {
			e.logger.Warn("invalid workflow request config", "error", err)
			return
		}
	}

	id, err := e.Submit(req.URL, cfg)
	if err != nil {
		e.logger.Warn("workflow request rejected", "url", req.URL, "error", err)
		return
	}

	ack, err := msg.Reply(message.KindWorkflowCreated, Queue, msg.Sender, &message.WorkflowCreated{
		WorkflowID: id,
		URL:        req.URL,
	})
	if err != nil {
		e.logger.Error("build workflow-created reply", "error", err)
		return
	}
	if !e.router.Route(ack) {
		e.logger.Warn("workflow-created reply not routed", "workflow_id", id)
	}
}

// findStepLocked resolves a step by workflow id + step id, falling back to
// a step-id scan over non-terminal workflows when the workflow id is
// absent. Requires e.mu.
func (e *Engine) findStepLocked(workflowID, stepID string) (*Workflow, *Step) {
	if workflowID != "" {
		wf := e.workflows[workflowID]
		if wf == nil {
			return nil, nil
		}
		return wf, wf.step(stepID)
	}
	for _, wf := range e.workflows {
		if wf.Status.Terminal() {
			continue
		}
		if s := wf.step(stepID); s != nil {
			return wf, s
		}
	}
	return nil, nil
}

// finalizeLocked moves the workflow into its terminal status and builds
// the workflow-completed message. Requires e.mu.
func (e *Engine) finalizeLocked(wf *Workflow) *message.Message {
	anyCancelled, anyFailed := false, false
	for _, id := range wf.order {
		switch wf.steps[id].Status {
		case StatusCancelled:
			anyCancelled = true
		case StatusFailed:
			anyFailed = true
		}
	}

	wasRunning := wf.Status == StatusRunning
	switch {
	case anyCancelled:
		wf.Status = StatusCancelled
		e.cancelled++
	case anyFailed:
		wf.Status = StatusFailed
		e.failedN++
	default:
		wf.Status = StatusCompleted
		e.completedN++
	}
	wf.CompletedAt = time.Now()
	if wasRunning {
		e.runningN--
	}

	duration := wf.CompletedAt.Sub(wf.CreatedAt)
	if wf.Status == StatusCompleted {
		// Only completed workflows contribute to the rolling average.
		e.durationSum += duration
		e.durationCount++
	}

	outcome := &message.WorkflowOutcome{
		WorkflowID: wf.ID,
		Status:     string(wf.Status),
		Progress:   wf.progress(),
		Duration:   duration,
		Error:      wf.Error,
	}
	for _, id := range wf.order {
		s := wf.steps[id]
		outcome.Steps = append(outcome.Steps, message.WorkflowStepOutcome{
			StepID:  s.ID,
			Role:    s.Role,
			Status:  string(s.Status),
			Retries: s.RetryCount,
			Error:   s.Error,
			Output:  s.Output,
		})
	}

	msg, err := message.New(message.KindWorkflowCompleted, Queue, "", outcome)
	if err != nil {
		e.logger.Error("build workflow outcome", "workflow_id", wf.ID, "error", err)
		return nil
	}

	e.logger.Info("workflow finished",
		"workflow_id", wf.ID,
		"status", wf.Status,
		"duration", duration,
	)
	return msg
}

// publishOutcome routes a workflow-completed message; nil is a no-op.
func (e *Engine) publishOutcome(msg *message.Message) {
	if msg == nil {
		return
	}
	if !e.router.Route(msg) {
		e.logger.Warn("workflow outcome not routed", "id", msg.ID)
	}
}

func (e *Engine) dropFromQueueLocked(workflowID string) {
	kept := e.queue[:0]
	for _, id := range e.queue {
		if id != workflowID {
			kept = append(kept, id)
		}
	}
	e.queue = kept
}

func (e *Engine) healthLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.healthOnce(time.Now())
		}
	}
}

// healthOnce marks stale workers offline and applies timeout failures to
// their steps through the normal retry path.
func (e *Engine) healthOnce(now time.Time) {
	e.mu.Lock()

	var outcomes []*message.Message
	for _, w := range e.workers {
		stale := now.Sub(w.lastHeartbeat) > e.heartbeatTimeout
		if !stale {
			continue
		}

		if w.status == WorkerBusy && w.stepID != "" {
			wf := e.workflows[w.workflowID]
			var s *Step
			if wf != nil {
				s = wf.step(w.stepID)
			}
			e.markOfflineLocked(w)
			if wf != nil && s != nil && s.Status == StatusRunning {
				e.logger.Warn("worker heartbeat stale, failing step",
					"worker", w.id, "step", s.ID)
				if out := e.failStepLocked(wf, s, "worker heartbeat timeout"); out != nil {
					outcomes = append(outcomes, out)
				}
			}
			continue
		}
		if w.status != WorkerOffline {
			e.markOfflineLocked(w)
			e.logger.Warn("worker marked offline", "worker", w.id, "role", w.role)
		}
	}

	// Steps past the execution budget whose worker has also gone silent
	// time out through the same retry path.
	for _, wf := range e.workflows {
		if wf.Status != StatusRunning {
			continue
		}
		for _, id := range wf.order {
			s := wf.steps[id]
			if s.Status != StatusRunning || now.Sub(s.StartedAt) <= e.stepTimeout {
				continue
			}
			w := e.workers[s.WorkerID]
			if w != nil && now.Sub(w.lastHeartbeat) <= e.heartbeatTimeout {
				continue
			}
			if w != nil {
				e.markOfflineLocked(w)
			}
			e.logger.Warn("step exceeded execution budget",
				"workflow_id", wf.ID, "step", s.ID)
			if out := e.failStepLocked(wf, s, "step timeout"); out != nil {
				outcomes = append(outcomes, out)
			}
		}
	}
	e.mu.Unlock()

	for _, out := range outcomes {
		e.publishOutcome(out)
	}
	if len(outcomes) > 0 {
		e.kick()
	}
}

func decodeConfig(raw []byte, cfg *JobConfig) error {
	return json.Unmarshal(raw, cfg)
}
