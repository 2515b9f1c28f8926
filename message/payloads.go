package message

import (
	"encoding/json"
	"errors"
	"time"
)

// Payload is implemented by the structured bodies the kernel itself sends.
// Worker-specific payloads are opaque to the kernel and need not implement it.
type Payload interface {
	// Kind returns the message kind this payload travels under.
	Kind() Kind

	// Validate checks required fields before publish.
	Validate() error
}

// StepAssignment is carried by a job-created message when the engine
// dispatches a ready step to a worker.
type StepAssignment struct {
	WorkflowID string `json:"workflow_id"`
	StepID     string `json:"step_id"`
	Role       string `json:"role"`
	// WorkerID names the worker selected for this attempt. Role queues are
	// shared by every worker of the role, so other workers must ignore
	// assignments addressed elsewhere.
	WorkerID string         `json:"worker_id,omitempty"`
	URL      string         `json:"url,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	Priority   string         `json:"priority,omitempty"`
	Attempt    int            `json:"attempt"`
}

// Kind implements Payload.
func (p *StepAssignment) Kind() Kind { return KindJobCreated }

// Validate implements Payload.
func (p *StepAssignment) Validate() error {
	if p.WorkflowID == "" {
		return errors.New("workflow_id is required")
	}
	if p.StepID == "" {
		return errors.New("step_id is required")
	}
	if p.Role == "" {
		return errors.New("role is required")
	}
	return nil
}

// StepResult is carried by success messages (content-extracted,
// website-analyzed, content-validated, validation-completed) a worker
// publishes back to the engine.
type StepResult struct {
	WorkflowID string         `json:"workflow_id"`
	StepID     string         `json:"step_id"`
	WorkerID   string         `json:"worker_id"`
	Output     map[string]any `json:"output,omitempty"`
	Duration   time.Duration  `json:"duration,omitempty"`
}

// Kind implements Payload. Success results default to content-extracted;
// workers with a more specific kind publish under it directly.
func (p *StepResult) Kind() Kind { return KindContentExtracted }

// Validate implements Payload.
func (p *StepResult) Validate() error {
	if p.StepID == "" {
		return errors.New("step_id is required")
	}
	if p.WorkerID == "" {
		return errors.New("worker_id is required")
	}
	return nil
}

// StepFailure is carried by a job-failed message.
type StepFailure struct {
	WorkflowID string `json:"workflow_id"`
	StepID     string `json:"step_id"`
	WorkerID   string `json:"worker_id"`
	Reason     string `json:"reason"`
	// Timeout marks failures caused by a step or heartbeat timeout rather
	// than a worker execution error.
	Timeout bool `json:"timeout,omitempty"`
}

// Kind implements Payload.
func (p *StepFailure) Kind() Kind { return KindJobFailed }

// Validate implements Payload.
func (p *StepFailure) Validate() error {
	if p.StepID == "" {
		return errors.New("step_id is required")
	}
	if p.Reason == "" {
		return errors.New("reason is required")
	}
	return nil
}

// Heartbeat is carried by an agent-health-check message workers publish
// periodically so the engine can detect stale workers.
type Heartbeat struct {
	WorkerID string    `json:"worker_id"`
	Role     string    `json:"role"`
	StepID   string    `json:"step_id,omitempty"`
	At       time.Time `json:"at"`
}

// Kind implements Payload.
func (p *Heartbeat) Kind() Kind { return KindAgentHealthCheck }

// Validate implements Payload.
func (p *Heartbeat) Validate() error {
	if p.WorkerID == "" {
		return errors.New("worker_id is required")
	}
	return nil
}

// WorkflowRequest is carried by a workflow-request message asking the
// engine to create a workflow.
type WorkflowRequest struct {
	URL    string          `json:"url"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Kind implements Payload.
func (p *WorkflowRequest) Kind() Kind { return KindWorkflowRequest }

// Validate implements Payload.
func (p *WorkflowRequest) Validate() error {
	if p.URL == "" {
		return errors.New("url is required")
	}
	return nil
}

// WorkflowCreated is carried by a workflow-created message acknowledging a
// workflow request.
type WorkflowCreated struct {
	WorkflowID string `json:"workflow_id"`
	URL        string `json:"url,omitempty"`
}

// Kind implements Payload.
func (p *WorkflowCreated) Kind() Kind { return KindWorkflowCreated }

// Validate implements Payload.
func (p *WorkflowCreated) Validate() error {
	if p.WorkflowID == "" {
		return errors.New("workflow_id is required")
	}
	return nil
}

// WorkflowOutcome is carried by a workflow-completed message to the caller.
type WorkflowOutcome struct {
	WorkflowID string                `json:"workflow_id"`
	Status     string                `json:"status"`
	Progress   float64               `json:"progress"`
	Duration   time.Duration         `json:"duration"`
	Steps      []WorkflowStepOutcome `json:"steps"`
	Error      string                `json:"error,omitempty"`
}

// WorkflowStepOutcome summarizes one step of a finished workflow.
type WorkflowStepOutcome struct {
	StepID  string         `json:"step_id"`
	Role    string         `json:"role"`
	Status  string         `json:"status"`
	Retries int            `json:"retries"`
	Error   string         `json:"error,omitempty"`
	Output  map[string]any `json:"output,omitempty"`
}

// Kind implements Payload.
func (p *WorkflowOutcome) Kind() Kind { return KindWorkflowCompleted }

// Validate implements Payload.
func (p *WorkflowOutcome) Validate() error {
	if p.WorkflowID == "" {
		return errors.New("workflow_id is required")
	}
	return nil
}
