// Package engine schedules extraction workflows over worker pools. It
// builds a step DAG per job, dispatches ready steps to idle workers
// through the bus, and advances workflow state from the result messages
// workers publish back.
package engine

import (
	"time"
)

// Status is the lifecycle state of a workflow or step. Terminal states
// are sinks.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a sink.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// WorkerStatus is the engine's view of a registered worker.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
)

// JobConfig holds the recognized extraction job options.
type JobConfig struct {
	// AnalysisDepth is "basic", "standard", or "deep".
	AnalysisDepth string `json:"analysis_depth,omitempty" yaml:"analysis_depth,omitempty"`

	// IncludePDFs adds the pdf_analysis step. Defaults to true when absent.
	IncludePDFs *bool `json:"include_pdfs,omitempty" yaml:"include_pdfs,omitempty"`

	// IncludeImages adds the vision_processing step. Defaults to false.
	IncludeImages bool `json:"include_images,omitempty" yaml:"include_images,omitempty"`

	// OCREnabled is forwarded to the pdf worker. Defaults to true when absent.
	OCREnabled *bool `json:"ocr_enabled,omitempty" yaml:"ocr_enabled,omitempty"`

	// ImageAnalysisDepth is "basic" or "full", forwarded to the vision worker.
	ImageAnalysisDepth string `json:"image_analysis_depth,omitempty" yaml:"image_analysis_depth,omitempty"`

	// ValidationLevel is "basic", "standard", or "strict".
	ValidationLevel string `json:"validation_level,omitempty" yaml:"validation_level,omitempty"`

	// Priority is "low", "normal", "high", or "urgent".
	Priority string `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// PDFs reports the effective include_pdfs value.
func (c JobConfig) PDFs() bool { return c.IncludePDFs == nil || *c.IncludePDFs }

// OCR reports the effective ocr_enabled value.
func (c JobConfig) OCR() bool { return c.OCREnabled == nil || *c.OCREnabled }

// StepSpec describes one step of a custom workflow submission.
type StepSpec struct {
	ID            string         `json:"id"`
	Role          string         `json:"role"`
	Prerequisites []string       `json:"prerequisites,omitempty"`
	MaxRetries    int            `json:"max_retries,omitempty"`
	Input         map[string]any `json:"input,omitempty"`
}

// Step is one unit of workflow execution.
type Step struct {
	ID            string
	Role          string
	Prerequisites []string
	Input         map[string]any

	Status     Status
	WorkerID   string
	RetryCount int
	MaxRetries int
	Error      string
	Output     map[string]any

	StartedAt   time.Time
	CompletedAt time.Time
}

// Workflow is one submitted job and its step DAG.
type Workflow struct {
	ID     string
	URL    string
	Config JobConfig
	Status Status
	Error  string

	// steps indexed by id; order preserves submission order for
	// deterministic dispatch and reporting.
	steps map[string]*Step
	order []string

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// step returns the step by id, or nil.
func (w *Workflow) step(id string) *Step { return w.steps[id] }

// progress is the fraction of completed steps.
func (w *Workflow) progress() float64 {
	if len(w.order) == 0 {
		return 0
	}
	done := 0
	for _, id := range w.order {
		if w.steps[id].Status == StatusCompleted {
			done++
		}
	}
	return float64(done) / float64(len(w.order))
}

// terminal reports whether every step is in a sink state.
func (w *Workflow) terminal() bool {
	for _, id := range w.order {
		if !w.steps[id].Status.Terminal() {
			return false
		}
	}
	return true
}

// StepView is a read-only step snapshot for callers.
type StepView struct {
	ID            string         `json:"id"`
	Role          string         `json:"role"`
	Prerequisites []string       `json:"prerequisites,omitempty"`
	Status        Status         `json:"status"`
	WorkerID      string         `json:"worker_id,omitempty"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	Error         string         `json:"error,omitempty"`
	Output        map[string]any `json:"output,omitempty"`
}

// WorkflowView is a read-only workflow snapshot for callers.
type WorkflowView struct {
	ID        string     `json:"id"`
	URL       string     `json:"url"`
	Status    Status     `json:"status"`
	Progress  float64    `json:"progress"`
	Error     string     `json:"error,omitempty"`
	Steps     []StepView `json:"steps"`
	CreatedAt time.Time  `json:"created_at"`
}

// workerState is the engine-owned record for one registered worker.
// Workers report through messages; they never mutate this directly.
type workerState struct {
	id           string
	role         string
	capabilities []string
	status       WorkerStatus

	stepID     string
	workflowID string

	queueLength int
	errorCount  int

	lastHeartbeat time.Time
	registeredAt  time.Time
	seq           int

	// busy-time accounting for utilization over metrics intervals.
	busySince time.Time
	busyAccum time.Duration
}

// WorkerView is a read-only worker snapshot for callers.
type WorkerView struct {
	ID            string       `json:"id"`
	Role          string       `json:"role"`
	Capabilities  []string     `json:"capabilities,omitempty"`
	Status        WorkerStatus `json:"status"`
	StepID        string       `json:"step_id,omitempty"`
	ErrorCount    int          `json:"error_count"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}
