package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status tracks a run or a step.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// StepResult records one step's execution.
type StepResult struct {
	StepID      string        `json:"step_id"`
	Status      Status        `json:"status"`
	Output      any           `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
	RetryCount  int           `json:"retry_count"`
}

// ExecutionContext is the mutable state of one workflow run. The engine
// is its only writer; collaborators read it for resolution.
type ExecutionContext struct {
	RunID     string
	Workflow  *Workflow
	Inputs    map[string]any
	Scope     *Scope
	StartedAt time.Time

	mu      sync.Mutex
	results []*StepResult
	byStep  map[string]*StepResult
	status  Status
}

// newRunID builds the per-run identifier: workflow id, start timestamp,
// and a short random suffix.
func newRunID(workflowID string) string {
	return fmt.Sprintf("%s-%d-%s", workflowID, time.Now().Unix(), uuid.NewString()[:8])
}

func newExecutionContext(wf *Workflow, inputs map[string]any) *ExecutionContext {
	scope := NewScope(nil)
	scope.Set("inputs", inputs)
	return &ExecutionContext{
		RunID:     newRunID(wf.ID),
		Workflow:  wf,
		Inputs:    inputs,
		Scope:     scope,
		StartedAt: time.Now(),
		byStep:    make(map[string]*StepResult),
		status:    StatusRunning,
	}
}

// Record appends a step result.
func (ec *ExecutionContext) Record(result *StepResult) {
	ec.mu.Lock()
	ec.results = append(ec.results, result)
	ec.byStep[result.StepID] = result
	ec.mu.Unlock()
}

// Results returns the recorded step results in execution order.
func (ec *ExecutionContext) Results() []*StepResult {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make([]*StepResult, len(ec.results))
	copy(out, ec.results)
	return out
}

// ResultFor returns the recorded result of a step, if any.
func (ec *ExecutionContext) ResultFor(stepID string) (*StepResult, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	r, ok := ec.byStep[stepID]
	return r, ok
}

func (ec *ExecutionContext) setStatus(s Status) {
	ec.mu.Lock()
	ec.status = s
	ec.mu.Unlock()
}

// Status returns the run's current status.
func (ec *ExecutionContext) Status() Status {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.status
}

// Result is the completed outcome of a run.
type Result struct {
	RunID     string         `json:"run_id"`
	Status    Status         `json:"status"`
	Variables map[string]any `json:"variables"`
	Steps     []*StepResult  `json:"steps"`
	// FailedStep is set when Status is failed.
	FailedStep string        `json:"failed_step,omitempty"`
	Error      error         `json:"-"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// ParallelResult is the structured output of a parallel step.
type ParallelResult struct {
	Successful []string          `json:"successful"`
	Failed     []string          `json:"failed"`
	Results    map[string]any    `json:"results"`
	Errors     map[string]string `json:"errors"`
	StartedAt  time.Time         `json:"started_at"`
	Duration   time.Duration     `json:"duration"`
}

// asMap renders the parallel result for the variable scope, so branch
// outcomes are addressable from expressions.
func (p *ParallelResult) asMap() map[string]any {
	successful := make([]any, len(p.Successful))
	for i, id := range p.Successful {
		successful[i] = id
	}
	failed := make([]any, len(p.Failed))
	for i, id := range p.Failed {
		failed[i] = id
	}
	errs := make(map[string]any, len(p.Errors))
	for k, v := range p.Errors {
		errs[k] = v
	}
	return map[string]any{
		"successful": successful,
		"failed":     failed,
		"results":    p.Results,
		"errors":     errs,
		"duration":   p.Duration.String(),
	}
}
