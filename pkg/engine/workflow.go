// Package engine executes declarative workflows: ordered steps with
// branching, loops, parallelism, sub-workflows, per-step retry and error
// policies, all resolved against a mutable variable scope.
package engine

import (
	"fmt"
	"time"
)

// Workflow is a parsed workflow definition. It is immutable once loaded.
type Workflow struct {
	ID          string                   `yaml:"id" json:"id"`
	Name        string                   `yaml:"name" json:"name"`
	Version     string                   `yaml:"version,omitempty" json:"version,omitempty"`
	Mode        Mode                     `yaml:"mode,omitempty" json:"mode,omitempty"`
	Inputs      map[string]InputDef      `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Tools       map[string]ToolConfig    `yaml:"tools,omitempty" json:"tools,omitempty"`
	Sources     []SourceDef              `yaml:"sources,omitempty" json:"sources,omitempty"`
	Steps       []*Step                  `yaml:"steps" json:"steps"`
	Workflows   map[string]*Workflow     `yaml:"workflows,omitempty" json:"workflows,omitempty"`
	Permissions map[string]any           `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	// ErrorHandling is the workflow-wide default applied when a step has
	// no error policy of its own.
	ErrorHandling ErrorPolicy `yaml:"error_handling,omitempty" json:"error_handling,omitempty"`
}

// Mode selects how a workflow run terminates.
type Mode string

const (
	// ModeBatch runs the step list to completion and returns.
	ModeBatch Mode = "batch"
	// ModeDaemon keeps the run resident, waiting on event sources.
	ModeDaemon Mode = "daemon"
)

// InputDef declares a workflow input with an optional default.
type InputDef struct {
	Required    bool   `yaml:"required,omitempty" json:"required,omitempty"`
	Default     any    `yaml:"default,omitempty" json:"default,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// ToolConfig mirrors the tool declaration shape of the workflow document.
type ToolConfig struct {
	SDK     string            `yaml:"sdk" json:"sdk"`
	Auth    map[string]string `yaml:"auth,omitempty" json:"auth,omitempty"`
	Options map[string]any    `yaml:"options,omitempty" json:"options,omitempty"`
}

// SourceDef declares an event source attached to a daemon workflow.
type SourceDef struct {
	Kind    string         `yaml:"kind" json:"kind"`
	ID      string         `yaml:"id" json:"id"`
	Options map[string]any `yaml:"options,omitempty" json:"options,omitempty"`
	Filter  []string       `yaml:"filter,omitempty" json:"filter,omitempty"`
}

// Step is the sum type of all step variants. Exactly one variant's fields
// are set; Kind() infers which.
type Step struct {
	ID         string       `yaml:"id" json:"id"`
	Name       string       `yaml:"name,omitempty" json:"name,omitempty"`
	Output     string       `yaml:"output,omitempty" json:"output,omitempty"`
	Conditions []string     `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Retry      *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`
	OnError    ErrorPolicy  `yaml:"on_error,omitempty" json:"on_error,omitempty"`
	Timeout    Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Action variant.
	Action string         `yaml:"action,omitempty" json:"action,omitempty"`
	Inputs map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	// Sub-workflow variant.
	Workflow string `yaml:"workflow,omitempty" json:"workflow,omitempty"`

	// If and While variants share Condition.
	Condition string  `yaml:"condition,omitempty" json:"condition,omitempty"`
	Then      []*Step `yaml:"then,omitempty" json:"then,omitempty"`
	Else      []*Step `yaml:"else,omitempty" json:"else,omitempty"`

	// For-each variant.
	Items       string `yaml:"items,omitempty" json:"items,omitempty"`
	ItemVar     string `yaml:"item_var,omitempty" json:"item_var,omitempty"`
	Concurrency int    `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`

	// For-each and While body.
	Steps []*Step `yaml:"steps,omitempty" json:"steps,omitempty"`

	// Parallel variant.
	Branches []Branch   `yaml:"branches,omitempty" json:"branches,omitempty"`
	Wait     WaitPolicy `yaml:"wait,omitempty" json:"wait,omitempty"`

	// While cap.
	MaxIterations int `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
}

// Branch is one named sequence inside a parallel step.
type Branch struct {
	Name  string  `yaml:"name" json:"name"`
	Steps []*Step `yaml:"steps" json:"steps"`
}

// StepKind identifies a step variant.
type StepKind string

const (
	StepAction      StepKind = "action"
	StepSubWorkflow StepKind = "workflow"
	StepIf          StepKind = "if"
	StepForEach     StepKind = "foreach"
	StepParallel    StepKind = "parallel"
	StepWhile       StepKind = "while"
	StepUnknown     StepKind = "unknown"
)

// Kind infers the step variant from which fields are populated.
func (s *Step) Kind() StepKind {
	switch {
	case s.Action != "":
		return StepAction
	case s.Workflow != "":
		return StepSubWorkflow
	case s.Items != "":
		return StepForEach
	case len(s.Branches) > 0:
		return StepParallel
	case s.Condition != "" && len(s.Then) > 0:
		return StepIf
	case s.Condition != "" && len(s.Steps) > 0:
		return StepWhile
	}
	return StepUnknown
}

// RetryPolicy is the per-step retry declaration. This is the only layer
// that retries engine-level failures; transport retries live in the
// reliability wrapper.
type RetryPolicy struct {
	MaxAttempts       int      `yaml:"max_attempts" json:"max_attempts"`
	InitialDelayMs    int      `yaml:"initial_delay_ms,omitempty" json:"initial_delay_ms,omitempty"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier,omitempty" json:"backoff_multiplier,omitempty"`
	MaxDelayMs        int      `yaml:"max_delay_ms,omitempty" json:"max_delay_ms,omitempty"`
	// RetryOn restricts retries to these error kinds; empty retries any
	// retryable kind.
	RetryOn []string `yaml:"retry_on,omitempty" json:"retry_on,omitempty"`
}

// ErrorPolicy decides what a step failure does to the workflow.
type ErrorPolicy string

const (
	// ErrorFail fails the workflow (the default).
	ErrorFail ErrorPolicy = "fail"
	// ErrorContinue records the failure and proceeds.
	ErrorContinue ErrorPolicy = "continue"
	// ErrorSkip marks the step skipped and proceeds.
	ErrorSkip ErrorPolicy = "skip"
)

// WaitPolicy decides when a parallel step joins.
type WaitPolicy string

const (
	WaitAll      WaitPolicy = "all"
	WaitAny      WaitPolicy = "any"
	WaitMajority WaitPolicy = "majority"
)

// Duration wraps time.Duration for YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// reservedOutputNames may not be used as step output variables.
var reservedOutputNames = map[string]bool{
	"inputs":      true,
	"item":        true,
	"itemIndex":   true,
	"accumulator": true,
}

// Validate checks structural invariants: a workflow id, at least one
// step, unique step ids within each scope, non-reserved output names, and
// resolvable sub-workflow references.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("workflow id is required")
	}
	if len(w.Steps) == 0 && w.Mode != ModeDaemon {
		return fmt.Errorf("workflow %s has no steps", w.ID)
	}
	if err := validateSteps(w.Steps, w); err != nil {
		return err
	}
	for _, sub := range w.Workflows {
		if err := sub.Validate(); err != nil {
			return fmt.Errorf("sub-workflow %s: %w", sub.ID, err)
		}
	}
	return nil
}

func validateSteps(steps []*Step, w *Workflow) error {
	seen := make(map[string]bool, len(steps))
	for _, step := range steps {
		if step.ID == "" {
			return fmt.Errorf("every step needs an id")
		}
		if seen[step.ID] {
			return fmt.Errorf("duplicate step id %q", step.ID)
		}
		seen[step.ID] = true

		if reservedOutputNames[step.Output] {
			return fmt.Errorf("step %s: output name %q is reserved", step.ID, step.Output)
		}
		if step.Kind() == StepUnknown {
			return fmt.Errorf("step %s declares no recognizable variant", step.ID)
		}
		if step.Kind() == StepSubWorkflow {
			if _, ok := w.Workflows[step.Workflow]; !ok {
				return fmt.Errorf("step %s references unknown workflow %q", step.ID, step.Workflow)
			}
		}

		for _, nested := range [][]*Step{step.Then, step.Else, step.Steps} {
			if err := validateSteps(nested, w); err != nil {
				return fmt.Errorf("step %s: %w", step.ID, err)
			}
		}
		for _, branch := range step.Branches {
			if err := validateSteps(branch.Steps, w); err != nil {
				return fmt.Errorf("step %s branch %s: %w", step.ID, branch.Name, err)
			}
		}
	}
	return nil
}
