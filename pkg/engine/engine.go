package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/liliang-cn/markflow/pkg/events"
	"github.com/liliang-cn/markflow/pkg/expr"
	"github.com/liliang-cn/markflow/pkg/flowerr"
	"github.com/liliang-cn/markflow/pkg/log"
	"github.com/liliang-cn/markflow/pkg/sdk"
)

// Common errors
var (
	ErrMissingInput   = errors.New("missing required input")
	ErrNoEventManager = errors.New("workflow declares event sources but the engine has no event manager")
)

// Options tunes engine behavior.
type Options struct {
	// MaxWhileIterations caps while loops that declare no cap themselves.
	MaxWhileIterations int
	// DefaultConcurrency bounds for-each parallelism when a step asks for
	// concurrency without a number.
	DefaultConcurrency int
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		MaxWhileIterations: 1000,
		DefaultConcurrency: 4,
	}
}

// Engine drives workflow execution. It owns no workflow state between
// runs; everything mutable lives in the per-run ExecutionContext.
type Engine struct {
	registry *sdk.Registry
	events   *events.Manager
	opts     Options
}

// New builds an engine around a tool registry and an optional event
// manager.
func New(registry *sdk.Registry, eventManager *events.Manager, opts Options) *Engine {
	if registry == nil {
		registry = sdk.NewRegistry(nil, nil)
	}
	if opts.MaxWhileIterations <= 0 {
		opts.MaxWhileIterations = DefaultOptions().MaxWhileIterations
	}
	if opts.DefaultConcurrency <= 0 {
		opts.DefaultConcurrency = DefaultOptions().DefaultConcurrency
	}
	return &Engine{registry: registry, events: eventManager, opts: opts}
}

// Registry exposes the engine's tool registry.
func (e *Engine) Registry() *sdk.Registry { return e.registry }

// Execute runs a workflow to completion and returns its result. The
// returned error is non-nil only for failures before execution starts;
// step failures are reported through Result.Status and Result.Error.
func (e *Engine) Execute(ctx context.Context, wf *Workflow, inputs map[string]any) (*Result, error) {
	if err := wf.Validate(); err != nil {
		return nil, flowerr.Wrap(flowerr.KindInvalidConfig, "invalid workflow", err)
	}
	merged, err := e.applyInputDefaults(wf, inputs)
	if err != nil {
		return nil, err
	}
	if err := e.registerTools(wf); err != nil {
		return nil, err
	}
	if err := e.connectSources(ctx, wf); err != nil {
		return nil, err
	}
	return e.run(ctx, wf, merged)
}

// run executes without the registration preamble; sub-workflows reuse it.
func (e *Engine) run(ctx context.Context, wf *Workflow, inputs map[string]any) (*Result, error) {
	ec := newExecutionContext(wf, inputs)
	logger := log.WithRun(ec.RunID)
	logger.Info("workflow started", "workflow", wf.ID, "mode", wf.Mode)

	err := e.runSteps(ctx, wf.Steps, ec.Scope, ec, wf)

	result := &Result{
		RunID:     ec.RunID,
		Variables: ec.Scope.Flatten(),
		Steps:     ec.Results(),
		StartedAt: ec.StartedAt,
		Duration:  time.Since(ec.StartedAt),
	}
	if err != nil {
		ec.setStatus(StatusFailed)
		result.Status = StatusFailed
		result.Error = err
		result.FailedStep = failedStepID(ec)
		logger.Error("workflow failed", "step", result.FailedStep, "error", err)
		return result, nil
	}
	ec.setStatus(StatusCompleted)
	result.Status = StatusCompleted
	logger.Info("workflow completed", "duration", result.Duration)
	return result, nil
}

func failedStepID(ec *ExecutionContext) string {
	results := ec.Results()
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].Status == StatusFailed {
			return results[i].StepID
		}
	}
	return ""
}

// applyInputDefaults fills declared defaults and checks required inputs.
func (e *Engine) applyInputDefaults(wf *Workflow, inputs map[string]any) (map[string]any, error) {
	merged := make(map[string]any, len(inputs))
	for k, v := range inputs {
		merged[k] = v
	}
	for name, def := range wf.Inputs {
		if _, present := merged[name]; present {
			continue
		}
		if def.Default != nil {
			merged[name] = def.Default
			continue
		}
		if def.Required {
			return nil, flowerr.Newf(flowerr.KindInvalidConfig, "%s: %q", ErrMissingInput, name)
		}
	}
	return merged, nil
}

// registerTools declares the workflow's tools. A tool already registered
// under the same name is left alone so repeated runs of the same workflow
// keep their warmed clients.
func (e *Engine) registerTools(wf *Workflow) error {
	for name, tc := range wf.Tools {
		err := e.registry.Register(name, sdk.Config{SDK: tc.SDK, Auth: tc.Auth, Options: tc.Options})
		if err != nil {
			if flowerr.KindOf(err) == flowerr.KindProviderConflict {
				log.Debug("tool already registered", "tool", name)
				continue
			}
			return err
		}
	}
	return nil
}

func (e *Engine) connectSources(ctx context.Context, wf *Workflow) error {
	if len(wf.Sources) == 0 {
		return nil
	}
	if e.events == nil {
		return flowerr.Wrap(flowerr.KindInvalidConfig, wf.ID, ErrNoEventManager)
	}
	for _, def := range wf.Sources {
		err := e.events.Add(ctx, events.SourceConfig{
			Kind:    def.Kind,
			ID:      def.ID,
			Options: def.Options,
			Filter:  def.Filter,
		})
		if err != nil {
			// Re-running a daemon pass keeps its connected sources.
			if flowerr.KindOf(err) == flowerr.KindProviderConflict {
				continue
			}
			return err
		}
	}
	return nil
}

// runSteps executes a sequential block.
func (e *Engine) runSteps(ctx context.Context, steps []*Step, scope *Scope, ec *ExecutionContext, wf *Workflow) error {
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return flowerr.Normalize(err, "", "")
		}
		if err := e.runStep(ctx, step, scope, ec, wf); err != nil {
			return err
		}
	}
	return nil
}

// runStep handles conditions, the retry loop, and the error policy for a
// single step.
func (e *Engine) runStep(ctx context.Context, step *Step, scope *Scope, ec *ExecutionContext, wf *Workflow) error {
	result := &StepResult{StepID: step.ID, Status: StatusRunning, StartedAt: time.Now()}

	runnable, err := e.conditionsMet(step, scope)
	if err != nil {
		return e.finishStep(step, wf, result, ec, scope, nil, err)
	}
	if !runnable {
		result.Status = StatusSkipped
		result.CompletedAt = time.Now()
		ec.Record(result)
		log.Debug("step skipped", "run_id", ec.RunID, "step", step.ID)
		return nil
	}

	maxAttempts := 1
	if step.Retry != nil && step.Retry.MaxAttempts > 1 {
		maxAttempts = step.Retry.MaxAttempts
	}

	var output any
	var runErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			result.RetryCount = attempt - 1
			delay := retryDelay(step.Retry, attempt-1)
			log.Info("step retrying", "run_id", ec.RunID, "step", step.ID, "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return e.finishStep(step, wf, result, ec, scope, nil, flowerr.Normalize(ctx.Err(), "", step.Action))
			}
		}

		stepCtx := ctx
		var cancel context.CancelFunc
		if step.Timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, step.Timeout.Std())
		}
		output, runErr = e.runVariant(stepCtx, step, scope, ec, wf)
		if cancel != nil {
			cancel()
		}
		if runErr == nil {
			break
		}
		if attempt == maxAttempts || !retryAllowed(runErr, step.Retry) {
			break
		}
	}

	return e.finishStep(step, wf, result, ec, scope, output, runErr)
}

// finishStep records the result, applies the error policy, and publishes
// the output variable into the step's own scope.
func (e *Engine) finishStep(step *Step, wf *Workflow, result *StepResult, ec *ExecutionContext, scope *Scope, output any, runErr error) error {
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)

	if runErr == nil {
		result.Status = StatusCompleted
		result.Output = output
		ec.Record(result)
		if step.Output != "" {
			scope.Set(step.Output, output)
		}
		log.Debug("step completed", "run_id", ec.RunID, "step", step.ID, "duration", result.Duration)
		return nil
	}

	norm := flowerr.Normalize(runErr, "", step.Action)
	result.Error = norm.Error()
	log.Warn("step failed", "run_id", ec.RunID, "step", step.ID, "kind", norm.Kind, "error", norm.Message)

	switch effectivePolicy(step, wf) {
	case ErrorContinue:
		result.Status = StatusFailed
		ec.Record(result)
		return nil
	case ErrorSkip:
		result.Status = StatusSkipped
		ec.Record(result)
		return nil
	default:
		result.Status = StatusFailed
		ec.Record(result)
		return norm
	}
}

// effectivePolicy resolves the step's error policy against the
// workflow-level default ("stop" and empty both mean fail).
func effectivePolicy(step *Step, wf *Workflow) ErrorPolicy {
	if step.OnError != "" {
		return step.OnError
	}
	if wf.ErrorHandling == ErrorContinue {
		return ErrorContinue
	}
	return ErrorFail
}

// exprSource accepts both bare expressions and {{ ... }}-wrapped ones, so
// conditions and items read naturally either way in the document.
func exprSource(s string) string {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		return strings.TrimSpace(trimmed[2 : len(trimmed)-2])
	}
	return trimmed
}

func (e *Engine) conditionsMet(step *Step, scope *Scope) (bool, error) {
	for _, cond := range step.Conditions {
		ok, err := expr.EvaluatePredicate(exprSource(cond), scope)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// retryDelay computes the sleep before retry number n (1-based), using
// exponential backoff with sane defaults.
func retryDelay(policy *RetryPolicy, n int) time.Duration {
	initial := time.Second
	multiplier := 2.0
	maxDelay := 30 * time.Second
	if policy != nil {
		if policy.InitialDelayMs > 0 {
			initial = time.Duration(policy.InitialDelayMs) * time.Millisecond
		}
		if policy.BackoffMultiplier > 0 {
			multiplier = policy.BackoffMultiplier
		}
		if policy.MaxDelayMs > 0 {
			maxDelay = time.Duration(policy.MaxDelayMs) * time.Millisecond
		}
	}
	delay := time.Duration(float64(initial) * math.Pow(multiplier, float64(n-1)))
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// retryAllowed applies the step's retryOn kind filter.
func retryAllowed(err error, policy *RetryPolicy) bool {
	if policy == nil {
		return false
	}
	kind := flowerr.KindOf(err)
	if len(policy.RetryOn) == 0 {
		return flowerr.Retryable(kind)
	}
	for _, want := range policy.RetryOn {
		if string(kind) == want {
			return true
		}
	}
	return false
}

// runVariant dispatches on the step kind.
func (e *Engine) runVariant(ctx context.Context, step *Step, scope *Scope, ec *ExecutionContext, wf *Workflow) (any, error) {
	switch step.Kind() {
	case StepAction:
		return e.runAction(ctx, step, scope, ec)
	case StepSubWorkflow:
		return e.runSubWorkflow(ctx, step, scope, wf)
	case StepIf:
		return nil, e.runIf(ctx, step, scope, ec, wf)
	case StepForEach:
		return e.runForEach(ctx, step, scope, ec, wf)
	case StepParallel:
		return e.runParallel(ctx, step, scope, ec, wf)
	case StepWhile:
		return nil, e.runWhile(ctx, step, scope, ec, wf)
	}
	return nil, flowerr.Newf(flowerr.KindInvalidConfig, "step %s has no recognizable variant", step.ID)
}

func (e *Engine) runAction(ctx context.Context, step *Step, scope *Scope, ec *ExecutionContext) (any, error) {
	resolved, err := expr.Resolve(step.Inputs, scope)
	if err != nil {
		return nil, err
	}
	inputs, _ := resolved.(map[string]any)
	if inputs == nil {
		inputs = map[string]any{}
	}

	tool, path := sdk.SplitAction(step.Action)
	switch tool {
	case "event":
		return e.runEventAction(ctx, path, inputs)
	case "workflow":
		return e.runWorkflowAction(ctx, path, inputs, ec.Workflow)
	case "parallel":
		return e.runParallelAction(ctx, path, inputs)
	case "script":
		// Scripts see the full variable scope as "context".
		if _, present := inputs["context"]; !present {
			inputs["context"] = scope.Flatten()
		}
	}
	return e.registry.Call(ctx, step.Action, inputs)
}

// runEventAction implements the event.* builtin against the manager.
func (e *Engine) runEventAction(ctx context.Context, path string, inputs map[string]any) (any, error) {
	if e.events == nil {
		return nil, flowerr.Wrap(flowerr.KindUnsupportedCapability, "event."+path, ErrNoEventManager)
	}
	switch path {
	case "wait":
		filter := events.WaitFilter{}
		if s, ok := inputs["source"].(string); ok {
			filter.Source = s
		}
		if t, ok := inputs["type"].(string); ok {
			filter.Type = t
		}
		filter.Timeout = durationInput(inputs["timeout"], 30*time.Second)
		event, err := e.events.WaitForEvent(ctx, filter)
		if err != nil {
			return nil, err
		}
		return event.AsMap(), nil
	case "connect":
		cfg := events.SourceConfig{}
		cfg.Kind, _ = inputs["kind"].(string)
		cfg.ID, _ = inputs["id"].(string)
		cfg.Options, _ = inputs["options"].(map[string]any)
		if raw, ok := inputs["filter"].([]any); ok {
			for _, f := range raw {
				cfg.Filter = append(cfg.Filter, fmt.Sprint(f))
			}
		}
		if err := e.events.Add(ctx, cfg); err != nil {
			return nil, err
		}
		return map[string]any{"connected": cfg.ID}, nil
	}
	return nil, flowerr.Newf(flowerr.KindUnsupportedCapability, "event has no operation %q", path)
}

// runWorkflowAction implements the workflow.* builtin.
func (e *Engine) runWorkflowAction(ctx context.Context, path string, inputs map[string]any, wf *Workflow) (any, error) {
	if path != "execute" {
		return nil, flowerr.Newf(flowerr.KindUnsupportedCapability, "workflow has no operation %q", path)
	}
	ref, _ := inputs["workflow"].(string)
	sub, ok := wf.Workflows[ref]
	if !ok {
		return nil, flowerr.Newf(flowerr.KindProviderNotFound, "unknown sub-workflow %q", ref)
	}
	subInputs, _ := inputs["inputs"].(map[string]any)
	return e.executeSub(ctx, sub, subInputs)
}

// runParallelAction implements the parallel.* builtin: map runs one
// action per item with bounded concurrency, spawn runs a fixed set of
// actions concurrently.
func (e *Engine) runParallelAction(ctx context.Context, path string, inputs map[string]any) (any, error) {
	switch path {
	case "map":
		items, _ := inputs["items"].([]any)
		action, _ := inputs["action"].(string)
		if action == "" {
			return nil, flowerr.New(flowerr.KindInvalidConfig, "parallel.map requires an action")
		}
		template, _ := inputs["inputs"].(map[string]any)
		concurrency := int(numberInput(inputs["concurrency"], float64(e.opts.DefaultConcurrency)))
		if concurrency < 1 {
			concurrency = 1
		}

		results := make([]any, len(items))
		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(concurrency)
		for i, item := range items {
			group.Go(func() error {
				callInputs := make(map[string]any, len(template)+1)
				for k, v := range template {
					callInputs[k] = v
				}
				callInputs["item"] = item
				out, err := e.registry.Call(groupCtx, action, callInputs)
				if err != nil {
					return err
				}
				results[i] = out
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return nil, err
		}
		return results, nil

	case "spawn":
		actions, _ := inputs["actions"].([]any)
		results := make([]any, len(actions))
		group, groupCtx := errgroup.WithContext(ctx)
		for i, raw := range actions {
			spec, _ := raw.(map[string]any)
			action, _ := spec["action"].(string)
			callInputs, _ := spec["inputs"].(map[string]any)
			if action == "" {
				return nil, flowerr.New(flowerr.KindInvalidConfig, "parallel.spawn entries require an action")
			}
			group.Go(func() error {
				out, err := e.registry.Call(groupCtx, action, callInputs)
				if err != nil {
					return err
				}
				results[i] = out
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return nil, err
		}
		return results, nil
	}
	return nil, flowerr.Newf(flowerr.KindUnsupportedCapability, "parallel has no operation %q", path)
}

func (e *Engine) runSubWorkflow(ctx context.Context, step *Step, scope *Scope, wf *Workflow) (any, error) {
	sub, ok := wf.Workflows[step.Workflow]
	if !ok {
		return nil, flowerr.Newf(flowerr.KindProviderNotFound, "unknown sub-workflow %q", step.Workflow)
	}
	resolved, err := expr.Resolve(step.Inputs, scope)
	if err != nil {
		return nil, err
	}
	inputs, _ := resolved.(map[string]any)
	return e.executeSub(ctx, sub, inputs)
}

// executeSub runs a nested workflow in its own context and returns its
// final variable scope as the step output.
func (e *Engine) executeSub(ctx context.Context, sub *Workflow, inputs map[string]any) (any, error) {
	merged, err := e.applyInputDefaults(sub, inputs)
	if err != nil {
		return nil, err
	}
	if err := e.registerTools(sub); err != nil {
		return nil, err
	}
	result, err := e.run(ctx, sub, merged)
	if err != nil {
		return nil, err
	}
	if result.Status == StatusFailed {
		return nil, result.Error
	}
	vars := result.Variables
	delete(vars, "inputs")
	return vars, nil
}

func (e *Engine) runIf(ctx context.Context, step *Step, scope *Scope, ec *ExecutionContext, wf *Workflow) error {
	ok, err := expr.EvaluatePredicate(exprSource(step.Condition), scope)
	if err != nil {
		return err
	}
	if ok {
		return e.runSteps(ctx, step.Then, scope, ec, wf)
	}
	return e.runSteps(ctx, step.Else, scope, ec, wf)
}

func (e *Engine) runForEach(ctx context.Context, step *Step, scope *Scope, ec *ExecutionContext, wf *Workflow) (any, error) {
	evaluated, err := expr.Evaluate(exprSource(step.Items), scope)
	if err != nil {
		return nil, err
	}
	items, ok := evaluated.([]any)
	if !ok {
		return nil, flowerr.Newf(flowerr.KindExpressionError, "step %s: items must evaluate to an array", step.ID)
	}

	itemVar := step.ItemVar
	if itemVar == "" {
		itemVar = "item"
	}
	outputName := lastOutputName(step.Steps)

	concurrency := step.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	// Output order is index-aligned with the input regardless of
	// execution order; skipped iterations leave a nil slot.
	outputs := make([]any, len(items))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)
	for i, item := range items {
		group.Go(func() error {
			iterScope := NewScope(scope)
			iterScope.Set(itemVar, item)
			iterScope.Set("itemIndex", i)
			if err := e.runSteps(groupCtx, step.Steps, iterScope, ec, wf); err != nil {
				return err
			}
			if outputName != "" {
				if v, ok := iterScope.Lookup(outputName); ok {
					outputs[i] = v
				}
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}

// lastOutputName finds the output variable that represents a block's
// final product: the last top-level step declaring one.
func lastOutputName(steps []*Step) string {
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Output != "" {
			return steps[i].Output
		}
	}
	return ""
}

func (e *Engine) runWhile(ctx context.Context, step *Step, scope *Scope, ec *ExecutionContext, wf *Workflow) error {
	limit := step.MaxIterations
	if limit <= 0 {
		limit = e.opts.MaxWhileIterations
	}
	for i := 0; i < limit; i++ {
		ok, err := expr.EvaluatePredicate(exprSource(step.Condition), scope)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := e.runSteps(ctx, step.Steps, scope, ec, wf); err != nil {
			return err
		}
	}
	log.Warn("while loop hit its iteration cap", "step", step.ID, "cap", limit)
	return nil
}

func durationInput(v any, fallback time.Duration) time.Duration {
	switch x := v.(type) {
	case string:
		if d, err := time.ParseDuration(x); err == nil {
			return d
		}
	case int:
		return time.Duration(x) * time.Millisecond
	case int64:
		return time.Duration(x) * time.Millisecond
	case float64:
		return time.Duration(x) * time.Millisecond
	}
	return fallback
}

func numberInput(v any, fallback float64) float64 {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case float64:
		return x
	}
	return fallback
}
