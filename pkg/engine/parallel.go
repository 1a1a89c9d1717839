package engine

import (
	"context"
	"errors"
	"time"

	"github.com/liliang-cn/markflow/pkg/flowerr"
	"github.com/liliang-cn/markflow/pkg/log"
)

// branchOutcome is what one parallel branch reports back on completion.
type branchOutcome struct {
	index   int
	name    string
	output  any
	scope   *Scope
	err     error
	skipped bool
}

// runParallel launches every branch concurrently against a snapshot of
// the parent scope, joins per the wait policy, and writes successful
// branches' declared outputs back to the parent in definition order.
func (e *Engine) runParallel(ctx context.Context, step *Step, scope *Scope, ec *ExecutionContext, wf *Workflow) (any, error) {
	startedAt := time.Now()
	total := len(step.Branches)

	branchCtx, cancelBranches := context.WithCancel(ctx)
	defer cancelBranches()

	outcomes := make(chan branchOutcome, total)
	for i, branch := range step.Branches {
		branchScope := scope.Snapshot()
		go func() {
			err := e.runSteps(branchCtx, branch.Steps, branchScope, ec, wf)
			outcome := branchOutcome{index: i, name: branch.Name, scope: branchScope, err: err}
			if err == nil {
				if name := lastOutputName(branch.Steps); name != "" {
					outcome.output, _ = branchScope.Lookup(name)
				}
			} else if errors.Is(err, context.Canceled) && ctx.Err() == nil {
				// Cancelled by the wait policy, not by the caller.
				outcome.skipped = true
			}
			outcomes <- outcome
		}()
	}

	wait := step.Wait
	if wait == "" {
		wait = WaitAll
	}

	collected := make([]branchOutcome, 0, total)
	successes, failures := 0, 0
	done := false
	for len(collected) < total {
		outcome := <-outcomes
		collected = append(collected, outcome)
		switch {
		case outcome.skipped:
		case outcome.err != nil:
			failures++
		default:
			successes++
		}
		if done {
			continue
		}
		switch wait {
		case WaitAny:
			if successes >= 1 {
				cancelBranches()
				done = true
			}
		case WaitMajority:
			if (successes+failures)*2 > total {
				cancelBranches()
				done = true
			}
		}
	}

	result := &ParallelResult{
		Results:   make(map[string]any, total),
		Errors:    make(map[string]string),
		StartedAt: startedAt,
	}
	// Report and write back in branch-definition order.
	byIndex := make([]branchOutcome, total)
	for _, outcome := range collected {
		byIndex[outcome.index] = outcome
	}
	for _, outcome := range byIndex {
		switch {
		case outcome.skipped:
		case outcome.err != nil:
			result.Failed = append(result.Failed, outcome.name)
			result.Errors[outcome.name] = outcome.err.Error()
		default:
			result.Successful = append(result.Successful, outcome.name)
			result.Results[outcome.name] = outcome.output
			writeBackOutputs(step.Branches[outcome.index].Steps, outcome.scope, scope)
		}
	}
	result.Duration = time.Since(startedAt)

	if err := parallelError(wait, result, total); err != nil {
		log.Warn("parallel step unsatisfied", "step", step.ID, "wait", wait,
			"successful", len(result.Successful), "failed", len(result.Failed))
		return result.asMap(), err
	}
	return result.asMap(), nil
}

// writeBackOutputs copies a branch's declared top-level outputs into the
// parent scope.
func writeBackOutputs(steps []*Step, from, to *Scope) {
	for _, s := range steps {
		if s.Output == "" {
			continue
		}
		if v, ok := from.Lookup(s.Output); ok {
			to.Set(s.Output, v)
		}
	}
}

// parallelError decides whether the wait policy considers the join a
// failure. Branch failures alone never fail the step unless the policy
// needs the missing branches.
func parallelError(wait WaitPolicy, result *ParallelResult, total int) error {
	switch wait {
	case WaitAny:
		if len(result.Successful) == 0 {
			return flowerr.Newf(flowerr.KindInternalError, "no parallel branch succeeded")
		}
	case WaitMajority:
		if len(result.Failed)*2 > total {
			return flowerr.Newf(flowerr.KindInternalError,
				"majority of parallel branches failed (%d of %d)", len(result.Failed), total)
		}
	default: // WaitAll
		if len(result.Failed) > 0 {
			return flowerr.Newf(flowerr.KindInternalError,
				"%d of %d parallel branches failed", len(result.Failed), total)
		}
	}
	return nil
}
