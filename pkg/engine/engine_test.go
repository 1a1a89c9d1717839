package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/markflow/pkg/events"
	"github.com/liliang-cn/markflow/pkg/flowerr"
	"github.com/liliang-cn/markflow/pkg/reliability"
	"github.com/liliang-cn/markflow/pkg/sdk"
	"github.com/liliang-cn/markflow/pkg/secret"
)

// stubClient is a scriptable tool used to control failures and timing.
type stubClient struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, path string, inputs map[string]any) (any, error)
}

func (s *stubClient) CallAction(ctx context.Context, path string, inputs map[string]any) (any, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.fn(ctx, path, inputs)
}

func (s *stubClient) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// testEngine builds an engine whose reliability layer uses millisecond
// delays and performs no transport-level retries, so step-level behavior
// is what the tests observe.
func testEngine(t *testing.T, stubs map[string]*stubClient) *Engine {
	t.Helper()
	wrapper := reliability.New(nil, nil, nil, reliability.Policy{
		Timeout:      time.Second,
		MaxRetries:   0,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
	})
	registry := sdk.NewRegistry(secret.NewManager(secret.DefaultManagerConfig()), wrapper)
	for name, stub := range stubs {
		require.NoError(t, registry.RegisterInitializer(&sdk.Initializer{
			Name: name,
			Initialize: func(context.Context, sdk.Config) (sdk.Client, error) {
				return stub, nil
			},
		}))
		require.NoError(t, registry.Register(name, sdk.Config{SDK: name}))
	}
	return New(registry, events.NewManager(), Options{})
}

func TestLinearRunThreadsVariables(t *testing.T) {
	wf := &Workflow{
		ID: "linear",
		Steps: []*Step{
			{ID: "set_x", Action: "core.set", Inputs: map[string]any{"value": 10}, Output: "x"},
			{ID: "set_y", Action: "core.set", Inputs: map[string]any{"value": "{{ x * 2 }}"}, Output: "y"},
		},
	}
	result, err := testEngine(t, nil).Execute(context.Background(), wf, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 10, result.Variables["x"])
	assert.Equal(t, float64(20), result.Variables["y"])
	require.Len(t, result.Steps, 2)
	assert.Equal(t, StatusCompleted, result.Steps[0].Status)
	assert.Equal(t, StatusCompleted, result.Steps[1].Status)
}

func TestConditionalBranch(t *testing.T) {
	wf := &Workflow{
		ID: "branchy",
		Steps: []*Step{
			{
				ID:        "classify",
				Condition: "inputs.n > 5",
				Then:      []*Step{{ID: "big", Action: "core.set", Inputs: map[string]any{"value": "big"}, Output: "msg"}},
				Else:      []*Step{{ID: "small", Action: "core.set", Inputs: map[string]any{"value": "small"}, Output: "msg"}},
			},
		},
	}
	engine := testEngine(t, nil)

	result, err := engine.Execute(context.Background(), wf, map[string]any{"n": 9})
	require.NoError(t, err)
	assert.Equal(t, "big", result.Variables["msg"])

	result, err = engine.Execute(context.Background(), wf, map[string]any{"n": 3})
	require.NoError(t, err)
	assert.Equal(t, "small", result.Variables["msg"])
}

func TestForEachOutputsAreIndexAligned(t *testing.T) {
	wf := &Workflow{
		ID: "squares",
		Steps: []*Step{
			{
				ID:      "square_each",
				Items:   "{{ inputs.nums }}",
				Output:  "squares",
				ItemVar: "n",
				Steps: []*Step{
					{ID: "square", Action: "core.set", Inputs: map[string]any{"value": "{{ n * n }}"}, Output: "sq"},
				},
			},
		},
	}
	result, err := testEngine(t, nil).Execute(context.Background(), wf, map[string]any{"nums": []any{1, 2, 3}})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, []any{float64(1), float64(4), float64(9)}, result.Variables["squares"])
	// Loop-local variables never leak into the parent scope.
	assert.NotContains(t, result.Variables, "sq")
	assert.NotContains(t, result.Variables, "n")
}

func TestForEachConcurrent(t *testing.T) {
	wf := &Workflow{
		ID: "concurrent",
		Steps: []*Step{
			{
				ID:          "each",
				Items:       "inputs.nums",
				Output:      "doubled",
				Concurrency: 3,
				Steps: []*Step{
					{ID: "double", Action: "core.set", Inputs: map[string]any{"value": "{{ item * 2 }}"}, Output: "d"},
				},
			},
		},
	}
	result, err := testEngine(t, nil).Execute(context.Background(), wf, map[string]any{"nums": []any{1, 2, 3, 4}})
	require.NoError(t, err)
	assert.Equal(t, []any{float64(2), float64(4), float64(6), float64(8)}, result.Variables["doubled"])
}

func TestForEachRejectsNonArrayItems(t *testing.T) {
	wf := &Workflow{
		ID: "notarray",
		Steps: []*Step{
			{
				ID:    "each",
				Items: "inputs.n",
				Steps: []*Step{{ID: "noop", Action: "core.set", Inputs: map[string]any{"value": 1}}},
			},
		},
	}
	result, err := testEngine(t, nil).Execute(context.Background(), wf, map[string]any{"n": 7})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, flowerr.KindExpressionError, flowerr.KindOf(result.Error))
}

func TestWhileLoop(t *testing.T) {
	wf := &Workflow{
		ID: "counter",
		Steps: []*Step{
			{ID: "init", Action: "core.set", Inputs: map[string]any{"value": 0}, Output: "counter"},
			{
				ID:        "loop",
				Condition: "counter < 3",
				Steps: []*Step{
					{ID: "bump", Action: "core.set", Inputs: map[string]any{"value": "{{ counter + 1 }}"}, Output: "counter"},
				},
			},
		},
	}
	result, err := testEngine(t, nil).Execute(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, float64(3), result.Variables["counter"])
}

func TestWhileLoopIterationCap(t *testing.T) {
	wf := &Workflow{
		ID: "spinner",
		Steps: []*Step{
			{ID: "init", Action: "core.set", Inputs: map[string]any{"value": 0}, Output: "spins"},
			{
				ID:            "loop",
				Condition:     "true",
				MaxIterations: 5,
				Steps: []*Step{
					{ID: "bump", Action: "core.set", Inputs: map[string]any{"value": "{{ spins + 1 }}"}, Output: "spins"},
				},
			},
		},
	}
	result, err := testEngine(t, nil).Execute(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, float64(5), result.Variables["spins"])
}

func TestConditionsSkipStep(t *testing.T) {
	wf := &Workflow{
		ID: "guarded",
		Steps: []*Step{
			{ID: "guarded", Conditions: []string{"inputs.enabled"}, Action: "core.set", Inputs: map[string]any{"value": 1}, Output: "ran"},
			{ID: "always", Action: "core.set", Inputs: map[string]any{"value": 2}, Output: "after"},
		},
	}
	result, err := testEngine(t, nil).Execute(context.Background(), wf, map[string]any{"enabled": false})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, StatusSkipped, result.Steps[0].Status)
	assert.NotContains(t, result.Variables, "ran")
	assert.Equal(t, 2, result.Variables["after"])
}

func TestStepRetrySucceedsAfterTransients(t *testing.T) {
	stub := &stubClient{}
	stub.fn = func(context.Context, string, map[string]any) (any, error) {
		if stub.callCount() < 3 {
			return nil, flowerr.New(flowerr.KindNetworkError, "connection reset")
		}
		return "ok", nil
	}
	wf := &Workflow{
		ID: "retrying",
		Steps: []*Step{
			{
				ID:     "flaky",
				Action: "api.fetch",
				Retry:  &RetryPolicy{MaxAttempts: 3, InitialDelayMs: 1, MaxDelayMs: 2},
				Output: "got",
			},
		},
	}
	result, err := testEngine(t, map[string]*stubClient{"api": stub}).Execute(context.Background(), wf, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, "ok", result.Variables["got"])
	assert.Equal(t, 3, stub.callCount())
	assert.Equal(t, 2, result.Steps[0].RetryCount)
}

func TestStepRetryKindFilter(t *testing.T) {
	stub := &stubClient{}
	stub.fn = func(context.Context, string, map[string]any) (any, error) {
		return nil, flowerr.New(flowerr.KindNetworkError, "connection reset")
	}
	wf := &Workflow{
		ID: "filtered",
		Steps: []*Step{
			{
				ID:     "flaky",
				Action: "api.fetch",
				Retry:  &RetryPolicy{MaxAttempts: 3, InitialDelayMs: 1, RetryOn: []string{"TIMEOUT"}},
			},
		},
	}
	result, err := testEngine(t, map[string]*stubClient{"api": stub}).Execute(context.Background(), wf, nil)
	require.NoError(t, err)

	// NETWORK_ERROR is not in retry_on, so the first failure is final.
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, 1, stub.callCount())
}

func TestErrorPolicyContinue(t *testing.T) {
	boom := &stubClient{fn: func(context.Context, string, map[string]any) (any, error) {
		return nil, flowerr.New(flowerr.KindInternalError, "nope")
	}}
	wf := &Workflow{
		ID: "tolerant",
		Steps: []*Step{
			{ID: "fails", Action: "boom.do", OnError: ErrorContinue},
			{ID: "after", Action: "core.set", Inputs: map[string]any{"value": "still here"}, Output: "after"},
		},
	}
	result, err := testEngine(t, map[string]*stubClient{"boom": boom}).Execute(context.Background(), wf, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, StatusFailed, result.Steps[0].Status)
	assert.Equal(t, "still here", result.Variables["after"])
}

func TestErrorPolicyFailStopsTheRun(t *testing.T) {
	boom := &stubClient{fn: func(context.Context, string, map[string]any) (any, error) {
		return nil, flowerr.New(flowerr.KindInternalError, "nope")
	}}
	after := &stubClient{fn: func(context.Context, string, map[string]any) (any, error) {
		return "ran", nil
	}}
	wf := &Workflow{
		ID: "strict",
		Steps: []*Step{
			{ID: "fails", Action: "boom.do"},
			{ID: "after", Action: "later.do"},
		},
	}
	result, err := testEngine(t, map[string]*stubClient{"boom": boom, "later": after}).
		Execute(context.Background(), wf, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, "fails", result.FailedStep)
	assert.Equal(t, flowerr.KindInternalError, flowerr.KindOf(result.Error))
	assert.Equal(t, 0, after.callCount())
}

func TestWorkflowLevelErrorHandling(t *testing.T) {
	boom := &stubClient{fn: func(context.Context, string, map[string]any) (any, error) {
		return nil, flowerr.New(flowerr.KindInternalError, "nope")
	}}
	wf := &Workflow{
		ID:            "default-continue",
		ErrorHandling: ErrorContinue,
		Steps: []*Step{
			{ID: "fails", Action: "boom.do"},
			{ID: "after", Action: "core.set", Inputs: map[string]any{"value": true}, Output: "after"},
		},
	}
	result, err := testEngine(t, map[string]*stubClient{"boom": boom}).Execute(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, true, result.Variables["after"])
}

func TestRequiredInputsAndDefaults(t *testing.T) {
	wf := &Workflow{
		ID: "inputs",
		Inputs: map[string]InputDef{
			"name":     {Required: true},
			"greeting": {Default: "hello"},
		},
		Steps: []*Step{
			{ID: "fmt", Action: "core.set", Inputs: map[string]any{"value": "{{ inputs.greeting + \" \" + inputs.name }}"}, Output: "line"},
		},
	}
	engine := testEngine(t, nil)

	_, err := engine.Execute(context.Background(), wf, nil)
	require.Error(t, err)
	assert.Equal(t, flowerr.KindInvalidConfig, flowerr.KindOf(err))

	result, err := engine.Execute(context.Background(), wf, map[string]any{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, "hello ada", result.Variables["line"])
}

func TestStepTimeout(t *testing.T) {
	slow := &stubClient{fn: func(ctx context.Context, _ string, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	wf := &Workflow{
		ID: "slowpoke",
		Steps: []*Step{
			{ID: "hang", Action: "slow.do", Timeout: Duration(20 * time.Millisecond)},
		},
	}
	result, err := testEngine(t, map[string]*stubClient{"slow": slow}).Execute(context.Background(), wf, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, flowerr.KindTimeout, flowerr.KindOf(result.Error))
}

func TestSubWorkflowStep(t *testing.T) {
	wf := &Workflow{
		ID: "parent",
		Workflows: map[string]*Workflow{
			"double": {
				ID:     "double",
				Inputs: map[string]InputDef{"n": {Required: true}},
				Steps: []*Step{
					{ID: "calc", Action: "core.set", Inputs: map[string]any{"value": "{{ inputs.n * 2 }}"}, Output: "doubled"},
				},
			},
		},
		Steps: []*Step{
			{ID: "call", Workflow: "double", Inputs: map[string]any{"n": "{{ inputs.n }}"}, Output: "child"},
		},
	}
	result, err := testEngine(t, nil).Execute(context.Background(), wf, map[string]any{"n": 21})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	child, ok := result.Variables["child"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(42), child["doubled"])
	// The child's inputs stay out of the parent-visible output.
	assert.NotContains(t, child, "inputs")
}

func TestWorkflowExecuteAction(t *testing.T) {
	wf := &Workflow{
		ID: "parent",
		Workflows: map[string]*Workflow{
			"greet": {
				ID:     "greet",
				Inputs: map[string]InputDef{"who": {Default: "world"}},
				Steps: []*Step{
					{ID: "fmt", Action: "core.set", Inputs: map[string]any{"value": "{{ \"hi \" + inputs.who }}"}, Output: "line"},
				},
			},
		},
		Steps: []*Step{
			{
				ID:     "call",
				Action: "workflow.execute",
				Inputs: map[string]any{"workflow": "greet", "inputs": map[string]any{"who": "ada"}},
				Output: "child",
			},
		},
	}
	result, err := testEngine(t, nil).Execute(context.Background(), wf, nil)
	require.NoError(t, err)
	child := result.Variables["child"].(map[string]any)
	assert.Equal(t, "hi ada", child["line"])
}

func TestSubWorkflowFailurePropagates(t *testing.T) {
	boom := &stubClient{fn: func(context.Context, string, map[string]any) (any, error) {
		return nil, flowerr.New(flowerr.KindAuthenticationFailed, "bad token")
	}}
	wf := &Workflow{
		ID: "parent",
		Workflows: map[string]*Workflow{
			"child": {
				ID:    "child",
				Steps: []*Step{{ID: "fails", Action: "boom.do"}},
			},
		},
		Steps: []*Step{{ID: "call", Workflow: "child"}},
	}
	result, err := testEngine(t, map[string]*stubClient{"boom": boom}).Execute(context.Background(), wf, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, flowerr.KindAuthenticationFailed, flowerr.KindOf(result.Error))
}

func TestScriptActionSeesScope(t *testing.T) {
	wf := &Workflow{
		ID: "scripted",
		Steps: []*Step{
			{ID: "seed", Action: "core.set", Inputs: map[string]any{"value": 19}, Output: "base"},
			{ID: "calc", Action: "script.execute", Inputs: map[string]any{"code": "context.base + 23"}, Output: "sum"},
		},
	}
	result, err := testEngine(t, nil).Execute(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 42, result.Variables["sum"])
}

func TestParallelMapAction(t *testing.T) {
	echo := &stubClient{fn: func(_ context.Context, _ string, inputs map[string]any) (any, error) {
		return inputs["item"], nil
	}}
	wf := &Workflow{
		ID: "mapper",
		Steps: []*Step{
			{
				ID:     "map",
				Action: "parallel.map",
				Inputs: map[string]any{
					"items":       []any{"a", "b", "c"},
					"action":      "echo.run",
					"concurrency": 2,
				},
				Output: "mapped",
			},
		},
	}
	result, err := testEngine(t, map[string]*stubClient{"echo": echo}).Execute(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, result.Variables["mapped"])
	assert.Equal(t, 3, echo.callCount())
}

func TestEventWaitStep(t *testing.T) {
	wf := &Workflow{
		ID:   "eventful",
		Mode: ModeDaemon,
		Sources: []SourceDef{
			{Kind: "cron", ID: "timer", Options: map[string]any{"interval": "1h", "immediate": true}},
		},
		Steps: []*Step{
			{
				ID:     "wait",
				Action: "event.wait",
				Inputs: map[string]any{"source": "timer", "type": "tick", "timeout": "2s"},
				Output: "evt",
			},
		},
	}
	engine := testEngine(t, nil)
	result, err := engine.Execute(context.Background(), wf, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	evt := result.Variables["evt"].(map[string]any)
	assert.Equal(t, "timer", evt["source"])
	assert.Equal(t, "tick", evt["type"])
}

func TestSourcesRequireEventManager(t *testing.T) {
	wf := &Workflow{
		ID:      "eventful",
		Sources: []SourceDef{{Kind: "cron", ID: "timer", Options: map[string]any{"interval": "1h"}}},
		Steps:   []*Step{{ID: "noop", Action: "core.set", Inputs: map[string]any{"value": 1}}},
	}
	engine := New(sdk.NewRegistry(nil, nil), nil, Options{})
	_, err := engine.Execute(context.Background(), wf, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoEventManager)
}
