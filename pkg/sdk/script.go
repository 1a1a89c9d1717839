package sdk

import (
	"context"

	"github.com/dop251/goja"

	"github.com/liliang-cn/markflow/pkg/flowerr"
)

// scriptClient executes user-supplied JavaScript via a fresh interpreter
// per call. Inputs become globals; the engine injects the current variable
// scope under "context" for script.execute steps.
type scriptClient struct{}

func newScriptClient() *scriptClient { return &scriptClient{} }

// CallAction implements Client. The only operation is "execute" with a
// "code" input.
func (s *scriptClient) CallAction(ctx context.Context, path string, inputs map[string]any) (any, error) {
	if path != "execute" {
		return nil, flowerr.Newf(flowerr.KindUnsupportedCapability, "script has no operation %q", path).WithService("script")
	}
	code, ok := inputs["code"].(string)
	if !ok || code == "" {
		return nil, flowerr.New(flowerr.KindInvalidConfig, "script.execute requires a code string").WithService("script")
	}

	vm := goja.New()
	for name, value := range inputs {
		if name == "code" {
			continue
		}
		if err := vm.Set(name, value); err != nil {
			return nil, flowerr.Wrap(flowerr.KindInternalError, "binding script global", err).WithService("script")
		}
	}

	// Honor cancellation and deadlines by interrupting the interpreter.
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer stop()

	value, err := vm.RunString(code)
	if err != nil {
		if _, interrupted := err.(*goja.InterruptedError); interrupted {
			return nil, flowerr.Wrap(flowerr.KindTimeout, "script interrupted", err).WithService("script")
		}
		return nil, flowerr.Wrap(flowerr.KindExpressionError, "script failed", err).WithService("script")
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	return value.Export(), nil
}
