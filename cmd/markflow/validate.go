package markflow

import (
	"github.com/spf13/cobra"

	"github.com/liliang-cn/markflow/pkg/engine"
	"github.com/liliang-cn/markflow/pkg/sdk"
)

var validateCmd = &cobra.Command{
	Use:   "validate <workflow.yaml>...",
	Short: "Check workflow documents without executing them",
	Long: `Validate parses each workflow document, checks its structural
invariants, and dry-checks its tool declarations against the registered
SDK initializers. Nothing is executed and no connections are opened.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cfg)
		if err != nil {
			return err
		}
		defer rt.shutdown()

		failed := false
		for _, path := range args {
			if err := validateDocument(rt, path); err != nil {
				failed = true
				cmd.PrintErrf("%s: %v\n", path, err)
				continue
			}
			cmd.Printf("%s: ok\n", path)
		}
		if failed {
			return errValidation
		}
		return nil
	},
	SilenceUsage: true,
}

var errValidation = &validationError{}

type validationError struct{}

func (*validationError) Error() string { return "validation failed" }

func validateDocument(rt *runtime, path string) error {
	wf, err := engine.LoadFile(path)
	if err != nil {
		return err
	}
	registry := rt.engine.Registry()
	for name, tc := range wf.Tools {
		if err := registry.Register(name, sdk.Config{SDK: tc.SDK, Auth: tc.Auth, Options: tc.Options}); err != nil {
			return err
		}
	}
	return registry.Validate()
}
