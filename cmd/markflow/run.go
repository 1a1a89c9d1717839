package markflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/liliang-cn/markflow/pkg/engine"
)

var (
	runInputs    []string
	runInputJSON string
	runOutput    string
)

var runCmd = &cobra.Command{
	Use:   "run <workflow.yaml>",
	Short: "Execute a workflow to completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wf, err := engine.LoadFile(args[0])
		if err != nil {
			return err
		}
		inputs, err := parseInputs(runInputs, runInputJSON)
		if err != nil {
			return err
		}

		rt, err := buildRuntime(cfg)
		if err != nil {
			return err
		}
		defer rt.shutdown()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		result, err := rt.engine.Execute(ctx, wf, inputs)
		if err != nil {
			return err
		}
		if err := printResult(cmd, result, runOutput); err != nil {
			return err
		}
		if result.Status == engine.StatusFailed {
			return fmt.Errorf("workflow failed at step %s: %w", result.FailedStep, result.Error)
		}
		return nil
	},
}

// parseInputs merges --input key=value pairs over an optional --input-json
// document. Flag values stay strings; templating coerces as needed.
func parseInputs(pairs []string, inputJSON string) (map[string]any, error) {
	inputs := map[string]any{}
	if inputJSON != "" {
		if err := json.Unmarshal([]byte(inputJSON), &inputs); err != nil {
			return nil, fmt.Errorf("parsing --input-json: %w", err)
		}
	}
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --input %q, expected key=value", pair)
		}
		inputs[key] = value
	}
	return inputs, nil
}

func printResult(cmd *cobra.Command, result *engine.Result, format string) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		cmd.Println(string(data))
	case "quiet":
	default:
		cmd.Printf("run %s: %s in %s\n", result.RunID, result.Status, result.Duration.Round(0))
		for _, step := range result.Steps {
			line := fmt.Sprintf("  %-8s %s", step.Status, step.StepID)
			if step.Error != "" {
				line += "  (" + step.Error + ")"
			}
			cmd.Println(line)
		}
	}
	return nil
}

func init() {
	runCmd.Flags().StringArrayVar(&runInputs, "input", nil, "workflow input as key=value (repeatable)")
	runCmd.Flags().StringVar(&runInputJSON, "input-json", "", "workflow inputs as a JSON object")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "text", "output format: text, json, or quiet")
}
