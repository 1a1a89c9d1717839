package markflow

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/liliang-cn/markflow/pkg/engine"
	"github.com/liliang-cn/markflow/pkg/log"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon <workflow.yaml>",
	Short: "Run an event-driven workflow until interrupted",
	Long: `Daemon executes a workflow in daemon mode: its event sources are
connected, the step list runs, and the process stays resident re-running
the steps for as long as events keep arriving. SIGINT or SIGTERM stops
the sources and exits cleanly.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wf, err := engine.LoadFile(args[0])
		if err != nil {
			return err
		}
		if wf.Mode != engine.ModeDaemon {
			return fmt.Errorf("workflow %s is not a daemon workflow (mode: %q)", wf.ID, wf.Mode)
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

		log.Info("daemon started", "workflow", wf.ID)
		for ctx.Err() == nil {
			result, err := rt.engine.Execute(ctx, wf, inputs)
			if err != nil {
				if ctx.Err() != nil {
					// Interrupted mid-pass; shut down cleanly.
					break
				}
				return err
			}
			if result.Status == engine.StatusFailed {
				log.Error("daemon pass failed", "run_id", result.RunID,
					"step", result.FailedStep, "error", result.Error)
			}
			if len(wf.Steps) == 0 {
				// Pure listener: sources are connected, nothing to loop.
				<-ctx.Done()
				break
			}
		}
		log.Info("daemon stopped", "workflow", wf.ID)
		return nil
	},
	SilenceUsage: true,
}

func init() {
	daemonCmd.Flags().StringArrayVar(&runInputs, "input", nil, "workflow input as key=value (repeatable)")
	daemonCmd.Flags().StringVar(&runInputJSON, "input-json", "", "workflow inputs as a JSON object")
}
