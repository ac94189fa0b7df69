package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/deployops/deployops-framework/engine"
)

// NewProcessCommand creates the process command: it resolves the pending
// operations and executes them in dependency order. Exit code is zero on
// success or no-op, non-zero on any fatal error (lock timeout, cycle,
// unhandled operation failure after rollback).
func NewProcessCommand(cfg Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "process",
		Short:        "Run pending deployment operations in dependency order",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			opts := engine.ProcessOptions{}
			opts.DryRun, _ = flags.GetBool("dry-run")
			opts.Isolate, _ = flags.GetBool("isolate")
			opts.Repeat, _ = flags.GetBool("repeat")
			opts.From, _ = flags.GetString("from")
			graph, _ := flags.GetBool("graph")

			plan, err := runProcess(cmd, cfg, opts, graph)
			if err != nil {
				return err
			}

			if opts.DryRun {
				printPlan(cmd, plan, graph)
			} else {
				cmd.Printf("Processed %d operation(s)\n", len(plan))
			}

			return nil
		},
	}

	cmd.Flags().Bool("dry-run", false, "Compute and print the execution plan without side effects")
	cmd.Flags().Bool("isolate", false, "Run under the cross-process mutual-exclusion lock")
	cmd.Flags().String("from", "", "Only run operations with timestamp key >= this value")
	cmd.Flags().Bool("repeat", false, "Re-run operations with prior successful history")
	cmd.Flags().Bool("graph", false, "Schedule independent operations concurrently in waves")

	return cmd
}

func runProcess(cmd *cobra.Command, cfg Config, opts engine.ProcessOptions, graph bool) ([]engine.PlannedOperation, error) {
	if graph {
		o := engine.NewWaveOrchestrator(cfg.Logger, cfg.engineConfig(), cfg.Registry, cfg.Store, cfg.engineOptions()...)
		defer o.Close()

		return o.Process(cmd.Context(), opts)
	}

	o := engine.NewSequentialOrchestrator(cfg.Logger, cfg.engineConfig(), cfg.Registry, cfg.Store, cfg.engineOptions()...)
	defer o.Close()

	return o.Process(cmd.Context(), opts)
}

func printPlan(cmd *cobra.Command, plan []engine.PlannedOperation, graph bool) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	if graph {
		fmt.Fprintln(w, "WAVE\tTIMESTAMP\tNAME\tASYNC")
		for _, p := range plan {
			fmt.Fprintf(w, "%d\t%s\t%s\t%v\n", p.Wave, p.TimestampKey, p.Name, p.Async)
		}
	} else {
		fmt.Fprintln(w, "TIMESTAMP\tNAME\tASYNC")
		for _, p := range plan {
			fmt.Fprintf(w, "%s\t%s\t%v\n", p.TimestampKey, p.Name, p.Async)
		}
	}
	_ = w.Flush()
}
