package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"workforge/internal/runstate"
)

// NewRunCommand returns the `workforge run` command.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <work-order-path>",
		Short: "Execute a work order through its full lifecycle",
		Long:  "Loads, plans, preflights, prices, reserves, runs, refunds, and archives evidence for one work order document.",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().String("tenant", "", "tenant id the work order belongs to (required)")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath, verbose := flagsFromCommand(cmd)
	tenantID, _ := cmd.Flags().GetString("tenant")
	workOrderPath := args[0]

	ctx := cmd.Context()
	rt, err := newRuntime(ctx, configPath, verbose)
	if err != nil {
		return err
	}

	run, runErr := rt.exec.Run(ctx, tenantID, workOrderPath)
	if flushErr := rt.flush(); flushErr != nil && runErr == nil {
		runErr = flushErr
	}
	if runErr != nil {
		return fmt.Errorf("running work order: %w", runErr)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "work order %s (run %s): %s\n", run.WorkOrderID, run.RunID, run.Status)
	for _, step := range run.StepRuns {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "  %s (%s): %s\n", step.StepID, step.ModuleID, step.Status)
	}

	switch run.Status {
	case runstate.RunCompleted, runstate.RunPartial, runstate.RunAwaitingPublish:
		return nil
	default:
		return &exitError{code: 2, err: fmt.Errorf("work order %s ended %s", run.WorkOrderID, run.Status)}
	}
}
