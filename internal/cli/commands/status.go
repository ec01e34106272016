package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewStatusCommand returns the `workforge status` command.
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <tenant-id> <work-order-id>",
		Short: "Print the durable run record for a work order",
		Args:  cobra.ExactArgs(2),
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	configPath, verbose := flagsFromCommand(cmd)
	tenantID, workOrderID := args[0], args[1]

	ctx := cmd.Context()
	rt, err := newRuntime(ctx, configPath, verbose)
	if err != nil {
		return err
	}

	run, err := rt.runs.GetRun(ctx, tenantID, workOrderID)
	if err != nil {
		return &exitError{code: 2, err: fmt.Errorf("looking up run: %w", err)}
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "run %s: %s (updated %s)\n", run.RunID, run.Status, run.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
	for _, step := range run.StepRuns {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "  %s (%s): %s\n", step.StepID, step.ModuleID, step.Status)
	}
	return nil
}
