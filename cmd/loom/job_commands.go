package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"loom/internal/jobs"
)

func newStartCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "start <job-id>",
		Short: "Queue a created job for processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			dispatcher, cleanup, err := ctx.openDispatcher(store)
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := dispatcher.Enqueue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", args[0], result)
			return nil
		},
	}
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			job, err := jobs.RequestCancel(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}
			if job.Status == jobs.StatusCancelled {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tcancelled\n", job.ID)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tcancellation requested (current stage will finish)\n", job.ID)
			}
			return nil
		},
	}
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Re-queue a failed job, resuming from its last finished stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			job, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if job.Status != jobs.StatusFailed {
				return fmt.Errorf("job %s is %s; only failed jobs can be retried", job.ID, job.Status)
			}

			dispatcher, cleanup, err := ctx.openDispatcher(store)
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := dispatcher.Enqueue(cmd.Context(), job.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", job.ID, result)
			return nil
		},
	}
}
