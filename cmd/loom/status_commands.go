package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"loom/internal/jobs"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the current state of a job",
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

			if jsonOutput {
				return writeJSON(cmd, job.Summarize())
			}

			rows := [][]string{
				{"ID", job.ID},
				{"Status", string(job.Status)},
				{"Progress", strconv.Itoa(job.Progress) + "%"},
				{"Created", job.CreatedAt.Local().Format(time.RFC3339)},
				{"Updated", job.UpdatedAt.Local().Format(time.RFC3339)},
			}
			if job.Stage != "" {
				rows = append(rows, []string{"Stage", job.Stage})
			}
			if job.Result != "" {
				rows = append(rows, []string{"Result", job.Result})
			}
			if job.Error != nil {
				rows = append(rows, []string{"Error", fmt.Sprintf("%s: %s (%d attempts)", job.Error.Stage, job.Error.Message, job.Error.Attempts)})
			}
			if len(job.Outputs) > 0 {
				rows = append(rows, []string{"Stages done", strings.Join(sortedKeys(job.Outputs), ", ")})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit JSON instead of a table")
	return cmd
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var statusFlag string
	var limit int
	var offset int
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs in creation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := jobs.Filter{Limit: limit, Offset: offset}
			for _, raw := range strings.Split(statusFlag, ",") {
				raw = strings.TrimSpace(raw)
				if raw == "" {
					continue
				}
				status, ok := jobs.ParseStatus(raw)
				if !ok {
					return fmt.Errorf("unknown status %q", raw)
				}
				filter.Statuses = append(filter.Statuses, status)
			}

			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := store.List(cmd.Context(), filter)
			if err != nil {
				return err
			}

			if jsonOutput {
				summaries := make([]jobs.Summary, 0, len(list))
				for _, job := range list {
					summaries = append(summaries, job.Summarize())
				}
				return writeJSON(cmd, summaries)
			}

			rows := make([][]string, 0, len(list))
			for _, job := range list {
				rows = append(rows, []string{
					job.ID,
					string(job.Status),
					job.Stage,
					strconv.Itoa(job.Progress) + "%",
					job.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"ID", "Status", "Stage", "Progress", "Created"}, rows))
			return nil
		},
	}

	cmd.Flags().StringVar(&statusFlag, "status", "", "Comma-separated status filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum jobs to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "Jobs to skip from the start")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit JSON instead of a table")
	return cmd
}

func newStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(stats))
			for _, status := range jobs.AllStatuses() {
				if count, ok := stats[status]; ok {
					rows = append(rows, []string{string(status), strconv.Itoa(count)})
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Status", "Count"}, rows))
			return nil
		},
	}
}

func writeJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
