package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"loom/internal/jobs"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var payloadFlag string
	var payloadFile string
	var webhookFlag string
	var manualStart bool

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Create a render job and queue it for processing",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := resolvePayload(payloadFlag, payloadFile)
			if err != nil {
				return err
			}

			meta := map[string]string{}
			if webhook := strings.TrimSpace(webhookFlag); webhook != "" {
				meta[jobs.MetaWebhookURL] = webhook
			}
			if manualStart {
				meta[jobs.MetaManualStart] = "true"
			}

			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			job := jobs.New(payload, meta)
			if err := store.Create(cmd.Context(), job); err != nil {
				return fmt.Errorf("create job: %w", err)
			}

			if manualStart {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tcreated (start with: loom start %s)\n", job.ID, job.ID)
				return nil
			}

			dispatcher, cleanup, err := ctx.openDispatcher(store)
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := dispatcher.Enqueue(cmd.Context(), job.ID)
			if err != nil {
				return fmt.Errorf("enqueue job: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", job.ID, result)
			return nil
		},
	}

	cmd.Flags().StringVar(&payloadFlag, "payload", "", "Inline JSON render payload")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "Path to a JSON render payload")
	cmd.Flags().StringVar(&webhookFlag, "webhook", "", "URL notified when the job settles")
	cmd.Flags().BoolVar(&manualStart, "manual-start", false, "Create the job without queueing it")

	return cmd
}

func resolvePayload(inline, file string) (json.RawMessage, error) {
	if inline != "" && file != "" {
		return nil, fmt.Errorf("--payload and --payload-file are mutually exclusive")
	}
	var raw []byte
	switch {
	case inline != "":
		raw = []byte(inline)
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		raw = data
	default:
		return nil, fmt.Errorf("a payload is required (--payload or --payload-file)")
	}

	if !json.Valid(raw) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}
