package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tx/internal/transcript"
)

func newTraceCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect agent runs and their NDJSON transcripts",
	}
	cmd.AddCommand(newTraceListCommand(c))
	cmd.AddCommand(newTraceShowCommand(c))
	cmd.AddCommand(newTraceTranscriptCommand(c))
	return cmd
}

func newTraceListCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List currently running runs with their heartbeat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.buildKernel(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			defer c.closeKernel(cmd.Context())

			rows, err := k.Store.Runs().ListRunning(cmd.Context(), nil)
			if err != nil {
				return outputError(c, err)
			}
			outputResult(c, rows, func() {
				for _, r := range rows {
					fmt.Printf("%s  [%s]  agent=%s", r.Run.ID, r.Run.Status, r.Run.Agent)
					if r.Heartbeat != nil {
						fmt.Printf("  lastActivity=%s", r.Heartbeat.LastActivityAt.Format("2006-01-02T15:04:05Z07:00"))
					}
					fmt.Println()
				}
				fmt.Printf("%d running run(s)\n", len(rows))
			})
			return nil
		},
	}
	return cmd
}

func newTraceShowCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run's full record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.buildKernel(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			defer c.closeKernel(cmd.Context())

			r, err := k.Runs.Get(cmd.Context(), args[0])
			if err != nil {
				return outputError(c, err)
			}
			outputResult(c, r, func() {
				fmt.Printf("%s  [%s]  agent=%s  started=%s\n", r.ID, r.Status, r.Agent, r.StartedAt.Format("2006-01-02T15:04:05Z07:00"))
				if r.TranscriptPath != nil {
					fmt.Printf("transcript: %s\n", *r.TranscriptPath)
				}
				if r.ErrorMessage != nil {
					fmt.Printf("error: %s\n", *r.ErrorMessage)
				}
			})
			return nil
		},
	}
	return cmd
}

func newTraceTranscriptCommand(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "transcript <run-id>",
		Short: "Replay a run's NDJSON transcript as parsed tool calls",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.buildKernel(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			defer c.closeKernel(cmd.Context())

			r, err := k.Runs.Get(cmd.Context(), args[0])
			if err != nil {
				return outputError(c, err)
			}
			if r.TranscriptPath == nil {
				return outputError(c, newUsageError("run %s has no transcript path recorded", args[0]))
			}

			reader := transcript.NewReader(nil)
			var calls []transcript.ToolCall
			n := 0
			err = reader.Stream(cmd.Context(), *r.TranscriptPath, func(call transcript.ToolCall) error {
				if limit > 0 && n >= limit {
					return nil
				}
				calls = append(calls, call)
				n++
				return nil
			})
			if err != nil {
				return outputError(c, err)
			}
			outputResult(c, calls, func() {
				for _, call := range calls {
					fmt.Printf("%s  %s\n", call.Timestamp.Format("2006-01-02T15:04:05Z07:00"), call.Name)
				}
				fmt.Printf("%d tool call(s)\n", len(calls))
			})
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max tool calls (0 = unlimited)")
	return cmd
}
