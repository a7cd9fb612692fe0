package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tx/internal/id"
	"tx/internal/learning"
	"tx/internal/promotion"
	"tx/internal/store"
)

func newLearningCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "learning",
		Short: "Record, inspect, and retrieve learnings",
	}
	cmd.AddCommand(newLearningAddCommand(c))
	cmd.AddCommand(newLearningGetCommand(c))
	cmd.AddCommand(newLearningListCommand(c))
	cmd.AddCommand(newLearningSearchCommand(c))
	cmd.AddCommand(newLearningUsageCommand(c))
	cmd.AddCommand(newLearningPromoteCommand(c))
	cmd.AddCommand(newLearningCompactCommand(c))
	cmd.AddCommand(newLearningDecaySweepCommand(c))
	cmd.AddCommand(newLearningVerifyAnchorCommand(c))
	return cmd
}

func newLearningAddCommand(c *cli) *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "add <content>",
		Short: "Manually record a learning (sourceType=manual)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.buildKernel(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			defer c.closeKernel(cmd.Context())

			l := &store.Learning{
				ID:         id.Learning(),
				Content:    args[0],
				SourceType: store.SourceManual,
				CreatedAt:  time.Now().UTC(),
			}
			if category != "" {
				l.Category = &category
			}
			if err := k.Store.Learnings().Insert(cmd.Context(), nil, l); err != nil {
				return outputError(c, err)
			}
			outputResult(c, l, func() { fmt.Printf("recorded learning %s\n", l.ID) })
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "learning category")
	return cmd
}

func newLearningGetCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a learning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.buildKernel(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			defer c.closeKernel(cmd.Context())

			l, err := k.Store.Learnings().Get(cmd.Context(), nil, args[0])
			if err != nil {
				return outputError(c, err)
			}
			outputResult(c, l, func() { printLearning(l) })
			return nil
		},
	}
	return cmd
}

func newLearningListCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every learning",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.buildKernel(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			defer c.closeKernel(cmd.Context())

			all, err := k.Store.Learnings().All(cmd.Context(), nil)
			if err != nil {
				return outputError(c, err)
			}
			outputResult(c, all, func() {
				for _, l := range all {
					printLearning(l)
				}
				fmt.Printf("%d learning(s)\n", len(all))
			})
			return nil
		},
	}
	return cmd
}

func newLearningSearchCommand(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Lexical-only retrieval over learnings (no vector search without an embedder)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.buildKernel(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			defer c.closeKernel(cmd.Context())

			results, err := k.Retrieval.Retrieve(cmd.Context(), args[0], learning.RetrievalOptions{
				Limit:      limit,
				UseLexical: true,
			})
			if err != nil {
				return outputError(c, err)
			}
			outputResult(c, results, func() {
				for _, r := range results {
					fmt.Printf("%.4f  %s  %s\n", r.Score, r.Learning.ID, truncate(r.Learning.Content, 80))
				}
				fmt.Printf("%d result(s)\n", len(results))
			})
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "max results")
	return cmd
}

func newLearningUsageCommand(c *cli) *cobra.Command {
	var alpha float64
	cmd := &cobra.Command{
		Use:   "record-usage <id> <outcome 0..1>",
		Short: "Fold an outcome observation into a learning's feedback score",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.buildKernel(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			defer c.closeKernel(cmd.Context())

			var outcome float64
			if _, err := fmt.Sscanf(args[1], "%f", &outcome); err != nil {
				return outputError(c, newUsageError("outcome must be a number: %v", err))
			}
			if err := k.Store.Learnings().RecordUsage(cmd.Context(), nil, args[0], outcome, alpha); err != nil {
				return outputError(c, err)
			}
			outputResult(c, map[string]string{"id": args[0]}, func() {
				fmt.Printf("recorded usage for learning %s\n", args[0])
			})
			return nil
		},
	}
	cmd.Flags().Float64Var(&alpha, "alpha", 0.3, "exponential moving average weight for the new observation")
	return cmd
}

func newLearningPromoteCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "promote <candidate-id>",
		Short: "Promote a candidate into a learning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.buildKernel(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			defer c.closeKernel(cmd.Context())

			l, err := k.Promotion.Promote(cmd.Context(), args[0])
			if err != nil {
				return outputError(c, err)
			}
			outputResult(c, l, func() { fmt.Printf("promoted candidate %s -> learning %s\n", args[0], l.ID) })
			return nil
		},
	}
	return cmd
}

func newLearningCompactCommand(c *cli) *cobra.Command {
	var (
		beforeStr  string
		outputFile string
		outputMode string
		dryRun     bool
		tokens     int
	)
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Summarize and delete done tasks older than a cutoff, writing a learnings file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.buildKernel(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			defer c.closeKernel(cmd.Context())

			before := time.Now().UTC()
			if beforeStr != "" {
				before, err = time.Parse(time.RFC3339, beforeStr)
				if err != nil {
					return outputError(c, newUsageError("--before must be RFC3339: %v", err))
				}
			}
			result, err := k.Promotion.Compact(cmd.Context(), promotion.CompactParams{
				Before:      before,
				OutputFile:  outputFile,
				OutputMode:  outputMode,
				DryRun:      dryRun,
				TokenBudget: tokens,
			})
			if err != nil {
				return outputError(c, err)
			}
			outputResult(c, result, func() {
				fmt.Printf("compacted %d task(s)\n", len(result.TaskIDs))
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&beforeStr, "before", "", "RFC3339 cutoff (default: now)")
	cmd.Flags().StringVar(&outputFile, "output-file", "", "learnings file to append/overwrite")
	cmd.Flags().StringVar(&outputMode, "output-mode", "append", "append|overwrite")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be compacted without writing or deleting")
	cmd.Flags().IntVar(&tokens, "token-budget", 0, "truncate the learnings text to this many tokens (0 = unbounded)")
	return cmd
}

func newLearningDecaySweepCommand(c *cli) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "decay-sweep",
		Short: "Step down confidence on pending candidates older than a threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.buildKernel(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			defer c.closeKernel(cmd.Context())

			n, err := k.Promotion.DecaySweep(cmd.Context(), olderThan)
			if err != nil {
				return outputError(c, err)
			}
			outputResult(c, map[string]int{"decayed": n}, func() {
				fmt.Printf("decayed %d candidate(s)\n", n)
			})
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "age threshold")
	return cmd
}

func newLearningVerifyAnchorCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify-anchor <anchor-id> <current-content-file>",
		Short: "Recompute an anchor's content hash and flip valid/drifted",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.buildKernel(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			defer c.closeKernel(cmd.Context())

			content, err := readFile(args[1])
			if err != nil {
				return outputError(c, newUsageError("read content file: %v", err))
			}
			a, err := k.Promotion.VerifyAnchor(cmd.Context(), args[0], content)
			if err != nil {
				return outputError(c, err)
			}
			outputResult(c, a, func() { fmt.Printf("anchor %s status=%s\n", a.ID, a.Status) })
			return nil
		},
	}
	return cmd
}

func printLearning(l *store.Learning) {
	fmt.Printf("%s  [%s]  %s\n", l.ID, l.SourceType, truncate(l.Content, 100))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
