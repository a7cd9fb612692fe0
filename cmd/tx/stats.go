package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tx/internal/store"
	"tx/internal/task"
)

// statsReport is the --json shape for `tx stats` (spec §6).
type statsReport struct {
	TasksByStatus      map[store.Status]int          `json:"tasksByStatus"`
	CandidatesByStatus map[store.CandidateStatus]int  `json:"candidatesByStatus"`
	AnchorsByStatus    map[store.AnchorStatus]int      `json:"anchorsByStatus"`
	LearningCount      int                             `json:"learningCount"`
}

func newStatsCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize task, candidate, anchor, and learning counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.buildKernel(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			defer c.closeKernel(cmd.Context())

			report := statsReport{
				TasksByStatus:      map[store.Status]int{},
				CandidatesByStatus: map[store.CandidateStatus]int{},
			}

			taskStatuses := []store.Status{
				store.StatusBacklog, store.StatusPlanning, store.StatusReady,
				store.StatusActive, store.StatusBlocked, store.StatusDone,
				store.StatusFailed, store.StatusCancelled,
			}
			for _, s := range taskStatuses {
				rows, err := k.Tasks.ListWithDeps(cmd.Context(), task.ListParams{Statuses: []store.Status{s}})
				if err != nil {
					return outputError(c, err)
				}
				report.TasksByStatus[s] = len(rows)
			}

			candidateStatuses := []store.CandidateStatus{
				store.CandidatePending, store.CandidatePromoted, store.CandidateRejected, store.CandidateMerged,
			}
			for _, s := range candidateStatuses {
				rows, err := k.Store.Candidates().ListByStatus(cmd.Context(), nil, s)
				if err != nil {
					return outputError(c, err)
				}
				report.CandidatesByStatus[s] = len(rows)
			}

			anchorCounts, err := k.Store.Anchors().StatusCounts(cmd.Context(), nil)
			if err != nil {
				return outputError(c, err)
			}
			report.AnchorsByStatus = anchorCounts

			learnings, err := k.Store.Learnings().All(cmd.Context(), nil)
			if err != nil {
				return outputError(c, err)
			}
			report.LearningCount = len(learnings)

			outputResult(c, report, func() {
				fmt.Println("tasks by status:")
				for _, s := range taskStatuses {
					fmt.Printf("  %-10s %d\n", s, report.TasksByStatus[s])
				}
				fmt.Println("candidates by status:")
				for _, s := range candidateStatuses {
					fmt.Printf("  %-10s %d\n", s, report.CandidatesByStatus[s])
				}
				fmt.Println("anchors by status:")
				for s, n := range report.AnchorsByStatus {
					fmt.Printf("  %-10s %d\n", s, n)
				}
				fmt.Printf("learnings: %d\n", report.LearningCount)
			})
			return nil
		},
	}
	return cmd
}
