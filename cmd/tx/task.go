package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"tx/internal/store"
	"tx/internal/task"
)

func newTaskCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create, inspect, update, and remove tasks",
	}
	cmd.AddCommand(newTaskCreateCommand(c))
	cmd.AddCommand(newTaskGetCommand(c))
	cmd.AddCommand(newTaskListCommand(c))
	cmd.AddCommand(newTaskUpdateCommand(c))
	cmd.AddCommand(newTaskRemoveCommand(c))
	cmd.AddCommand(newTaskDependCommand(c))
	return cmd
}

func newTaskCreateCommand(c *cli) *cobra.Command {
	var (
		description string
		parentID    string
		score       int
	)
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a task in status=backlog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.buildKernel(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			defer c.closeKernel(cmd.Context())

			params := task.CreateParams{Title: args[0], Description: description, Score: score}
			if parentID != "" {
				params.ParentID = &parentID
			}
			t, err := k.Tasks.Create(cmd.Context(), params)
			if err != nil {
				return outputError(c, err)
			}
			outputResult(c, t, func() {
				fmt.Printf("created task %s %q (status=%s)\n", t.ID, t.Title, t.Status)
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "task description")
	cmd.Flags().StringVar(&parentID, "parent", "", "parent task id")
	cmd.Flags().IntVar(&score, "score", 0, "priority score")
	return cmd
}

func newTaskGetCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task with its hydrated dependency lists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.buildKernel(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			defer c.closeKernel(cmd.Context())

			t, err := k.Tasks.GetWithDeps(cmd.Context(), args[0])
			if err != nil {
				return outputError(c, err)
			}
			outputResult(c, t, func() { printTask(t) })
			return nil
		},
	}
	return cmd
}

func newTaskListCommand(c *cli) *cobra.Command {
	var (
		statusFlags []string
		limit       int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, optionally filtered by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.buildKernel(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			defer c.closeKernel(cmd.Context())

			statuses, err := parseStatuses(statusFlags)
			if err != nil {
				return outputError(c, newUsageError("%v", err))
			}
			tasks, err := k.Tasks.ListWithDeps(cmd.Context(), task.ListParams{Statuses: statuses, Limit: limit})
			if err != nil {
				return outputError(c, err)
			}
			outputResult(c, tasks, func() {
				for _, t := range tasks {
					printTask(t)
				}
				fmt.Printf("%d task(s)\n", len(tasks))
			})
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&statusFlags, "status", nil, "filter by status (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows (0 = unlimited)")
	return cmd
}

func newTaskUpdateCommand(c *cli) *cobra.Command {
	var (
		title       string
		description string
		score       int
		status      string
		reason      string
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Patch a task's fields, optionally transitioning its status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.buildKernel(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			defer c.closeKernel(cmd.Context())

			params := task.UpdateParams{Reason: reason}
			if cmd.Flags().Changed("title") {
				params.Title = &title
			}
			if cmd.Flags().Changed("description") {
				params.Description = &description
			}
			if cmd.Flags().Changed("score") {
				params.Score = &score
			}
			if status != "" {
				s := store.Status(status)
				params.Status = &s
			}

			t, err := k.Tasks.Update(cmd.Context(), args[0], params)
			if err != nil {
				return outputError(c, err)
			}
			outputResult(c, t, func() {
				fmt.Printf("updated task %s (status=%s)\n", t.ID, t.Status)
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().IntVar(&score, "score", 0, "new priority score")
	cmd.Flags().StringVar(&status, "status", "", "transition to this status")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the transition audit log")
	return cmd
}

func newTaskRemoveCommand(c *cli) *cobra.Command {
	var cascade bool
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete a task, optionally cascading to its subtree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.buildKernel(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			defer c.closeKernel(cmd.Context())

			if err := k.Tasks.Remove(cmd.Context(), args[0], task.RemoveParams{Cascade: cascade}); err != nil {
				return outputError(c, err)
			}
			outputResult(c, map[string]string{"removed": args[0]}, func() {
				fmt.Printf("removed task %s\n", args[0])
			})
			return nil
		},
	}
	cmd.Flags().BoolVar(&cascade, "cascade", false, "also remove the task's subtree")
	return cmd
}

func newTaskDependCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "depend <blocked-id> <blocker-id>",
		Short: "Add a blocker edge: blocked-id cannot start until blocker-id is done",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.buildKernel(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			defer c.closeKernel(cmd.Context())

			if err := k.Dependencies.AddBlocker(cmd.Context(), args[0], args[1]); err != nil {
				return outputError(c, err)
			}
			outputResult(c, map[string]string{"blocked": args[0], "blocker": args[1]}, func() {
				fmt.Printf("%s now blocked by %s\n", args[0], args[1])
			})
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <blocked-id> <blocker-id>",
		Short: "Remove a blocker edge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.buildKernel(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			defer c.closeKernel(cmd.Context())

			if err := k.Dependencies.RemoveBlocker(cmd.Context(), args[0], args[1]); err != nil {
				return outputError(c, err)
			}
			outputResult(c, map[string]string{"blocked": args[0], "blocker": args[1]}, func() {
				fmt.Printf("%s no longer blocked by %s\n", args[0], args[1])
			})
			return nil
		},
	})
	return cmd
}

func printTask(t *task.WithDeps) {
	ready := gray("blocked")
	if t.IsReady {
		ready = green("ready")
	}
	fmt.Printf("%s  [%s]  %s  %s\n", t.ID, t.Status, t.Title, ready)
	if len(t.BlockedBy) > 0 {
		fmt.Printf("    blockedBy: %s\n", strings.Join(t.BlockedBy, ", "))
	}
	if len(t.Children) > 0 {
		fmt.Printf("    children: %s\n", strings.Join(t.Children, ", "))
	}
}

func parseStatuses(raw []string) ([]store.Status, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	valid := map[store.Status]bool{
		store.StatusBacklog: true, store.StatusPlanning: true, store.StatusReady: true,
		store.StatusActive: true, store.StatusBlocked: true, store.StatusDone: true,
		store.StatusFailed: true, store.StatusCancelled: true,
	}
	out := make([]store.Status, 0, len(raw))
	for _, r := range raw {
		s := store.Status(r)
		if !valid[s] {
			return nil, fmt.Errorf("unknown status %q", r)
		}
		out = append(out, s)
	}
	return out, nil
}
