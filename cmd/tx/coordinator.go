package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tx/internal/orchestrator"
)

func newCoordinatorCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Control the reconciliation loop",
	}
	cmd.AddCommand(newCoordinatorStartCommand(c))
	cmd.AddCommand(newCoordinatorStopCommand(c))
	cmd.AddCommand(newCoordinatorStatusCommand(c))
	cmd.AddCommand(newCoordinatorReconcileCommand(c))
	return cmd
}

func newCoordinatorStartCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the reconcile ticker using the configured cadence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.buildKernel(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			defer c.closeKernel(cmd.Context())

			params := orchestrator.StartParams{
				WorkerPoolSize:           k.Config.WorkerPoolSize,
				HeartbeatIntervalSeconds: k.Config.HeartbeatIntervalSeconds,
				LeaseDurationMinutes:     k.Config.LeaseDurationMinutes,
				ReconcileIntervalSeconds: k.Config.ReconcileIntervalSeconds,
			}
			if err := k.Orchestrator.Start(cmd.Context(), params); err != nil {
				return outputError(c, err)
			}
			outputResult(c, params, func() { fmt.Println(green("coordinator started")) })
			return nil
		},
	}
	return cmd
}

func newCoordinatorStopCommand(c *cli) *cobra.Command {
	var graceful bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the reconcile ticker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.buildKernel(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			defer c.closeKernel(cmd.Context())

			if err := k.Orchestrator.Stop(cmd.Context(), graceful); err != nil {
				return outputError(c, err)
			}
			outputResult(c, map[string]bool{"stopped": true}, func() { fmt.Println(yellow("coordinator stopped")) })
			return nil
		},
	}
	cmd.Flags().BoolVar(&graceful, "graceful", true, "wait for any in-flight reconcile pass to finish")
	return cmd
}

func newCoordinatorStatusCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the orchestrator's persisted state row",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.buildKernel(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			defer c.closeKernel(cmd.Context())

			state, err := k.Store.OrchestratorState().Get(cmd.Context(), nil)
			if err != nil {
				return outputError(c, err)
			}
			outputResult(c, state, func() {
				fmt.Printf("status: %s\n", state.Status)
				if state.PID != nil {
					fmt.Printf("pid: %d\n", *state.PID)
				}
				if state.LastReconcileAt != nil {
					fmt.Printf("last reconcile: %s\n", state.LastReconcileAt.Format("2006-01-02T15:04:05Z07:00"))
				}
			})
			return nil
		},
	}
	return cmd
}

func newCoordinatorReconcileCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconcile pass directly, outside the loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.buildKernel(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			defer c.closeKernel(cmd.Context())

			result, err := k.Orchestrator.Reconcile(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			outputResult(c, result, func() {
				fmt.Printf("dead workers reaped: %d\n", result.DeadWorkersReaped)
				fmt.Printf("expired claims released: %d\n", result.ExpiredClaimsReleased)
				fmt.Printf("orphaned tasks recovered: %d\n", result.OrphanedTasksRecovered)
				fmt.Printf("stale states fixed: %d\n", result.StaleStatesFixed)
			})
			return nil
		},
	}
	return cmd
}
