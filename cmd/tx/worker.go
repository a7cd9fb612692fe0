package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"tx/internal/worker"
)

func newWorkerCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Register, heartbeat, and inspect workers",
	}
	cmd.AddCommand(newWorkerRegisterCommand(c))
	cmd.AddCommand(newWorkerHeartbeatCommand(c))
	cmd.AddCommand(newWorkerGetCommand(c))
	cmd.AddCommand(newWorkerFindDeadCommand(c))
	return cmd
}

func newWorkerRegisterCommand(c *cli) *cobra.Command {
	var capabilities []string
	cmd := &cobra.Command{
		Use:   "register <name>",
		Short: "Register a new worker in status=idle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.buildKernel(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			defer c.closeKernel(cmd.Context())

			hostname, _ := os.Hostname()
			w, err := k.Workers.Register(cmd.Context(), worker.RegisterParams{
				Name:         args[0],
				Hostname:     hostname,
				PID:          os.Getpid(),
				Capabilities: capabilities,
			})
			if err != nil {
				return outputError(c, err)
			}
			outputResult(c, w, func() { fmt.Printf("registered worker %s (%s)\n", w.ID, w.Name) })
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "capability tag (repeatable)")
	return cmd
}

func newWorkerHeartbeatCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heartbeat <id>",
		Short: "Bump a worker's last-heartbeat timestamp",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.buildKernel(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			defer c.closeKernel(cmd.Context())

			if err := k.Workers.Heartbeat(cmd.Context(), args[0]); err != nil {
				return outputError(c, err)
			}
			outputResult(c, map[string]string{"id": args[0]}, func() { fmt.Printf("heartbeat recorded for %s\n", args[0]) })
			return nil
		},
	}
	return cmd
}

func newWorkerGetCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.buildKernel(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			defer c.closeKernel(cmd.Context())

			w, err := k.Workers.Get(cmd.Context(), args[0])
			if err != nil {
				return outputError(c, err)
			}
			outputResult(c, w, func() {
				fmt.Printf("%s  %s  [%s]  host=%s\n", w.ID, w.Name, w.Status, w.Hostname)
			})
			return nil
		},
	}
	return cmd
}

func newWorkerFindDeadCommand(c *cli) *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "find-dead",
		Short: "List workers whose last heartbeat is older than a threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.buildKernel(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			defer c.closeKernel(cmd.Context())

			dead, err := k.Workers.FindDead(cmd.Context(), worker.FindDeadParams{HeartbeatAgeSeconds: int(maxAge.Seconds())})
			if err != nil {
				return outputError(c, err)
			}
			outputResult(c, dead, func() {
				for _, w := range dead {
					fmt.Printf("%s  %s  lastHeartbeat=%s\n", w.ID, w.Name, w.LastHeartbeatAt.Format("2006-01-02T15:04:05Z07:00"))
				}
				fmt.Printf("%d dead worker(s)\n", len(dead))
			})
			return nil
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 2*time.Minute, "heartbeat age threshold")
	return cmd
}
