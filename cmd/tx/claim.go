package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newClaimCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Acquire, renew, and release task leases",
	}
	cmd.AddCommand(newClaimAcquireCommand(c))
	cmd.AddCommand(newClaimRenewCommand(c))
	cmd.AddCommand(newClaimReleaseCommand(c))
	cmd.AddCommand(newClaimGetCommand(c))
	return cmd
}

func newClaimAcquireCommand(c *cli) *cobra.Command {
	var leaseMinutes int
	cmd := &cobra.Command{
		Use:   "acquire <task-id> <worker-id>",
		Short: "Claim exclusive ownership of a task for a worker",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.buildKernel(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			defer c.closeKernel(cmd.Context())

			claim, err := k.Claims.Claim(cmd.Context(), args[0], args[1], leaseMinutes)
			if err != nil {
				return outputError(c, err)
			}
			outputResult(c, claim, func() {
				fmt.Printf("claim %d: task=%s worker=%s expires=%s\n",
					claim.ID, claim.TaskID, claim.WorkerID, claim.LeaseExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
			})
			return nil
		},
	}
	cmd.Flags().IntVar(&leaseMinutes, "lease-minutes", 0, "lease length (0 = default)")
	return cmd
}

func newClaimRenewCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "renew <task-id> <worker-id>",
		Short: "Extend the lease on an active claim",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.buildKernel(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			defer c.closeKernel(cmd.Context())

			claim, err := k.Claims.Renew(cmd.Context(), args[0], args[1])
			if err != nil {
				return outputError(c, err)
			}
			outputResult(c, claim, func() {
				fmt.Printf("claim %d renewed, expires=%s (renewals=%d)\n",
					claim.ID, claim.LeaseExpiresAt.Format("2006-01-02T15:04:05Z07:00"), claim.RenewedCount)
			})
			return nil
		},
	}
	return cmd
}

func newClaimReleaseCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release <task-id> <worker-id>",
		Short: "Voluntarily release an active claim",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.buildKernel(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			defer c.closeKernel(cmd.Context())

			if err := k.Claims.Release(cmd.Context(), args[0], args[1]); err != nil {
				return outputError(c, err)
			}
			outputResult(c, map[string]string{"taskId": args[0], "workerId": args[1]}, func() {
				fmt.Printf("released claim on %s\n", args[0])
			})
			return nil
		},
	}
	return cmd
}

func newClaimGetCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show the active claim on a task, if any",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := c.buildKernel(cmd.Context())
			if err != nil {
				return outputError(c, err)
			}
			defer c.closeKernel(cmd.Context())

			claim, err := k.Claims.GetActiveClaim(cmd.Context(), args[0])
			if err != nil {
				return outputError(c, err)
			}
			outputResult(c, claim, func() {
				if claim == nil {
					fmt.Printf("no active claim on %s\n", args[0])
					return
				}
				fmt.Printf("claim %d: worker=%s expires=%s\n",
					claim.ID, claim.WorkerID, claim.LeaseExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
			})
			return nil
		},
	}
	return cmd
}
