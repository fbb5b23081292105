package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zero-day-ai/stratagem/cmd/stratagem/internal"
	"github.com/zero-day-ai/stratagem/internal/daemon/client"
	"github.com/zero-day-ai/stratagem/internal/fleet"
	"github.com/zero-day-ai/stratagem/internal/types"
)

var (
	workerCapabilities []string
	workerAddress      string
)

var workerCmd = &cobra.Command{
	Use:     "worker",
	Aliases: []string{"workers"},
	Short:   "Manage execution workers",
	Long: `Manage execution workers.

Workers normally register and heartbeat on their own, over gRPC or through
etcd announcements. These commands do the same by hand, which is useful for
testing a deployment end to end.`,
}

var workerRegisterCmd = &cobra.Command{
	Use:   "register WORKER",
	Short: "Register a worker and its capabilities",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			w, err := c.RegisterWorker(ctx, fleet.Registration{
				ID:           args[0],
				Capabilities: workerCapabilities,
				Address:      workerAddress,
				Source:       fleet.SourceAPI,
			})
			if err != nil {
				return err
			}
			return printWorkers(cmd, []fleet.Worker{w})
		})
	},
}

var workerDeregisterCmd = &cobra.Command{
	Use:   "deregister WORKER",
	Short: "Remove a worker; its active instances are paused",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			if err := c.DeregisterWorker(ctx, args[0]); err != nil {
				return err
			}
			return formatter(cmd).PrintSuccess(fmt.Sprintf("worker %s deregistered", args[0]))
		})
	},
}

var workerHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat WORKER [INSTANCE_ID...]",
	Short: "Send one heartbeat for a worker",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args[1:])
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			resp, err := c.Heartbeat(ctx, args[0], ids)
			if err != nil {
				return err
			}
			if globalFlags.GetOutputFormat() == internal.FormatJSON {
				return formatter(cmd).PrintObject(resp)
			}
			return formatter(cmd).PrintSuccess(fmt.Sprintf("heartbeat accepted for %d instances, ignored for %d", len(resp.Accepted), len(resp.Ignored)))
		})
	},
}

var workerAcceptCmd = &cobra.Command{
	Use:   "accept WORKER INSTANCE_ID",
	Short: "Confirm that a worker took over an assigned instance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args[1:])
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			inst, err := c.AcceptAssignment(ctx, ids[0], args[0])
			if err != nil {
				return err
			}
			return printInstance(cmd, inst)
		})
	},
}

var workerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			workers, err := c.ListWorkers(ctx)
			if err != nil {
				return err
			}
			return printWorkers(cmd, workers)
		})
	},
}

func printWorkers(cmd *cobra.Command, workers []fleet.Worker) error {
	if globalFlags.GetOutputFormat() == internal.FormatJSON {
		return formatter(cmd).PrintObject(workers)
	}
	rows := make([][]string, 0, len(workers))
	for _, w := range workers {
		state := "live"
		if w.Stale {
			state = "stale"
		}
		rows = append(rows, []string{
			w.ID,
			strings.Join(w.Capabilities, ","),
			string(w.Source),
			fmt.Sprint(w.Load),
			state,
			w.LastHeartbeat.Format(time.RFC3339),
		})
	}
	return formatter(cmd).PrintTable([]string{"id", "capabilities", "source", "load", "state", "last heartbeat"}, rows)
}

func parseIDs(args []string) ([]types.ID, error) {
	ids := make([]types.ID, 0, len(args))
	for _, a := range args {
		id, err := types.ParseID(a)
		if err != nil {
			return nil, internal.WrapError(internal.ExitUsageError, fmt.Sprintf("invalid instance id %q", a), err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func init() {
	workerRegisterCmd.Flags().StringSliceVar(&workerCapabilities, "capability", nil, "Capability offered by the worker (repeatable)")
	workerRegisterCmd.Flags().StringVar(&workerAddress, "address", "", "Address at which the worker can be reached")

	workerCmd.AddCommand(workerRegisterCmd, workerDeregisterCmd, workerHeartbeatCmd, workerAcceptCmd, workerListCmd)
}
