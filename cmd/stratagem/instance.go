package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zero-day-ai/stratagem/cmd/stratagem/internal"
	"github.com/zero-day-ai/stratagem/internal/controlplane"
	"github.com/zero-day-ai/stratagem/internal/daemon/client"
	"github.com/zero-day-ai/stratagem/internal/types"
)

var (
	listStates   []string
	listStrategy string
	listWorker   string
	outcomeLimit int
	reasonFlag   string
)

var instanceCmd = &cobra.Command{
	Use:     "instance",
	Aliases: []string{"instances", "inst"},
	Short:   "Inspect and drive strategy instances",
	Long: `Inspect and drive strategy instances.

INSTANCE may be the instance id or the strategy id.`,
}

var instanceGetCmd = &cobra.Command{
	Use:   "get INSTANCE",
	Short: "Show an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			inst, err := lookupInstance(ctx, c, args[0])
			if err != nil {
				return err
			}
			return printInstance(cmd, inst)
		})
	},
}

var instanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := controlplane.InstanceFilter{StrategyID: listStrategy, WorkerID: listWorker}
		for _, s := range listStates {
			state := controlplane.State(strings.ToLower(s))
			if !state.IsValid() {
				return internal.NewCLIError(internal.ExitUsageError, fmt.Sprintf("unknown state %q", s))
			}
			filter.States = append(filter.States, state)
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			instances, err := c.ListInstances(ctx, filter)
			if err != nil {
				return err
			}
			if globalFlags.GetOutputFormat() == internal.FormatJSON {
				return formatter(cmd).PrintObject(instances)
			}
			rows := make([][]string, 0, len(instances))
			for _, inst := range instances {
				rows = append(rows, instanceRow(inst))
			}
			return formatter(cmd).PrintTable(instanceHeaders, rows)
		})
	},
}

var instanceHistoryCmd = &cobra.Command{
	Use:   "history INSTANCE",
	Short: "Show an instance's transition history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			inst, err := lookupInstance(ctx, c, args[0])
			if err != nil {
				return err
			}
			history, err := c.History(ctx, inst.ID)
			if err != nil {
				return err
			}
			if globalFlags.GetOutputFormat() == internal.FormatJSON {
				return formatter(cmd).PrintObject(history)
			}
			rows := make([][]string, 0, len(history))
			for _, tr := range history {
				rows = append(rows, []string{
					fmt.Sprint(tr.Seq),
					tr.At.Format(time.RFC3339),
					string(tr.From),
					string(tr.Event),
					string(tr.To),
					shortFingerprint(tr.Fingerprint),
					tr.WorkerID,
					tr.Cause,
				})
			}
			return formatter(cmd).PrintTable([]string{"seq", "at", "from", "event", "to", "plan", "worker", "cause"}, rows)
		})
	},
}

var instanceOutcomesCmd = &cobra.Command{
	Use:   "outcomes INSTANCE",
	Short: "List outcomes reported for an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			inst, err := lookupInstance(ctx, c, args[0])
			if err != nil {
				return err
			}
			outcomes, err := c.Outcomes(ctx, inst.ID, outcomeLimit)
			if err != nil {
				return err
			}
			if globalFlags.GetOutputFormat() == internal.FormatJSON {
				return formatter(cmd).PrintObject(outcomes)
			}
			rows := make([][]string, 0, len(outcomes))
			for _, o := range outcomes {
				rows = append(rows, []string{o.ID.Short(), o.ObservedAt.Format(time.RFC3339), o.Kind, shortFingerprint(o.Fingerprint), o.WorkerID})
			}
			return formatter(cmd).PrintTable([]string{"id", "observed", "kind", "plan", "worker"}, rows)
		})
	},
}

// transitionCommand builds a command that applies one lifecycle operation.
func transitionCommand(use, short string, withReason bool, apply func(ctx context.Context, c *client.Client, id types.ID, reason string) (*controlplane.Instance, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " INSTANCE",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				inst, err := lookupInstance(ctx, c, args[0])
				if err != nil {
					return err
				}
				next, err := apply(ctx, c, inst.ID, reasonFlag)
				if err != nil {
					return err
				}
				return printInstance(cmd, next)
			})
		},
	}
	if withReason {
		cmd.Flags().StringVar(&reasonFlag, "reason", "", "Reason recorded in the instance history")
	}
	return cmd
}

var instanceHeaders = []string{"id", "strategy", "state", "version", "plan", "worker", "last heartbeat"}

func instanceRow(inst *controlplane.Instance) []string {
	hb := "-"
	if !inst.LastHeartbeat.IsZero() {
		hb = inst.LastHeartbeat.Format(time.RFC3339)
	}
	worker := inst.WorkerID
	if worker == "" {
		worker = "-"
	}
	return []string{
		inst.ID.String(),
		inst.StrategyID,
		string(inst.State),
		fmt.Sprint(inst.SpecVersion),
		shortFingerprint(inst.PlanFingerprint),
		worker,
		hb,
	}
}

func printInstance(cmd *cobra.Command, inst *controlplane.Instance) error {
	if globalFlags.GetOutputFormat() == internal.FormatJSON {
		return formatter(cmd).PrintObject(inst)
	}
	if err := formatter(cmd).PrintTable(instanceHeaders, [][]string{instanceRow(inst)}); err != nil {
		return err
	}
	if inst.LastError != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "\nlast error: %s\n", inst.LastError)
	}
	return nil
}

// lookupInstance resolves arg as an instance id, falling back to a strategy id.
func lookupInstance(ctx context.Context, c *client.Client, arg string) (*controlplane.Instance, error) {
	if id, err := types.ParseID(arg); err == nil {
		return c.GetInstance(ctx, id)
	}
	return c.GetInstanceByStrategy(ctx, arg)
}

func init() {
	instanceListCmd.Flags().StringSliceVar(&listStates, "state", nil, "Only list instances in these states")
	instanceListCmd.Flags().StringVar(&listStrategy, "strategy", "", "Only list the instance of this strategy")
	instanceListCmd.Flags().StringVar(&listWorker, "worker", "", "Only list instances assigned to this worker")
	instanceOutcomesCmd.Flags().IntVar(&outcomeLimit, "limit", 50, "Maximum number of outcomes")

	instanceCmd.AddCommand(instanceGetCmd, instanceListCmd, instanceHistoryCmd, instanceOutcomesCmd)
	instanceCmd.AddCommand(
		transitionCommand("deploy", "Deploy a validated instance onto a worker", false,
			func(ctx context.Context, c *client.Client, id types.ID, _ string) (*controlplane.Instance, error) {
				return c.Deploy(ctx, id)
			}),
		transitionCommand("resume", "Resume a paused instance", false,
			func(ctx context.Context, c *client.Client, id types.ID, _ string) (*controlplane.Instance, error) {
				return c.Resume(ctx, id)
			}),
		transitionCommand("retire", "Retire an instance permanently", true,
			func(ctx context.Context, c *client.Client, id types.ID, reason string) (*controlplane.Instance, error) {
				return c.Retire(ctx, id, reason)
			}),
		transitionCommand("fail", "Mark an instance failed", true,
			func(ctx context.Context, c *client.Client, id types.ID, reason string) (*controlplane.Instance, error) {
				return c.Fail(ctx, id, reason)
			}),
	)
}
