package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zero-day-ai/stratagem/cmd/stratagem/internal"
	"github.com/zero-day-ai/stratagem/internal/controlplane"
	"github.com/zero-day-ai/stratagem/internal/daemon/client"
)

var planCmd = &cobra.Command{
	Use:   "plan FINGERPRINT",
	Short: "Show a registered execution plan and its lineage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			resp, err := c.GetPlan(ctx, args[0])
			if err != nil {
				return err
			}
			f := formatter(cmd)
			if globalFlags.GetOutputFormat() == internal.FormatJSON {
				return f.PrintObject(resp)
			}
			rows := make([][]string, 0, len(resp.Lineage))
			for _, l := range resp.Lineage {
				rows = append(rows, []string{l.StrategyID, fmt.Sprint(l.SpecVersion), l.Author, l.RecordedAt.Format("2006-01-02 15:04:05")})
			}
			if err := f.PrintTable([]string{"strategy", "version", "author", "recorded"}, rows); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return f.PrintObject(resp.Plan)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize the control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			f := formatter(cmd)
			if globalFlags.GetOutputFormat() == internal.FormatJSON {
				return f.PrintObject(st)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Stratagem %s, up %s\n", st.Version, st.Uptime)
			fmt.Fprintf(out, "Workers: %d\n", st.Workers)
			fmt.Fprintf(out, "Plans: %d\n\n", st.Registry.Plans)
			rows := make([][]string, 0, len(st.Instances))
			for _, state := range controlplane.AllStates() {
				rows = append(rows, []string{string(state), fmt.Sprint(st.Instances[state])})
			}
			return f.PrintTable([]string{"state", "instances"}, rows)
		})
	},
}
