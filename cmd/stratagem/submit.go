package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zero-day-ai/stratagem/cmd/stratagem/internal"
	"github.com/zero-day-ai/stratagem/internal/daemon/client"
)

var submitDeploy bool

var submitCmd = &cobra.Command{
	Use:   "submit FILE",
	Short: "Submit a strategy spec to the control plane",
	Long: `Submit a strategy spec. The daemon stores the spec version, compiles it and
moves the strategy's instance accordingly. A spec that fails to compile is
still stored; its diagnostics are printed and the command exits with status 2.

EXAMPLES:

  $ stratagem submit strategies/momentum.yaml
  $ stratagem submit --deploy strategies/momentum.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, err := os.ReadFile(args[0])
		if err != nil {
			return internal.WrapError(internal.ExitUsageError, "cannot read spec", err)
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			return runSubmit(ctx, cmd, c, args[0], source)
		})
	},
}

func init() {
	submitCmd.Flags().BoolVar(&submitDeploy, "deploy", false, "Deploy the instance once the spec compiles")
}

func runSubmit(ctx context.Context, cmd *cobra.Command, c *client.Client, file string, source []byte) error {
	resp, err := c.SubmitSpec(ctx, source, file)
	if err != nil {
		return err
	}

	f := formatter(cmd)
	if globalFlags.GetOutputFormat() == internal.FormatJSON {
		if err := f.PrintObject(resp); err != nil {
			return err
		}
	} else {
		for _, d := range resp.Diagnostics {
			fmt.Fprintln(cmd.OutOrStdout(), formatDiagnostic(file, d))
		}
	}

	if !resp.Compiled {
		return internal.NewCLIError(internal.ExitCompileError,
			fmt.Sprintf("%s failed to compile; instance %s stays %s", file, resp.Instance.ID.Short(), resp.Instance.State))
	}

	if globalFlags.GetOutputFormat() != internal.FormatJSON {
		msg := fmt.Sprintf("%s v%d compiled to %s; instance %s is %s",
			resp.Instance.StrategyID, resp.Instance.SpecVersion, shortFingerprint(resp.Fingerprint), resp.Instance.ID, resp.Instance.State)
		if resp.Unchanged {
			msg += " (plan unchanged)"
		}
		if err := f.PrintSuccess(msg); err != nil {
			return err
		}
	}

	if !submitDeploy {
		return nil
	}
	inst, err := c.Deploy(ctx, resp.Instance.ID)
	if err != nil {
		return err
	}
	return printInstance(cmd, inst)
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
