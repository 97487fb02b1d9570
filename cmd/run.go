package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/chazu/steward/pkg/reconcile"
)

// addRunFlags registers the flags shared by run, plan and daemon
func addRunFlags(flags *pflag.FlagSet) {
	flags.Int("workers", reconcile.DefaultWorkerPoolSize, "Maximum concurrent fetches and applies")
	flags.String("revision", "", "Desired-state revision to reconcile (default: latest)")
}

// addShardFlags registers the flags that restrict or skip a one-shot run
func addShardFlags(flags *pflag.FlagSet) {
	flags.String("shard-arg", "", "Comma-separated shard keys (scopes) to restrict the run to")
	flags.Int("shard-id", 0, "Static shard to run, with --shard-count")
	flags.Int("shard-count", 0, "Number of static shards; 0 disables static sharding")
	flags.String("early-exit-compare-revision", "", "Skip the run if desired state equals the state at this revision")
	flags.Bool("extended-early-exit", false, "Skip the run if an identical run is cached")
	flags.Int("extended-early-exit-ttl-seconds", 0, "How long a cached run output stays valid")
	flags.Bool("no-replay-cached-output", false, "Do not print the cached output of a skipped run")
}

// paramsFromViper reads run parameters with flags > env > parameter file > defaults precedence
func paramsFromViper(v *viper.Viper, dryRun bool) reconcile.Params {
	return reconcile.Params{
		DryRun:                      dryRun || v.GetBool("dry-run"),
		WorkerPoolSize:              v.GetInt("workers"),
		Revision:                    v.GetString("revision"),
		ShardArg:                    v.GetString("shard-arg"),
		ShardID:                     v.GetInt("shard-id"),
		ShardCount:                  v.GetInt("shard-count"),
		EarlyExitCompareRevision:    v.GetString("early-exit-compare-revision"),
		ExtendedEarlyExitEnabled:    v.GetBool("extended-early-exit"),
		ExtendedEarlyExitTTLSeconds: v.GetInt("extended-early-exit-ttl-seconds"),
		NoReplayCachedOutput:        v.GetBool("no-replay-cached-output"),
	}
}

// newRunCmd returns the run command, or the plan command when planOnly is set
func newRunCmd(planOnly bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reconcile the integration once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, planOnly)
		},
	}
	if planOnly {
		cmd.Use = "plan"
		cmd.Short = "Print the actions a run would take without applying them"
	} else {
		cmd.Flags().Bool("dry-run", false, "Plan without applying")
	}

	addRunFlags(cmd.Flags())
	addShardFlags(cmd.Flags())
	cmd.Flags().Bool("summary", true, "Print a summary table after the plan")
	return cmd
}

func runOnce(cmd *cobra.Command, planOnly bool) error {
	ctx := commandContext(cmd, "run")

	configFile, _ := cmd.Flags().GetString("config")
	v, err := newViper(cmd, configFile)
	if err != nil {
		return err
	}

	env, err := loadEnvironment(ctx, v)
	if err != nil {
		return err
	}
	defer func() { _ = env.Close() }()

	r, err := env.newReconciler(v.GetString("kubeconfig"))
	if err != nil {
		return err
	}

	result := r.Run(ctx, paramsFromViper(v, planOnly))
	if err := printResult(cmd.OutOrStdout(), result, v.GetBool("summary")); err != nil {
		return err
	}

	if code := result.ExitCode(); code != reconcile.ExitOK {
		return &exitError{code: code, err: result.Err}
	}
	return nil
}

// commandContext returns the command context carrying a named logger
func commandContext(cmd *cobra.Command, name string) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctrl.LoggerInto(ctx, ctrl.Log.WithName(name))
}

// printResult writes the plan lines followed by the summary table
func printResult(w io.Writer, result *reconcile.Result, summary bool) error {
	if err := result.Render(w); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	if !summary {
		return nil
	}
	_, err := fmt.Fprintln(w, renderSummary(result))
	return err
}
