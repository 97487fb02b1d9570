package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chazu/steward/pkg/errdefs"
	"github.com/chazu/steward/pkg/shard"
)

// newAffectedShardsCmd returns the command printing the shard keys whose
// items differ between two revisions, formatted as a --shard-arg value
func newAffectedShardsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "affected-shards",
		Short: "Print the shard keys changed between two desired-state revisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd, "affected-shards")

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

			cfg := env.integration.Spec.Shard
			if cfg.IsZero() {
				return errdefs.NewConfigurationError("integration %q declares no shard config", env.integration.Name)
			}
			extractor, err := shard.NewExtractor(cfg)
			if err != nil {
				return err
			}

			current, err := env.loader.Snapshot(ctx, v.GetString("to"))
			if err != nil {
				return err
			}

			var keys []string
			if from := v.GetString("from"); from != "" {
				previous, err := env.loader.Snapshot(ctx, from)
				if err != nil {
					return err
				}
				keys, err = extractor.AffectedKeys(previous, current)
				if err != nil {
					return err
				}
			} else {
				// without a base revision every key is affected
				keys, err = extractor.Keys(current)
				if err != nil {
					return err
				}
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), strings.Join(keys, ","))
			return err
		},
	}

	cmd.Flags().String("from", "", "Base revision (default: every key is affected)")
	cmd.Flags().String("to", "", "Target revision (default: latest)")
	return cmd
}
