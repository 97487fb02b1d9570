/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/chazu/steward/pkg/errdefs"
	"github.com/chazu/steward/pkg/reconcile"
)

// EnvPrefix prefixes environment variables that override flags
const EnvPrefix = "STEWARD"

var setupLog = ctrl.Log.WithName("setup")

// exitError carries the process exit status of a finished command
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// exitCode maps a command error to the process exit status
func exitCode(err error) int {
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	if errdefs.IsConfiguration(err) {
		return reconcile.ExitConfiguration
	}
	return reconcile.ExitErrors
}

// newViper returns a viper instance reading STEWARD_* environment variables
// and, when configFile is set, a parameter file
func newViper(cmd *cobra.Command, configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errdefs.WrapConfigurationError(err, "failed to read parameter file %s", configFile)
		}
	}
	return v, nil
}

// newRootCmd builds the command tree
func newRootCmd() *cobra.Command {
	opts := zap.Options{Development: true}
	goFlags := flag.NewFlagSet("zap", flag.ContinueOnError)
	opts.BindFlags(goFlags)

	root := &cobra.Command{
		Use:   "steward",
		Short: "Reconcile external systems against a desired-state repository",
		Long: `steward computes the difference between the desired state of an integration
and the current state of its clusters, then applies it. Runs can be restricted
to shards and skipped early when nothing changed since a previous run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))
		},
	}

	root.PersistentFlags().AddGoFlagSet(goFlags)
	root.PersistentFlags().StringP("integration", "i", "", "Path to the integration file")
	root.PersistentFlags().String("config", "", "Path to a parameter file (flags and STEWARD_* variables take precedence)")
	root.PersistentFlags().String("kubeconfig", "", "Kubeconfig for clusters without their own (default: standard loading rules)")

	root.AddCommand(newRunCmd(false))
	root.AddCommand(newRunCmd(true))
	root.AddCommand(newDaemonCmd())
	root.AddCommand(newAffectedShardsCmd())

	return root
}

func main() {
	root := newRootCmd()
	if err := root.ExecuteContext(ctrl.SetupSignalHandler()); err != nil {
		code := exitCode(err)
		var exitErr *exitError
		if !errors.As(err, &exitErr) || exitErr.err != nil {
			setupLog.Error(err, "command failed")
		}
		os.Exit(code)
	}
}
