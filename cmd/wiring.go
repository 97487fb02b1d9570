package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/viper"
	"sigs.k8s.io/controller-runtime/pkg/log"

	stewardv1alpha1 "github.com/chazu/steward/api/v1alpha1"
	"github.com/chazu/steward/pkg/earlyexit"
	"github.com/chazu/steward/pkg/errdefs"
	"github.com/chazu/steward/pkg/kubeclient"
	"github.com/chazu/steward/pkg/reconcile"
	"github.com/chazu/steward/pkg/stateloader"
)

// environment holds everything a command builds from the integration file
type environment struct {
	integration *stewardv1alpha1.Integration
	loader      *stateloader.Loader
	git         *stateloader.GitSource
	gate        *earlyexit.Gate
	closers     []func() error
}

// Close releases cache connections
func (e *environment) Close() error {
	var errs []error
	for _, c := range e.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// Desired refreshes git sources before reading the latest revision, so
// long-running processes observe new commits
func (e *environment) Desired(ctx context.Context, revision string) (*reconcile.DesiredState, error) {
	if e.git != nil && revision == "" {
		if err := e.git.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	return e.loader.Desired(ctx, revision)
}

// loadEnvironment reads the integration file named by the integration flag
// and opens its desired-state source and early-exit cache
func loadEnvironment(ctx context.Context, v *viper.Viper) (*environment, error) {
	path := v.GetString("integration")
	if path == "" {
		return nil, errdefs.NewConfigurationError("an integration file is required (--integration)")
	}

	in, err := stewardv1alpha1.LoadIntegration(path)
	if err != nil {
		return nil, err
	}

	env := &environment{integration: in}
	if err := env.openSource(ctx); err != nil {
		return nil, err
	}
	if err := env.openCache(ctx); err != nil {
		return nil, err
	}
	return env, nil
}

func (e *environment) openSource(ctx context.Context) error {
	src := e.integration.Spec.Source
	switch src.Type {
	case stewardv1alpha1.SourceTypeGit:
		git, err := stateloader.CloneGitSource(ctx, src.Ref)
		if err != nil {
			return fmt.Errorf("failed to open desired state: %w", err)
		}
		e.git = git
		e.loader = stateloader.NewLoader(git)
	default:
		e.loader = stateloader.NewLoader(stateloader.NewFileSource(src.Path))
	}
	return nil
}

// openCache builds the early-exit gate. An unreachable cache is logged and the
// gate keeps running without skipping.
func (e *environment) openCache(ctx context.Context) error {
	spec := e.integration.Spec.Cache
	if spec == nil {
		e.gate = earlyexit.NewGate(e.loader, nil)
		return nil
	}

	prefix := spec.Prefix
	if prefix == "" {
		prefix = "steward:"
	}

	switch spec.Type {
	case stewardv1alpha1.CacheTypeRedis:
		cache := earlyexit.DialRedisCache(spec.Address, prefix, spec.DB)
		if err := cache.Ping(ctx); err != nil {
			log.FromContext(ctx).Info("Early exit cache unreachable", "address", spec.Address, "error", err.Error())
		}
		e.closers = append(e.closers, cache.Close)
		e.gate = earlyexit.NewGate(e.loader, cache)
	case stewardv1alpha1.CacheTypeDisk:
		cache, err := earlyexit.NewDiskCache(spec.Directory, spec.MaxEntries)
		if err != nil {
			return fmt.Errorf("failed to open disk cache: %w", err)
		}
		e.gate = earlyexit.NewGate(e.loader, cache)
	}
	return nil
}

// newClient connects to every cluster of the integration
func (e *environment) newClient(kubeconfig string) (*kubeclient.Client, error) {
	clusters, err := kubeclient.Connect(e.integration.Spec.Clusters, kubeconfig, kubeclient.NewScheme())
	if err != nil {
		return nil, err
	}

	var opts []kubeclient.Option
	if owner := e.integration.Spec.FieldOwner; owner != "" {
		opts = append(opts, kubeclient.WithServerSideApply(owner, false))
	}
	if p := e.integration.Spec.DeletionPropagation; p != "" {
		opts = append(opts, kubeclient.WithPropagationPolicy(p))
	}
	return kubeclient.New(clusters, opts...), nil
}

// newReconciler builds the reconciler of the integration
func (e *environment) newReconciler(kubeconfig string) (*reconcile.Reconciler, error) {
	client, err := e.newClient(kubeconfig)
	if err != nil {
		return nil, err
	}
	config := e.integration.ReconcileConfig()
	config.Denylist = kubeclient.MergeDenylist(config.Denylist)
	return reconcile.NewReconciler(config, e, client, e.gate)
}
