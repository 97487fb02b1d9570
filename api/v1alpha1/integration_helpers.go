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

package v1alpha1

import (
	"fmt"
	"os"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/chazu/steward/pkg/errdefs"
	"github.com/chazu/steward/pkg/inventory"
	"github.com/chazu/steward/pkg/reconcile"
)

// DefaultInterval is the period of unrestricted runs when none is configured
const DefaultInterval = 10 * time.Minute

// LoadIntegration reads and validates an integration file
func LoadIntegration(path string) (*Integration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read integration file %s: %w", path, err)
	}
	return ParseIntegration(data)
}

// ParseIntegration decodes and validates an integration document. Unknown
// fields and invalid values are configuration errors.
func ParseIntegration(data []byte) (*Integration, error) {
	in := &Integration{}
	if err := yaml.UnmarshalStrict(data, in); err != nil {
		return nil, errdefs.WrapConfigurationError(err, "invalid integration file")
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return in, nil
}

// Validate checks the integration. Every failure is a configuration error.
func (in *Integration) Validate() error {
	if in.APIVersion != "" && in.APIVersion != APIVersion {
		return errdefs.NewConfigurationError("unsupported apiVersion %q, expected %q", in.APIVersion, APIVersion)
	}
	if in.Kind != "" && in.Kind != Kind {
		return errdefs.NewConfigurationError("unsupported kind %q, expected %q", in.Kind, Kind)
	}
	if in.Name == "" {
		return errdefs.NewConfigurationError("metadata.name is required")
	}

	spec := in.Spec
	if spec.Version == "" {
		return errdefs.NewConfigurationError("spec.version is required")
	}
	if spec.Denylist == nil {
		return errdefs.NewConfigurationError("spec.denylist is required (use [] to compare full bodies)")
	}

	switch spec.Source.Type {
	case SourceTypeFile:
		if spec.Source.Path == "" {
			return errdefs.NewConfigurationError("spec.source.path is required for file sources")
		}
	case SourceTypeGit:
		if spec.Source.Ref == "" {
			return errdefs.NewConfigurationError("spec.source.ref is required for git sources")
		}
	default:
		return errdefs.NewConfigurationError("unknown source type %q", spec.Source.Type)
	}

	if len(spec.Clusters) == 0 {
		return errdefs.NewConfigurationError("at least one cluster is required")
	}
	scopes := make(map[string]struct{}, len(spec.Clusters))
	for _, c := range spec.Clusters {
		if c.Scope == "" {
			return errdefs.NewConfigurationError("cluster scope is required")
		}
		if _, dup := scopes[c.Scope]; dup {
			return errdefs.NewConfigurationError("cluster %q declared twice", c.Scope)
		}
		scopes[c.Scope] = struct{}{}
	}
	for scope := range spec.ManagedKinds {
		if _, ok := scopes[scope]; !ok && scope != inventory.AllScopes {
			return errdefs.NewConfigurationError("managed kinds declared for unknown cluster %q", scope)
		}
	}

	if !spec.Shard.IsZero() {
		if err := spec.Shard.Validate(); err != nil {
			return err
		}
	}

	if spec.Retry.MaxRetries < 0 {
		return errdefs.NewConfigurationError("spec.retry.maxRetries must not be negative")
	}
	if spec.Interval.Duration < 0 {
		return errdefs.NewConfigurationError("spec.interval must not be negative")
	}

	switch spec.DeletionPropagation {
	case "", metav1.DeletePropagationBackground, metav1.DeletePropagationForeground, metav1.DeletePropagationOrphan:
	default:
		return errdefs.NewConfigurationError("unknown spec.deletionPropagation %q", spec.DeletionPropagation)
	}

	if c := spec.Cache; c != nil {
		switch c.Type {
		case CacheTypeRedis:
			if c.Address == "" {
				return errdefs.NewConfigurationError("spec.cache.address is required for redis caches")
			}
		case CacheTypeDisk:
			if c.Directory == "" {
				return errdefs.NewConfigurationError("spec.cache.directory is required for disk caches")
			}
		default:
			return errdefs.NewConfigurationError("unknown cache type %q", c.Type)
		}
	}

	return nil
}

// ReconcileConfig returns the reconciler configuration of the integration
func (in *Integration) ReconcileConfig() reconcile.Config {
	return reconcile.Config{
		Integration:      in.Name,
		Version:          in.Spec.Version,
		ManagedKinds:     in.Spec.ManagedKinds,
		Denylist:         in.Spec.Denylist,
		ProvenancePath:   in.Spec.ProvenancePath,
		KindDependencies: in.Spec.KindDependencies,
		RequireOwnership: in.Spec.RequireOwnership,
		Paused:           in.Spec.Paused,
		Shard:            in.Spec.Shard,
		MaxRetries:       in.Spec.Retry.MaxRetries,
		RetryBackoffBase: in.Spec.Retry.BackoffBase.Duration,
		RetryBackoffMax:  in.Spec.Retry.BackoffMax.Duration,
	}
}

// Scopes returns the cluster scopes in declaration order
func (in *Integration) Scopes() []string {
	out := make([]string, len(in.Spec.Clusters))
	for i, c := range in.Spec.Clusters {
		out[i] = c.Scope
	}
	return out
}

// RunInterval returns the period of unrestricted runs
func (in *Integration) RunInterval() time.Duration {
	if in.Spec.Interval.Duration == 0 {
		return DefaultInterval
	}
	return in.Spec.Interval.Duration
}
