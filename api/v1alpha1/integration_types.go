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
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/chazu/steward/pkg/kubeclient"
	"github.com/chazu/steward/pkg/shard"
)

const (
	// APIVersion is the apiVersion of integration files
	APIVersion = "steward.chazu.io/v1alpha1"

	// Kind is the kind of integration files
	Kind = "Integration"
)

// SourceType defines where desired state is read from
// +kubebuilder:validation:Enum=file;git
type SourceType string

const (
	// SourceTypeFile reads a CUE file or a directory of CUE files
	SourceTypeFile SourceType = "file"
	// SourceTypeGit reads CUE from commits of a Git repository
	SourceTypeGit SourceType = "git"
)

// CacheType defines the backend of the early-exit cache
// +kubebuilder:validation:Enum=redis;disk
type CacheType string

const (
	// CacheTypeRedis stores run outputs in Redis
	CacheTypeRedis CacheType = "redis"
	// CacheTypeDisk stores run outputs in a local directory
	CacheTypeDisk CacheType = "disk"
)

// SourceSpec locates the desired-state document
type SourceSpec struct {
	// Type specifies the source type
	// +kubebuilder:validation:Required
	Type SourceType `json:"type"`

	// Path is the CUE file or directory for file sources
	// +optional
	Path string `json:"path,omitempty"`

	// Ref is the repository reference for git sources
	// Format: "https://github.com/org/state.git?ref=main&path=integrations/demo"
	// +optional
	Ref string `json:"ref,omitempty"`
}

// RetrySpec controls apply retries
type RetrySpec struct {
	// MaxRetries is the number of retries per action after the first attempt
	// +optional
	MaxRetries int `json:"maxRetries,omitempty"`

	// BackoffBase is the first retry delay; each retry doubles it
	// +optional
	BackoffBase metav1.Duration `json:"backoffBase,omitempty"`

	// BackoffMax caps the retry delay
	// +optional
	BackoffMax metav1.Duration `json:"backoffMax,omitempty"`
}

// CacheSpec configures the early-exit cache
type CacheSpec struct {
	// Type selects the cache backend
	// +kubebuilder:validation:Required
	Type CacheType `json:"type"`

	// Address is the Redis address (host:port)
	// +optional
	Address string `json:"address,omitempty"`

	// DB is the Redis database number
	// +optional
	DB int `json:"db,omitempty"`

	// Prefix namespaces cache keys
	// +optional
	Prefix string `json:"prefix,omitempty"`

	// Directory holds disk cache entries
	// +optional
	Directory string `json:"directory,omitempty"`

	// MaxEntries bounds the disk cache
	// +optional
	MaxEntries int `json:"maxEntries,omitempty"`
}

// IntegrationSpec defines what an integration manages and how
type IntegrationSpec struct {
	// Version is stamped into provenance of every applied resource
	// +kubebuilder:validation:Required
	Version string `json:"version"`

	// Source locates the desired-state document
	// +kubebuilder:validation:Required
	Source SourceSpec `json:"source"`

	// Clusters are the scopes of the integration
	// +kubebuilder:validation:MinItems=1
	Clusters []kubeclient.ClusterConfig `json:"clusters"`

	// ManagedKinds lists, per scope, the kinds whose resources are deleted when
	// absent from desired state. The "*" scope applies to every cluster.
	// +optional
	ManagedKinds map[string][]string `json:"managedKinds,omitempty"`

	// Denylist lists field paths ignored when comparing bodies (e.g. "status").
	// Use an empty list to compare whole bodies.
	// +kubebuilder:validation:Required
	Denylist []string `json:"denylist"`

	// ProvenancePath overrides where provenance is stamped, as a dotted path
	// +optional
	ProvenancePath string `json:"provenancePath,omitempty"`

	// KindDependencies maps a kind to the kinds applied before it
	// +optional
	KindDependencies map[string][]string `json:"kindDependencies,omitempty"`

	// RequireOwnership restricts deletes to resources stamped by this integration
	// +optional
	RequireOwnership bool `json:"requireOwnership,omitempty"`

	// Paused turns every run into a no-op
	// +optional
	Paused bool `json:"paused,omitempty"`

	// Shard declares the shardable items of the desired-state document
	// +optional
	Shard shard.Config `json:"shard,omitempty"`

	// Retry controls apply retries
	// +optional
	Retry RetrySpec `json:"retry,omitempty"`

	// Cache configures the early-exit cache
	// +optional
	Cache *CacheSpec `json:"cache,omitempty"`

	// Interval is the period of unrestricted runs in daemon mode
	// +optional
	Interval metav1.Duration `json:"interval,omitempty"`

	// FieldOwner enables server-side apply under this field manager
	// +optional
	FieldOwner string `json:"fieldOwner,omitempty"`

	// DeletionPropagation is the propagation policy of deletes; defaults to Background
	// +kubebuilder:validation:Enum=Background;Foreground;Orphan
	// +optional
	DeletionPropagation metav1.DeletionPropagation `json:"deletionPropagation,omitempty"`
}

// Integration is the configuration file of one integration
type Integration struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec IntegrationSpec `json:"spec"`
}
