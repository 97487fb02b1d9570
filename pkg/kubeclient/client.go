package kubeclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/chazu/steward/pkg/apply"
	"github.com/chazu/steward/pkg/inventory"
	"github.com/chazu/steward/pkg/resource"
)

const (
	// ProtectionAnnotation prevents a resource from being deleted
	ProtectionAnnotation = "steward.chazu.io/delete-protection"

	// DefaultFieldOwner is the field manager used for server-side apply
	DefaultFieldOwner = "steward"
)

// DefaultDenylist lists the server-populated fields that never take part in comparison
var DefaultDenylist = []string{
	"metadata.resourceVersion",
	"metadata.uid",
	"metadata.generation",
	"metadata.creationTimestamp",
	"metadata.managedFields",
	"metadata.selfLink",
	`metadata.annotations["kubectl.kubernetes.io/last-applied-configuration"]`,
	"status",
}

// MergeDenylist returns denylist followed by the DefaultDenylist paths it lacks
func MergeDenylist(denylist []string) []string {
	out := make([]string, 0, len(denylist)+len(DefaultDenylist))
	seen := make(map[string]struct{}, cap(out))
	for _, list := range [][]string{denylist, DefaultDenylist} {
		for _, path := range list {
			if _, dup := seen[path]; dup {
				continue
			}
			seen[path] = struct{}{}
			out = append(out, path)
		}
	}
	return out
}

// Client fetches and applies resources on a set of Kubernetes clusters.
// Every scope is the name of one cluster.
type Client struct {
	clusters        map[string]client.Client
	fieldOwner      string
	serverSideApply bool
	forceConflicts  bool
	propagation     metav1.DeletionPropagation
}

// Option configures a Client
type Option func(*Client)

// WithServerSideApply makes updates use server-side apply with the given field owner
func WithServerSideApply(fieldOwner string, force bool) Option {
	return func(c *Client) {
		c.serverSideApply = true
		if fieldOwner != "" {
			c.fieldOwner = fieldOwner
		}
		c.forceConflicts = force
	}
}

// WithPropagationPolicy sets the deletion propagation policy
func WithPropagationPolicy(p metav1.DeletionPropagation) Option {
	return func(c *Client) {
		c.propagation = p
	}
}

// New creates a client for the given clusters keyed by scope
func New(clusters map[string]client.Client, opts ...Option) *Client {
	c := &Client{
		clusters:    clusters,
		fieldOwner:  DefaultFieldOwner,
		propagation: metav1.DeletePropagationBackground,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) cluster(scope string) (client.Client, error) {
	cl, ok := c.clusters[scope]
	if !ok {
		return nil, fmt.Errorf("no cluster configured for scope %q", scope)
	}
	return cl, nil
}

// FetchCurrent lists every resource of the given kinds across all namespaces of a cluster.
// Kinds the cluster does not serve are treated as empty.
func (c *Client) FetchCurrent(ctx context.Context, scope string, kinds []string) ([]*resource.ManagedResource, error) {
	logger := log.FromContext(ctx).WithValues("scope", scope)

	cl, err := c.cluster(scope)
	if err != nil {
		return nil, err
	}

	var out []*resource.ManagedResource
	for _, kind := range kinds {
		gvk, err := ParseKind(kind)
		if err != nil {
			return nil, err
		}

		list := &unstructured.UnstructuredList{}
		list.SetGroupVersionKind(gvk.GroupVersion().WithKind(gvk.Kind + "List"))

		logger.V(2).Info("Listing resources", "kind", kind)
		if err := cl.List(ctx, list); err != nil {
			if meta.IsNoMatchError(err) {
				logger.V(1).Info("Kind not served by cluster, treating as empty", "kind", kind)
				continue
			}
			return nil, fmt.Errorf("failed to list %s: %w", kind, err)
		}

		for i := range list.Items {
			item := &list.Items[i]
			id := resource.Identity{
				Scope:     scope,
				Namespace: item.GetNamespace(),
				Kind:      kind,
				Name:      item.GetName(),
			}
			out = append(out, resource.New(id, item.Object))
		}
	}

	return out, nil
}

// Apply sends one action to the cluster of its scope
func (c *Client) Apply(ctx context.Context, action inventory.Action) error {
	id := action.Identity()
	logger := log.FromContext(ctx).WithValues("verb", string(action.Verb()), "target", id.String())

	cl, err := c.cluster(id.Scope)
	if err != nil {
		return apply.Permanent(err)
	}

	gvk, err := ParseKind(id.Kind)
	if err != nil {
		return apply.Permanent(err)
	}

	start := time.Now()
	switch action.Verb() {
	case inventory.VerbCreate:
		err = c.create(ctx, cl, toObject(gvk, action.Desired()), logger)
	case inventory.VerbUpdate:
		err = c.update(ctx, cl, toObject(gvk, action.Desired()), logger)
	case inventory.VerbDelete:
		err = c.delete(ctx, cl, gvk, id, logger)
	default:
		err = apply.Permanent(fmt.Errorf("unknown verb: %s", action.Verb()))
	}

	if err != nil {
		return classify(err)
	}
	logger.V(2).Info("Cluster accepted action", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (c *Client) create(ctx context.Context, cl client.Client, obj *unstructured.Unstructured, logger logr.Logger) error {
	logger.V(2).Info("Creating resource")

	if err := cl.Create(ctx, obj); err != nil {
		if apierrors.IsAlreadyExists(err) {
			// Created since the listing; converge with an update
			logger.V(1).Info("Resource already exists, updating instead")
			return c.update(ctx, cl, obj, logger)
		}
		return fmt.Errorf("failed to create resource %s/%s: %w", obj.GetNamespace(), obj.GetName(), err)
	}
	return nil
}

func (c *Client) update(ctx context.Context, cl client.Client, obj *unstructured.Unstructured, logger logr.Logger) error {
	if c.serverSideApply {
		patchOpts := []client.PatchOption{client.FieldOwner(c.fieldOwner)}
		if c.forceConflicts {
			patchOpts = append(patchOpts, client.ForceOwnership)
			logger.V(2).Info("Using force ownership for SSA")
		}

		logger.V(2).Info("Applying resource via SSA", "fieldManager", c.fieldOwner)
		if err := cl.Patch(ctx, obj, client.Apply, patchOpts...); err != nil {
			if apierrors.IsConflict(err) {
				return &ConflictError{
					Resource:     fmt.Sprintf("%s/%s", obj.GetNamespace(), obj.GetName()),
					FieldManager: c.fieldOwner,
					Err:          err,
				}
			}
			return fmt.Errorf("failed to apply resource %s/%s: %w", obj.GetNamespace(), obj.GetName(), err)
		}
		return nil
	}

	existing := &unstructured.Unstructured{}
	existing.SetGroupVersionKind(obj.GroupVersionKind())
	if err := cl.Get(ctx, client.ObjectKeyFromObject(obj), existing); err != nil {
		if apierrors.IsNotFound(err) {
			logger.V(1).Info("Resource disappeared, creating instead")
			if err := cl.Create(ctx, obj); err != nil {
				return fmt.Errorf("failed to create resource %s/%s: %w", obj.GetNamespace(), obj.GetName(), err)
			}
			return nil
		}
		return fmt.Errorf("failed to get resource %s/%s: %w", obj.GetNamespace(), obj.GetName(), err)
	}

	logger.V(2).Info("Updating resource", "resourceVersion", existing.GetResourceVersion())
	obj.SetResourceVersion(existing.GetResourceVersion())
	if err := cl.Update(ctx, obj); err != nil {
		return fmt.Errorf("failed to update resource %s/%s: %w", obj.GetNamespace(), obj.GetName(), err)
	}
	return nil
}

func (c *Client) delete(ctx context.Context, cl client.Client, gvk schema.GroupVersionKind, id resource.Identity, logger logr.Logger) error {
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(gvk)

	err := cl.Get(ctx, client.ObjectKey{Namespace: id.Namespace, Name: id.Name}, obj)
	if apierrors.IsNotFound(err) {
		logger.V(1).Info("Resource already deleted")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get resource: %w", err)
	}

	if isProtected(obj) {
		return apply.Permanent(fmt.Errorf("resource is protected from deletion by %s", ProtectionAnnotation))
	}

	logger.V(2).Info("Deleting resource", "propagation", string(c.propagation))
	if err := cl.Delete(ctx, obj, client.PropagationPolicy(c.propagation)); err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to delete resource: %w", err)
	}
	return nil
}

// isProtected checks if a resource carries the delete protection annotation
func isProtected(obj *unstructured.Unstructured) bool {
	annotations := obj.GetAnnotations()
	if annotations == nil {
		return false
	}
	val, ok := annotations[ProtectionAnnotation]
	return ok && (val == "true" || val == "yes" || val == "1")
}

// classify marks errors the API server will keep rejecting as permanent
func classify(err error) error {
	if apply.IsPermanent(err) {
		return err
	}
	if apierrors.IsInvalid(err) || apierrors.IsBadRequest(err) || apierrors.IsForbidden(err) ||
		apierrors.IsMethodNotSupported(err) || meta.IsNoMatchError(err) {
		return apply.Permanent(err)
	}
	return err
}

func toObject(gvk schema.GroupVersionKind, r *resource.ManagedResource) *unstructured.Unstructured {
	obj := &unstructured.Unstructured{Object: r.Body}
	obj.SetGroupVersionKind(gvk)
	obj.SetName(r.Identity.Name)
	if r.Identity.Namespace != "" {
		obj.SetNamespace(r.Identity.Namespace)
	}
	return obj
}

// ParseKind parses a kind written as group/version/Kind, or version/Kind for the core group
func ParseKind(kind string) (schema.GroupVersionKind, error) {
	parts := strings.Split(kind, "/")
	switch {
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		return schema.GroupVersionKind{Version: parts[0], Kind: parts[1]}, nil
	case len(parts) == 3 && parts[0] != "" && parts[1] != "" && parts[2] != "":
		return schema.GroupVersionKind{Group: parts[0], Version: parts[1], Kind: parts[2]}, nil
	default:
		return schema.GroupVersionKind{}, fmt.Errorf("invalid kind %q: expected group/version/Kind or version/Kind", kind)
	}
}

// ConflictError represents a field manager conflict
type ConflictError struct {
	Resource     string
	FieldManager string
	Err          error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("field manager conflict for %s (field manager: %s): %v", e.Resource, e.FieldManager, e.Err)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}
