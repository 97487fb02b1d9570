// Package kubeclient adapts Kubernetes clusters to the reconciler: every scope
// is a cluster, every kind is written as group/version/Kind, and bodies are
// unstructured objects. Creates and deletes go through the controller-runtime
// client; updates use either get-and-update or server-side apply.
package kubeclient
