package kubeclient

import (
	"fmt"

	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	_ "k8s.io/client-go/plugin/pkg/client/auth"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// ClusterConfig maps a scope to a kubeconfig context
type ClusterConfig struct {
	// Scope is the cluster name used in resource identities
	Scope string `json:"scope"`

	// Context is the kubeconfig context; empty uses the current context
	Context string `json:"context,omitempty"`

	// Kubeconfig overrides the kubeconfig path for this cluster
	Kubeconfig string `json:"kubeconfig,omitempty"`
}

// NewScheme returns a scheme with the built-in Kubernetes types registered
func NewScheme() *runtime.Scheme {
	s := runtime.NewScheme()
	_ = clientgoscheme.AddToScheme(s)
	return s
}

// Connect builds one controller-runtime client per configured cluster.
// defaultKubeconfig is used for clusters without their own path; empty falls
// back to the standard loading rules (KUBECONFIG, ~/.kube/config).
func Connect(clusters []ClusterConfig, defaultKubeconfig string, scheme *runtime.Scheme) (map[string]client.Client, error) {
	if scheme == nil {
		scheme = NewScheme()
	}

	out := make(map[string]client.Client, len(clusters))
	for _, cc := range clusters {
		if cc.Scope == "" {
			return nil, fmt.Errorf("cluster scope cannot be empty")
		}
		if _, dup := out[cc.Scope]; dup {
			return nil, fmt.Errorf("cluster %q is configured twice", cc.Scope)
		}

		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		if cc.Kubeconfig != "" {
			rules.ExplicitPath = cc.Kubeconfig
		} else if defaultKubeconfig != "" {
			rules.ExplicitPath = defaultKubeconfig
		}
		overrides := &clientcmd.ConfigOverrides{CurrentContext: cc.Context}

		restConfig, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load kubeconfig for cluster %q: %w", cc.Scope, err)
		}

		cl, err := client.New(restConfig, client.Options{Scheme: scheme})
		if err != nil {
			return nil, fmt.Errorf("failed to create client for cluster %q: %w", cc.Scope, err)
		}
		out[cc.Scope] = cl
	}

	return out, nil
}
