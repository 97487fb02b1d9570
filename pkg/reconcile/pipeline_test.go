package reconcile

import (
	"bytes"
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/chazu/steward/pkg/earlyexit"
	"github.com/chazu/steward/pkg/errdefs"
	"github.com/chazu/steward/pkg/inventory"
	"github.com/chazu/steward/pkg/resource"
)

var _ = Describe("Reconcile pipeline", func() {
	var (
		ctx      context.Context
		provider *mockProvider
		client   *mockClient
	)

	BeforeEach(func() {
		ctx = context.Background()
		provider = newMockProvider()
		client = newMockClient()
	})

	Context("When an action fails", func() {
		It("should apply the remaining actions and report the failure", func() {
			By("Committing two resources and failing one of them")
			provider.commit("r1", configMap("c1", "a", 1), configMap("c1", "b", 1))
			client.applyErrs["c1//ConfigMap/a"] = errors.New("quota exceeded")

			cfg := testConfig()
			cfg.MaxRetries = 0
			r, err := NewReconciler(cfg, provider, client, nil)
			Expect(err).NotTo(HaveOccurred())

			result := r.Run(ctx, Params{})

			By("Checking that the sibling was applied")
			Expect(client.appliedActions()).To(ContainElement("create c1//ConfigMap/b"))
			Expect(result.ExitCode()).To(Equal(ExitErrors))

			var actionErr *errdefs.ActionError
			Expect(errors.As(result.Errors()[0], &actionErr)).To(BeTrue())
			Expect(actionErr.Target).To(Equal("c1//ConfigMap/a"))

			var out bytes.Buffer
			Expect(result.Render(&out)).To(Succeed())
			Expect(out.String()).To(ContainSubstring("[failed] create c1//ConfigMap/a"))
			Expect(out.String()).To(ContainSubstring("[applied] create c1//ConfigMap/b"))
		})
	})

	Context("When kinds depend on each other", func() {
		It("should create dependencies first and delete them last", func() {
			cfg := testConfig()
			cfg.ManagedKinds = map[string][]string{inventory.AllScopes: {"Namespace", "ConfigMap"}}
			cfg.KindDependencies = map[string][]string{"ConfigMap": {"Namespace"}}

			ns := resource.New(resource.Identity{Scope: "c1", Kind: "Namespace", Name: "team"}, map[string]interface{}{})
			cm := resource.New(resource.Identity{Scope: "c1", Namespace: "team", Kind: "ConfigMap", Name: "a"},
				map[string]interface{}{"v": 1})

			provider.commit("r1", cm, ns)
			r, err := NewReconciler(cfg, provider, client, nil)
			Expect(err).NotTo(HaveOccurred())

			By("Creating both kinds")
			result := r.Run(ctx, Params{})
			Expect(actionStrings(result.Actions)).To(Equal([]string{
				"create c1//Namespace/team",
				"create c1/team/ConfigMap/a",
			}))

			By("Removing both kinds")
			provider.commit("r2")
			result = r.Run(ctx, Params{})
			Expect(result.Actions).To(BeEmpty(), "scopes without desired state are not fetched")

			cfg.ManagedKinds = map[string][]string{"c1": {"Namespace", "ConfigMap"}}
			r, err = NewReconciler(cfg, provider, client, nil)
			Expect(err).NotTo(HaveOccurred())
			result = r.Run(ctx, Params{})
			Expect(actionStrings(result.Actions)).To(Equal([]string{
				"delete c1/team/ConfigMap/a",
				"delete c1//Namespace/team",
			}))
		})
	})

	Context("When ownership is required", func() {
		It("should leave resources of other owners alone", func() {
			cfg := testConfig()
			cfg.RequireOwnership = true

			foreign := configMap("c1", "foreign", 1)
			client = newMockClient(foreign)
			provider.commit("r1", configMap("c1", "a", 1))

			r, err := NewReconciler(cfg, provider, client, nil)
			Expect(err).NotTo(HaveOccurred())

			result := r.Run(ctx, Params{})
			Expect(actionStrings(result.Actions)).To(Equal([]string{"create c1//ConfigMap/a"}))

			By("Deleting what the integration stamped")
			provider.commit("r2", configMap("c1", "b", 1))
			result = r.Run(ctx, Params{})
			Expect(actionStrings(result.Actions)).To(Equal([]string{
				"create c1//ConfigMap/b",
				"delete c1//ConfigMap/a",
			}))
		})
	})

	Context("When the early-exit cache is unreachable", func() {
		It("should run in full", func() {
			provider.commit("r1", configMap("c1", "a", 1))
			r, err := NewReconciler(testConfig(), provider, client, earlyexit.NewGate(provider, brokenCache{}))
			Expect(err).NotTo(HaveOccurred())

			result := r.Run(ctx, Params{ExtendedEarlyExitEnabled: true, ExtendedEarlyExitTTLSeconds: 60})

			Expect(result.Skipped).To(BeFalse())
			Expect(result.Decision.Reason).To(Equal(earlyexit.ReasonUnavailable))
			Expect(result.ExitCode()).To(Equal(ExitOK))
			Expect(client.appliedActions()).To(HaveLen(1))
		})
	})
})

// brokenCache fails every call
type brokenCache struct{}

func (brokenCache) Get(context.Context, string) (*earlyexit.Entry, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func (brokenCache) Set(context.Context, *earlyexit.Entry, time.Duration) error {
	return errors.New("dial tcp: connection refused")
}
