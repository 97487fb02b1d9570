//go:build e2e
// +build e2e

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

package e2e

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// namespace the integration manages resources in
const namespace = "steward-e2e"

const integrationTemplate = `
apiVersion: steward.chazu.io/v1alpha1
kind: Integration
metadata:
  name: e2e
spec:
  version: "1"
  source:
    type: file
    path: %s
  clusters:
  - scope: current
  managedKinds:
    current: [v1/ConfigMap]
  requireOwnership: true
  denylist:
  - metadata.resourceVersion
  - metadata.uid
  - metadata.generation
  - metadata.creationTimestamp
  - metadata.managedFields
  cache:
    type: disk
    directory: %s
`

const stateTemplate = `
resources: [{
	scope:     "current"
	namespace: "%[1]s"
	kind:      "v1/ConfigMap"
	name:      "settings"
	body: {
		apiVersion: "v1"
		kind:       "ConfigMap"
		metadata: {name: "settings", namespace: "%[1]s"}
		data: color: "%[2]s"
	}
}]
`

var _ = Describe("steward", Ordered, func() {
	var (
		dir         string
		statePath   string
		integration string
	)

	writeState := func(content string) {
		Expect(os.WriteFile(statePath, []byte(content), 0o644)).To(Succeed())
	}

	steward := func(args ...string) (string, error) {
		args = append(args, "--integration", integration, "--summary=false")
		return run(exec.Command(binary, args...))
	}

	BeforeAll(func() {
		By("creating the managed namespace")
		_, err := run(exec.Command("kubectl", "create", "ns", namespace))
		Expect(err).NotTo(HaveOccurred(), "Failed to create namespace")

		dir = GinkgoT().TempDir()
		statePath = filepath.Join(dir, "state.cue")
		integration = filepath.Join(dir, "integration.yaml")

		content := fmt.Sprintf(integrationTemplate, statePath, filepath.Join(dir, "cache"))
		Expect(os.WriteFile(integration, []byte(content), 0o644)).To(Succeed())
	})

	AfterAll(func() {
		By("removing the managed namespace")
		_, _ = run(exec.Command("kubectl", "delete", "ns", namespace, "--wait=false"))
	})

	SetDefaultEventuallyTimeout(time.Minute)
	SetDefaultEventuallyPollingInterval(time.Second)

	It("should plan without touching the cluster", func() {
		writeState(fmt.Sprintf(stateTemplate, namespace, "blue"))

		output, err := steward("plan")
		Expect(err).NotTo(HaveOccurred())
		Expect(output).To(ContainSubstring("[dry-run] create current/" + namespace + "/v1/ConfigMap/settings"))

		_, err = run(exec.Command("kubectl", "get", "configmap", "settings", "-n", namespace))
		Expect(err).To(HaveOccurred(), "plan must not create resources")
	})

	It("should create, then converge", func() {
		output, err := steward("run")
		Expect(err).NotTo(HaveOccurred())
		Expect(output).To(ContainSubstring("[applied] create"))

		color, err := run(exec.Command("kubectl", "get", "configmap", "settings", "-n", namespace,
			"-o", "jsonpath={.data.color}"))
		Expect(err).NotTo(HaveOccurred())
		Expect(color).To(Equal("blue"))

		By("running again without changes")
		output, err = steward("plan")
		Expect(err).NotTo(HaveOccurred())
		Expect(output).NotTo(ContainSubstring("[dry-run]"))
	})

	It("should update changed resources", func() {
		writeState(fmt.Sprintf(stateTemplate, namespace, "green"))

		output, err := steward("run")
		Expect(err).NotTo(HaveOccurred())
		Expect(output).To(ContainSubstring("[applied] update"))

		verifyColor := func(g Gomega) {
			color, err := run(exec.Command("kubectl", "get", "configmap", "settings", "-n", namespace,
				"-o", "jsonpath={.data.color}"))
			g.Expect(err).NotTo(HaveOccurred())
			g.Expect(color).To(Equal("green"))
		}
		Eventually(verifyColor).Should(Succeed())
	})

	It("should replay the output of a cached identical run", func() {
		writeState(fmt.Sprintf(stateTemplate, namespace, "red"))
		args := []string{"plan", "--extended-early-exit", "--extended-early-exit-ttl-seconds", "300"}

		first, err := steward(args...)
		Expect(err).NotTo(HaveOccurred())
		Expect(first).To(ContainSubstring("[dry-run] update"))

		second, err := steward(args...)
		Expect(err).NotTo(HaveOccurred())
		Expect(second).To(ContainSubstring("[dry-run] update"), "the skipped run replays the cached plan")
	})

	It("should delete resources removed from desired state", func() {
		writeState(`resources: []`)

		output, err := steward("run")
		Expect(err).NotTo(HaveOccurred())
		Expect(output).To(ContainSubstring("[applied] delete"))

		verifyDeleted := func(g Gomega) {
			_, err := run(exec.Command("kubectl", "get", "configmap", "settings", "-n", namespace))
			g.Expect(err).To(HaveOccurred())
		}
		Eventually(verifyDeleted).Should(Succeed())
	})

	It("should exit 2 on configuration errors", func() {
		_, err := steward("run", "--shard-count", "-1")
		Expect(err).To(HaveOccurred())

		var exitErr *exec.ExitError
		Expect(errors.As(err, &exitErr)).To(BeTrue())
		Expect(exitErr.ExitCode()).To(Equal(2))
	})
})
