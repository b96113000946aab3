/*
Copyright 2025 The llm-d Authors

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
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2" // nolint:all
	. "github.com/onsi/gomega"    // nolint:all
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/llm-d/llm-d-edge-provisioner/internal/collector"
	"github.com/llm-d/llm-d-edge-provisioner/internal/config"
	"github.com/llm-d/llm-d-edge-provisioner/internal/eviction"
	"github.com/llm-d/llm-d-edge-provisioner/internal/logging"
	"github.com/llm-d/llm-d-edge-provisioner/internal/manifest"
	"github.com/llm-d/llm-d-edge-provisioner/internal/reconciler"
	"github.com/llm-d/llm-d-edge-provisioner/internal/solver"
	"github.com/llm-d/llm-d-edge-provisioner/internal/stats"
)

// clusterCatalog builds a catalog with one small nginx model over the
// cluster's schedulable nodes.
func clusterCatalog(ctx context.Context) *config.Catalog {
	nodes, err := k8sClient.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	Expect(err).NotTo(HaveOccurred())

	processing := map[string]float64{}
	catalog := &config.Catalog{
		Models: map[string]config.ModelSpec{
			"nginx": {Memory: 64, Image: "docker.io/library/nginx:1.27", Port: 80, ProcessingTime: processing},
		},
	}
	for i := range nodes.Items {
		n := &nodes.Items[i]
		if n.Spec.Unschedulable || hasNoScheduleTaint(n) {
			continue
		}
		addr := collector.NodeAddress(n)
		catalog.Nodes = append(catalog.Nodes, config.NodeSpec{Address: addr, Name: n.Name})
		processing[addr] = 0.1
	}
	Expect(catalog.Nodes).NotTo(BeEmpty(), "cluster has no schedulable nodes")
	Expect(catalog.Validate()).To(Succeed())
	return catalog
}

func hasNoScheduleTaint(n *corev1.Node) bool {
	for _, t := range n.Spec.Taints {
		if t.Effect == corev1.TaintEffectNoSchedule {
			return true
		}
	}
	return false
}

var _ = Describe("Provisioning on a live cluster", Ordered, func() {
	var (
		ctx       context.Context
		catalog   *config.Catalog
		store     stats.Store
		generator *manifest.Generator
		requests  stats.RequestLog
	)

	BeforeAll(func() {
		ctx = logging.NewTestLoggerIntoContext(context.Background())
		catalog = clusterCatalog(ctx)

		var err error
		store, err = stats.NewFileStore(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(store.Close)

		generator = manifest.NewGenerator(catalog, namespace, config.ManifestConfig{})
		DeferCleanup(generator.Stop)

		first := catalog.Nodes[0]
		requests = stats.RequestLog{{Model: "nginx", Latency: 0.2, Server: first.Address, ServerName: first.Name}}
	})

	It("creates the assigned workload and waits until it is ready", func() {
		r := reconciler.New(edge, generator, catalog, store, reconciler.Options{
			Readiness: config.ReadinessConfig{
				InitialDelay: 500 * time.Millisecond,
				Factor:       2,
				MaxDelay:     5 * time.Second,
				Timeout:      3 * time.Minute,
			},
		})
		a := solver.NewAssignment(1, len(catalog.Nodes))
		a[0][0] = 1

		res, err := r.Reconcile(ctx, a, requests)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Created).To(ConsistOf(manifest.WorkloadName("nginx", catalog.Nodes[0].Name)))

		ready, err := edge.ModelReady(ctx, "nginx", catalog.Nodes[0].Name)
		Expect(err).NotTo(HaveOccurred())
		Expect(ready).To(BeTrue())

		By("reconciling again without creating anything")
		res, err = r.Reconcile(ctx, a, requests)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Created).To(BeEmpty())
	})

	It("exposes the workload through a node port", func() {
		Eventually(func(g Gomega) {
			eps, err := edge.Endpoints(ctx, "nginx")
			g.Expect(err).NotTo(HaveOccurred())
			g.Expect(eps).NotTo(BeEmpty())
			g.Expect(eps[0].NodePort).To(BeNumerically(">", 0))
		}, time.Minute, 2*time.Second).Should(Succeed())
	})

	It("evicts the workload once it falls below the usage threshold", func() {
		evicted, err := eviction.New(edge, store).EvictUnused(ctx, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(evicted).To(ConsistOf("nginx"))

		Eventually(func(g Gomega) {
			deploys, err := edge.ListDeployments(ctx)
			g.Expect(err).NotTo(HaveOccurred())
			g.Expect(deploys).To(BeEmpty())
		}, 2*time.Minute, 2*time.Second).Should(Succeed())
	})
})
