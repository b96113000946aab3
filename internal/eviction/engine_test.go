package eviction

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	"github.com/llm-d/llm-d-edge-provisioner/internal/cluster"
	"github.com/llm-d/llm-d-edge-provisioner/internal/logging"
	"github.com/llm-d/llm-d-edge-provisioner/internal/manifest"
	"github.com/llm-d/llm-d-edge-provisioner/internal/provisioning"
	"github.com/llm-d/llm-d-edge-provisioner/internal/stats"
)

const namespace = "deployed-services"

func workload(model, node string) []client.Object {
	name := manifest.WorkloadName(model, node)
	labels := map[string]string{manifest.LabelApp: name, manifest.LabelModel: model}
	return []client.Object{
		&appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{Name: manifest.DeploymentName(name), Namespace: namespace},
			Spec: appsv1.DeploymentSpec{
				Selector: &metav1.LabelSelector{MatchLabels: labels},
				Template: corev1.PodTemplateSpec{
					ObjectMeta: metav1.ObjectMeta{Labels: labels},
					Spec:       corev1.PodSpec{NodeName: node},
				},
			},
		},
		&corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace}},
	}
}

var _ = Describe("Engine", func() {
	var (
		ctx     context.Context
		now     time.Time
		k8s     client.Client
		store   stats.Store
		engine  *Engine
		objects []client.Object
		funcs   interceptor.Funcs
	)

	seed := func(models stats.ModelStats) {
		Expect(store.Update(ctx, func(s *stats.Snapshot) error {
			for k, v := range models {
				s.Models[k] = v
			}
			return nil
		})).To(Succeed())
	}

	entry := func(age time.Duration, requests int) stats.ModelStatsEntry {
		return stats.ModelStatsEntry{LastRequest: stats.NewTimestamp(now.Add(-age)), NumRequests: requests}
	}

	build := func() {
		k8s = fake.NewClientBuilder().
			WithScheme(cluster.NewScheme()).
			WithObjects(objects...).
			WithInterceptorFuncs(funcs).
			Build()
		engine = New(cluster.New(k8s, namespace), store)
		engine.now = func() time.Time { return now }
	}

	deploymentExists := func(model, node string) bool {
		d := &appsv1.Deployment{}
		err := k8s.Get(ctx, client.ObjectKey{Namespace: namespace, Name: manifest.DeploymentName(manifest.WorkloadName(model, node))}, d)
		if apierrors.IsNotFound(err) {
			return false
		}
		Expect(err).NotTo(HaveOccurred())
		return d.DeletionTimestamp == nil
	}

	models := func() stats.ModelStats {
		snap, err := store.Load(ctx)
		Expect(err).NotTo(HaveOccurred())
		return snap.Models
	}

	BeforeEach(func() {
		ctx = logging.NewTestLoggerIntoContext(context.Background())
		now = time.Date(2026, time.March, 10, 14, 0, 0, 0, time.Local)
		var err error
		store, err = stats.NewFileStore(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(store.Close)
		objects = nil
		funcs = interceptor.Funcs{}
	})

	Describe("EvictOld", func() {
		It("evicts at the staleness boundary and retains one hour younger", func() {
			objects = append(workload("resnet", "jetsonnanoone"), workload("nginx", "jetsonagx")...)
			seed(stats.ModelStats{
				"resnet": entry(5*time.Hour, 50),
				"nginx":  entry(4*time.Hour, 50),
			})
			build()

			evicted, err := engine.EvictOld(ctx, 5*time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(evicted).To(Equal([]string{"resnet"}))
			Expect(deploymentExists("resnet", "jetsonnanoone")).To(BeFalse())
			Expect(deploymentExists("nginx", "jetsonagx")).To(BeTrue())
			Expect(models()).To(HaveKey("nginx"))
			Expect(models()).NotTo(HaveKey("resnet"))
		})

		It("compares across day boundaries", func() {
			objects = workload("hpt", "jetsonnanotwo")
			seed(stats.ModelStats{"hpt": entry(26*time.Hour, 50)})
			build()

			evicted, err := engine.EvictOld(ctx, 5*time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(evicted).To(ConsistOf("hpt"))
		})

		It("deletes every deployment of an evicted model", func() {
			objects = append(workload("resnet", "jetsonnanoone"), workload("resnet", "jetsonagx")...)
			seed(stats.ModelStats{"resnet": entry(6*time.Hour, 1)})
			build()

			evicted, err := engine.EvictOld(ctx, 5*time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(evicted).To(ConsistOf("resnet"))
			Expect(deploymentExists("resnet", "jetsonnanoone")).To(BeFalse())
			Expect(deploymentExists("resnet", "jetsonagx")).To(BeFalse())
		})
	})

	Describe("EvictUnused", func() {
		It("retains the threshold and evicts one below it", func() {
			objects = append(workload("resnet", "jetsonnanoone"), workload("nginx", "jetsonagx")...)
			seed(stats.ModelStats{
				"resnet": entry(time.Minute, 10),
				"nginx":  entry(time.Minute, 9),
			})
			build()

			evicted, err := engine.EvictUnused(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(evicted).To(Equal([]string{"nginx"}))
			Expect(deploymentExists("resnet", "jetsonnanoone")).To(BeTrue())
			Expect(deploymentExists("nginx", "jetsonagx")).To(BeFalse())
		})
	})

	It("does not evict a model twice across passes", func() {
		objects = workload("resnet", "jetsonnanoone")
		seed(stats.ModelStats{"resnet": entry(6*time.Hour, 1)})
		build()

		evicted, err := engine.EvictOld(ctx, 5*time.Hour)
		Expect(err).NotTo(HaveOccurred())
		Expect(evicted).To(ConsistOf("resnet"))

		evicted, err = engine.EvictUnused(ctx, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(evicted).To(BeEmpty())
	})

	It("reports deployments without a stats entry and still evicts the rest", func() {
		objects = append(workload("resnet", "jetsonnanoone"), workload("hpt", "jetsonnanotwo")...)
		seed(stats.ModelStats{"hpt": entry(time.Minute, 0)})
		build()

		evicted, err := engine.EvictUnused(ctx, 10)
		Expect(provisioning.IsKind(err, provisioning.KindConsistency)).To(BeTrue(), "got %v", err)
		Expect(errors.Is(err, ErrNoStatsEntry)).To(BeTrue())
		Expect(evicted).To(ConsistOf("hpt"))
		Expect(deploymentExists("resnet", "jetsonnanoone")).To(BeTrue())
	})

	It("does nothing when no deployments exist", func() {
		seed(stats.ModelStats{"resnet": entry(10*time.Hour, 0)})
		build()

		evicted, err := engine.EvictOld(ctx, 5*time.Hour)
		Expect(err).NotTo(HaveOccurred())
		Expect(evicted).To(BeEmpty())
		Expect(models()).To(HaveKey("resnet"))
	})

	It("keeps the stats entry when deletion fails", func() {
		objects = workload("resnet", "jetsonnanoone")
		seed(stats.ModelStats{"resnet": entry(6*time.Hour, 0)})
		funcs.Delete = func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.DeleteOption) error {
			if _, ok := obj.(*corev1.Service); ok {
				return apierrors.NewServiceUnavailable("api server down")
			}
			return c.Delete(ctx, obj, opts...)
		}
		build()

		evicted, err := engine.EvictOld(ctx, 5*time.Hour)
		Expect(provisioning.IsKind(err, provisioning.KindReconciliation)).To(BeTrue(), "got %v", err)
		Expect(evicted).To(BeEmpty())
		Expect(models()).To(HaveKey("resnet"))
	})

	It("surfaces listing failures as collection errors", func() {
		funcs.List = func(ctx context.Context, c client.WithWatch, list client.ObjectList, opts ...client.ListOption) error {
			return apierrors.NewServiceUnavailable("api server down")
		}
		build()

		_, err := engine.EvictUnused(ctx, 10)
		Expect(provisioning.IsKind(err, provisioning.KindCollection)).To(BeTrue(), "got %v", err)
	})
})
