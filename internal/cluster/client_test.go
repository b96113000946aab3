package cluster

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	promoperator "github.com/prometheus-operator/prometheus-operator/pkg/apis/monitoring/v1"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	"github.com/llm-d/llm-d-edge-provisioner/internal/config"
	"github.com/llm-d/llm-d-edge-provisioner/internal/logging"
	"github.com/llm-d/llm-d-edge-provisioner/internal/manifest"
)

const testNamespace = "deployed-services"

func makePod(name, workload, model, node, hostIP string, ready bool) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: testNamespace,
			Labels:    map[string]string{manifest.LabelApp: workload, manifest.LabelModel: model},
		},
		Spec: corev1.PodSpec{NodeName: node},
		Status: corev1.PodStatus{
			Phase:             corev1.PodRunning,
			HostIP:            hostIP,
			ContainerStatuses: []corev1.ContainerStatus{{Name: model, Ready: ready}},
		},
	}
}

// gone reports whether obj was removed or is being removed.
func gone(ctx context.Context, c client.Client, obj client.Object) bool {
	err := c.Get(ctx, client.ObjectKeyFromObject(obj), obj)
	if apierrors.IsNotFound(err) {
		return true
	}
	return err == nil && obj.GetDeletionTimestamp() != nil
}

var _ = Describe("Client", func() {
	var (
		ctx       context.Context
		k8s       client.Client
		c         *Client
		generator *manifest.Generator
		catalog   *config.Catalog
	)

	// withObjects seeds the cluster. Pods are seeded rather than created so
	// that their status is kept.
	withObjects := func(objs ...client.Object) {
		k8s = fake.NewClientBuilder().WithScheme(NewScheme()).WithObjects(objs...).Build()
		c = New(k8s, testNamespace)
	}

	BeforeEach(func() {
		ctx = logging.NewTestLoggerIntoContext(context.Background())
		withObjects()

		var err error
		catalog, err = config.LoadCatalog("", "1")
		Expect(err).NotTo(HaveOccurred())
		generator = manifest.NewGenerator(catalog, testNamespace, config.ManifestConfig{ServiceMonitor: true})
		DeferCleanup(generator.Stop)
	})

	Describe("CreateWorkload", func() {
		It("creates the deployment, service and service monitor", func() {
			w, err := generator.Workload("resnet", catalog.Nodes[0])
			Expect(err).NotTo(HaveOccurred())
			Expect(c.CreateWorkload(ctx, w)).To(Succeed())

			deploys, err := c.ListDeployments(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(deploys).To(HaveLen(1))
			Expect(deploys[0].Name).To(Equal("resnet-jetsonnanoone-deployment"))

			services, err := c.ListServices(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(services).To(HaveLen(1))
			Expect(services[0].Name).To(Equal("resnet-jetsonnanoone"))

			sm := &promoperator.ServiceMonitor{}
			Expect(k8s.Get(ctx, client.ObjectKey{Namespace: testNamespace, Name: "resnet-jetsonnanoone"}, sm)).To(Succeed())
		})

		It("tolerates objects that already exist", func() {
			w, err := generator.Workload("nginx", catalog.Nodes[4])
			Expect(err).NotTo(HaveOccurred())
			Expect(c.CreateWorkload(ctx, w)).To(Succeed())
			Expect(c.CreateWorkload(ctx, w)).To(Succeed())

			deploys, err := c.ListDeployments(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(deploys).To(HaveLen(1))
		})

		It("removes the deployment when the service cannot be created", func() {
			boom := errors.New("quota exceeded")
			k8s = fake.NewClientBuilder().WithScheme(NewScheme()).WithInterceptorFuncs(interceptor.Funcs{
				Create: func(ctx context.Context, cl client.WithWatch, obj client.Object, opts ...client.CreateOption) error {
					if _, ok := obj.(*corev1.Service); ok {
						return boom
					}
					return cl.Create(ctx, obj, opts...)
				},
			}).Build()
			c = New(k8s, testNamespace)

			w, err := generator.Workload("hpt", catalog.Nodes[1])
			Expect(err).NotTo(HaveOccurred())
			err = c.CreateWorkload(ctx, w)
			Expect(err).To(MatchError(ContainSubstring("quota exceeded")))

			Expect(gone(ctx, k8s, &appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{
				Namespace: testNamespace, Name: "hpt-jetsonnanotwo-deployment",
			}})).To(BeTrue())
		})
	})

	Describe("DeleteWorkload", func() {
		It("deletes the service and deployment of the target", func() {
			w, err := generator.Workload("resnet", catalog.Nodes[0])
			Expect(err).NotTo(HaveOccurred())
			Expect(c.CreateWorkload(ctx, w)).To(Succeed())

			Expect(c.DeleteWorkload(ctx, "resnet-jetsonnanoone")).To(Succeed())

			Expect(gone(ctx, k8s, w.Service.DeepCopy())).To(BeTrue())
			Expect(gone(ctx, k8s, w.Deployment.DeepCopy())).To(BeTrue())
		})

		It("reports a missing workload", func() {
			err := c.DeleteWorkload(ctx, "resnet-jetsonagx")
			Expect(errors.Is(err, ErrWorkloadNotFound)).To(BeTrue())
		})
	})

	Describe("ModelReady", func() {
		It("requires a ready first container on the requested node", func() {
			notReady := makePod("resnet-a", "resnet-jetsonnanoone", "resnet", "jetsonnanoone", "192.168.1.41", false)
			withObjects(notReady)

			ready, err := c.ModelReady(ctx, "resnet", "jetsonnanoone")
			Expect(err).NotTo(HaveOccurred())
			Expect(ready).To(BeFalse())

			withObjects(notReady, makePod("resnet-b", "resnet-jetsonnanoone", "resnet", "jetsonnanoone", "192.168.1.41", true))
			ready, err = c.ModelReady(ctx, "resnet", "jetsonnanoone")
			Expect(err).NotTo(HaveOccurred())
			Expect(ready).To(BeTrue())

			ready, err = c.ModelReady(ctx, "resnet", "jetsonagx")
			Expect(err).NotTo(HaveOccurred())
			Expect(ready).To(BeFalse())
		})
	})

	Describe("Scale", func() {
		It("patches the replica count", func() {
			w, err := generator.Workload("nginx", catalog.Nodes[0])
			Expect(err).NotTo(HaveOccurred())
			Expect(c.CreateWorkload(ctx, w)).To(Succeed())

			Expect(c.Scale(ctx, "nginx-jetsonnanoone", 3)).To(Succeed())

			deploy := &appsv1.Deployment{}
			Expect(k8s.Get(ctx, client.ObjectKey{Namespace: testNamespace, Name: "nginx-jetsonnanoone-deployment"}, deploy)).To(Succeed())
			Expect(*deploy.Spec.Replicas).To(Equal(int32(3)))
		})

		It("reports a missing workload", func() {
			Expect(errors.Is(c.Scale(ctx, "nginx-jetsonagx", 2), ErrWorkloadNotFound)).To(BeTrue())
		})
	})

	Describe("Endpoints", func() {
		It("joins running pods with their service node port", func() {
			pending := makePod("resnet-b", "resnet-jetsonagx", "resnet", "jetsonagx", "", false)
			pending.Status.Phase = corev1.PodPending
			withObjects(
				makePod("resnet-a", "resnet-jetsonnanoone", "resnet", "jetsonnanoone", "192.168.1.41", true),
				pending,
			)

			w, err := generator.Workload("resnet", catalog.Nodes[0])
			Expect(err).NotTo(HaveOccurred())
			w.Service.Spec.Ports[0].NodePort = 30501
			Expect(c.CreateWorkload(ctx, w)).To(Succeed())

			eps, err := c.Endpoints(ctx, "resnet")
			Expect(err).NotTo(HaveOccurred())
			Expect(eps).To(ConsistOf(Endpoint{
				Workload: "resnet-jetsonnanoone",
				NodeName: "jetsonnanoone",
				HostIP:   "192.168.1.41",
				NodePort: 30501,
			}))

			models, err := c.DeployedModels(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(models).To(Equal([]string{"resnet"}))
		})
	})
})
