package controller

import (
	"context"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilexec "k8s.io/utils/exec"
	testingexec "k8s.io/utils/exec/testing"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	"github.com/llm-d/llm-d-edge-provisioner/internal/cluster"
	"github.com/llm-d/llm-d-edge-provisioner/internal/config"
	"github.com/llm-d/llm-d-edge-provisioner/internal/eviction"
	"github.com/llm-d/llm-d-edge-provisioner/internal/logging"
	"github.com/llm-d/llm-d-edge-provisioner/internal/manifest"
	"github.com/llm-d/llm-d-edge-provisioner/internal/reconciler"
	"github.com/llm-d/llm-d-edge-provisioner/internal/solver"
	"github.com/llm-d/llm-d-edge-provisioner/internal/stats"
)

const e2eNamespace = "deployed-services"

// startPods makes every created deployment come up with one ready pod.
func startPods() interceptor.Funcs {
	return interceptor.Funcs{
		Create: func(ctx context.Context, cl client.WithWatch, obj client.Object, opts ...client.CreateOption) error {
			if err := cl.Create(ctx, obj, opts...); err != nil {
				return err
			}
			d, ok := obj.(*appsv1.Deployment)
			if !ok {
				return nil
			}
			pod := &corev1.Pod{
				ObjectMeta: metav1.ObjectMeta{Name: d.Name + "-0", Namespace: d.Namespace, Labels: d.Spec.Template.Labels},
				Spec:       *d.Spec.Template.Spec.DeepCopy(),
			}
			if err := cl.Create(ctx, pod); err != nil {
				return err
			}
			pod.Status = corev1.PodStatus{
				Phase:             corev1.PodRunning,
				HostIP:            "192.168.1.41",
				ContainerStatuses: []corev1.ContainerStatus{{Name: "serving", Ready: true}},
			}
			return cl.Status().Update(ctx, pod)
		},
	}
}

// solverRuns returns a FakeExec answering n solver runs with result.
func solverRuns(g **solver.Gateway, n int, result string) *testingexec.FakeExec {
	fe := &testingexec.FakeExec{}
	for range n {
		cmd := &testingexec.FakeCmd{
			RunScript: []testingexec.FakeAction{
				func() ([]byte, []byte, error) {
					return nil, nil, os.WriteFile((*g).ResultPath(), []byte(result), 0o644)
				},
			},
		}
		fe.CommandScript = append(fe.CommandScript, func(name string, args ...string) utilexec.Cmd {
			return testingexec.InitFakeCmd(cmd, name, args...)
		})
	}
	return fe
}

var _ = Describe("Provisioning cycle against a fake cluster", func() {
	var (
		ctx       context.Context
		k8s       client.Client
		store     stats.Store
		gateway   *solver.Gateway
		generator *manifest.Generator
		c         PlacementController
	)

	BeforeEach(func() {
		ctx = logging.NewTestLoggerIntoContext(context.Background())
		catalog, err := config.LoadCatalog("", "1")
		Expect(err).NotTo(HaveOccurred())

		store, err = stats.NewFileStore(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(store.Close)
		Expect(store.Update(ctx, func(s *stats.Snapshot) error {
			s.RecordRequest(stats.RequestRecord{
				Model: "resnet", Latency: 0.5, Server: "192.168.1.41", ServerName: "jetsonnanoone",
			}, time.Now())
			return nil
		})).To(Succeed())

		fe := solverRuns(&gateway, 2, "1\n0\n0\n0\n0\n")
		gateway, err = solver.NewGateway(config.SolverConfig{
			Command:    "./ampl",
			WorkDir:    GinkgoT().TempDir(),
			Encoder:    config.EncoderJSON,
			ResultFile: "solver_results.txt",
		}, solver.WithExec(fe))
		Expect(err).NotTo(HaveOccurred())

		k8s = fake.NewClientBuilder().WithScheme(cluster.NewScheme()).WithInterceptorFuncs(startPods()).Build()
		cl := cluster.New(k8s, e2eNamespace)
		generator = manifest.NewGenerator(catalog, e2eNamespace, config.ManifestConfig{})
		DeferCleanup(generator.Stop)

		c, err = NewController(config.ModeEvicting, Deps{
			Catalog:   catalog,
			Store:     store,
			Telemetry: &stubTelemetry{calls: &calls{}, capacity: referenceCapacity()},
			Solver:    gateway,
			Placer: reconciler.New(cl, generator, catalog, store, reconciler.Options{
				Readiness: config.ReadinessConfig{
					InitialDelay: time.Millisecond,
					Factor:       2,
					MaxDelay:     10 * time.Millisecond,
					Timeout:      time.Second,
				},
			}),
			Evictor: eviction.New(cl, store),
			Thresholds: func() Thresholds {
				return Thresholds{Staleness: 5 * time.Hour, UsageThreshold: 1}
			},
		})
		Expect(err).NotTo(HaveOccurred())
	})

	It("places a single resnet request on jetsonnanoone and converges", func() {
		report, err := c.RunCycle(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Created).To(Equal([]string{"resnet-jetsonnanoone"}))

		deploy := &appsv1.Deployment{}
		Expect(k8s.Get(ctx, client.ObjectKey{Namespace: e2eNamespace, Name: "resnet-jetsonnanoone-deployment"}, deploy)).To(Succeed())
		Expect(deploy.Spec.Template.Spec.NodeName).To(Equal("jetsonnanoone"))

		snap, err := store.Load(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(snap.Models).To(HaveKeyWithValue("resnet", HaveField("NumRequests", 1)))

		report, err = c.RunCycle(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Evicted).To(BeEmpty())
		Expect(report.Created).To(BeEmpty())
		Expect(report.Skipped).To(Equal([]string{"resnet-jetsonnanoone"}))
	})
})
