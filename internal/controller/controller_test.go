package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/llm-d/llm-d-edge-provisioner/internal/collector"
	"github.com/llm-d/llm-d-edge-provisioner/internal/config"
	"github.com/llm-d/llm-d-edge-provisioner/internal/logging"
	"github.com/llm-d/llm-d-edge-provisioner/internal/provisioning"
	"github.com/llm-d/llm-d-edge-provisioner/internal/reconciler"
	"github.com/llm-d/llm-d-edge-provisioner/internal/solver"
	"github.com/llm-d/llm-d-edge-provisioner/internal/stats"
)

// calls records the order in which stubs are invoked.
type calls struct {
	mu    sync.Mutex
	names []string
}

func (c *calls) add(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = append(c.names, name)
}

func (c *calls) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.names...)
}

type stubTelemetry struct {
	calls    *calls
	capacity collector.NodeCapacity
	err      error
}

func (s *stubTelemetry) AvailableMemory(context.Context) (collector.NodeCapacity, error) {
	s.calls.add("telemetry")
	return s.capacity, s.err
}

type stubSolver struct {
	calls *calls
	input *solver.Input
	err   error
}

func (s *stubSolver) SolveInput(_ context.Context, in *solver.Input) (solver.Assignment, error) {
	s.calls.add("solve")
	s.input = in
	if s.err != nil {
		return nil, s.err
	}
	a := solver.NewAssignment(in.Requests(), in.Nodes())
	for i := range a {
		a[i][0] = 1
	}
	return a, nil
}

type stubPlacer struct {
	calls  *calls
	result reconciler.Result
	err    error
}

func (s *stubPlacer) Reconcile(context.Context, solver.Assignment, stats.RequestLog) (reconciler.Result, error) {
	s.calls.add("reconcile")
	return s.result, s.err
}

type stubEvictor struct {
	calls     *calls
	old       []string
	unused    []string
	oldErr    error
	staleness time.Duration
	threshold int
}

func (s *stubEvictor) EvictOld(_ context.Context, staleness time.Duration) ([]string, error) {
	s.calls.add("evictOld")
	s.staleness = staleness
	return s.old, s.oldErr
}

func (s *stubEvictor) EvictUnused(_ context.Context, threshold int) ([]string, error) {
	s.calls.add("evictUnused")
	s.threshold = threshold
	return s.unused, nil
}

// failingLoadStore fails every Load with err.
type failingLoadStore struct {
	stats.Store
	err error
}

func (s *failingLoadStore) Load(context.Context) (*stats.Snapshot, error) {
	return nil, s.err
}

func referenceCapacity() collector.NodeCapacity {
	return collector.NodeCapacity{
		"192.168.1.41": 1000,
		"192.168.1.23": 1000,
		"192.168.1.44": 1000,
		"192.168.1.36": 1000,
		"192.168.1.53": 4000,
	}
}

var _ = Describe("PlacementController", func() {
	var (
		ctx       context.Context
		log       *calls
		store     stats.Store
		telemetry *stubTelemetry
		slv       *stubSolver
		placer    *stubPlacer
		evictor   *stubEvictor
		deps      Deps
	)

	record := func(models ...string) {
		Expect(store.Update(ctx, func(s *stats.Snapshot) error {
			for _, m := range models {
				s.RecordRequest(stats.RequestRecord{Model: m, Latency: 0.5, Server: "192.168.1.41", ServerName: "jetsonnanoone"}, time.Now())
			}
			return nil
		})).To(Succeed())
	}

	BeforeEach(func() {
		ctx = logging.NewTestLoggerIntoContext(context.Background())
		log = &calls{}

		catalog, err := config.LoadCatalog("", "1")
		Expect(err).NotTo(HaveOccurred())
		store, err = stats.NewFileStore(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(store.Close)

		telemetry = &stubTelemetry{calls: log, capacity: referenceCapacity()}
		slv = &stubSolver{calls: log}
		placer = &stubPlacer{calls: log, result: reconciler.Result{Created: []string{"resnet-jetsonnanoone"}}}
		evictor = &stubEvictor{calls: log}
		deps = Deps{
			Catalog:   catalog,
			Store:     store,
			Telemetry: telemetry,
			Solver:    slv,
			Placer:    placer,
			Evictor:   evictor,
			Thresholds: func() Thresholds {
				return Thresholds{Staleness: 5 * time.Hour, UsageThreshold: 10}
			},
		}
	})

	Describe("NewController", func() {
		It("selects the variant by mode", func() {
			c, err := NewController(config.ModeEvicting, deps)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Mode()).To(Equal(config.ModeEvicting))

			c, err = NewController(config.ModePlacementOnly, deps)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Mode()).To(Equal(config.ModePlacementOnly))
		})

		It("rejects unknown modes", func() {
			_, err := NewController(config.Mode(3), deps)
			Expect(provisioning.IsKind(err, provisioning.KindConfiguration)).To(BeTrue())
		})

		It("requires an evictor in evicting mode only", func() {
			deps.Evictor = nil
			_, err := NewController(config.ModeEvicting, deps)
			Expect(errors.Is(err, errMissingDependency)).To(BeTrue())

			_, err = NewController(config.ModePlacementOnly, deps)
			Expect(err).NotTo(HaveOccurred())
		})

		It("requires the placement dependencies", func() {
			deps.Solver = nil
			_, err := NewController(config.ModePlacementOnly, deps)
			Expect(errors.Is(err, errMissingDependency)).To(BeTrue())
		})
	})

	Describe("evicting mode", func() {
		It("runs eviction before placement", func() {
			record("resnet")
			evictor.old = []string{"hpt"}
			evictor.unused = []string{"nginx"}
			c, err := NewController(config.ModeEvicting, deps)
			Expect(err).NotTo(HaveOccurred())

			report, err := c.RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(log.list()).To(Equal([]string{"evictOld", "evictUnused", "telemetry", "solve", "reconcile"}))
			Expect(report.Evicted).To(Equal([]string{"hpt", "nginx"}))
			Expect(report.Created).To(Equal([]string{"resnet-jetsonnanoone"}))
			Expect(report.Requests).To(Equal(1))
			Expect(report.Nodes).To(Equal(5))
			Expect(report.Stage).To(Equal(provisioning.StageDone))
			Expect(report.ID).NotTo(BeEmpty())
			Expect(evictor.staleness).To(Equal(5 * time.Hour))
			Expect(evictor.threshold).To(Equal(10))
		})

		It("aborts the cycle when eviction fails", func() {
			record("resnet")
			evictor.oldErr = provisioning.Errorf(provisioning.KindConsistency, "drift")
			c, err := NewController(config.ModeEvicting, deps)
			Expect(err).NotTo(HaveOccurred())

			report, err := c.RunCycle(ctx)
			Expect(provisioning.IsKind(err, provisioning.KindConsistency)).To(BeTrue())
			Expect(provisioning.StageOf(err)).To(Equal(provisioning.StageEvictOld))
			Expect(report.Stage).To(Equal(provisioning.StageEvictOld))
			Expect(log.list()).To(Equal([]string{"evictOld"}))
		})

		It("reads thresholds at the start of every cycle", func() {
			threshold := 10
			deps.Thresholds = func() Thresholds { return Thresholds{Staleness: time.Hour, UsageThreshold: threshold} }
			c, err := NewController(config.ModeEvicting, deps)
			Expect(err).NotTo(HaveOccurred())

			_, err = c.RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(evictor.threshold).To(Equal(10))

			threshold = 3
			_, err = c.RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(evictor.threshold).To(Equal(3))
		})
	})

	Describe("placement-only mode", func() {
		It("skips eviction", func() {
			record("resnet", "nginx")
			c, err := NewController(config.ModePlacementOnly, deps)
			Expect(err).NotTo(HaveOccurred())

			report, err := c.RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(log.list()).To(Equal([]string{"telemetry", "solve", "reconcile"}))
			Expect(report.Evicted).To(BeEmpty())
			Expect(slv.input.Requests()).To(Equal(2))
			Expect(slv.input.Nodes()).To(Equal(5))
		})

		It("stops after collecting stats when no requests are recorded", func() {
			c, err := NewController(config.ModePlacementOnly, deps)
			Expect(err).NotTo(HaveOccurred())

			report, err := c.RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(log.list()).To(Equal([]string{"telemetry"}))
			Expect(report.Stage).To(Equal(provisioning.StageDone))
		})
	})

	DescribeTable("stage failures abort the cycle",
		func(setup func(), stage provisioning.Stage, kind provisioning.Kind, ran []string) {
			record("resnet")
			setup()
			c, err := NewController(config.ModePlacementOnly, deps)
			Expect(err).NotTo(HaveOccurred())

			report, err := c.RunCycle(ctx)
			Expect(err).To(HaveOccurred())
			Expect(provisioning.StageOf(err)).To(Equal(stage))
			Expect(provisioning.KindOf(err)).To(Equal(kind))
			Expect(report.Stage).To(Equal(stage))
			Expect(log.list()).To(Equal(ran))
		},
		Entry("telemetry", func() { telemetry.err = errors.New("metrics api down") },
			provisioning.StageCollectStats, provisioning.KindCollection, []string{"telemetry"}),
		Entry("input", func() { delete(telemetry.capacity, "192.168.1.53") },
			provisioning.StageBuildInput, provisioning.KindSolverInput, []string{"telemetry"}),
		Entry("solver", func() { slv.err = provisioning.Errorf(provisioning.KindMalformedResult, "short") },
			provisioning.StageSolve, provisioning.KindMalformedResult, []string{"telemetry", "solve"}),
		Entry("reconcile", func() {
			placer.err = provisioning.Errorf(provisioning.KindReadinessTimeout, "not ready")
		}, provisioning.StageReconcile, provisioning.KindReadinessTimeout, []string{"telemetry", "solve", "reconcile"}),
	)

	It("classifies a stats store failure while collecting as a collection error", func() {
		deps.Store = &failingLoadStore{Store: store, err: provisioning.Errorf(provisioning.KindStatsStore, "lock timed out")}
		c, err := NewController(config.ModePlacementOnly, deps)
		Expect(err).NotTo(HaveOccurred())

		report, err := c.RunCycle(ctx)
		Expect(provisioning.KindOf(err)).To(Equal(provisioning.KindCollection))
		Expect(provisioning.StageOf(err)).To(Equal(provisioning.StageCollectStats))
		Expect(err.Error()).To(ContainSubstring("lock timed out"))
		Expect(report.Stage).To(Equal(provisioning.StageCollectStats))
		Expect(log.list()).To(BeEmpty())
	})

	It("reports workloads created before a reconcile failure", func() {
		record("resnet", "nginx")
		placer.err = provisioning.Errorf(provisioning.KindReconciliation, "create nginx-jetsonagx: forbidden")
		c, err := NewController(config.ModePlacementOnly, deps)
		Expect(err).NotTo(HaveOccurred())

		report, err := c.RunCycle(ctx)
		Expect(provisioning.KindOf(err)).To(Equal(provisioning.KindReconciliation))
		Expect(report.Created).To(Equal([]string{"resnet-jetsonnanoone"}))
	})

	Describe("Run", func() {
		It("returns the error of a single cycle", func() {
			record("resnet")
			slv.err = errors.New("solver crashed")
			c, err := NewController(config.ModePlacementOnly, deps)
			Expect(err).NotTo(HaveOccurred())

			err = Run(ctx, c, 0)
			Expect(provisioning.IsKind(err, provisioning.KindSolverExecution)).To(BeTrue())
		})

		It("keeps cycling past failures until cancelled", func() {
			record("resnet")
			slv.err = errors.New("solver crashed")
			c, err := NewController(config.ModePlacementOnly, deps)
			Expect(err).NotTo(HaveOccurred())

			runCtx, cancel := context.WithCancel(ctx)
			done := make(chan error)
			go func() { done <- Run(runCtx, c, 5*time.Millisecond) }()

			Eventually(func() int {
				n := 0
				for _, name := range log.list() {
					if name == "solve" {
						n++
					}
				}
				return n
			}).Should(BeNumerically(">=", 3))
			cancel()
			Eventually(done).Should(Receive(BeNil()))
		})
	})
})
