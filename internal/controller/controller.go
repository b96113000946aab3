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

package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-edge-provisioner/internal/collector"
	"github.com/llm-d/llm-d-edge-provisioner/internal/config"
	"github.com/llm-d/llm-d-edge-provisioner/internal/logging"
	"github.com/llm-d/llm-d-edge-provisioner/internal/manifest"
	"github.com/llm-d/llm-d-edge-provisioner/internal/metrics"
	"github.com/llm-d/llm-d-edge-provisioner/internal/provisioning"
	"github.com/llm-d/llm-d-edge-provisioner/internal/reconciler"
	"github.com/llm-d/llm-d-edge-provisioner/internal/solver"
	"github.com/llm-d/llm-d-edge-provisioner/internal/stats"
)

var errMissingDependency = errors.New("missing controller dependency")

// Telemetry reports the available memory of every catalog node.
type Telemetry interface {
	AvailableMemory(ctx context.Context) (collector.NodeCapacity, error)
}

// Solver turns an optimization input into an assignment matrix.
type Solver interface {
	SolveInput(ctx context.Context, in *solver.Input) (solver.Assignment, error)
}

// Placer realizes an assignment matrix in the cluster.
type Placer interface {
	Reconcile(ctx context.Context, a solver.Assignment, requests stats.RequestLog) (reconciler.Result, error)
}

// Evictor runs the age and usage eviction passes.
type Evictor interface {
	EvictOld(ctx context.Context, staleness time.Duration) ([]string, error)
	EvictUnused(ctx context.Context, threshold int) ([]string, error)
}

// Thresholds are the eviction thresholds in effect for one cycle.
type Thresholds struct {
	Staleness      time.Duration
	UsageThreshold int
}

// Deps are the collaborators of a PlacementController.
type Deps struct {
	Catalog   *config.Catalog
	Store     stats.Store
	Telemetry Telemetry
	Solver    Solver
	Placer    Placer

	// Evictor is required by the evicting controller only.
	Evictor Evictor

	// Thresholds is read at the start of every cycle so configuration
	// reloads take effect without a restart.
	Thresholds func() Thresholds

	// Recorder may be nil.
	Recorder *metrics.Recorder
}

// CycleReport summarizes one provisioning cycle.
type CycleReport struct {
	ID       string
	Mode     config.Mode
	Evicted  []string
	Created  []string
	Skipped  []string
	Requests int
	Nodes    int
	Stage    provisioning.Stage
	Duration time.Duration
}

// PlacementController runs provisioning cycles.
type PlacementController interface {
	Mode() config.Mode
	// RunCycle runs one cycle. A failing stage aborts the rest of the cycle;
	// the returned report covers the stages that ran.
	RunCycle(ctx context.Context) (*CycleReport, error)
}

// NewController returns the PlacementController for mode.
func NewController(mode config.Mode, deps Deps) (PlacementController, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	p := &placer{deps: deps}
	switch mode {
	case config.ModeEvicting:
		if deps.Evictor == nil {
			return nil, fmt.Errorf("%w: evictor", errMissingDependency)
		}
		return &evictingController{placer: p}, nil
	case config.ModePlacementOnly:
		return &placementController{placer: p}, nil
	default:
		return nil, provisioning.Errorf(provisioning.KindConfiguration, "unsupported mode %d", int(mode))
	}
}

func (d Deps) validate() error {
	switch {
	case d.Catalog == nil:
		return fmt.Errorf("%w: catalog", errMissingDependency)
	case d.Store == nil:
		return fmt.Errorf("%w: stats store", errMissingDependency)
	case d.Telemetry == nil:
		return fmt.Errorf("%w: telemetry", errMissingDependency)
	case d.Solver == nil:
		return fmt.Errorf("%w: solver", errMissingDependency)
	case d.Placer == nil:
		return fmt.Errorf("%w: placer", errMissingDependency)
	}
	return nil
}

// placementController runs CollectStats, BuildInput, Solve and Reconcile.
type placementController struct {
	*placer
}

func (c *placementController) Mode() config.Mode {
	return config.ModePlacementOnly
}

func (c *placementController) RunCycle(ctx context.Context) (*CycleReport, error) {
	return c.cycle(ctx, config.ModePlacementOnly, c.place)
}

// evictingController runs both eviction passes ahead of placement.
type evictingController struct {
	*placer
}

func (c *evictingController) Mode() config.Mode {
	return config.ModeEvicting
}

func (c *evictingController) RunCycle(ctx context.Context) (*CycleReport, error) {
	return c.cycle(ctx, config.ModeEvicting, func(ctx context.Context, report *CycleReport) error {
		t := c.thresholds()

		report.Stage = provisioning.StageEvictOld
		old, err := c.deps.Evictor.EvictOld(ctx, t.Staleness)
		report.Evicted = append(report.Evicted, old...)
		c.recorder().ModelsEvicted("age", len(old))
		if err != nil {
			return provisioning.WithStage(err, provisioning.StageEvictOld, provisioning.KindReconciliation)
		}

		report.Stage = provisioning.StageEvictUnused
		unused, err := c.deps.Evictor.EvictUnused(ctx, t.UsageThreshold)
		report.Evicted = append(report.Evicted, unused...)
		c.recorder().ModelsEvicted("usage", len(unused))
		if err != nil {
			return provisioning.WithStage(err, provisioning.StageEvictUnused, provisioning.KindReconciliation)
		}

		return c.place(ctx, report)
	})
}

// placer holds the stages shared by both controllers.
type placer struct {
	deps Deps
}

func (p *placer) recorder() *metrics.Recorder {
	if p.deps.Recorder == nil {
		return &metrics.Recorder{}
	}
	return p.deps.Recorder
}

func (p *placer) thresholds() Thresholds {
	if p.deps.Thresholds == nil {
		return Thresholds{}
	}
	return p.deps.Thresholds()
}

// cycle runs body with a cycle ID in the context logger, then times, logs
// and records the outcome.
func (p *placer) cycle(ctx context.Context, mode config.Mode, body func(context.Context, *CycleReport) error) (*CycleReport, error) {
	report := &CycleReport{ID: uuid.NewString(), Mode: mode}
	logger := ctrl.LoggerFrom(ctx).WithValues("cycleID", report.ID, "mode", mode.String())
	ctx = ctrl.LoggerInto(ctx, logger)

	start := time.Now()
	logger.V(logging.DEBUG).Info("Provisioning cycle started")
	err := body(ctx, report)
	report.Duration = time.Since(start)
	p.recorder().ObserveCycle(mode.String(), report.Duration, err)

	if err != nil {
		p.recorder().StageFailed(string(provisioning.StageOf(err)), string(provisioning.KindOf(err)))
		logger.Error(err, "Provisioning cycle aborted",
			"stage", report.Stage,
			"kind", provisioning.KindOf(err),
			"evicted", report.Evicted,
			"created", report.Created,
			"duration", report.Duration)
		return report, err
	}
	report.Stage = provisioning.StageDone
	logger.Info("Provisioning cycle finished",
		"evicted", report.Evicted,
		"created", report.Created,
		"skipped", len(report.Skipped),
		"requests", report.Requests,
		"nodes", report.Nodes,
		"duration", report.Duration)
	return report, nil
}

func (p *placer) place(ctx context.Context, report *CycleReport) error {
	logger := ctrl.LoggerFrom(ctx)

	report.Stage = provisioning.StageCollectStats
	snap, err := p.deps.Store.Load(ctx)
	if err != nil {
		// A stats fetch failure is a collection failure, whatever the store reports.
		return provisioning.WithStage(provisioning.NewError(provisioning.KindCollection, err),
			provisioning.StageCollectStats, provisioning.KindCollection)
	}
	capacity, err := p.deps.Telemetry.AvailableMemory(ctx)
	if err != nil {
		return provisioning.WithStage(err, provisioning.StageCollectStats, provisioning.KindCollection)
	}
	report.Requests = len(snap.Requests)
	report.Nodes = len(capacity)
	p.recorder().SetPlacementRequests(report.Requests)
	if report.Requests == 0 {
		logger.Info("No requests recorded, skipping placement")
		return nil
	}

	report.Stage = provisioning.StageBuildInput
	in, err := solver.BuildInput(ctx, p.deps.Catalog, snap.Requests, capacity)
	if err != nil {
		return provisioning.WithStage(err, provisioning.StageBuildInput, provisioning.KindSolverInput)
	}

	report.Stage = provisioning.StageSolve
	assignment, err := p.deps.Solver.SolveInput(ctx, in)
	if err != nil {
		return provisioning.WithStage(err, provisioning.StageSolve, provisioning.KindSolverExecution)
	}
	logger.V(logging.DEBUG).Info("Solver assignment", "assignment", assignment.String())

	report.Stage = provisioning.StageReconcile
	res, err := p.deps.Placer.Reconcile(ctx, assignment, snap.Requests)
	report.Created = append(report.Created, res.Created...)
	report.Skipped = append(report.Skipped, res.Skipped...)
	for _, name := range res.Created {
		p.recorder().WorkloadCreated(manifest.ModelToken(name))
	}
	if err != nil {
		return provisioning.WithStage(err, provisioning.StageReconcile, provisioning.KindReconciliation)
	}
	return nil
}
