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

package reconciler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-edge-provisioner/internal/config"
	"github.com/llm-d/llm-d-edge-provisioner/internal/logging"
	"github.com/llm-d/llm-d-edge-provisioner/internal/manifest"
	"github.com/llm-d/llm-d-edge-provisioner/internal/provisioning"
	"github.com/llm-d/llm-d-edge-provisioner/internal/solver"
	"github.com/llm-d/llm-d-edge-provisioner/internal/stats"
)

// Cluster is the part of the orchestration collaborator the reconciler needs.
type Cluster interface {
	ModelReady(ctx context.Context, model, node string) (bool, error)
	CreateWorkload(ctx context.Context, w *manifest.Workload) error
}

// Manifests produces the workload for a (model, node) pair.
type Manifests interface {
	Workload(model string, node config.NodeSpec) (*manifest.Workload, error)
}

// Options tunes a Reconciler.
type Options struct {
	// Readiness bounds the wait for each created workload.
	Readiness config.ReadinessConfig

	// SkipTrailingRow leaves the last assignment row unprocessed.
	SkipTrailingRow bool
}

// Result summarizes one reconciliation pass.
type Result struct {
	// Created lists the workloads created in this pass.
	Created []string

	// Skipped lists the workloads that were already ready.
	Skipped []string
}

// Reconciler is the Placement Reconciler: it realizes an assignment matrix
// by creating the workloads that are not yet ready and waiting for them.
type Reconciler struct {
	cluster   Cluster
	manifests Manifests
	catalog   *config.Catalog
	store     stats.Store
	opts      Options

	now func() time.Time
}

// New creates a Reconciler. store may be nil, in which case created models
// get no stats entry.
func New(cluster Cluster, manifests Manifests, catalog *config.Catalog, store stats.Store, opts Options) *Reconciler {
	return &Reconciler{
		cluster:   cluster,
		manifests: manifests,
		catalog:   catalog,
		store:     store,
		opts:      opts,
		now:       time.Now,
	}
}

// Reconcile walks every row of a and, for each cell set to 1, ensures the
// request's model is ready on that node. Any failure aborts the pass;
// workloads created earlier in the pass are kept.
func (r *Reconciler) Reconcile(ctx context.Context, a solver.Assignment, requests stats.RequestLog) (Result, error) {
	logger := ctrl.LoggerFrom(ctx)
	var result Result

	rows := a.Requests()
	if rows > len(requests) {
		return result, provisioning.Errorf(provisioning.KindReconciliation,
			"assignment has %d rows but only %d requests are known", rows, len(requests))
	}
	if r.opts.SkipTrailingRow && rows > 0 {
		rows--
	}

	handled := map[string]bool{}
	for i := 0; i < rows; i++ {
		model := requests[i].Model
		for j, v := range a[i] {
			if v != 1 {
				continue
			}
			node, ok := r.catalog.NodeAt(j)
			if !ok {
				return result, provisioning.Errorf(provisioning.KindReconciliation,
					"request %d assigned to unknown node ordinal %d", i, j)
			}
			name := manifest.WorkloadName(model, node.Name)
			if handled[name] {
				continue
			}

			ready, err := r.cluster.ModelReady(ctx, model, node.Name)
			if err != nil {
				return result, provisioning.NewError(provisioning.KindReconciliation,
					fmt.Errorf("checking %s: %w", name, err))
			}
			handled[name] = true
			if ready {
				logger.V(logging.DEBUG).Info("Workload already ready", "workload", name)
				result.Skipped = append(result.Skipped, name)
				continue
			}

			logger.Info("Provisioning workload", "workload", name, "model", model, "node", node.Name, "request", i)
			if err := r.create(ctx, model, node); err != nil {
				return result, err
			}
			result.Created = append(result.Created, name)
		}
	}
	return result, nil
}

func (r *Reconciler) create(ctx context.Context, model string, node config.NodeSpec) error {
	w, err := r.manifests.Workload(model, node)
	if err != nil {
		return err
	}
	if err := r.cluster.CreateWorkload(ctx, w); err != nil {
		return provisioning.NewError(provisioning.KindReconciliation, fmt.Errorf("creating %s: %w", w.Name(), err))
	}
	if r.store != nil {
		err := r.store.Update(ctx, func(s *stats.Snapshot) error {
			s.EnsureModel(model, r.now())
			return nil
		})
		if err != nil {
			return err
		}
	}
	return r.waitReady(ctx, model, node.Name)
}

// waitReady polls readiness with exponential backoff, capped at MaxDelay,
// until Timeout elapses.
func (r *Reconciler) waitReady(ctx context.Context, model, node string) error {
	logger := ctrl.LoggerFrom(ctx)
	cfg := r.opts.Readiness
	name := manifest.WorkloadName(model, node)

	waitCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	backoff := wait.Backoff{
		Duration: cfg.InitialDelay,
		Factor:   cfg.Factor,
		Jitter:   0.1,
		Steps:    math.MaxInt32,
		Cap:      cfg.MaxDelay,
	}
	start := time.Now()
	for attempt := 1; ; attempt++ {
		ready, err := r.cluster.ModelReady(waitCtx, model, node)
		if err != nil && waitCtx.Err() == nil {
			return provisioning.NewError(provisioning.KindReconciliation,
				fmt.Errorf("checking readiness of %s: %w", name, err))
		}
		if ready {
			logger.Info("Workload ready", "workload", name, "attempts", attempt, "elapsed", time.Since(start))
			return nil
		}

		delay := backoff.Step()
		logger.V(logging.TRACE).Info("Workload not ready yet", "workload", name, "attempt", attempt, "retryIn", delay)
		select {
		case <-waitCtx.Done():
			if errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return provisioning.NewError(provisioning.KindReadinessTimeout,
					fmt.Errorf("%s not ready after %s", name, cfg.Timeout))
			}
			return provisioning.NewError(provisioning.KindReconciliation,
				fmt.Errorf("waiting for %s: %w", name, ctx.Err()))
		case <-time.After(delay):
		}
	}
}
