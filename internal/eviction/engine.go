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

package eviction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-edge-provisioner/internal/cluster"
	"github.com/llm-d/llm-d-edge-provisioner/internal/logging"
	"github.com/llm-d/llm-d-edge-provisioner/internal/manifest"
	"github.com/llm-d/llm-d-edge-provisioner/internal/provisioning"
	"github.com/llm-d/llm-d-edge-provisioner/internal/stats"
)

// ErrNoStatsEntry is reported when a live deployment's model has no entry in
// the stats store.
var ErrNoStatsEntry = errors.New("deployment has no stats entry")

// Cluster is the part of the orchestration collaborator eviction needs.
type Cluster interface {
	ListDeployments(ctx context.Context) ([]appsv1.Deployment, error)
	DeleteWorkload(ctx context.Context, target string) error
}

// Engine is the Eviction Policy Engine.
type Engine struct {
	cluster Cluster
	store   stats.Store
	now     func() time.Time
}

// New creates an eviction engine.
func New(c Cluster, store stats.Store) *Engine {
	return &Engine{cluster: c, store: store, now: time.Now}
}

// predicate decides whether a model with the given entry is evicted.
type predicate func(entry stats.ModelStatsEntry) bool

// EvictOld deletes every deployed model whose last request is at or before
// now-staleness and returns the evicted models.
func (e *Engine) EvictOld(ctx context.Context, staleness time.Duration) ([]string, error) {
	cutoff := e.now().Add(-staleness)
	ctrl.LoggerFrom(ctx).V(logging.DEBUG).Info("Age eviction pass", "staleness", staleness, "cutoff", cutoff)
	return e.evict(ctx, "age", func(entry stats.ModelStatsEntry) bool {
		return !entry.LastRequest.After(cutoff)
	})
}

// EvictUnused deletes every deployed model with fewer than threshold requests
// and returns the evicted models.
func (e *Engine) EvictUnused(ctx context.Context, threshold int) ([]string, error) {
	ctrl.LoggerFrom(ctx).V(logging.DEBUG).Info("Usage eviction pass", "threshold", threshold)
	return e.evict(ctx, "usage", func(entry stats.ModelStatsEntry) bool {
		return entry.NumRequests < threshold
	})
}

func (e *Engine) evict(ctx context.Context, pass string, stale predicate) ([]string, error) {
	logger := ctrl.LoggerFrom(ctx).WithValues("pass", pass)

	deployments, err := e.cluster.ListDeployments(ctx)
	if err != nil {
		return nil, provisioning.NewError(provisioning.KindCollection, fmt.Errorf("listing deployments: %w", err))
	}
	snap, err := e.store.Load(ctx)
	if err != nil {
		return nil, err
	}

	byModel := groupByModel(deployments)
	models := make([]string, 0, len(byModel))
	for m := range byModel {
		models = append(models, m)
	}
	sort.Strings(models)

	var evicted []string
	var drift []error
	for _, model := range models {
		entry, ok := snap.Models[model]
		if !ok {
			logger.Error(ErrNoStatsEntry, "Stats store out of sync with cluster", "model", model, "deployments", byModel[model])
			drift = append(drift, fmt.Errorf("%w: model %q (%v)", ErrNoStatsEntry, model, byModel[model]))
			continue
		}
		if !stale(entry) {
			logger.V(logging.TRACE).Info("Retaining model", "model", model,
				"lastRequest", entry.LastRequest.Time, "numRequests", entry.NumRequests)
			continue
		}

		for _, name := range byModel[model] {
			target := manifest.WorkloadFromDeployment(name)
			if err := e.cluster.DeleteWorkload(ctx, target); err != nil {
				if errors.Is(err, cluster.ErrWorkloadNotFound) {
					logger.V(logging.DEBUG).Info("Workload already gone", "workload", target)
					continue
				}
				return evicted, provisioning.NewError(provisioning.KindReconciliation,
					fmt.Errorf("evicting %s: %w", target, err))
			}
		}
		if err := e.store.Update(ctx, func(s *stats.Snapshot) error {
			s.Drop(model)
			return nil
		}); err != nil {
			return evicted, err
		}
		logger.Info("Evicted model", "model", model, "deployments", byModel[model],
			"lastRequest", entry.LastRequest.Time, "numRequests", entry.NumRequests)
		evicted = append(evicted, model)
	}

	if len(drift) > 0 {
		return evicted, provisioning.NewError(provisioning.KindConsistency, errors.Join(drift...))
	}
	return evicted, nil
}

// groupByModel maps each model to the names of its live deployments.
// Deployments already being deleted are left out.
func groupByModel(deployments []appsv1.Deployment) map[string][]string {
	out := make(map[string][]string)
	for i := range deployments {
		d := &deployments[i]
		if d.DeletionTimestamp != nil {
			continue
		}
		model := manifest.ModelOf(d)
		out[model] = append(out[model], d.Name)
	}
	return out
}
