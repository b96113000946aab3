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

package server

import (
	"context"
	"errors"
	"fmt"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-edge-provisioner/internal/config"
	"github.com/llm-d/llm-d-edge-provisioner/internal/manifest"
	"github.com/llm-d/llm-d-edge-provisioner/internal/reconciler"
)

var errNoRoom = errors.New("no node has enough available memory")

// WorkloadCreator submits workloads to the cluster.
type WorkloadCreator interface {
	CreateWorkload(ctx context.Context, w *manifest.Workload) error
}

// NodeProvisioner creates a model's workload on the catalog node with the
// most available memory. It does not wait for readiness.
type NodeProvisioner struct {
	catalog   *config.Catalog
	manifests reconciler.Manifests
	creator   WorkloadCreator
	telemetry Telemetry
}

func NewNodeProvisioner(catalog *config.Catalog, manifests reconciler.Manifests, creator WorkloadCreator, telemetry Telemetry) *NodeProvisioner {
	return &NodeProvisioner{catalog: catalog, manifests: manifests, creator: creator, telemetry: telemetry}
}

// Provision creates a workload for model and returns its name.
func (p *NodeProvisioner) Provision(ctx context.Context, model string) (string, error) {
	spec, ok := p.catalog.Model(model)
	if !ok {
		return "", fmt.Errorf("%w: %q", errUnknownModel, model)
	}
	nodes, err := p.telemetry.Nodes(ctx)
	if err != nil {
		return "", err
	}
	available := make(map[string]int64, len(nodes))
	for _, n := range nodes {
		available[n.Address] = n.AvailableMemory
	}

	var (
		best     config.NodeSpec
		bestFree int64 = -1
	)
	for _, n := range p.catalog.Nodes {
		free, ok := available[n.Address]
		if !ok || free < spec.Memory || free <= bestFree {
			continue
		}
		best, bestFree = n, free
	}
	if bestFree < 0 {
		return "", fmt.Errorf("%w: %s needs %d MiB", errNoRoom, model, spec.Memory)
	}

	w, err := p.manifests.Workload(model, best)
	if err != nil {
		return "", err
	}
	if err := p.creator.CreateWorkload(ctx, w); err != nil {
		return "", fmt.Errorf("creating %s: %w", w.Name(), err)
	}
	ctrl.LoggerFrom(ctx).Info("Provisioned workload on demand", "workload", w.Name(), "node", best.Name, "availableMiB", bestFree)
	return w.Name(), nil
}
