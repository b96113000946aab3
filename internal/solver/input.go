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

package solver

import (
	"context"
	"errors"
	"fmt"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-edge-provisioner/internal/collector"
	"github.com/llm-d/llm-d-edge-provisioner/internal/config"
	"github.com/llm-d/llm-d-edge-provisioner/internal/logging"
	"github.com/llm-d/llm-d-edge-provisioner/internal/provisioning"
	"github.com/llm-d/llm-d-edge-provisioner/internal/stats"
)

// CostSentinel is the cost of serving a request on a node it was not observed on.
const CostSentinel = 9999.0

var (
	errUnknownModel = errors.New("model not in catalog")
	errUnknownNode  = errors.New("node not in catalog")
	errNoCapacity   = errors.New("node missing from capacity")
	errNoTimes      = errors.New("model has no processing time for every node")
)

// Input is the optimization problem handed to the solver.
// Node columns follow catalog ordinals.
type Input struct {
	// Capacity is the available memory per node, in MiB.
	Capacity []int64

	// Demand is the memory requirement of each request's model, in MiB.
	Demand []int64

	// Cost holds the observed latency at the serving node and CostSentinel elsewhere.
	Cost [][]float64

	// ProcessingTime is the model's known processing time on every node.
	ProcessingTime [][]float64

	// Models is the model of each request.
	Models []string
}

// Requests returns R, the number of requests.
func (in *Input) Requests() int {
	return len(in.Demand)
}

// Nodes returns S, the number of nodes.
func (in *Input) Nodes() int {
	return len(in.Capacity)
}

// BuildInput builds the optimization input from the request log and node
// capacities. Every request must name a catalog model and a catalog node,
// and every catalog node must have a capacity.
func BuildInput(ctx context.Context, catalog *config.Catalog, requests stats.RequestLog, capacity collector.NodeCapacity) (*Input, error) {
	logger := ctrl.LoggerFrom(ctx)
	nodes := catalog.NodeCount()

	in := &Input{
		Capacity:       make([]int64, nodes),
		Demand:         make([]int64, len(requests)),
		Cost:           make([][]float64, len(requests)),
		ProcessingTime: make([][]float64, len(requests)),
		Models:         make([]string, len(requests)),
	}

	for j, n := range catalog.Nodes {
		avail, ok := capacity[n.Address]
		if !ok {
			return nil, provisioning.NewError(provisioning.KindSolverInput,
				fmt.Errorf("%w: %s (%s)", errNoCapacity, n.Name, n.Address))
		}
		in.Capacity[j] = avail
	}

	for i, r := range requests {
		model, ok := catalog.Model(r.Model)
		if !ok {
			return nil, provisioning.NewError(provisioning.KindSolverInput,
				fmt.Errorf("request %d: %w: %q", i, errUnknownModel, r.Model))
		}
		served, ok := catalog.NodeOrdinal(r.Server)
		if !ok {
			return nil, provisioning.NewError(provisioning.KindSolverInput,
				fmt.Errorf("request %d: %w: %q", i, errUnknownNode, r.Server))
		}
		if _, ok := capacity[r.Server]; !ok {
			return nil, provisioning.NewError(provisioning.KindSolverInput,
				fmt.Errorf("request %d: %w: %q", i, errNoCapacity, r.Server))
		}

		cost := make([]float64, nodes)
		for j := range cost {
			cost[j] = CostSentinel
		}
		cost[served] = r.Latency

		times, ok := catalog.ProcessingTimes(r.Model)
		if !ok {
			return nil, provisioning.NewError(provisioning.KindSolverInput,
				fmt.Errorf("request %d: %w: %q", i, errNoTimes, r.Model))
		}

		in.Demand[i] = model.Memory
		in.Cost[i] = cost
		in.ProcessingTime[i] = times
		in.Models[i] = r.Model
	}

	logger.V(logging.DEBUG).Info("Built optimization input", "requests", in.Requests(), "nodes", in.Nodes())
	return in, nil
}
