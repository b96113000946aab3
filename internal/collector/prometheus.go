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

package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"k8s.io/apimachinery/pkg/api/resource"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-edge-provisioner/internal/logging"
)

const (
	// DefaultNodeMemoryQuery returns the root-cgroup working set per node, in bytes.
	DefaultNodeMemoryQuery = `sum by (node) (container_memory_working_set_bytes{id="/"})`

	// DefaultNodeCPUQuery returns the root-cgroup CPU usage per node, in cores.
	DefaultNodeCPUQuery = `sum by (node) (rate(container_cpu_usage_seconds_total{id="/"}[1m]))`

	defaultNodeLabel = "node"
)

// PrometheusSource reads node usage from Prometheus.
type PrometheusSource struct {
	api promv1.API

	MemoryQuery string
	CPUQuery    string
	NodeLabel   string
}

var _ UsageSource = &PrometheusSource{}

// NewPrometheusSource creates a source querying the Prometheus server at address.
func NewPrometheusSource(address string) (*PrometheusSource, error) {
	if address == "" {
		return nil, fmt.Errorf("prometheus address must not be empty")
	}
	c, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}
	return NewPrometheusSourceFromAPI(promv1.NewAPI(c)), nil
}

// NewPrometheusSourceFromAPI wraps an existing Prometheus API client.
func NewPrometheusSourceFromAPI(a promv1.API) *PrometheusSource {
	return &PrometheusSource{
		api:         a,
		MemoryQuery: DefaultNodeMemoryQuery,
		CPUQuery:    DefaultNodeCPUQuery,
		NodeLabel:   defaultNodeLabel,
	}
}

func (s *PrometheusSource) Name() string {
	return "prometheus"
}

func (s *PrometheusSource) Collect(ctx context.Context) (map[string]NodeUsage, error) {
	now := time.Now()
	mem, err := s.query(ctx, s.MemoryQuery, now)
	if err != nil {
		return nil, err
	}
	cpu, err := s.query(ctx, s.CPUQuery, now)
	if err != nil {
		return nil, err
	}

	out := make(map[string]NodeUsage, len(mem))
	for node, bytes := range mem {
		out[node] = NodeUsage{
			Memory: *resource.NewQuantity(int64(bytes), resource.BinarySI),
			CPU:    *resource.NewMilliQuantity(int64(cpu[node]*1000), resource.DecimalSI),
		}
	}
	return out, nil
}

func (s *PrometheusSource) query(ctx context.Context, q string, ts time.Time) (map[string]float64, error) {
	logger := ctrl.LoggerFrom(ctx)
	val, warnings, err := s.api.Query(ctx, q, ts)
	if err != nil {
		return nil, fmt.Errorf("prometheus query %q: %w", q, err)
	}
	if len(warnings) > 0 {
		logger.V(logging.DEBUG).Info("Prometheus query returned warnings", "query", q, "warnings", warnings)
	}
	vec, ok := val.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("prometheus query %q: expected vector result, got %s", q, val.Type())
	}
	out := make(map[string]float64, len(vec))
	for _, sample := range vec {
		node := string(sample.Metric[model.LabelName(s.NodeLabel)])
		if node == "" {
			continue
		}
		out[node] = float64(sample.Value)
	}
	return out, nil
}
