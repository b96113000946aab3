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

	"k8s.io/apimachinery/pkg/api/resource"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/llm-d/llm-d-edge-provisioner/internal/config"
	"github.com/llm-d/llm-d-edge-provisioner/internal/provisioning"
)

// NodeUsage is the current resource consumption of one node.
type NodeUsage struct {
	// CPU is the CPU in use.
	CPU resource.Quantity

	// Memory is the memory in use (working set).
	Memory resource.Quantity
}

// UsageSource is the interface for pluggable node usage sources.
type UsageSource interface {
	// Name returns the unique name of this source (e.g., "metrics-api", "prometheus").
	Name() string

	// Collect returns the current usage of every node the source knows about,
	// keyed by Kubernetes node name.
	Collect(ctx context.Context) (map[string]NodeUsage, error)
}

// NewUsageSource creates the usage source selected by cfg.
func NewUsageSource(cfg config.TelemetryConfig, c client.Reader) (UsageSource, error) {
	switch cfg.Source {
	case config.TelemetryMetricsAPI, "":
		return NewMetricsAPISource(c), nil
	case config.TelemetryPrometheus:
		src, err := NewPrometheusSource(cfg.PrometheusURL)
		if err != nil {
			return nil, provisioning.NewError(provisioning.KindConfiguration, err)
		}
		return src, nil
	default:
		return nil, provisioning.NewError(provisioning.KindConfiguration,
			fmt.Errorf("unsupported telemetry source %q", cfg.Source))
	}
}
