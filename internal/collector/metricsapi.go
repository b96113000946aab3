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
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// NodeMetricsListGVK identifies the metrics-server node metrics list.
var NodeMetricsListGVK = schema.GroupVersionKind{
	Group:   "metrics.k8s.io",
	Version: "v1beta1",
	Kind:    "NodeMetricsList",
}

// MetricsAPISource reads node usage from the resource metrics API.
// The list is read as unstructured data so no metrics client is needed.
type MetricsAPISource struct {
	client client.Reader
}

var _ UsageSource = &MetricsAPISource{}

func NewMetricsAPISource(c client.Reader) *MetricsAPISource {
	return &MetricsAPISource{client: c}
}

func (s *MetricsAPISource) Name() string {
	return "metrics-api"
}

func (s *MetricsAPISource) Collect(ctx context.Context) (map[string]NodeUsage, error) {
	list := &unstructured.UnstructuredList{}
	list.SetGroupVersionKind(NodeMetricsListGVK)
	if err := s.client.List(ctx, list); err != nil {
		return nil, fmt.Errorf("listing node metrics: %w", err)
	}
	return usageFromNodeMetrics(list)
}

func usageFromNodeMetrics(list *unstructured.UnstructuredList) (map[string]NodeUsage, error) {
	out := make(map[string]NodeUsage, len(list.Items))
	for _, item := range list.Items {
		usage, found, err := unstructured.NestedStringMap(item.Object, "usage")
		if err != nil || !found {
			return nil, fmt.Errorf("node metrics %s has no usage: %v", item.GetName(), err)
		}
		var nu NodeUsage
		if nu.CPU, err = resource.ParseQuantity(usage["cpu"]); err != nil {
			return nil, fmt.Errorf("node metrics %s: cpu: %w", item.GetName(), err)
		}
		if nu.Memory, err = resource.ParseQuantity(usage["memory"]); err != nil {
			return nil, fmt.Errorf("node metrics %s: memory: %w", item.GetName(), err)
		}
		out[item.GetName()] = nu
	}
	return out, nil
}
