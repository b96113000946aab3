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

package cluster

import (
	"context"
	"sort"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/llm-d/llm-d-edge-provisioner/internal/manifest"
)

// Endpoint is a pod serving a model, as seen by the routing surface.
type Endpoint struct {
	Workload string
	NodeName string
	HostIP   string
	NodePort int32
}

// DeployedModels returns the models that have a service, in sorted order.
func (c *Client) DeployedModels(ctx context.Context) ([]string, error) {
	services, err := c.ListServices(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	for i := range services {
		seen[modelOfService(&services[i])] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// Endpoints returns the running pods of model with the node port of their
// workload's service. Pods whose service has no node port yet are returned
// with NodePort 0.
func (c *Client) Endpoints(ctx context.Context, model string) ([]Endpoint, error) {
	pods, err := c.ListPods(ctx, client.MatchingLabels{manifest.LabelModel: model})
	if err != nil {
		return nil, err
	}
	services, err := c.ListServices(ctx)
	if err != nil {
		return nil, err
	}
	ports := map[string]int32{}
	for i := range services {
		s := &services[i]
		if len(s.Spec.Ports) > 0 {
			ports[s.Name] = s.Spec.Ports[0].NodePort
		}
	}

	out := []Endpoint{}
	for i := range pods {
		p := &pods[i]
		if p.Status.HostIP == "" || p.DeletionTimestamp != nil || p.Status.Phase != corev1.PodRunning {
			continue
		}
		workload := p.Labels[manifest.LabelApp]
		out = append(out, Endpoint{
			Workload: workload,
			NodeName: p.Spec.NodeName,
			HostIP:   p.Status.HostIP,
			NodePort: ports[workload],
		})
	}
	return out, nil
}

func modelOfService(s *corev1.Service) string {
	if m := s.Labels[manifest.LabelModel]; m != "" {
		return m
	}
	return manifest.ModelToken(s.Name)
}
