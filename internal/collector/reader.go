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
	"sort"

	corev1 "k8s.io/api/core/v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/llm-d/llm-d-edge-provisioner/internal/config"
	"github.com/llm-d/llm-d-edge-provisioner/internal/logging"
	"github.com/llm-d/llm-d-edge-provisioner/internal/provisioning"
)

const mebibyte = 1 << 20

// NodeCapacity maps node address to available memory in MiB.
type NodeCapacity map[string]int64

// Addresses returns the node addresses in sorted order.
func (c NodeCapacity) Addresses() []string {
	out := make([]string, 0, len(c))
	for a := range c {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// NodeStatus combines a node's identity with its allocatable memory and current usage.
type NodeStatus struct {
	Name    string
	Address string
	Usage   NodeUsage

	// AvailableMemory is allocatable minus used memory, in MiB.
	AvailableMemory int64
}

// Reader is the Node Telemetry Reader.
type Reader struct {
	client  client.Reader
	catalog *config.Catalog
	source  UsageSource
}

func NewReader(c client.Reader, catalog *config.Catalog, source UsageSource) *Reader {
	return &Reader{client: c, catalog: catalog, source: source}
}

// Source returns the usage source backing the reader.
func (r *Reader) Source() UsageSource {
	return r.source
}

// Nodes returns the status of every cluster node that reports usage.
func (r *Reader) Nodes(ctx context.Context) ([]NodeStatus, error) {
	logger := ctrl.LoggerFrom(ctx)

	var nodes corev1.NodeList
	if err := r.client.List(ctx, &nodes); err != nil {
		return nil, provisioning.NewError(provisioning.KindCollection, fmt.Errorf("listing nodes: %w", err))
	}
	usage, err := r.source.Collect(ctx)
	if err != nil {
		return nil, provisioning.NewError(provisioning.KindCollection,
			fmt.Errorf("collecting node usage from %s: %w", r.source.Name(), err))
	}

	out := make([]NodeStatus, 0, len(nodes.Items))
	for i := range nodes.Items {
		node := &nodes.Items[i]
		u, ok := usage[node.Name]
		if !ok {
			logger.V(logging.DEBUG).Info("No usage reported for node, skipping", "node", node.Name, "source", r.source.Name())
			continue
		}
		addr := NodeAddress(node)
		if addr == "" {
			logger.V(logging.DEBUG).Info("Node has no address, skipping", "node", node.Name)
			continue
		}
		allocatable := node.Status.Allocatable.Memory().Value()
		available := (allocatable - u.Memory.Value()) / mebibyte
		if available < 0 {
			available = 0
		}
		out = append(out, NodeStatus{
			Name:            node.Name,
			Address:         addr,
			Usage:           u,
			AvailableMemory: available,
		})
	}
	return out, nil
}

// AvailableMemory returns the available memory of every node. Every node of
// the catalog must be present, otherwise a CollectionError is returned.
func (r *Reader) AvailableMemory(ctx context.Context) (NodeCapacity, error) {
	logger := ctrl.LoggerFrom(ctx)

	statuses, err := r.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	capacity := make(NodeCapacity, len(statuses))
	for _, s := range statuses {
		capacity[s.Address] = s.AvailableMemory
	}
	if r.catalog != nil {
		for _, n := range r.catalog.Nodes {
			if _, ok := capacity[n.Address]; !ok {
				return nil, provisioning.Errorf(provisioning.KindCollection,
					"no telemetry for catalog node %s (%s)", n.Name, n.Address)
			}
		}
	}
	logger.V(logging.VERBOSE).Info("Collected node memory", "nodes", len(capacity), "source", r.source.Name())
	return capacity, nil
}

// NodeAddress returns the node's InternalIP, or its first address if it has none.
func NodeAddress(node *corev1.Node) string {
	for _, a := range node.Status.Addresses {
		if a.Type == corev1.NodeInternalIP {
			return a.Address
		}
	}
	if len(node.Status.Addresses) > 0 {
		return node.Status.Addresses[0].Address
	}
	return ""
}
