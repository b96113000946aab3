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
	"net"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"
	"k8s.io/apimachinery/pkg/api/resource"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-edge-provisioner/internal/cluster"
	"github.com/llm-d/llm-d-edge-provisioner/internal/logging"
	"github.com/llm-d/llm-d-edge-provisioner/internal/stats"
)

// Per-model status values returned in place of an address.
const (
	StatusCreating   = "Does not exist, creating new deployment"
	StatusInProgress = "Deployment in progress"
	StatusUnknown    = "Unknown Service"
	StatusNone       = "No deployed services"
)

var errUnknownModel = errors.New("unknown model")

type serviceRequest struct {
	Latency *float64 `json:"latency"`
}

// handleService routes one request for a model to the least CPU-loaded node
// serving it and records the request. A model with no running pod is
// provisioned on demand.
func (s *Server) handleService(c *gin.Context) {
	ctx := c.Request.Context()
	logger := ctrl.LoggerFrom(ctx)
	model := c.Param("model")

	var req serviceRequest
	if c.Request.Body != nil && c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, err)
			return
		}
	}

	if _, ok := s.deps.Catalog.Model(model); !ok {
		s.deps.Recorder.RequestRouted(model, errUnknownModel)
		c.JSON(http.StatusNotFound, gin.H{model: StatusUnknown})
		return
	}

	ep, err := s.bestEndpoint(ctx, model)
	if err != nil {
		s.deps.Recorder.RequestRouted(model, err)
		fail(c, http.StatusBadGateway, err)
		return
	}

	switch {
	case ep == nil:
		name, err := s.deps.Provisioner.Provision(ctx, model)
		if err != nil {
			s.deps.Recorder.RequestRouted(model, err)
			fail(c, http.StatusServiceUnavailable, err)
			return
		}
		logger.Info("No endpoint for model, provisioning", "model", model, "workload", name)
		if !s.touch(c, model, nil) {
			return
		}
		c.JSON(http.StatusAccepted, gin.H{model: StatusCreating})

	case ep.NodePort == 0:
		if !s.touch(c, model, nil) {
			return
		}
		c.JSON(http.StatusAccepted, gin.H{model: StatusInProgress})

	default:
		var rec *stats.RequestRecord
		if req.Latency != nil {
			rec = &stats.RequestRecord{Model: model, Latency: *req.Latency, Server: ep.HostIP, ServerName: ep.NodeName}
		}
		if !s.touch(c, model, rec) {
			return
		}
		s.deps.Recorder.RequestRouted(model, nil)
		addr := address(ep)
		logger.V(logging.DEBUG).Info("Routed request", "model", model, "endpoint", addr, "node", ep.NodeName)
		c.JSON(http.StatusOK, gin.H{model: addr})
	}
}

// touch updates the model's usage and appends rec to the request log when
// it is set. It writes an error response and returns false on failure.
func (s *Server) touch(c *gin.Context, model string, rec *stats.RequestRecord) bool {
	err := s.deps.Store.Update(c.Request.Context(), func(snap *stats.Snapshot) error {
		if rec != nil {
			snap.RecordRequest(*rec, s.now())
		} else {
			snap.Touch(model, s.now())
		}
		return nil
	})
	if err != nil {
		s.deps.Recorder.RequestRouted(model, err)
		fail(c, http.StatusInternalServerError, err)
		return false
	}
	return true
}

// handleAllServices returns the best endpoint of every deployed model
// without recording any request.
func (s *Server) handleAllServices(c *gin.Context) {
	ctx := c.Request.Context()
	models, err := s.deps.Cluster.DeployedModels(ctx)
	if err != nil {
		fail(c, http.StatusBadGateway, err)
		return
	}

	out := gin.H{}
	for _, model := range models {
		ep, err := s.bestEndpoint(ctx, model)
		if err != nil {
			fail(c, http.StatusBadGateway, err)
			return
		}
		switch {
		case ep == nil:
			ctrl.LoggerFrom(ctx).V(logging.DEBUG).Info("Skipping model without running pods", "model", model)
		case ep.NodePort == 0:
			out[model] = StatusInProgress
		default:
			out[model] = address(ep)
		}
	}
	if len(out) == 0 {
		c.JSON(http.StatusOK, gin.H{"N/A": StatusNone})
		return
	}
	c.JSON(http.StatusOK, out)
}

// bestEndpoint returns the endpoint of model to route to, or nil if model has
// no running pod. Endpoints with a node port win, then lower node CPU usage.
// Telemetry failures degrade to ordering by node name.
func (s *Server) bestEndpoint(ctx context.Context, model string) (*cluster.Endpoint, error) {
	eps, err := s.deps.Cluster.Endpoints(ctx, model)
	if err != nil {
		return nil, err
	}
	if len(eps) == 0 {
		return nil, nil
	}

	cpu := map[string]resource.Quantity{}
	nodes, err := s.deps.Telemetry.Nodes(ctx)
	if err != nil {
		ctrl.LoggerFrom(ctx).Error(err, "Node telemetry unavailable, routing without CPU usage", "model", model)
	}
	for _, n := range nodes {
		cpu[n.Name] = n.Usage.CPU
	}

	sort.SliceStable(eps, func(i, j int) bool {
		a, b := eps[i], eps[j]
		if (a.NodePort > 0) != (b.NodePort > 0) {
			return a.NodePort > 0
		}
		ca, okA := cpu[a.NodeName]
		cb, okB := cpu[b.NodeName]
		if okA != okB {
			return okA
		}
		if okA {
			if c := ca.Cmp(cb); c != 0 {
				return c < 0
			}
		}
		return a.NodeName < b.NodeName
	})
	return &eps[0], nil
}

func address(ep *cluster.Endpoint) string {
	return net.JoinHostPort(ep.HostIP, strconv.Itoa(int(ep.NodePort)))
}
