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
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-edge-provisioner/internal/cluster"
	"github.com/llm-d/llm-d-edge-provisioner/internal/stats"
)

func (s *Server) handleGetModelStats(c *gin.Context) {
	snap, err := s.deps.Store.Load(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, snap.Models)
}

// handleSetModelStats replaces the model stats with the request body. An
// empty body clears them.
func (s *Server) handleSetModelStats(c *gin.Context) {
	models := stats.ModelStats{}
	if c.Request.Body != nil && c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&models); err != nil {
			fail(c, http.StatusBadRequest, err)
			return
		}
	}
	err := s.deps.Store.Update(c.Request.Context(), func(snap *stats.Snapshot) error {
		snap.Models = models
		return nil
	})
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ctrl.LoggerFrom(c.Request.Context()).Info("Model stats replaced", "models", len(models))
	c.JSON(http.StatusOK, models)
}

func (s *Server) handleRequestStats(c *gin.Context) {
	snap, err := s.deps.Store.Load(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, snap.Requests)
}

// handleServerMemory returns the available memory in MiB of every node that
// reports usage, keyed by node address.
func (s *Server) handleServerMemory(c *gin.Context) {
	nodes, err := s.deps.Telemetry.Nodes(c.Request.Context())
	if err != nil {
		fail(c, http.StatusBadGateway, err)
		return
	}
	out := make(map[string]int64, len(nodes))
	for _, n := range nodes {
		out[n.Address] = n.AvailableMemory
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleReplicas(c *gin.Context) {
	target := c.Param("target")
	n, err := strconv.ParseInt(c.Param("number"), 10, 32)
	if err != nil || n < 0 {
		fail(c, http.StatusBadRequest, fmt.Errorf("invalid replica count %q", c.Param("number")))
		return
	}
	if err := s.deps.Cluster.Scale(c.Request.Context(), target, int32(n)); err != nil {
		fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"target": target, "replicas": n})
}

func (s *Server) handleDelete(c *gin.Context) {
	target := c.Param("target")
	if err := s.deps.Cluster.DeleteWorkload(c.Request.Context(), target); err != nil {
		fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": target})
}

func statusFor(err error) int {
	if errors.Is(err, cluster.ErrWorkloadNotFound) {
		return http.StatusNotFound
	}
	return http.StatusBadGateway
}
