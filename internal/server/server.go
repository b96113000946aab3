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
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	ctrl "sigs.k8s.io/controller-runtime"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/llm-d/llm-d-edge-provisioner/internal/cluster"
	"github.com/llm-d/llm-d-edge-provisioner/internal/collector"
	"github.com/llm-d/llm-d-edge-provisioner/internal/config"
	"github.com/llm-d/llm-d-edge-provisioner/internal/logging"
	"github.com/llm-d/llm-d-edge-provisioner/internal/metrics"
	"github.com/llm-d/llm-d-edge-provisioner/internal/stats"
)

const shutdownTimeout = 10 * time.Second

// Cluster is the part of the orchestration collaborator the server needs.
type Cluster interface {
	DeployedModels(ctx context.Context) ([]string, error)
	Endpoints(ctx context.Context, model string) ([]cluster.Endpoint, error)
	Scale(ctx context.Context, target string, replicas int32) error
	DeleteWorkload(ctx context.Context, target string) error
}

// Telemetry reports per-node usage.
type Telemetry interface {
	Nodes(ctx context.Context) ([]collector.NodeStatus, error)
}

// Provisioner starts a workload for a model that has none.
type Provisioner interface {
	Provision(ctx context.Context, model string) (string, error)
}

// Deps are the collaborators of a Server.
type Deps struct {
	Catalog     *config.Catalog
	Store       stats.Store
	Cluster     Cluster
	Telemetry   Telemetry
	Provisioner Provisioner

	// Recorder may be nil.
	Recorder *metrics.Recorder

	// Logger is the base request logger.
	Logger logr.Logger
}

// Server is the HTTP control and routing surface.
type Server struct {
	deps   Deps
	engine *gin.Engine
	now    func() time.Time
}

// New creates a Server with all routes registered.
func New(deps Deps) *Server {
	if deps.Recorder == nil {
		deps.Recorder = &metrics.Recorder{}
	}
	s := &Server{deps: deps, engine: gin.New(), now: time.Now}
	s.engine.Use(gin.Recovery(), s.withLogger())

	s.engine.GET("/", s.handleIndex)
	s.engine.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(crmetrics.Registry, promhttp.HandlerOpts{})))

	s.engine.GET("/services", s.handleAllServices)
	s.engine.GET("/services/:model", s.handleService)
	s.engine.POST("/services/:model", s.handleService)

	dev := s.engine.Group("/dev")
	dev.GET("/model_stats", s.handleGetModelStats)
	dev.POST("/model_stats", s.handleSetModelStats)
	dev.GET("/request_stats", s.handleRequestStats)
	dev.GET("/server_mem_stats", s.handleServerMemory)
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		dev.Handle(method, "/replicas/:target/:number", s.handleReplicas)
		dev.Handle(method, "/delete/:target", s.handleDelete)
	}
	return s
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	logger := ctrl.LoggerFrom(ctx)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Serving control surface", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("Control surface stopped")
	return nil
}

// withLogger puts the request logger into the request context and logs
// every request at debug level.
func (s *Server) withLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := s.deps.Logger.WithValues("method", c.Request.Method, "path", c.Request.URL.Path)
		c.Request = c.Request.WithContext(ctrl.LoggerInto(c.Request.Context(), logger))
		start := time.Now()
		c.Next()
		logger.V(logging.DEBUG).Info("Handled request", "status", c.Writer.Status(), "duration", time.Since(start))
	}
}

func (s *Server) handleIndex(c *gin.Context) {
	c.String(http.StatusOK, "llm-d edge provisioner")
}

// fail writes err as a JSON error body.
func fail(c *gin.Context, status int, err error) {
	ctrl.LoggerFrom(c.Request.Context()).Error(err, "Request failed", "status", status)
	c.JSON(status, gin.H{"error": err.Error()})
}
