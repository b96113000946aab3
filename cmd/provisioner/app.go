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

package main

import (
	"context"
	"errors"
	"fmt"

	ctrl "sigs.k8s.io/controller-runtime"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/llm-d/llm-d-edge-provisioner/internal/cluster"
	"github.com/llm-d/llm-d-edge-provisioner/internal/collector"
	"github.com/llm-d/llm-d-edge-provisioner/internal/config"
	"github.com/llm-d/llm-d-edge-provisioner/internal/controller"
	"github.com/llm-d/llm-d-edge-provisioner/internal/eviction"
	"github.com/llm-d/llm-d-edge-provisioner/internal/manifest"
	"github.com/llm-d/llm-d-edge-provisioner/internal/metrics"
	"github.com/llm-d/llm-d-edge-provisioner/internal/reconciler"
	"github.com/llm-d/llm-d-edge-provisioner/internal/server"
	"github.com/llm-d/llm-d-edge-provisioner/internal/solver"
	"github.com/llm-d/llm-d-edge-provisioner/internal/stats"
)

// app holds the wired components of one process.
type app struct {
	opts       *rootOptions
	store      stats.Store
	generator  *manifest.Generator
	controller controller.PlacementController
	server     *server.Server
}

func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	logger := ctrl.LoggerFrom(ctx)
	cfg := opts.config()

	if err := metrics.InitMetrics(crmetrics.Registry); err != nil {
		return nil, err
	}
	recorder := metrics.NewRecorder()

	catalog, err := config.LoadCatalog(cfg.CatalogFile, cfg.Mode.Profile())
	if err != nil {
		return nil, fmt.Errorf("loading catalog: %w", err)
	}

	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("loading kubeconfig: %w", err)
	}
	cl, err := cluster.NewForConfig(restConfig, cfg.Namespace)
	if err != nil {
		return nil, err
	}

	source, err := collector.NewUsageSource(cfg.Telemetry, cl.Reader())
	if err != nil {
		return nil, err
	}
	reader := collector.NewReader(cl.Reader(), catalog, source)

	store, err := stats.NewStore(cfg.Stats)
	if err != nil {
		return nil, err
	}

	gateway, err := solver.NewGateway(cfg.Solver, solver.WithObserver(recorder.ObserveSolver))
	if err != nil {
		return nil, errors.Join(err, store.Close())
	}

	generator := manifest.NewGenerator(catalog, cfg.Namespace, cfg.Manifests)
	placer := reconciler.New(cl, generator, catalog, store, reconciler.Options{Readiness: cfg.Readiness})

	pc, err := controller.NewController(cfg.Mode, controller.Deps{
		Catalog:    catalog,
		Store:      store,
		Telemetry:  reader,
		Solver:     gateway,
		Placer:     placer,
		Evictor:    eviction.New(cl, store),
		Thresholds: opts.thresholds,
		Recorder:   recorder,
	})
	if err != nil {
		generator.Stop()
		return nil, errors.Join(err, store.Close())
	}

	srv := server.New(server.Deps{
		Catalog:     catalog,
		Store:       store,
		Cluster:     cl,
		Telemetry:   reader,
		Provisioner: server.NewNodeProvisioner(catalog, generator, cl, reader),
		Recorder:    recorder,
		Logger:      logger.WithName("server"),
	})

	logger.Info("Provisioner configured",
		"mode", cfg.Mode.String(),
		"namespace", cfg.Namespace,
		"nodes", len(catalog.Nodes),
		"models", catalog.ModelNames(),
		"telemetry", source.Name(),
		"statsBackend", cfg.Stats.Backend,
		"solverEncoder", gateway.Encoder().Name())

	return &app{
		opts:       opts,
		store:      store,
		generator:  generator,
		controller: pc,
		server:     srv,
	}, nil
}

// Close releases the resources held by the app.
func (a *app) Close() {
	a.generator.Stop()
	if err := a.store.Close(); err != nil {
		ctrl.Log.Error(err, "Failed to close stats store")
	}
}
