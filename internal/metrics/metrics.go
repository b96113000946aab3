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

package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	CyclesTotal           = "edge_provisioner_cycles_total"
	CycleDurationSeconds  = "edge_provisioner_cycle_duration_seconds"
	StageFailuresTotal    = "edge_provisioner_stage_failures_total"
	WorkloadsCreatedTotal = "edge_provisioner_workloads_created_total"
	ModelsEvictedTotal    = "edge_provisioner_models_evicted_total"
	SolverDurationSeconds = "edge_provisioner_solver_duration_seconds"
	PlacementRequests     = "edge_provisioner_placement_requests"
	RoutedRequestsTotal   = "edge_provisioner_routed_requests_total"
	LabelMode             = "mode"
	LabelResult           = "result"
	LabelStage            = "stage"
	LabelKind             = "kind"
	LabelModel            = "model"
	LabelPass             = "pass"
	ResultSuccess         = "success"
	ResultFailure         = "failure"
)

var (
	cyclesTotal      *prometheus.CounterVec
	cycleDuration    *prometheus.HistogramVec
	stageFailures    *prometheus.CounterVec
	workloadsCreated *prometheus.CounterVec
	modelsEvicted    *prometheus.CounterVec
	solverDuration   *prometheus.HistogramVec
	placementReqs    prometheus.Gauge
	routedRequests   *prometheus.CounterVec

	initOnce sync.Once
	initErr  error
)

// InitMetrics registers all metrics with registry. Only the first call
// registers; later calls return its result.
func InitMetrics(registry prometheus.Registerer) error {
	initOnce.Do(func() {
		cyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: CyclesTotal,
			Help: "Total number of provisioning cycles by mode and result",
		}, []string{LabelMode, LabelResult})
		cycleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    CycleDurationSeconds,
			Help:    "Wall time of provisioning cycles",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{LabelMode})
		stageFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: StageFailuresTotal,
			Help: "Cycles aborted, by the stage that failed and the error kind",
		}, []string{LabelStage, LabelKind})
		workloadsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: WorkloadsCreatedTotal,
			Help: "Workloads created by the placement reconciler",
		}, []string{LabelModel})
		modelsEvicted = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: ModelsEvictedTotal,
			Help: "Models evicted, by eviction pass",
		}, []string{LabelPass})
		solverDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    SolverDurationSeconds,
			Help:    "Wall time of solver runs",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{LabelResult})
		placementReqs = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: PlacementRequests,
			Help: "Number of requests in the last optimization input",
		})
		routedRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: RoutedRequestsTotal,
			Help: "Requests routed to a model endpoint, by model and result",
		}, []string{LabelModel, LabelResult})

		for name, c := range map[string]prometheus.Collector{
			CyclesTotal:           cyclesTotal,
			CycleDurationSeconds:  cycleDuration,
			StageFailuresTotal:    stageFailures,
			WorkloadsCreatedTotal: workloadsCreated,
			ModelsEvictedTotal:    modelsEvicted,
			SolverDurationSeconds: solverDuration,
			PlacementRequests:     placementReqs,
			RoutedRequestsTotal:   routedRequests,
		} {
			if err := registry.Register(c); err != nil {
				initErr = fmt.Errorf("failed to register %s metric: %w", name, err)
				return
			}
		}
	})
	return initErr
}

// Recorder emits the provisioner metrics. The zero value is usable; before
// InitMetrics has run every method is a no-op.
type Recorder struct{}

// NewRecorder returns a Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}

// ObserveCycle records a finished cycle.
func (r *Recorder) ObserveCycle(mode string, d time.Duration, err error) {
	if cyclesTotal == nil {
		return
	}
	cyclesTotal.WithLabelValues(mode, result(err)).Inc()
	cycleDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// StageFailed records a cycle aborted in stage with the given error kind.
func (r *Recorder) StageFailed(stage, kind string) {
	if stageFailures == nil {
		return
	}
	stageFailures.WithLabelValues(stage, kind).Inc()
}

// WorkloadCreated records a workload created for model.
func (r *Recorder) WorkloadCreated(model string) {
	if workloadsCreated == nil {
		return
	}
	workloadsCreated.WithLabelValues(model).Inc()
}

// ModelsEvicted records n models evicted by pass.
func (r *Recorder) ModelsEvicted(pass string, n int) {
	if modelsEvicted == nil || n == 0 {
		return
	}
	modelsEvicted.WithLabelValues(pass).Add(float64(n))
}

// ObserveSolver records one solver run. Its signature matches the solver
// gateway's observer hook.
func (r *Recorder) ObserveSolver(d time.Duration, err error) {
	if solverDuration == nil {
		return
	}
	solverDuration.WithLabelValues(result(err)).Observe(d.Seconds())
}

// SetPlacementRequests records the request count of the last optimization input.
func (r *Recorder) SetPlacementRequests(n int) {
	if placementReqs == nil {
		return
	}
	placementReqs.Set(float64(n))
}

// RequestRouted records one routing decision for model.
func (r *Recorder) RequestRouted(model string, err error) {
	if routedRequests == nil {
		return
	}
	routedRequests.WithLabelValues(model, result(err)).Inc()
}
