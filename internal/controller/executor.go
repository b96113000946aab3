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

package controller

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-edge-provisioner/internal/logging"
)

// PollingConfig configures a PollingExecutor.
type PollingConfig struct {
	// Interval is the pause between the end of one cycle and the start of
	// the next.
	Interval time.Duration

	// CycleFunc runs one cycle. Its error is logged and does not stop the loop.
	CycleFunc func(ctx context.Context) error
}

// PollingExecutor runs a cycle function repeatedly until its context is done.
type PollingExecutor struct {
	cfg PollingConfig
}

// NewPollingExecutor creates a PollingExecutor.
func NewPollingExecutor(cfg PollingConfig) *PollingExecutor {
	return &PollingExecutor{cfg: cfg}
}

// Start runs the first cycle immediately and blocks until ctx is cancelled.
func (e *PollingExecutor) Start(ctx context.Context) {
	logger := ctrl.LoggerFrom(ctx)
	logger.Info("Starting provisioning loop", "interval", e.cfg.Interval)
	wait.UntilWithContext(ctx, func(ctx context.Context) {
		if err := e.cfg.CycleFunc(ctx); err != nil {
			logger.V(logging.DEBUG).Info("Cycle failed, waiting for next interval", "error", err.Error())
		}
	}, e.cfg.Interval)
	logger.Info("Provisioning loop stopped")
}

// Run runs c once when interval is zero and returns the cycle's error.
// Otherwise it runs c every interval until ctx is cancelled and returns nil.
func Run(ctx context.Context, c PlacementController, interval time.Duration) error {
	if interval <= 0 {
		_, err := c.RunCycle(ctx)
		return err
	}
	NewPollingExecutor(PollingConfig{
		Interval: interval,
		CycleFunc: func(ctx context.Context) error {
			_, err := c.RunCycle(ctx)
			return err
		},
	}).Start(ctx)
	return nil
}
