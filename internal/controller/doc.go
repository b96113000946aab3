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

// Package controller implements the provisioning control loop.
//
// A PlacementController runs one cycle as a fixed sequence of stages. Two
// variants exist, selected by config.Mode at startup:
//
//   - evicting (mode 1): EvictOld, EvictUnused, CollectStats, BuildInput,
//     Solve, Reconcile
//   - placement-only (mode 2): CollectStats, BuildInput, Solve, Reconcile
//
// The first failing stage aborts the cycle. Its error is a
// *provisioning.Error carrying the stage and an error kind; stages already
// completed are not rolled back. A cycle with no recorded requests stops
// after CollectStats.
//
// # Scheduling
//
// Run executes a single cycle, or repeats cycles on a fixed interval through
// a PollingExecutor. Cycles never overlap. Failures are logged and the next
// cycle starts fresh; there is no retry within a cycle.
//
// # Observability
//
// Every cycle gets a random ID added to the context logger as cycleID, and
// ends with a CycleReport logged at info level. Cycle, stage, eviction,
// creation and solver outcomes are exported through internal/metrics.
package controller
