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

// Package provisioning defines the error taxonomy and stage names shared by
// every step of a provisioning cycle.
package provisioning

import (
	"errors"
	"fmt"
)

// Kind discriminates why a provisioning cycle failed.
type Kind string

const (
	// KindCollection: telemetry or stats could not be fetched.
	KindCollection Kind = "CollectionError"
	// KindSolverInput: the solver input could not be built or rendered.
	KindSolverInput Kind = "SolverInputError"
	// KindSolverExecution: the solver process could not be spawned or exited non-zero.
	KindSolverExecution Kind = "SolverExecutionFailed"
	// KindMalformedResult: the solver result artifact could not be parsed.
	KindMalformedResult Kind = "MalformedResult"
	// KindReconciliation: a create or readiness check against the cluster failed.
	KindReconciliation Kind = "ReconciliationError"
	// KindReadinessTimeout: a created deployment did not become ready before the deadline.
	KindReadinessTimeout Kind = "ReadinessTimeout"
	// KindConsistency: a live deployment has no matching stats entry.
	KindConsistency Kind = "ConsistencyError"
	// KindStatsStore: the stats store could not be read or written.
	KindStatsStore Kind = "StatsStoreError"
	// KindConfiguration: configuration or catalog is invalid.
	KindConfiguration Kind = "ConfigurationError"
)

// Stage names a step of the provisioning cycle.
type Stage string

const (
	StageEvictOld     Stage = "EvictOld"
	StageEvictUnused  Stage = "EvictUnused"
	StageCollectStats Stage = "CollectStats"
	StageBuildInput   Stage = "BuildInput"
	StageSolve        Stage = "Solve"
	StageReconcile    Stage = "Reconcile"
	StageDone         Stage = "Done"
)

// Error is a failure attributed to a Kind and, once it reaches the control loop, a Stage.
type Error struct {
	Kind  Kind
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s during %s: %v", e.Kind, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with the given kind. A nil err yields nil.
func NewError(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Errorf formats a new error of the given kind.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WithStage attributes err to stage. Errors that are not yet classified are
// given the fallback kind.
func WithStage(err error, stage Stage, fallback Kind) error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return &Error{Kind: perr.Kind, Stage: stage, Err: perr.Err}
	}
	return &Error{Kind: fallback, Stage: stage, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// StageOf returns the stage err was attributed to, or "" if none.
func StageOf(err error) Stage {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Stage
	}
	return ""
}
