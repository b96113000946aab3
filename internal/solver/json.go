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

package solver

import (
	"encoding/json"
	"os"
	"path/filepath"
)

const (
	// APIVersion versions the JSON problem document.
	APIVersion = "solver.edge.llm-d.ai/v1"

	// ProblemKind is the kind of the JSON problem document.
	ProblemKind = "PlacementProblem"

	// ProblemFile is the name of the JSON problem document in the work directory.
	ProblemFile = "solver_input.json"
)

// Problem is the JSON problem document.
type Problem struct {
	APIVersion     string      `json:"apiVersion"`
	Kind           string      `json:"kind"`
	Requests       int         `json:"requests"`
	Nodes          int         `json:"nodes"`
	Capacity       []int64     `json:"capacity"`
	Demand         []int64     `json:"demand"`
	Cost           [][]float64 `json:"cost"`
	ProcessingTime [][]float64 `json:"processingTime"`
	ResultFile     string      `json:"resultFile"`
}

// JSONEncoder writes a single versioned JSON document and passes its path to the solver.
type JSONEncoder struct{}

var _ Encoder = JSONEncoder{}

func (JSONEncoder) Name() string {
	return "json"
}

func (JSONEncoder) Write(dir string, in *Input, resultFile string) ([]string, error) {
	doc := Problem{
		APIVersion:     APIVersion,
		Kind:           ProblemKind,
		Requests:       in.Requests(),
		Nodes:          in.Nodes(),
		Capacity:       in.Capacity,
		Demand:         in.Demand,
		Cost:           in.Cost,
		ProcessingTime: in.ProcessingTime,
		ResultFile:     resultFile,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, inputError("encoding problem: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ProblemFile), data, 0o644); err != nil {
		return nil, inputError("writing %s: %w", ProblemFile, err)
	}
	return []string{ProblemFile}, nil
}
