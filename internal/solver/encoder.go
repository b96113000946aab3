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
	"fmt"
	"strconv"

	"github.com/llm-d/llm-d-edge-provisioner/internal/config"
	"github.com/llm-d/llm-d-edge-provisioner/internal/provisioning"
)

// Encoder renders an Input into the files the solver reads.
type Encoder interface {
	// Name returns the encoder name (e.g., "json", "ampl").
	Name() string

	// Write renders in into dir. resultFile is the result artifact path as the
	// solver sees it. The returned arguments are appended to the solver command line.
	Write(dir string, in *Input, resultFile string) ([]string, error)
}

// NewEncoder creates the encoder with the given name.
// templateDir only applies to the AMPL encoder; empty uses the built-in templates.
func NewEncoder(name, templateDir string) (Encoder, error) {
	switch name {
	case config.EncoderJSON, "":
		return JSONEncoder{}, nil
	case config.EncoderAMPL:
		return NewAMPLEncoder(templateDir), nil
	default:
		return nil, provisioning.Errorf(provisioning.KindConfiguration, "unsupported solver encoder %q", name)
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func inputError(format string, args ...any) error {
	return provisioning.NewError(provisioning.KindSolverInput, fmt.Errorf(format, args...))
}
