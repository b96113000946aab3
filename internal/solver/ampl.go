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
	"bufio"
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

//go:embed templates/*
var defaultTemplates embed.FS

// Marker lines in the AMPL templates. A template line containing a marker is
// replaced by the generated block.
const (
	MarkerNumRequests    = "<num_req>"
	MarkerNumModels      = "<num_models>"
	MarkerNumServers     = "<num_servers>"
	MarkerServerMemory   = "<start_mem_server>"
	MarkerRequestMemory  = "<start_mem_req>"
	MarkerRTT            = "<begin_rtt>"
	MarkerProcessingTime = "<begin_exec_time>"
)

// Generated AMPL artifacts.
const (
	AMPLModelFile = "solver_model.mod"
	AMPLDataFile  = "solver_data.dat"
	AMPLRunFile   = "solver_run.run"
)

type blockFunc func(in *Input, resultFile string) string

type amplArtifact struct {
	template string
	output   string
	required []string
	blocks   map[string]blockFunc
}

var amplArtifacts = []amplArtifact{
	{
		template: "template.mod",
		output:   AMPLModelFile,
		required: []string{MarkerNumRequests, MarkerNumModels},
		blocks: map[string]blockFunc{
			MarkerNumRequests: func(in *Input, _ string) string {
				return fmt.Sprintf("set request := {0..%d};\n", in.Requests()-1)
			},
			MarkerNumModels: func(in *Input, _ string) string {
				return fmt.Sprintf("set mlmodel := {0..%d};\n", in.Requests()-1)
			},
			MarkerNumServers: func(in *Input, _ string) string {
				return fmt.Sprintf("set server := {0..%d};\n", in.Nodes()-1)
			},
		},
	},
	{
		template: "template.dat",
		output:   AMPLDataFile,
		required: []string{MarkerServerMemory, MarkerRequestMemory, MarkerRTT, MarkerProcessingTime},
		blocks: map[string]blockFunc{
			MarkerServerMemory: func(in *Input, _ string) string {
				return vectorBlock(in.Capacity)
			},
			MarkerRequestMemory: func(in *Input, _ string) string {
				return vectorBlock(in.Demand)
			},
			MarkerRTT: func(in *Input, _ string) string {
				return matrixBlock(in.Nodes(), in.Cost)
			},
			MarkerProcessingTime: func(in *Input, _ string) string {
				return matrixBlock(in.Nodes(), in.ProcessingTime)
			},
		},
	},
	{
		template: "template.run",
		output:   AMPLRunFile,
		required: []string{MarkerNumRequests},
		blocks: map[string]blockFunc{
			MarkerNumRequests: func(in *Input, resultFile string) string {
				return fmt.Sprintf("print {i in 0..%d, j in 0..%d}: probability[i,j] >> %s;\n",
					in.Requests()-1, in.Nodes()-1, resultFile)
			},
		},
	},
}

// AMPLEncoder renders the model, data and run files from marker templates and
// passes the run file to the solver.
type AMPLEncoder struct {
	templates fs.FS
}

var _ Encoder = &AMPLEncoder{}

// NewAMPLEncoder reads templates from dir, or uses the built-in templates when dir is empty.
func NewAMPLEncoder(dir string) *AMPLEncoder {
	if dir == "" {
		sub, _ := fs.Sub(defaultTemplates, "templates")
		return &AMPLEncoder{templates: sub}
	}
	return &AMPLEncoder{templates: os.DirFS(dir)}
}

func (e *AMPLEncoder) Name() string {
	return "ampl"
}

func (e *AMPLEncoder) Write(dir string, in *Input, resultFile string) ([]string, error) {
	for _, a := range amplArtifacts {
		tmpl, err := fs.ReadFile(e.templates, a.template)
		if err != nil {
			return nil, inputError("reading template %s: %w", a.template, err)
		}
		out, err := render(tmpl, a, in, resultFile)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(dir, a.output), out, 0o644); err != nil {
			return nil, inputError("writing %s: %w", a.output, err)
		}
	}
	return []string{AMPLRunFile}, nil
}

func render(tmpl []byte, a amplArtifact, in *Input, resultFile string) ([]byte, error) {
	var out bytes.Buffer
	seen := make(map[string]bool, len(a.blocks))
	scanner := bufio.NewScanner(bytes.NewReader(tmpl))
	for scanner.Scan() {
		line := scanner.Text()
		replaced := false
		for marker, block := range a.blocks {
			if strings.Contains(line, marker) {
				out.WriteString(block(in, resultFile))
				seen[marker] = true
				replaced = true
				break
			}
		}
		if !replaced {
			out.WriteString(line)
			out.WriteByte('\n')
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, inputError("reading template %s: %w", a.template, err)
	}
	for _, m := range a.required {
		if !seen[m] {
			return nil, inputError("template %s: missing marker %s", a.template, m)
		}
	}
	return out.Bytes(), nil
}

// vectorBlock writes "index value" rows, the last one terminated with ';'.
func vectorBlock(values []int64) string {
	rows := make([]string, len(values))
	for i, v := range values {
		rows[i] = strconv.Itoa(i) + " " + strconv.FormatInt(v, 10)
	}
	return terminate(rows)
}

// matrixBlock writes a column header followed by "index v0 v1 ..." rows.
func matrixBlock(cols int, values [][]float64) string {
	header := make([]string, cols)
	for j := range header {
		header[j] = strconv.Itoa(j)
	}
	rows := make([]string, len(values))
	for i, row := range values {
		fields := make([]string, 0, len(row)+1)
		fields = append(fields, strconv.Itoa(i))
		for _, v := range row {
			fields = append(fields, formatFloat(v))
		}
		rows[i] = strings.Join(fields, " ")
	}
	return ": " + strings.Join(header, " ") + " :=\n" + terminate(rows)
}

func terminate(rows []string) string {
	if len(rows) == 0 {
		return ";\n"
	}
	return strings.Join(rows, "\n") + ";\n"
}
