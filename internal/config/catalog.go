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

package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-edge-provisioner/internal/logging"
)

//go:embed catalog_default.yaml
var defaultCatalogYAML []byte

var (
	errProfileNotFound = errors.New("catalog profile not found")
	errNoNodes         = errors.New("catalog profile declares no nodes")
)

// ModelSpec is the static description of a deployable model.
type ModelSpec struct {
	// Memory is the memory requirement of one deployment, in MiB.
	Memory int64 `yaml:"memory" json:"memory"`

	// ProcessingTime maps node address to the per-unit processing time in seconds.
	ProcessingTime map[string]float64 `yaml:"processingTime" json:"processingTime"`

	// Image is the container image serving the model.
	Image string `yaml:"image,omitempty" json:"image,omitempty"`

	// Port is the container port the model is served on.
	Port int32 `yaml:"port,omitempty" json:"port,omitempty"`
}

// NodeSpec identifies an edge node by network address and logical (Kubernetes node) name.
type NodeSpec struct {
	Address string `yaml:"address" json:"address"`
	Name    string `yaml:"name" json:"name"`
}

// Catalog is the StaticCatalog for one cluster-topology profile.
// The ordinal of a node is its position in Nodes.
type Catalog struct {
	Models map[string]ModelSpec `yaml:"models" json:"models"`
	Nodes  []NodeSpec           `yaml:"nodes" json:"nodes"`
}

type catalogFile struct {
	Profiles map[string]Catalog `yaml:"profiles"`
}

// Validate checks the catalog for internal consistency.
func (c *Catalog) Validate() error {
	if len(c.Nodes) == 0 {
		return errNoNodes
	}
	addresses := make(map[string]struct{}, len(c.Nodes))
	names := make(map[string]struct{}, len(c.Nodes))
	for i, n := range c.Nodes {
		if n.Address == "" || n.Name == "" {
			return fmt.Errorf("node %d must have both address and name", i)
		}
		if _, dup := addresses[n.Address]; dup {
			return fmt.Errorf("duplicate node address %q", n.Address)
		}
		if _, dup := names[n.Name]; dup {
			return fmt.Errorf("duplicate node name %q", n.Name)
		}
		addresses[n.Address] = struct{}{}
		names[n.Name] = struct{}{}
	}
	for name, m := range c.Models {
		if name == "" {
			return errors.New("model name must not be empty")
		}
		if m.Port < 0 || m.Port > 65535 {
			return fmt.Errorf("model %q: port %d out of range", name, m.Port)
		}
		if m.Memory <= 0 {
			return fmt.Errorf("model %q: memory must be > 0, got %d", name, m.Memory)
		}
		for _, n := range c.Nodes {
			t, ok := m.ProcessingTime[n.Address]
			if !ok {
				return fmt.Errorf("model %q: missing processing time for node %s", name, n.Address)
			}
			if t < 0 {
				return fmt.Errorf("model %q: processing time for node %s must be >= 0, got %.3f", name, n.Address, t)
			}
		}
	}
	return nil
}

// NodeCount returns the number of nodes in the catalog.
func (c *Catalog) NodeCount() int {
	return len(c.Nodes)
}

// NodeOrdinal returns the ordinal of the node with the given address.
func (c *Catalog) NodeOrdinal(address string) (int, bool) {
	for i, n := range c.Nodes {
		if n.Address == address {
			return i, true
		}
	}
	return 0, false
}

// NodeAt returns the node with the given ordinal.
func (c *Catalog) NodeAt(ordinal int) (NodeSpec, bool) {
	if ordinal < 0 || ordinal >= len(c.Nodes) {
		return NodeSpec{}, false
	}
	return c.Nodes[ordinal], true
}

// NodeByName returns the node with the given logical name.
func (c *Catalog) NodeByName(name string) (NodeSpec, bool) {
	for _, n := range c.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return NodeSpec{}, false
}

// Model returns the spec of the named model.
func (c *Catalog) Model(name string) (ModelSpec, bool) {
	m, ok := c.Models[name]
	return m, ok
}

// ProcessingTimes returns the model's processing time per node, ordered by
// node ordinal. It reports false if the model is unknown or lacks a time for
// any node.
func (c *Catalog) ProcessingTimes(model string) ([]float64, bool) {
	m, ok := c.Models[model]
	if !ok {
		return nil, false
	}
	out := make([]float64, len(c.Nodes))
	for i, n := range c.Nodes {
		t, ok := m.ProcessingTime[n.Address]
		if !ok {
			return nil, false
		}
		out[i] = t
	}
	return out, true
}

// ModelNames returns the catalog's model names in sorted order.
func (c *Catalog) ModelNames() []string {
	names := make([]string, 0, len(c.Models))
	for name := range c.Models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseCatalog parses a catalog document and returns the requested profile.
func ParseCatalog(data []byte, profile string) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	c, ok := file.Profiles[profile]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errProfileNotFound, profile)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog profile %q: %w", profile, err)
	}
	ctrl.Log.V(logging.DEBUG).Info("Parsed static catalog",
		"profile", profile,
		"modelCount", len(c.Models),
		"nodeCount", len(c.Nodes))
	return &c, nil
}

// LoadCatalog reads the catalog from path, or the embedded default catalog
// when path is empty, and returns the requested profile.
func LoadCatalog(path, profile string) (*Catalog, error) {
	data := defaultCatalogYAML
	if path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("reading catalog %s: %w", path, err)
		}
	}
	return ParseCatalog(data, profile)
}
