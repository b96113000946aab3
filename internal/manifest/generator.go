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

package manifest

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"text/template"
	"time"

	"github.com/jellydator/ttlcache/v3"
	promoperator "github.com/prometheus-operator/prometheus-operator/pkg/apis/monitoring/v1"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/llm-d/llm-d-edge-provisioner/internal/config"
	"github.com/llm-d/llm-d-edge-provisioner/internal/provisioning"
)

//go:embed templates/*.tmpl
var defaultTemplates embed.FS

const (
	deploymentTemplate = "deployment.yaml.tmpl"
	serviceTemplate    = "service.yaml.tmpl"

	defaultPort int32 = 80
)

// Workload is the object set realizing one model on one node.
type Workload struct {
	Model string
	Node  config.NodeSpec

	Deployment *appsv1.Deployment
	Service    *corev1.Service

	// ServiceMonitor is set when monitoring is enabled.
	ServiceMonitor *promoperator.ServiceMonitor
}

// Name returns the workload (service) name.
func (w *Workload) Name() string {
	return WorkloadName(w.Model, w.Node.Name)
}

// DeepCopy returns a copy safe to hand to a client.
func (w *Workload) DeepCopy() *Workload {
	out := &Workload{
		Model:      w.Model,
		Node:       w.Node,
		Deployment: w.Deployment.DeepCopy(),
		Service:    w.Service.DeepCopy(),
	}
	if w.ServiceMonitor != nil {
		out.ServiceMonitor = w.ServiceMonitor.DeepCopy()
	}
	return out
}

type templateData struct {
	Name           string
	DeploymentName string
	Model          string
	NodeName       string
	NodeAddress    string
	Namespace      string
	Image          string
	Port           int32
	MemoryMi       int64
}

// Generator renders per-(model, node) workloads from templates.
//
// A template directory may hold "<model>-deployment.yaml.tmpl" and
// "<model>-service.yaml.tmpl" overrides next to the generic
// "deployment.yaml.tmpl" and "service.yaml.tmpl"; anything missing falls
// back to the built-in templates. Rendered workloads are cached.
type Generator struct {
	catalog        *config.Catalog
	namespace      string
	serviceMonitor bool

	templates []fs.FS
	cache     *ttlcache.Cache[string, *Workload]
}

// NewGenerator creates a generator. Call Stop to release the cache janitor.
func NewGenerator(catalog *config.Catalog, namespace string, cfg config.ManifestConfig) *Generator {
	sources := []fs.FS{}
	if cfg.TemplateDir != "" {
		sources = append(sources, os.DirFS(cfg.TemplateDir))
	}
	builtin, _ := fs.Sub(defaultTemplates, "templates")
	sources = append(sources, builtin)

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *Workload](ttl),
	)
	go cache.Start()

	return &Generator{
		catalog:        catalog,
		namespace:      namespace,
		serviceMonitor: cfg.ServiceMonitor,
		templates:      sources,
		cache:          cache,
	}
}

// Stop stops the cache janitor.
func (g *Generator) Stop() {
	g.cache.Stop()
}

// Workload returns the workload of model on node, rendering it on a cache miss.
func (g *Generator) Workload(model string, node config.NodeSpec) (*Workload, error) {
	key := WorkloadName(model, node.Name)
	if item := g.cache.Get(key); item != nil {
		return item.Value().DeepCopy(), nil
	}

	spec, ok := g.catalog.Model(model)
	if !ok {
		return nil, provisioning.Errorf(provisioning.KindReconciliation, "no catalog entry for model %q", model)
	}
	if spec.Image == "" {
		return nil, provisioning.Errorf(provisioning.KindReconciliation, "no image configured for model %q", model)
	}
	port := spec.Port
	if port == 0 {
		port = defaultPort
	}
	data := templateData{
		Name:           key,
		DeploymentName: DeploymentName(key),
		Model:          model,
		NodeName:       node.Name,
		NodeAddress:    node.Address,
		Namespace:      g.namespace,
		Image:          spec.Image,
		Port:           port,
		MemoryMi:       spec.Memory,
	}

	w := &Workload{Model: model, Node: node, Deployment: &appsv1.Deployment{}, Service: &corev1.Service{}}
	if err := g.render(model, deploymentTemplate, data, w.Deployment); err != nil {
		return nil, err
	}
	if err := g.render(model, serviceTemplate, data, w.Service); err != nil {
		return nil, err
	}
	w.Deployment.Namespace = g.namespace
	w.Service.Namespace = g.namespace
	if g.serviceMonitor {
		w.ServiceMonitor = g.buildServiceMonitor(data)
	}

	g.cache.Set(key, w, ttlcache.DefaultTTL)
	return w.DeepCopy(), nil
}

func (g *Generator) render(model, name string, data templateData, into any) error {
	raw, err := g.lookup(model, name)
	if err != nil {
		return provisioning.NewError(provisioning.KindReconciliation, err)
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return provisioning.NewError(provisioning.KindReconciliation, fmt.Errorf("parsing template %s: %w", name, err))
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return provisioning.NewError(provisioning.KindReconciliation, fmt.Errorf("rendering template %s: %w", name, err))
	}
	if err := yaml.UnmarshalStrict(buf.Bytes(), into); err != nil {
		return provisioning.NewError(provisioning.KindReconciliation, fmt.Errorf("decoding %s for %s: %w", name, data.Name, err))
	}
	return nil
}

// lookup finds the most specific template: a model override, then the
// generic template, searching the configured directory before the built-ins.
func (g *Generator) lookup(model, name string) ([]byte, error) {
	candidates := []string{model + "-" + name, name}
	for _, src := range g.templates {
		for _, c := range candidates {
			if raw, err := fs.ReadFile(src, c); err == nil {
				return raw, nil
			}
		}
	}
	return nil, fmt.Errorf("template %s not found", name)
}

func (g *Generator) buildServiceMonitor(data templateData) *promoperator.ServiceMonitor {
	return &promoperator.ServiceMonitor{
		TypeMeta: metav1.TypeMeta{
			APIVersion: promoperator.SchemeGroupVersion.String(),
			Kind:       promoperator.ServiceMonitorsKind,
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      data.Name,
			Namespace: data.Namespace,
			Labels: map[string]string{
				LabelApp:   data.Name,
				LabelModel: data.Model,
				LabelNode:  data.NodeName,
			},
		},
		Spec: promoperator.ServiceMonitorSpec{
			Selector: metav1.LabelSelector{
				MatchLabels: map[string]string{LabelApp: data.Name},
			},
			NamespaceSelector: promoperator.NamespaceSelector{
				MatchNames: []string{data.Namespace},
			},
			Endpoints: []promoperator.Endpoint{{
				Port:     "http",
				Interval: promoperator.Duration("30s"),
			}},
		},
	}
}
