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

package cluster

import (
	"context"
	"errors"
	"fmt"

	promoperator "github.com/prometheus-operator/prometheus-operator/pkg/apis/monitoring/v1"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/utils/ptr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/llm-d/llm-d-edge-provisioner/internal/logging"
	"github.com/llm-d/llm-d-edge-provisioner/internal/manifest"
)

// DeleteGracePeriodSeconds is the grace period of workload deletions.
const DeleteGracePeriodSeconds = 5

// ErrWorkloadNotFound is returned when the named workload does not exist.
var ErrWorkloadNotFound = errors.New("workload does not exist")

// NewScheme returns a scheme with the core Kubernetes and ServiceMonitor types.
func NewScheme() *runtime.Scheme {
	scheme := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(promoperator.AddToScheme(scheme))
	return scheme
}

// Client is the orchestration collaborator. Every call is scoped to one namespace.
type Client struct {
	client    client.Client
	namespace string
}

// New wraps a controller-runtime client.
func New(c client.Client, namespace string) *Client {
	return &Client{client: c, namespace: namespace}
}

// NewForConfig builds a client for the cluster described by cfg.
func NewForConfig(cfg *rest.Config, namespace string) (*Client, error) {
	c, err := client.New(cfg, client.Options{Scheme: NewScheme()})
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return New(c, namespace), nil
}

// Namespace returns the namespace the client is scoped to.
func (c *Client) Namespace() string {
	return c.namespace
}

// Reader returns the underlying client for read-only use.
func (c *Client) Reader() client.Reader {
	return c.client
}

// ListDeployments returns the deployments in the namespace.
func (c *Client) ListDeployments(ctx context.Context) ([]appsv1.Deployment, error) {
	var list appsv1.DeploymentList
	if err := c.client.List(ctx, &list, client.InNamespace(c.namespace)); err != nil {
		return nil, fmt.Errorf("listing deployments in %s: %w", c.namespace, err)
	}
	return list.Items, nil
}

// ListServices returns the services in the namespace.
func (c *Client) ListServices(ctx context.Context) ([]corev1.Service, error) {
	var list corev1.ServiceList
	if err := c.client.List(ctx, &list, client.InNamespace(c.namespace)); err != nil {
		return nil, fmt.Errorf("listing services in %s: %w", c.namespace, err)
	}
	return list.Items, nil
}

// ListPods returns the pods in the namespace matching the given labels.
func (c *Client) ListPods(ctx context.Context, labels client.MatchingLabels) ([]corev1.Pod, error) {
	var list corev1.PodList
	if err := c.client.List(ctx, &list, client.InNamespace(c.namespace), labels); err != nil {
		return nil, fmt.Errorf("listing pods in %s: %w", c.namespace, err)
	}
	return list.Items, nil
}

// CreateWorkload creates the deployment, service and optional service monitor
// of w. Objects that already exist are left alone. If the service cannot be
// created the deployment is removed again.
func (c *Client) CreateWorkload(ctx context.Context, w *manifest.Workload) error {
	logger := ctrl.LoggerFrom(ctx)

	deploy := w.Deployment.DeepCopy()
	deploy.Namespace = c.namespace
	if err := c.client.Create(ctx, deploy); err != nil {
		if !apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("creating deployment %s: %w", deploy.Name, err)
		}
		logger.V(logging.DEBUG).Info("Deployment already exists", "deployment", deploy.Name)
	} else {
		logger.Info("Deployment created", "deployment", deploy.Name, "node", w.Node.Name)
	}

	svc := w.Service.DeepCopy()
	svc.Namespace = c.namespace
	if err := c.client.Create(ctx, svc); err != nil {
		if !apierrors.IsAlreadyExists(err) {
			if derr := c.deleteObject(ctx, deploy); derr != nil {
				logger.Error(derr, "Failed to remove deployment after service creation failed", "deployment", deploy.Name)
			}
			return fmt.Errorf("creating service %s: %w", svc.Name, err)
		}
		logger.V(logging.DEBUG).Info("Service already exists", "service", svc.Name)
	} else {
		logger.Info("Service created", "service", svc.Name)
	}

	if w.ServiceMonitor != nil {
		sm := w.ServiceMonitor.DeepCopy()
		sm.Namespace = c.namespace
		if err := c.client.Create(ctx, sm); err != nil && !apierrors.IsAlreadyExists(err) {
			if !meta.IsNoMatchError(err) {
				return fmt.Errorf("creating service monitor %s: %w", sm.Name, err)
			}
			logger.V(logging.VERBOSE).Info("ServiceMonitor CRD not installed, skipping", "serviceMonitor", sm.Name)
		}
	}
	return nil
}

// DeleteWorkload deletes the service named target and the deployment
// "<target>-deployment" with foreground propagation. It returns
// ErrWorkloadNotFound when neither exists.
func (c *Client) DeleteWorkload(ctx context.Context, target string) error {
	logger := ctrl.LoggerFrom(ctx)
	found := false

	svc := &corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: target, Namespace: c.namespace}}
	switch err := c.deleteObject(ctx, svc); {
	case err == nil:
		found = true
	case !apierrors.IsNotFound(err):
		return fmt.Errorf("deleting service %s: %w", target, err)
	}

	deploy := &appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: manifest.DeploymentName(target), Namespace: c.namespace}}
	switch err := c.deleteObject(ctx, deploy); {
	case err == nil:
		found = true
	case !apierrors.IsNotFound(err):
		return fmt.Errorf("deleting deployment %s: %w", deploy.Name, err)
	}

	sm := &promoperator.ServiceMonitor{ObjectMeta: metav1.ObjectMeta{Name: target, Namespace: c.namespace}}
	if err := c.deleteObject(ctx, sm); err != nil && !apierrors.IsNotFound(err) && !meta.IsNoMatchError(err) {
		logger.Error(err, "Failed to delete service monitor", "serviceMonitor", target)
	}

	if !found {
		return fmt.Errorf("%w: %s", ErrWorkloadNotFound, target)
	}
	logger.Info("Workload deleted", "workload", target)
	return nil
}

func (c *Client) deleteObject(ctx context.Context, obj client.Object) error {
	return c.client.Delete(ctx, obj,
		client.PropagationPolicy(metav1.DeletePropagationForeground),
		client.GracePeriodSeconds(DeleteGracePeriodSeconds))
}

// ModelReady reports whether a pod of model pinned to node has a ready first container.
func (c *Client) ModelReady(ctx context.Context, model, node string) (bool, error) {
	pods, err := c.ListPods(ctx, client.MatchingLabels{manifest.LabelApp: manifest.WorkloadName(model, node)})
	if err != nil {
		return false, err
	}
	for i := range pods {
		p := &pods[i]
		if p.Spec.NodeName != node || p.DeletionTimestamp != nil {
			continue
		}
		if len(p.Status.ContainerStatuses) > 0 && p.Status.ContainerStatuses[0].Ready {
			return true, nil
		}
	}
	return false, nil
}

// Scale sets the replica count of the deployment of target.
func (c *Client) Scale(ctx context.Context, target string, replicas int32) error {
	deploy := &appsv1.Deployment{}
	key := client.ObjectKey{Namespace: c.namespace, Name: manifest.DeploymentName(target)}
	if err := c.client.Get(ctx, key, deploy); err != nil {
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrWorkloadNotFound, target)
		}
		return fmt.Errorf("getting deployment %s: %w", key.Name, err)
	}
	patch := client.MergeFrom(deploy.DeepCopy())
	deploy.Spec.Replicas = ptr.To(replicas)
	if err := c.client.Patch(ctx, deploy, patch); err != nil {
		return fmt.Errorf("scaling deployment %s: %w", key.Name, err)
	}
	ctrl.LoggerFrom(ctx).Info("Deployment scaled", "deployment", key.Name, "replicas", replicas)
	return nil
}
