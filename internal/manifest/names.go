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
	"strings"

	appsv1 "k8s.io/api/apps/v1"
)

const (
	// LabelApp selects the pods of one (model, node) workload.
	LabelApp = "app"
	// LabelModel carries the model identifier.
	LabelModel = "edge.llm-d.ai/model"
	// LabelNode carries the logical node name.
	LabelNode = "edge.llm-d.ai/node"

	deploymentSuffix = "-deployment"
)

// WorkloadName returns the service name of model deployed on node.
func WorkloadName(model, node string) string {
	return model + "-" + node
}

// DeploymentName returns the deployment name of a workload.
func DeploymentName(workload string) string {
	return workload + deploymentSuffix
}

// WorkloadFromDeployment returns the workload name of a deployment name.
func WorkloadFromDeployment(deployment string) string {
	return strings.TrimSuffix(deployment, deploymentSuffix)
}

// ModelToken returns everything before the first '-' of a workload, service
// or deployment name.
func ModelToken(name string) string {
	model, _, _ := strings.Cut(name, "-")
	return model
}

// ModelOf returns the model served by a deployment. The pod template's model
// label wins; deployments created without it fall back to the name token.
func ModelOf(deploy *appsv1.Deployment) string {
	if deploy == nil {
		return ""
	}
	if m, ok := deploy.Spec.Template.Labels[LabelModel]; ok && m != "" {
		return m
	}
	return ModelToken(deploy.Name)
}

// NodeOf returns the node a deployment is pinned to, or "" if it is not pinned.
func NodeOf(deploy *appsv1.Deployment) string {
	if deploy == nil {
		return ""
	}
	if n := deploy.Spec.Template.Spec.NodeName; n != "" {
		return n
	}
	return deploy.Spec.Template.Labels[LabelNode]
}
