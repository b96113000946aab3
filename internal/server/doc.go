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

// Package server implements the HTTP surface that runs next to the control
// loop: request routing for clients and a set of development endpoints.
//
// Routing (GET or POST /services/{model}, optional body {"latency": seconds})
// answers with {"<model>": "<hostIP>:<nodePort>"} for the running pod on the
// least CPU-loaded node. Each routed request updates the model's stats entry;
// requests that carry a latency are also appended to the request log used
// as optimizer input. A model without running pods is provisioned on demand
// and answered with 202.
//
// Development endpoints live under /dev: model_stats (GET, POST to replace
// or clear), request_stats, server_mem_stats, replicas/{target}/{n} and
// delete/{target}.
package server
