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

// Package eviction implements the two eviction passes run ahead of placement.
//
// The age pass removes models whose last request is at or before the
// staleness cutoff; the usage pass removes models with fewer requests than
// the usage threshold. Both key deployments by model (the pod template's
// model label, or the leading token of the deployment name). Each eviction
// deletes every deployment of the model and drops its stats entry in its own
// store update, so an interrupted pass leaves a consistent subset evicted.
//
// A live model with no stats entry is reported as a ConsistencyError after
// the pass has handled the remaining models.
package eviction
