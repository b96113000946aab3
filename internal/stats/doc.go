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

// Package stats implements the Stats Store: per-model usage history and the
// request log that forms the optimizer's request dimension.
//
// # Wire format
//
// Two JSON documents are kept. The model document maps a model identifier to
// its last request time and request count:
//
//	{"resnet": {"last_request": "10/18/26 14:03:11", "num_requests": 12}}
//
// The request document maps a dense decimal index to a request record:
//
//	{"0": {"model": "resnet", "latency": 0.5, "server": "192.168.1.41", "server_name": "jetsonnanoone"}}
//
// # Consistency
//
// All mutations go through Store.Update, which gives each caller a
// linearizable read-modify-write. FileStore serializes writers with an
// exclusive flock on a lock file next to the documents; RedisStore uses
// WATCH/MULTI/EXEC and retries on conflict.
//
// # Retention
//
// WithMaxRequests bounds the request log. Older records are dropped on the
// next update and the remaining records are renumbered from zero.
package stats
