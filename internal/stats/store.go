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

package stats

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/llm-d/llm-d-edge-provisioner/internal/config"
	"github.com/llm-d/llm-d-edge-provisioner/internal/provisioning"
)

// Store is the durable record of model usage and request history shared by
// the control loop and the routing surface.
type Store interface {
	// Load returns a consistent snapshot of the store.
	Load(ctx context.Context) (*Snapshot, error)

	// Update runs fn against the current snapshot and persists the result.
	// Concurrent updates are serialized; fn may run more than once when the
	// backend retries a conflicting write, always against fresh state.
	// An error from fn aborts the update and nothing is written.
	Update(ctx context.Context, fn func(*Snapshot) error) error

	// Close releases resources held by the store.
	Close() error
}

// NewStore creates the store backend selected by cfg.
func NewStore(cfg config.StatsConfig) (Store, error) {
	switch cfg.Backend {
	case config.StatsBackendFile, "":
		return NewFileStore(cfg.Dir, WithMaxRequests(cfg.MaxRequests))
	case config.StatsBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})
		return NewRedisStore(client, WithMaxRequests(cfg.MaxRequests)), nil
	default:
		return nil, provisioning.Errorf(provisioning.KindConfiguration, "unsupported stats backend %q", cfg.Backend)
	}
}

type options struct {
	maxRequests int
	keyPrefix   string
}

// Option configures a Store.
type Option func(*options)

// WithMaxRequests bounds the request log to the newest n records; 0 keeps all.
func WithMaxRequests(n int) Option {
	return func(o *options) { o.maxRequests = n }
}

// WithKeyPrefix sets the key namespace used by RedisStore.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) { o.keyPrefix = prefix }
}

func buildOptions(opts []Option) options {
	o := options{keyPrefix: "edge-provisioner"}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// callbackError marks an error returned by an Update callback so that it
// passes through unchanged instead of being reported as a store failure.
type callbackError struct {
	err error
}

func (e *callbackError) Error() string { return e.err.Error() }
func (e *callbackError) Unwrap() error { return e.err }

func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var cb *callbackError
	if errors.As(err, &cb) {
		return cb.err
	}
	return provisioning.NewError(provisioning.KindStatsStore, fmt.Errorf("%s: %w", op, err))
}
