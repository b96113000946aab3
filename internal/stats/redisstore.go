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
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-edge-provisioner/internal/logging"
)

// RedisStore keeps the two stats documents as JSON strings under two Redis
// keys. Updates are optimistic transactions: both keys are WATCHed, the
// callback runs on the values read, and the write is committed with
// MULTI/EXEC. A conflicting writer aborts the transaction, which is retried
// with exponential backoff against fresh state.
type RedisStore struct {
	client redis.UniversalClient
	opts   options

	modelsKey   string
	requestsKey string
}

var _ Store = &RedisStore{}

// NewRedisStore returns a store using client.
func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	o := buildOptions(opts)
	return &RedisStore{
		client:      client,
		opts:        o,
		modelsKey:   o.keyPrefix + ":model_stats",
		requestsKey: o.keyPrefix + ":request_stats",
	}
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) Load(ctx context.Context) (*Snapshot, error) {
	snap, err := s.read(ctx, s.client)
	return snap, storeError("reading stats from redis", err)
}

func (s *RedisStore) Update(ctx context.Context, fn func(*Snapshot) error) error {
	logger := ctrl.LoggerFrom(ctx)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			snap, err := s.read(ctx, tx)
			if err != nil {
				return err
			}
			if err := fn(snap); err != nil {
				return &callbackError{err: err}
			}
			if dropped := snap.Retain(s.opts.maxRequests); dropped > 0 {
				logger.V(logging.DEBUG).Info("Trimmed request log", "dropped", dropped, "kept", len(snap.Requests))
			}
			models, err := json.Marshal(snap.Models)
			if err != nil {
				return err
			}
			requests, err := json.Marshal(snap.Requests)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, s.modelsKey, models, 0)
				pipe.Set(ctx, s.requestsKey, requests, 0)
				return nil
			})
			return err
		}, s.modelsKey, s.requestsKey)

		if errors.Is(err, redis.TxFailedErr) {
			logger.V(logging.TRACE).Info("Stats transaction conflicted, retrying", "attempt", attempt)
			return struct{}{}, err
		}
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(20))
	return storeError("updating stats in redis", err)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) read(ctx context.Context, c stringGetter) (*Snapshot, error) {
	snap := NewSnapshot()
	if err := getJSON(ctx, c, s.modelsKey, &snap.Models); err != nil {
		return nil, err
	}
	if err := getJSON(ctx, c, s.requestsKey, &snap.Requests); err != nil {
		return nil, err
	}
	snap.normalize()
	return snap, nil
}

func getJSON(ctx context.Context, c stringGetter, key string, v any) error {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
