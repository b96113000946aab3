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
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sys/unix"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d/llm-d-edge-provisioner/internal/logging"
)

const (
	// ModelStatsFile holds the ModelStats document.
	ModelStatsFile = "model_stats.json"
	// RequestStatsFile holds the RequestLog document.
	RequestStatsFile = "request_stats.json"

	lockFile = ".stats.lock"
)

// FileStore keeps the two stats documents as JSON files in a directory.
// Read-modify-write cycles hold an exclusive flock on a lock file in the same
// directory, so separate processes sharing the directory never lose updates.
// Goroutines of one process are serialized by a mutex before taking the lock.
type FileStore struct {
	dir  string
	opts options

	mu sync.Mutex
}

var _ Store = &FileStore{}

// NewFileStore returns a store rooted at dir, creating the directory if needed.
func NewFileStore(dir string, opts ...Option) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, storeError("creating stats directory", err)
	}
	return &FileStore{dir: dir, opts: buildOptions(opts)}, nil
}

// Dir returns the directory holding the stats files.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) Load(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock(ctx, unix.LOCK_SH)
	if err != nil {
		return nil, storeError("locking stats", err)
	}
	defer unlock()

	snap, err := s.read()
	return snap, storeError("reading stats", err)
}

func (s *FileStore) Update(ctx context.Context, fn func(*Snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock(ctx, unix.LOCK_EX)
	if err != nil {
		return storeError("locking stats", err)
	}
	defer unlock()

	snap, err := s.read()
	if err != nil {
		return storeError("reading stats", err)
	}
	if err := fn(snap); err != nil {
		return err
	}
	if dropped := snap.Retain(s.opts.maxRequests); dropped > 0 {
		ctrl.LoggerFrom(ctx).V(logging.DEBUG).Info("Trimmed request log",
			"dropped", dropped, "kept", len(snap.Requests))
	}
	if err := writeJSON(filepath.Join(s.dir, ModelStatsFile), snap.Models); err != nil {
		return storeError("writing model stats", err)
	}
	if err := writeJSON(filepath.Join(s.dir, RequestStatsFile), snap.Requests); err != nil {
		return storeError("writing request stats", err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}

// lock takes a flock of the given kind, retrying until ctx is done while
// another process holds a conflicting lock.
func (s *FileStore) lock(ctx context.Context, how int) (func(), error) {
	f, err := os.OpenFile(filepath.Join(s.dir, lockFile), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	fd := int(f.Fd())
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := unix.Flock(fd, how|unix.LOCK_NB)
		if errors.Is(err, unix.EWOULDBLOCK) {
			return struct{}{}, err
		}
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("flock %s: %w", f.Name(), err)
	}
	return func() {
		_ = unix.Flock(fd, unix.LOCK_UN)
		_ = f.Close()
	}, nil
}

func (s *FileStore) read() (*Snapshot, error) {
	snap := NewSnapshot()
	if err := readJSON(filepath.Join(s.dir, ModelStatsFile), &snap.Models); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(s.dir, RequestStatsFile), &snap.Requests); err != nil {
		return nil, err
	}
	snap.normalize()
	return snap, nil
}

// readJSON decodes path into v. A missing or empty file leaves v untouched.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && len(data) == 0) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeJSON replaces path atomically with the encoding of v.
func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
